package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/loqalabs/loqa-tally/internal/audio"
	"github.com/loqalabs/loqa-tally/internal/config"
	"github.com/loqalabs/loqa-tally/internal/counter"
	"github.com/loqalabs/loqa-tally/internal/detect"
	"github.com/loqalabs/loqa-tally/internal/normalize"
	"github.com/loqalabs/loqa-tally/internal/runtime"
	"github.com/loqalabs/loqa-tally/internal/serial"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'match', 'ports', 'devices' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "match":
		if err := match(os.Args[2:], os.Stdin, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "ports":
		if err := ports(os.Args[2:], os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "devices":
		if err := devices(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

// match treats every input line as one final transcript chunk.
func match(args []string, stdin io.Reader, out io.Writer) error {
	fs := flag.NewFlagSet("match", flag.ContinueOnError)
	var (
		configPath string
		inputPath  string
		phrase     string
		mode       string
		distance   int
	)
	fs.StringVar(&configPath, "config", "", "Configuration file supplying the pattern section")
	fs.StringVar(&inputPath, "file", "", "Transcript file, one chunk per line (default stdin)")
	fs.StringVar(&phrase, "phrase", "", "Override pattern.phrase")
	fs.StringVar(&mode, "mode", "", "Override pattern.mode (fuzzy_window|exact_run)")
	fs.IntVar(&distance, "distance", -1, "Override pattern.max_edit_distance")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if phrase != "" {
		cfg.Pattern.Phrase = phrase
	}
	if mode != "" {
		cfg.Pattern.Mode = mode
	}
	if distance >= 0 {
		cfg.Pattern.MaxEditDistance = distance
	}
	pattern, err := runtime.NewPattern(cfg.Pattern)
	if err != nil {
		return err
	}

	in := stdin
	if inputPath != "" {
		f, err := os.Open(inputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	return runMatch(pattern, in, out)
}

func runMatch(pattern detect.Pattern, in io.Reader, out io.Writer) error {
	detector := detect.NewDetector(pattern)
	c := counter.New()
	scanner := bufio.NewScanner(in)
	var seq int64
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		seq++
		normalized := normalize.Normalize(line, pattern.Alphabet())
		events := detector.Detect(seq, normalized)
		state := c.Apply(events)
		fmt.Fprintf(out, "%d\t%d\t%d\t%s\n", seq, len(events), state.Count, normalized)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "total\t%d\n", c.Snapshot().Count)
	return nil
}

func ports(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ports", flag.ContinueOnError)
	var configPath string
	var asJSON bool
	fs.StringVar(&configPath, "config", "", "Configuration file supplying serial.authorized")
	fs.BoolVar(&asJSON, "json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	list, err := serial.NewSystemPlatform(cfg.Serial.Authorized).List()
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}
	for _, p := range list {
		mark := " "
		if p.Authorized {
			mark = "*"
		}
		usb := ""
		if p.USB {
			usb = fmt.Sprintf(" usb %s:%s %s", p.VID, p.PID, p.Product)
		}
		fmt.Fprintf(out, "%s %s%s\n", mark, p.Name, usb)
	}
	return nil
}

func devices(out io.Writer) error {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lister, ok := audio.NewPlatformSource(logger).(audio.DeviceLister)
	if !ok {
		return errors.New("audio backend cannot enumerate devices")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	list, err := lister.Devices(ctx)
	if err != nil {
		return err
	}
	for _, d := range list {
		fmt.Fprintf(out, "%s\t%s\n", d.ID, d.Name)
	}
	return nil
}
