package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-tally/internal/detect"
	"github.com/loqalabs/loqa-tally/internal/normalize"
)

func TestRunMatchCountsChunks(t *testing.T) {
	pattern, err := detect.NewPattern("om ara pa cha na dhi", 3, detect.FuzzyWindow, 1, normalize.Latin)
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	input := strings.Join([]string{
		"Om, ara pa cha na dee!",
		"",
		"unrelated words here",
		"om ara pa cha na dhi om ara pa cha na dhi",
	}, "\n")

	var out bytes.Buffer
	if err := runMatch(pattern, strings.NewReader(input), &out); err != nil {
		t.Fatalf("match: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 3 chunk lines and a total, got %q", out.String())
	}
	if !strings.HasPrefix(lines[0], "1\t") || !strings.HasSuffix(lines[0], "om ara pa cha na dee") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if lines[3] != "total\t2" {
		t.Fatalf("expected total 2, got %q", lines[3])
	}
}

func TestMatchRejectsBadMode(t *testing.T) {
	var out bytes.Buffer
	err := match([]string{"-mode", "sometimes"}, strings.NewReader(""), &out)
	if err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
