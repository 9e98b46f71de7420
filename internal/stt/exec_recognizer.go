package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
	webrtcvad "github.com/maxhawkins/go-webrtcvad"
)

const (
	vadFrameMS  = 20
	vadDebounce = 3
	prerollMS   = 200
)

// ExecConfig drives an external recognizer binary.
type ExecConfig struct {
	Command        string
	Language       string
	Channels       int
	PublishInterim bool
	PartialEvery   time.Duration
	EndSilence     time.Duration
	MaxUtterance   time.Duration
	VADMode        int
	Timeout        time.Duration
}

// ExecEngine endpoints audio with WebRTC VAD and transcribes each utterance
// by running a command that prints {"text": "...", "confidence": 0.9}.
type ExecEngine struct {
	logger *slog.Logger
	cmd    []string
	cfg    ExecConfig
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecEngine(logger *slog.Logger, cfg ExecConfig) (*ExecEngine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.Channels != 1 {
		return nil, fmt.Errorf("exec recognizer needs mono audio, got %d channels", cfg.Channels)
	}
	if cfg.EndSilence <= 0 {
		cfg.EndSilence = 600 * time.Millisecond
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 45 * time.Second
	}
	return &ExecEngine{
		logger: logger.With(slog.String("component", "stt_exec")),
		cmd:    args,
		cfg:    cfg,
	}, nil
}

func (e *ExecEngine) Open(ctx context.Context, modelPath string, sampleRate int) (Recognizer, error) {
	if modelPath != "" {
		if _, err := os.Stat(modelPath); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, err)
		}
	}
	switch sampleRate {
	case 8000, 16000, 32000, 48000:
	default:
		return nil, fmt.Errorf("%w: vad does not support %d Hz", ErrModelUnavailable, sampleRate)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vad, err := webrtcvad.New()
	if err != nil {
		return nil, fmt.Errorf("init vad: %w", err)
	}
	if err := vad.SetMode(e.cfg.VADMode); err != nil {
		return nil, fmt.Errorf("set vad mode: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &execRecognizer{
		engine:     e,
		modelPath:  modelPath,
		sampleRate: sampleRate,
		vad:        vad,
		frameBytes: sampleRate * vadFrameMS / 1000 * 2,
		jobs:       make(chan execJob, 4),
		stream:     newResultStream(32),
		ctx:        runCtx,
		cancel:     cancel,
	}
	r.wg.Add(1)
	go r.worker()
	e.logger.Info("exec recognizer ready",
		slog.String("command", e.cmd[0]),
		slog.String("model", modelPath),
		slog.Int("sample_rate", sampleRate),
	)
	return r, nil
}

type execJob struct {
	utterance int64
	pcm       []byte
	final     bool
}

type execRecognizer struct {
	engine     *ExecEngine
	modelPath  string
	sampleRate int
	vad        *webrtcvad.VAD
	frameBytes int

	mu          sync.Mutex
	buf         []byte
	preroll     []byte
	utterance   []byte
	inSpeech    bool
	speechRun   int
	silence     time.Duration
	current     int64
	lastPartial time.Time

	jobs   chan execJob
	stream *resultStream
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// AcceptWaveform only buffers and runs VAD; transcription happens on the worker.
func (r *execRecognizer) AcceptWaveform(frame []byte) error {
	if r.stream.terminated() {
		return ErrTerminated
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf = append(r.buf, frame...)
	for len(r.buf) >= r.frameBytes {
		chunk := r.buf[:r.frameBytes]
		r.buf = r.buf[r.frameBytes:]
		active, err := r.vad.Process(r.sampleRate, chunk)
		if err != nil {
			continue
		}
		r.step(chunk, active)
	}
	return nil
}

func (r *execRecognizer) step(chunk []byte, active bool) {
	frameDur := vadFrameMS * time.Millisecond
	if !r.inSpeech {
		r.preroll = append(r.preroll, chunk...)
		if limit := r.sampleRate * prerollMS / 1000 * 2; len(r.preroll) > limit {
			r.preroll = r.preroll[len(r.preroll)-limit:]
		}
		if !active {
			r.speechRun = 0
			return
		}
		r.speechRun++
		if r.speechRun < vadDebounce {
			return
		}
		r.inSpeech = true
		r.current++
		r.silence = 0
		r.lastPartial = time.Now()
		r.utterance = append(r.utterance[:0], r.preroll...)
		r.preroll = r.preroll[:0]
		return
	}

	r.utterance = append(r.utterance, chunk...)
	if active {
		r.silence = 0
	} else {
		r.silence += frameDur
	}
	length := time.Duration(len(r.utterance)/2) * time.Second / time.Duration(r.sampleRate)
	if r.silence >= r.engine.cfg.EndSilence || length >= r.engine.cfg.MaxUtterance {
		r.submit(true)
		r.inSpeech = false
		r.speechRun = 0
		r.utterance = nil
		return
	}
	if r.engine.cfg.PublishInterim && r.engine.cfg.PartialEvery > 0 && time.Since(r.lastPartial) >= r.engine.cfg.PartialEvery {
		r.lastPartial = time.Now()
		r.submit(false)
	}
}

func (r *execRecognizer) submit(final bool) {
	job := execJob{utterance: r.current, pcm: append([]byte(nil), r.utterance...), final: final}
	select {
	case r.jobs <- job:
	default:
		if final {
			go r.stream.emit(Result{
				Kind:      ResultError,
				Utterance: job.utterance,
				Err:       fmt.Errorf("%w: recognizer backlog full", ErrDecode),
			})
		}
	}
}

func (r *execRecognizer) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case job := <-r.jobs:
			r.run(job)
		}
	}
}

func (r *execRecognizer) run(job execJob) {
	ctx, cancel := context.WithTimeout(r.ctx, r.engine.cfg.Timeout)
	defer cancel()

	text, err := r.transcribe(ctx, job)
	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		fatal := errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist)
		if !job.final && !fatal {
			r.engine.logger.Debug("partial transcription failed", slogError(err))
			return
		}
		r.stream.emit(Result{Kind: ResultError, Utterance: job.utterance, Err: err, Fatal: fatal})
		return
	}
	kind := ResultPartial
	if job.final {
		kind = ResultFinal
	}
	r.stream.emit(Result{Kind: kind, Utterance: job.utterance, Text: text})
}

func (r *execRecognizer) transcribe(ctx context.Context, job execJob) (string, error) {
	file, err := os.CreateTemp("", "loqa_tally_*.wav")
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writePCMToWav(file, job.pcm, r.sampleRate, r.engine.cfg.Channels); err != nil {
		return "", err
	}

	cmdArgs := append([]string{}, r.engine.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.modelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.modelPath)
	}
	if r.engine.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.engine.cfg.Language)
	}
	if !job.final {
		cmdArgs = append(cmdArgs, "--partial")
	}

	command := exec.CommandContext(ctx, r.engine.cmd[0], cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("stt command unavailable: %w", err)
		}
		return "", fmt.Errorf("%w: %w: %s", ErrDecode, err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("%w: decode stt response: %w", ErrDecode, err)
	}
	return resp.Text, nil
}

func (r *execRecognizer) Results() <-chan Result {
	return r.stream.results
}

// Terminate cancels in-flight commands and waits for the worker before
// closing the results channel.
func (r *execRecognizer) Terminate() error {
	r.stream.close(func() {
		r.cancel()
		r.wg.Wait()
	})
	return nil
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
