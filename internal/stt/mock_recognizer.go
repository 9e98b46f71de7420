package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MockEngine produces scripted utterances: every FramesPerUtterance frames it
// emits a partial with the first half of the next script line, then the final.
// The lines "!error" and "!fatal" emit error results instead.
type MockEngine struct {
	Script             []string
	FramesPerUtterance int
	Partials           bool
	LoadDelay          time.Duration
	OpenErr            error
}

func NewMockEngine(script []string, framesPerUtterance int, partials bool) *MockEngine {
	return &MockEngine{Script: script, FramesPerUtterance: framesPerUtterance, Partials: partials}
}

func (e *MockEngine) Open(ctx context.Context, modelPath string, sampleRate int) (Recognizer, error) {
	if e.LoadDelay > 0 {
		timer := time.NewTimer(e.LoadDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if e.OpenErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, e.OpenErr)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	frames := e.FramesPerUtterance
	if frames <= 0 {
		frames = 50
	}
	return &mockRecognizer{
		script:   append([]string(nil), e.Script...),
		frames:   frames,
		partials: e.Partials,
		stream:   newResultStream(64),
	}, nil
}

type mockRecognizer struct {
	script   []string
	frames   int
	partials bool
	stream   *resultStream

	mu        sync.Mutex
	seen      int
	utterance int64
	line      int
}

func (m *mockRecognizer) AcceptWaveform(frame []byte) error {
	if m.stream.terminated() {
		return ErrTerminated
	}
	if len(m.script) == 0 {
		return nil
	}
	m.mu.Lock()
	m.seen++
	if m.seen < m.frames {
		m.mu.Unlock()
		return nil
	}
	m.seen = 0
	m.utterance++
	utterance := m.utterance
	text := m.script[m.line%len(m.script)]
	m.line++
	m.mu.Unlock()

	switch strings.TrimSpace(text) {
	case "!error":
		m.stream.emit(Result{Kind: ResultError, Utterance: utterance, Err: fmt.Errorf("%w: scripted failure", ErrDecode)})
		return nil
	case "!fatal":
		m.stream.emit(Result{Kind: ResultError, Utterance: utterance, Err: errors.New("scripted engine failure"), Fatal: true})
		return nil
	}
	if m.partials {
		words := strings.Fields(text)
		if half := len(words) / 2; half > 0 {
			m.stream.emit(Result{Kind: ResultPartial, Utterance: utterance, Text: strings.Join(words[:half], " ")})
		}
	}
	m.stream.emit(Result{Kind: ResultFinal, Utterance: utterance, Text: text})
	return nil
}

func (m *mockRecognizer) Results() <-chan Result {
	return m.stream.results
}

func (m *mockRecognizer) Terminate() error {
	m.stream.close(nil)
	return nil
}
