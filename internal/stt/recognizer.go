// Package stt is the boundary to the speech recognition engine.
package stt

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrModelUnavailable is returned by Open when the model cannot be loaded.
	ErrModelUnavailable = errors.New("stt: model unavailable")
	// ErrDecode marks a failure to decode a single utterance.
	ErrDecode = errors.New("stt: decode failed")
	// ErrTerminated is returned by AcceptWaveform after Terminate.
	ErrTerminated = errors.New("stt: recognizer terminated")
)

type ResultKind int

const (
	ResultPartial ResultKind = iota
	ResultFinal
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultPartial:
		return "partial"
	case ResultFinal:
		return "final"
	case ResultError:
		return "error"
	}
	return "unknown"
}

// Result is one recognizer event. Utterance ids increase monotonically; all
// partials for an utterance are delivered before its final.
type Result struct {
	Kind      ResultKind
	Utterance int64
	Text      string
	Err       error
	Fatal     bool
}

// Recognizer accepts PCM frames and reports results on a channel that is
// closed after Terminate.
type Recognizer interface {
	AcceptWaveform(frame []byte) error
	Results() <-chan Result
	Terminate() error
}

// Engine loads a model and starts a recognizer at a sample rate.
type Engine interface {
	Open(ctx context.Context, modelPath string, sampleRate int) (Recognizer, error)
}

// resultStream is the shared results channel plumbing. emit never blocks past
// Terminate, and the channel is closed exactly once.
type resultStream struct {
	results chan Result
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func newResultStream(buffer int) *resultStream {
	return &resultStream{
		results: make(chan Result, buffer),
		done:    make(chan struct{}),
	}
}

func (s *resultStream) emit(res Result) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.results <- res:
		return true
	case <-s.done:
		return false
	}
}

func (s *resultStream) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *resultStream) close(beforeClose func()) {
	s.once.Do(func() {
		close(s.done)
		if beforeClose != nil {
			beforeClose()
		}
		s.mu.Lock()
		s.closed = true
		close(s.results)
		s.mu.Unlock()
	})
}
