package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSink struct {
	mu     sync.Mutex
	chunks []TranscriptChunk
	errs   []error
	fatals []bool
}

func (s *recordingSink) Transcript(chunk TranscriptChunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, chunk)
}

func (s *recordingSink) RecognizerError(err error, fatal bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	s.fatals = append(s.fatals, fatal)
}

func (s *recordingSink) finals() []TranscriptChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TranscriptChunk
	for _, c := range s.chunks {
		if c.IsFinal {
			out = append(out, c)
		}
	}
	return out
}

// scriptedRecognizer replays a fixed result list and closes.
type scriptedRecognizer struct {
	results chan Result
}

func newScripted(results ...Result) *scriptedRecognizer {
	ch := make(chan Result, len(results))
	for _, r := range results {
		ch <- r
	}
	close(ch)
	return &scriptedRecognizer{results: ch}
}

func (s *scriptedRecognizer) AcceptWaveform([]byte) error { return nil }
func (s *scriptedRecognizer) Results() <-chan Result      { return s.results }
func (s *scriptedRecognizer) Terminate() error            { return nil }

func runAdapter(t *testing.T, rec Recognizer, seq *atomic.Int64) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	a := NewAdapter(testLogger(), rec, sink, seq)
	a.Start()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("adapter did not finish")
	}
	return sink
}

func TestAdapterDropsDuplicateFinalsAndLatePartials(t *testing.T) {
	t.Parallel()
	rec := newScripted(
		Result{Kind: ResultPartial, Utterance: 1, Text: "om"},
		Result{Kind: ResultFinal, Utterance: 1, Text: "om ara"},
		Result{Kind: ResultPartial, Utterance: 1, Text: "late"},
		Result{Kind: ResultFinal, Utterance: 1, Text: "again"},
		Result{Kind: ResultPartial, Utterance: 2, Text: "pa"},
		Result{Kind: ResultFinal, Utterance: 2, Text: "pa cha"},
	)
	sink := runAdapter(t, rec, nil)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, c := range sink.chunks {
		if c.Text == "late" || c.Text == "again" {
			t.Fatalf("unexpected chunk %+v", c)
		}
	}
	var last int64
	finals := 0
	for _, c := range sink.chunks {
		if !c.IsFinal {
			continue
		}
		finals++
		if c.Sequence <= last {
			t.Fatalf("sequence did not increase: %d after %d", c.Sequence, last)
		}
		last = c.Sequence
	}
	if finals == 0 {
		t.Fatal("expected finals")
	}
}

func TestAdapterBatchesQueuedFinals(t *testing.T) {
	t.Parallel()
	rec := newScripted(
		Result{Kind: ResultFinal, Utterance: 1, Text: "om ara pa"},
		Result{Kind: ResultFinal, Utterance: 2, Text: "cha na dhi"},
		Result{Kind: ResultPartial, Utterance: 3, Text: "om"},
	)
	sink := runAdapter(t, rec, nil)

	finals := sink.finals()
	if len(finals) != 1 {
		t.Fatalf("expected one batched final, got %+v", finals)
	}
	if finals[0].Text != "om ara pa cha na dhi" || finals[0].Sequence != 1 {
		t.Fatalf("unexpected batched chunk %+v", finals[0])
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if last := sink.chunks[len(sink.chunks)-1]; last.IsFinal || last.Text != "om" {
		t.Fatalf("expected trailing partial to survive batching, got %+v", last)
	}
}

func TestAdapterSharedSequence(t *testing.T) {
	t.Parallel()
	var seq atomic.Int64
	seq.Store(41)
	sink := runAdapter(t, newScripted(Result{Kind: ResultFinal, Utterance: 0, Text: "x"}), &seq)
	finals := sink.finals()
	if len(finals) != 1 || finals[0].Sequence != 42 {
		t.Fatalf("expected sequence 42, got %+v", finals)
	}
}

func TestAdapterForwardsErrors(t *testing.T) {
	t.Parallel()
	rec := newScripted(
		Result{Kind: ResultError, Utterance: 1, Err: ErrDecode},
		Result{Kind: ResultError, Utterance: 2, Fatal: true},
	)
	sink := runAdapter(t, rec, nil)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.errs) != 2 {
		t.Fatalf("expected two errors, got %d", len(sink.errs))
	}
	if !errors.Is(sink.errs[0], ErrDecode) || sink.fatals[0] {
		t.Fatalf("unexpected first error %v fatal=%v", sink.errs[0], sink.fatals[0])
	}
	if sink.errs[1] == nil || !sink.fatals[1] {
		t.Fatalf("expected fatal error with cause, got %v", sink.errs[1])
	}
}

func TestMockEngineScript(t *testing.T) {
	t.Parallel()
	engine := NewMockEngine([]string{"om ara pa cha na dhi", "!error"}, 2, true)
	rec, err := engine.Open(context.Background(), "", 16000)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := rec.AcceptWaveform(make([]byte, 640)); err != nil {
			t.Fatalf("accept: %v", err)
		}
	}
	if err := rec.Terminate(); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if err := rec.Terminate(); err != nil {
		t.Fatalf("second terminate: %v", err)
	}
	if err := rec.AcceptWaveform(make([]byte, 640)); !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}

	var kinds []ResultKind
	for res := range rec.Results() {
		kinds = append(kinds, res.Kind)
	}
	want := []ResultKind{ResultPartial, ResultFinal, ResultError}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}

func TestMockEngineOpenFailure(t *testing.T) {
	t.Parallel()
	engine := &MockEngine{OpenErr: errors.New("missing weights")}
	if _, err := engine.Open(context.Background(), "model", 16000); !errors.Is(err, ErrModelUnavailable) {
		t.Fatalf("expected ErrModelUnavailable, got %v", err)
	}
}

func TestMockEngineOpenHonorsContext(t *testing.T) {
	t.Parallel()
	engine := &MockEngine{LoadDelay: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.Open(ctx, "", 16000); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
