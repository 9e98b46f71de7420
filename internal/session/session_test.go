package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-tally/internal/audio"
	"github.com/loqalabs/loqa-tally/internal/detect"
	"github.com/loqalabs/loqa-tally/internal/normalize"
	"github.com/loqalabs/loqa-tally/internal/serial"
	"github.com/loqalabs/loqa-tally/internal/stt"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chanRecognizer lets a test inject results directly.
type chanRecognizer struct {
	mu         sync.Mutex
	results    chan stt.Result
	terminated bool
	frames     atomic.Int64
	next       int64
}

func newChanRecognizer() *chanRecognizer {
	return &chanRecognizer{results: make(chan stt.Result, 64)}
}

func (r *chanRecognizer) AcceptWaveform([]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return stt.ErrTerminated
	}
	r.frames.Add(1)
	return nil
}

func (r *chanRecognizer) Results() <-chan stt.Result { return r.results }

func (r *chanRecognizer) Terminate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.terminated {
		r.terminated = true
		close(r.results)
	}
	return nil
}

func (r *chanRecognizer) isTerminated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated
}

// final emits a final for a fresh utterance; it is dropped after Terminate.
func (r *chanRecognizer) final(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return
	}
	r.next++
	r.results <- stt.Result{Kind: stt.ResultFinal, Utterance: r.next, Text: text}
}

func (r *chanRecognizer) fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.terminated {
		return
	}
	r.results <- stt.Result{Kind: stt.ResultError, Err: err, Fatal: true}
}

type fakeEngine struct {
	mu       sync.Mutex
	failures int
	recs     []*chanRecognizer

	// loaded, when set, holds Open until it is closed.
	loaded chan struct{}
}

func (e *fakeEngine) Open(ctx context.Context, modelPath string, sampleRate int) (stt.Recognizer, error) {
	if e.loaded != nil {
		select {
		case <-e.loaded:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failures > 0 {
		e.failures--
		return nil, stt.ErrModelUnavailable
	}
	rec := newChanRecognizer()
	e.recs = append(e.recs, rec)
	return rec, nil
}

func (e *fakeEngine) latest() *chanRecognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recs) == 0 {
		return nil
	}
	return e.recs[len(e.recs)-1]
}

type fakeSerial struct {
	mu          sync.Mutex
	state       serial.State
	sends       []int
	disconnects int
	reconnects  int
	connectErr  error
	listeners   []func(serial.State)
}

func (f *fakeSerial) Connect(ctx context.Context, name string) error {
	f.mu.Lock()
	if f.connectErr != nil {
		f.state = serial.Error
	} else {
		f.state = serial.Connected
	}
	state, err := f.state, f.connectErr
	listeners := append([]func(serial.State){}, f.listeners...)
	f.mu.Unlock()
	for _, fn := range listeners {
		fn(state)
	}
	return err
}

func (f *fakeSerial) Reconnect(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects++
}

func (f *fakeSerial) Send(count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != serial.Connected {
		return
	}
	f.sends = append(f.sends, count)
}

func (f *fakeSerial) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.state = serial.Disconnected
}

func (f *fakeSerial) State() serial.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSerial) Port() string { return "" }

func (f *fakeSerial) OnStateChange(fn func(serial.State)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeSerial) sent() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.sends...)
}

type memJournal struct {
	mu          sync.Mutex
	transitions []Transition
}

func (j *memJournal) Record(_ context.Context, t Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.transitions = append(j.transitions, t)
	return nil
}

func chantPattern(t *testing.T) detect.Pattern {
	t.Helper()
	p, err := detect.NewPattern("om ara pa cha na dhi", 3, detect.FuzzyWindow, 1, normalize.Latin)
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	return p
}

func captureConfig() audio.PipelineConfig {
	return audio.PipelineConfig{
		Options:       audio.Options{SampleRate: 16000, Channels: 1},
		FrameDuration: 20 * time.Millisecond,
		BufferFrames:  16,
	}
}

func silence() *audio.MockSource {
	return &audio.MockSource{ChunkSize: 640, Pace: 2 * time.Millisecond, Loop: true}
}

type harness struct {
	session *Session
	engine  *fakeEngine
	serial  *fakeSerial
	journal *memJournal
}

func newHarness(t *testing.T, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	h := &harness{engine: &fakeEngine{}, serial: &fakeSerial{}, journal: &memJournal{}}
	deps := Deps{
		Logger:  testLogger(),
		Engine:  h.engine,
		Source:  silence(),
		Pattern: chantPattern(t),
		Serial:  h.serial,
		Journal: h.journal,
	}
	opts := Options{Capture: captureConfig(), AutoStart: true, TranscriptLimit: 64}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	s, err := New(context.Background(), deps, opts)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	h.session = s
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return h
}

func waitSnapshot(t *testing.T, s *Session, what string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap := s.Snapshot()
		if cond(snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, last snapshot %+v", what, s.Snapshot())
	return Snapshot{}
}

func listening(s Snapshot) bool { return s.State == Listening }

func TestAutoStartCountsChant(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.serial.Connect(context.Background(), "COM1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitSnapshot(t, h.session, "listening", listening)

	rec := h.engine.latest()
	rec.final("Om ara pa cha na dee")
	waitSnapshot(t, h.session, "count 1", func(s Snapshot) bool { return s.Count == 1 })
	// queued finals may be batched into one chunk; each chunk counts at most once
	rec.final("the quick brown fox jumps")
	rec.final("om ara pa cha na dhi om ara pa cha na dhi")

	snap := waitSnapshot(t, h.session, "count 2", func(s Snapshot) bool { return s.Count == 2 })
	if !strings.Contains(snap.Transcript, "quick brown fox") {
		t.Fatalf("expected transcript to keep finals, got %q", snap.Transcript)
	}
	if snap.SessionID == "" {
		t.Fatal("expected session id")
	}
	deadline := time.Now().Add(time.Second)
	for len(h.serial.sent()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sent := h.serial.sent()
	if len(sent) != 2 || sent[0] != 1 || sent[1] != 2 {
		t.Fatalf("expected serial updates [1 2], got %v", sent)
	}
	if rec.frames.Load() == 0 {
		t.Fatal("expected frames to reach the recognizer")
	}
}

func TestAutoStartDisabledWaitsForStart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ *Deps, o *Options) { o.AutoStart = false })
	waitSnapshot(t, h.session, "ready", func(s Snapshot) bool { return s.State == Ready })
	time.Sleep(20 * time.Millisecond)
	if h.session.Snapshot().State != Ready {
		t.Fatal("capture started without a start request")
	}
	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.session.Snapshot().State != Listening {
		t.Fatalf("expected listening after start returned, got %s", h.session.Snapshot().State)
	}
}

func TestStopWhileLoadingSuppressesAutoStart(t *testing.T) {
	t.Parallel()
	loaded := make(chan struct{})
	h := newHarness(t, func(d *Deps, _ *Options) { d.Engine.(*fakeEngine).loaded = loaded })
	waitSnapshot(t, h.session, "loading", func(s Snapshot) bool { return s.State == LoadingModel })

	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	close(loaded)
	waitSnapshot(t, h.session, "ready", func(s Snapshot) bool { return s.State == Ready })
	time.Sleep(30 * time.Millisecond)
	if state := h.session.Snapshot().State; state != Ready {
		t.Fatalf("expected capture to stay stopped, got %s", state)
	}

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if state := h.session.Snapshot().State; state != Listening {
		t.Fatalf("expected listening after explicit start, got %s", state)
	}
}

func TestSerialDegradationKeepsCounting(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	waitSnapshot(t, h.session, "listening", listening)

	h.engine.latest().final("om ara pa cha na dhi")
	snap := waitSnapshot(t, h.session, "count 1", func(s Snapshot) bool { return s.Count == 1 })
	if snap.SerialState != "disconnected" {
		t.Fatalf("expected disconnected serial, got %s", snap.SerialState)
	}
	if len(h.serial.sent()) != 0 {
		t.Fatal("expected no serial writes while disconnected")
	}
}

func TestStopDiscardsLateChunks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	waitSnapshot(t, h.session, "listening", listening)
	rec := h.engine.latest()

	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if h.session.Snapshot().State != Ready {
		t.Fatalf("expected ready, got %s", h.session.Snapshot().State)
	}

	rec.final("om ara pa cha na dhi")
	time.Sleep(30 * time.Millisecond)
	if got := h.session.Snapshot().Count; got != 0 {
		t.Fatalf("late chunk was counted: %d", got)
	}
	if rec.isTerminated() {
		t.Fatal("stop must keep the recognizer loaded")
	}

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("restart capture: %v", err)
	}
	rec.final("om ara pa cha na dhi")
	waitSnapshot(t, h.session, "count 1", func(s Snapshot) bool { return s.Count == 1 })
}

func TestResetClearsCountAndTranscript(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.serial.Connect(context.Background(), "COM1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitSnapshot(t, h.session, "listening", listening)
	h.engine.latest().final("om ara pa cha na dhi")
	waitSnapshot(t, h.session, "count 1", func(s Snapshot) bool { return s.Count == 1 })

	if err := h.session.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	snap := h.session.Snapshot()
	if snap.Count != 0 || snap.Transcript != "" || snap.Partial != "" {
		t.Fatalf("expected cleared snapshot, got %+v", snap)
	}
	sent := h.serial.sent()
	if len(sent) == 0 || sent[len(sent)-1] != 0 {
		t.Fatalf("expected reset to forward 0, got %v", sent)
	}
}

func TestModelLoadFailureThenRestart(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Engine = &fakeEngine{failures: 1}
	})
	engine := h.session.deps.Engine.(*fakeEngine)

	snap := waitSnapshot(t, h.session, "error", func(s Snapshot) bool { return s.State == Error })
	if !strings.Contains(snap.Error, "model unavailable") {
		t.Fatalf("expected model error, got %q", snap.Error)
	}
	firstID := snap.SessionID

	// teardown before any resource was acquired is a no-op
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop in error: %v", err)
	}

	if err := h.session.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap = waitSnapshot(t, h.session, "listening", listening)
	if snap.SessionID == firstID {
		t.Fatal("expected a fresh session id after restart")
	}
	if snap.Error != "" {
		t.Fatalf("expected error cleared, got %q", snap.Error)
	}
	if engine.latest() == nil {
		t.Fatal("expected a recognizer after restart")
	}
}

func TestMicrophoneFailureReleasesEverything(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.Source = &audio.MockSource{OpenErr: errors.New("permission denied")}
	})
	snap := waitSnapshot(t, h.session, "error", func(s Snapshot) bool { return s.State == Error })
	if !strings.Contains(snap.Error, "permission denied") {
		t.Fatalf("unexpected error %q", snap.Error)
	}
	rec := h.engine.latest()
	if rec == nil || !rec.isTerminated() {
		t.Fatal("expected recognizer released")
	}
	h.serial.mu.Lock()
	disconnects := h.serial.disconnects
	h.serial.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("expected serial released once, got %d", disconnects)
	}
}

func TestFatalRecognizerErrorEntersError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	waitSnapshot(t, h.session, "listening", listening)
	rec := h.engine.latest()
	rec.fatal(errors.New("engine crashed"))

	snap := waitSnapshot(t, h.session, "error", func(s Snapshot) bool { return s.State == Error })
	if !strings.Contains(snap.Error, "engine crashed") {
		t.Fatalf("unexpected error %q", snap.Error)
	}
	if !rec.isTerminated() {
		t.Fatal("expected recognizer terminated")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	waitSnapshot(t, h.session, "listening", listening)
	rec := h.engine.latest()

	ctx := context.Background()
	if err := h.session.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := h.session.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if !rec.isTerminated() {
		t.Fatal("expected recognizer terminated")
	}
	if err := h.session.Start(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestTranscriptLimitKeepsNewestRunes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(_ *Deps, o *Options) { o.TranscriptLimit = 10 })
	waitSnapshot(t, h.session, "listening", listening)
	rec := h.engine.latest()
	rec.final("aaaaaaaaaa")
	rec.final("bbbbb")
	snap := waitSnapshot(t, h.session, "transcript", func(s Snapshot) bool { return strings.HasSuffix(s.Transcript, "bbbbb") })
	if got := len([]rune(snap.Transcript)); got != 10 {
		t.Fatalf("expected 10 runes, got %d (%q)", got, snap.Transcript)
	}
}

func TestJournalRecordsTransitions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	waitSnapshot(t, h.session, "listening", listening)
	if err := h.session.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	var got []State
	for _, tr := range h.journal.transitions {
		got = append(got, tr.To)
	}
	want := []State{LoadingModel, Ready, Listening, Ready}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	updates, cancel := h.session.Subscribe(8)
	defer cancel()

	timeout := time.After(3 * time.Second)
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				t.Fatal("subscription closed early")
			}
			if snap.State == Listening {
				return
			}
		case <-timeout:
			t.Fatal("no listening snapshot received")
		}
	}
}

func TestConnectSerialDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(d *Deps, _ *Options) { d.Serial = nil })
	if err := h.session.ConnectSerial(context.Background(), ""); !errors.Is(err, ErrSerialDisabled) {
		t.Fatalf("expected ErrSerialDisabled, got %v", err)
	}
	snap := waitSnapshot(t, h.session, "listening", listening)
	if snap.SerialState != "disabled" {
		t.Fatalf("expected disabled serial state, got %s", snap.SerialState)
	}
}

func TestConnectSerialUpdatesSnapshot(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	if err := h.session.ConnectSerial(context.Background(), "COM7"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitSnapshot(t, h.session, "serial connected", func(s Snapshot) bool { return s.SerialState == "connected" })
}
