// Package session supervises recognizer, capture and serial resources and
// turns transcript chunks into a running count.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-tally/internal/audio"
	"github.com/loqalabs/loqa-tally/internal/counter"
	"github.com/loqalabs/loqa-tally/internal/detect"
	"github.com/loqalabs/loqa-tally/internal/serial"
	"github.com/loqalabs/loqa-tally/internal/stt"
)

var (
	ErrClosed         = errors.New("session: closed")
	ErrSerialDisabled = errors.New("session: serial telemetry disabled")
)

type State string

const (
	LoadingModel State = "loading_model"
	Ready        State = "ready"
	Listening    State = "listening"
	Error        State = "error"
)

// Serial is the telemetry link as seen by the session.
type Serial interface {
	Connect(ctx context.Context, name string) error
	Reconnect(ctx context.Context)
	Send(count int)
	Disconnect()
	State() serial.State
	Port() string
	OnStateChange(fn func(serial.State))
}

// Transition is a lifecycle change handed to the Journal.
type Transition struct {
	SessionID string
	From      State
	To        State
	Reason    string
	At        time.Time
}

// Journal records lifecycle transitions.
type Journal interface {
	Record(ctx context.Context, t Transition) error
}

// FinalReport describes one final chunk after counting.
type FinalReport struct {
	SessionID  string `json:"session_id"`
	Sequence   int64  `json:"sequence"`
	Text       string `json:"text"`
	Normalized string `json:"normalized"`
	Detections int    `json:"detections"`
	Count      int    `json:"count"`
}

// Snapshot is the read-only view exposed upward.
type Snapshot struct {
	SessionID   string    `json:"session_id"`
	State       State     `json:"state"`
	Count       int       `json:"count"`
	Transcript  string    `json:"transcript"`
	Partial     string    `json:"partial"`
	SerialState string    `json:"serial_state"`
	SerialPort  string    `json:"serial_port,omitempty"`
	Error       string    `json:"error,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Options struct {
	ModelPath       string
	Capture         audio.PipelineConfig
	AutoStart       bool
	TranscriptLimit int
}

type Deps struct {
	Logger  *slog.Logger
	Engine  stt.Engine
	Source  audio.Source
	Pattern detect.Pattern
	// Serial and Journal are optional.
	Serial  Serial
	Journal Journal
	OnFinal func(FinalReport)
}

// Session runs a single event loop that owns every state mutation.
type Session struct {
	logger  *slog.Logger
	deps    Deps
	opts    Options
	inbox   *mailbox
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool

	detector detect.Detector
	counter  *counter.Counter
	seq      atomic.Int64

	// loop-owned
	id           string
	state        State
	res          resources
	recGen       int64
	capGen       int64
	starting     bool
	pendingStart bool
	holdCapture  bool // stop arrived while loading; skip auto start
	startWaiters []chan error
	transcript   []rune
	partial      string
	lastErr      string
	serialState  serial.State

	snapMu sync.RWMutex
	snap   Snapshot

	subMu  sync.Mutex
	subs   map[int]chan Snapshot
	nextID int

	tracer      trace.Tracer
	detections  metric.Int64Counter
	countGauge  metric.Int64Gauge
	transitions metric.Int64Counter
}

// New starts the session loop and begins loading the model.
func New(parent context.Context, deps Deps, opts Options) (*Session, error) {
	if deps.Engine == nil {
		return nil, errors.New("session: recognizer engine required")
	}
	if deps.Source == nil {
		return nil, errors.New("session: audio source required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.TranscriptLimit <= 0 {
		opts.TranscriptLimit = 4096
	}

	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		logger:   deps.Logger.With(slog.String("component", "session")),
		deps:     deps,
		opts:     opts,
		inbox:    newMailbox(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		detector: detect.NewDetector(deps.Pattern),
		counter:  counter.New(),
		subs:     make(map[int]chan Snapshot),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-tally/session"),
	}
	s.initMetrics()
	if deps.Serial != nil {
		s.serialState = deps.Serial.State()
		deps.Serial.OnStateChange(func(st serial.State) {
			s.inbox.push(evtSerialState{state: st})
		})
	}

	s.begin("initial load")
	go s.loop()
	return s, nil
}

func (s *Session) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-tally/session")
	var err error
	if s.detections, err = meter.Int64Counter("tally.detections", metric.WithDescription("Detection events accepted by the counter")); err != nil {
		s.logger.Warn("failed to register metric", slog.String("metric", "tally.detections"), slogError(err))
	}
	if s.countGauge, err = meter.Int64Gauge("tally.count", metric.WithDescription("Current occurrence count")); err != nil {
		s.logger.Warn("failed to register metric", slog.String("metric", "tally.count"), slogError(err))
	}
	if s.transitions, err = meter.Int64Counter("tally.session.transitions", metric.WithDescription("Session lifecycle transitions")); err != nil {
		s.logger.Warn("failed to register metric", slog.String("metric", "tally.session.transitions"), slogError(err))
	}
}

// Start begins capture. While the model is loading, or after an error, the
// request is remembered and capture starts once the recognizer is ready.
func (s *Session) Start(ctx context.Context) error {
	return s.command(ctx, func(reply chan error) event { return cmdStart{reply: reply} })
}

// Stop ends capture and returns to Ready. Stopping an idle session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	return s.command(ctx, func(reply chan error) event { return cmdStop{reply: reply} })
}

// Reset clears the count, the transcript and the interim text.
func (s *Session) Reset(ctx context.Context) error {
	return s.command(ctx, func(reply chan error) event { return cmdReset{reply: reply} })
}

// ConnectSerial opens name, or asks the platform for a device when empty.
func (s *Session) ConnectSerial(ctx context.Context, name string) error {
	if s.deps.Serial == nil {
		return ErrSerialDisabled
	}
	return s.command(ctx, func(reply chan error) event { return cmdConnectSerial{name: name, reply: reply} })
}

// Close tears everything down and stops the loop. It is safe to call twice.
func (s *Session) Close(ctx context.Context) error {
	err := s.command(ctx, func(reply chan error) event { return cmdClose{reply: reply} })
	if errors.Is(err, ErrClosed) {
		return nil
	}
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the loop has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Snapshot() Snapshot {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.snap
}

// Subscribe delivers every published snapshot, starting with the current one.
// A slow subscriber only loses intermediate snapshots, never the latest.
func (s *Session) Subscribe(buffer int) (<-chan Snapshot, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Snapshot, buffer)
	s.subMu.Lock()
	if s.subs == nil {
		s.subMu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	ch <- s.Snapshot()
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Session) command(ctx context.Context, build func(chan error) event) error {
	if s.closing.Load() {
		return ErrClosed
	}
	reply := make(chan error, 1)
	if !s.inbox.push(build(reply)) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) publish() {
	snap := Snapshot{
		SessionID:   s.id,
		State:       s.state,
		Count:       s.counter.Snapshot().Count,
		Transcript:  string(s.transcript),
		Partial:     s.partial,
		SerialState: s.serialState.String(),
		Error:       s.lastErr,
		UpdatedAt:   time.Now().UTC(),
	}
	if s.deps.Serial == nil {
		snap.SerialState = "disabled"
	} else {
		snap.SerialPort = s.deps.Serial.Port()
	}

	s.snapMu.Lock()
	prev := s.snap
	s.snap = snap
	s.snapMu.Unlock()

	if sameView(prev, snap) {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- snap:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

func sameView(a, b Snapshot) bool {
	a.UpdatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	return a == b
}

func (s *Session) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subs = nil
}

func newSessionID() string {
	return uuid.NewString()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
