package serial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// State is the connection state of the channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type Options struct {
	BaudRate          int
	ReconnectAttempts int
	WatchInterval     time.Duration
	QueueSize         int
}

func (o Options) withDefaults() Options {
	if o.BaudRate <= 0 {
		o.BaudRate = 9600
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 3
	}
	if o.WatchInterval <= 0 {
		o.WatchInterval = time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	return o
}

// Channel is a one-directional, best-effort telemetry link. Sends never fail
// to the caller; only an explicit Connect or Reconnect recovers from Error.
type Channel struct {
	logger   *slog.Logger
	platform Platform
	opts     Options

	mu           sync.Mutex
	state        State
	conn         *connection
	lastErr      error
	reconnecting bool
	listeners    []func(State)
	closed       bool

	// epoch identifies the current connect attempt; abort cancels it.
	epoch uint64
	abort context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tracer trace.Tracer
	writes metric.Int64Counter
}

var (
	errClosed     = errors.New("serial: channel closed")
	errSuperseded = errors.New("serial: connect attempt superseded")
)

// attempt is one Connect or Reconnect. Only the attempt whose epoch is still
// current may attach a port or move the channel to Error.
type attempt struct {
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
}

type connection struct {
	name  string
	port  Port
	queue chan int
	stop  chan struct{}
	once  sync.Once
}

func (c *connection) shutdown() {
	c.once.Do(func() {
		close(c.stop)
		_ = c.port.Close()
	})
}

func NewChannel(logger *slog.Logger, platform Platform, opts Options) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		logger:   logger.With(slog.String("component", "serial")),
		platform: platform,
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-tally/serial"),
	}
	writes, err := otel.Meter("github.com/loqalabs/loqa-tally/serial").Int64Counter(
		"tally.serial.writes",
		metric.WithDescription("Counter updates forwarded to the serial device"),
	)
	if err != nil {
		c.logger.Warn("failed to register serial metrics", slogError(err))
	}
	c.writes = writes
	return c
}

// OnStateChange registers fn for every transition. Callbacks run outside the
// channel lock and must not block.
func (c *Channel) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Port returns the name of the connected device, if any.
func (c *Channel) Port() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ""
	}
	return c.conn.name
}

func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect opens name, or a newly requested device when name is empty. It
// supersedes any attempt still in flight.
func (c *Channel) Connect(ctx context.Context, name string) error {
	ctx, span := c.tracer.Start(ctx, "serial.connect")
	defer span.End()

	att, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer att.cancel()
	if name == "" {
		requested, err := c.platform.Request()
		if err != nil {
			c.failAttempt(att, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		name = requested
	}
	span.SetAttributes(attribute.String("serial.port", name))
	if err := att.ctx.Err(); err != nil {
		c.failAttempt(att, err)
		return err
	}
	port, err := c.platform.Open(name, c.opts.BaudRate)
	if err == nil {
		err = c.attach(att, name, port)
	} else {
		c.failAttempt(att, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Reconnect reopens a previously authorized device in the background. It
// returns immediately; progress is visible through OnStateChange. Cancelling
// ctx after Reconnect returns does not abort the attempt, but a later Connect,
// Disconnect or Close does.
func (c *Channel) Reconnect(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.reconnecting || c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return
	}
	c.reconnecting = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()
		}()

		names, err := c.platform.Authorized()
		if err != nil {
			c.logger.Warn("failed to list authorized devices", slogError(err))
			return
		}
		if len(names) == 0 {
			c.logger.Debug("no authorized serial device present")
			return
		}

		att, err := c.begin(context.WithoutCancel(ctx))
		if err != nil {
			return
		}
		defer att.cancel()
		ctx, span := c.tracer.Start(att.ctx, "serial.reconnect")
		defer span.End()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 200 * time.Millisecond
		policy.MaxInterval = 2 * time.Second

		operation := func() (string, error) {
			var errs []error
			for _, name := range names {
				if err := att.ctx.Err(); err != nil {
					return "", backoff.Permanent(err)
				}
				port, err := c.platform.Open(name, c.opts.BaudRate)
				if err == nil {
					if err := c.attach(att, name, port); err != nil {
						return "", backoff.Permanent(err)
					}
					return name, nil
				}
				errs = append(errs, err)
			}
			return "", errors.Join(errs...)
		}
		name, err := backoff.Retry(ctx, operation,
			backoff.WithBackOff(policy),
			backoff.WithMaxTries(uint(c.opts.ReconnectAttempts)),
			backoff.WithNotify(func(err error, wait time.Duration) {
				c.logger.Debug("serial reconnect attempt failed", slogError(err), slog.Duration("retry_in", wait))
			}),
		)
		if err != nil {
			if c.failAttempt(att, err) {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return
		}
		c.logger.Info("serial device reconnected", slog.String("port", name))
	}()
}

// Send enqueues count for the writer. It is skipped unless Connected; when the
// queue is full the oldest pending value is dropped.
func (c *Channel) Send(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected || c.conn == nil {
		c.record("skipped")
		return
	}
	for {
		select {
		case c.conn.queue <- count:
			return
		default:
		}
		select {
		case <-c.conn.queue:
			c.record("dropped")
		default:
		}
	}
}

// HandleDisconnect drops the cached port after the device went away and
// cancels any connect attempt in flight.
func (c *Channel) HandleDisconnect() {
	c.mu.Lock()
	c.supersede()
	conn := c.conn
	c.conn = nil
	changed := c.state != Disconnected
	c.state = Disconnected
	listeners := c.snapshotListeners(changed)
	c.mu.Unlock()

	if conn != nil {
		conn.shutdown()
		c.logger.Info("serial device disconnected", slog.String("port", conn.name))
	}
	notify(listeners, Disconnected)
}

// Disconnect releases the port on request. The channel stays usable.
func (c *Channel) Disconnect() {
	c.HandleDisconnect()
}

// Close releases the port and waits for background work.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.HandleDisconnect()
	c.wg.Wait()
	return nil
}

// begin makes a new attempt current, cancelling the previous one and
// releasing its port.
func (c *Channel) begin(parent context.Context) (*attempt, error) {
	ctx, cancel := mergeCancel(parent, c.ctx)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return nil, errClosed
	}
	c.supersede()
	att := &attempt{epoch: c.epoch, ctx: ctx, cancel: cancel}
	c.abort = cancel
	old := c.conn
	c.conn = nil
	c.state = Connecting
	listeners := c.snapshotListeners(true)
	c.mu.Unlock()

	if old != nil {
		old.shutdown()
	}
	notify(listeners, Connecting)
	return att, nil
}

// supersede invalidates the current attempt. Callers hold c.mu.
func (c *Channel) supersede() {
	c.epoch++
	if c.abort != nil {
		c.abort()
		c.abort = nil
	}
}

// attach installs port for att, or closes it when att is no longer current.
func (c *Channel) attach(att *attempt, name string, port Port) error {
	conn := &connection{
		name:  name,
		port:  port,
		queue: make(chan int, c.opts.QueueSize),
		stop:  make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed || c.epoch != att.epoch {
		err := errSuperseded
		if c.closed {
			err = errClosed
		}
		c.mu.Unlock()
		_ = port.Close()
		c.logger.Debug("discarding port from stale attempt", slog.String("port", name))
		return err
	}
	c.abort = nil
	c.conn = conn
	c.state = Connected
	c.lastErr = nil
	listeners := c.snapshotListeners(true)
	c.wg.Add(2)
	c.mu.Unlock()

	go c.writer(conn)
	go c.watch(conn)
	c.logger.Info("serial device connected", slog.String("port", name), slog.Int("baud", c.opts.BaudRate))
	notify(listeners, Connected)
	return nil
}

// failAttempt moves the channel to Error if att is still current. It reports
// whether the failure was applied.
func (c *Channel) failAttempt(att *attempt, err error) bool {
	c.mu.Lock()
	if c.closed || c.epoch != att.epoch {
		c.mu.Unlock()
		return false
	}
	c.abort = nil
	c.lastErr = err
	c.state = Error
	listeners := c.snapshotListeners(true)
	c.mu.Unlock()

	c.logger.Warn("serial connection failed", slogError(err))
	notify(listeners, Error)
	return true
}

// detach moves conn to Error if it is still the live connection.
func (c *Channel) detach(conn *connection, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		conn.shutdown()
		return
	}
	c.conn = nil
	c.state = Error
	c.lastErr = err
	listeners := c.snapshotListeners(true)
	c.mu.Unlock()

	conn.shutdown()
	c.logger.Warn("serial write failed", slog.String("port", conn.name), slogError(err))
	notify(listeners, Error)
}

func (c *Channel) writer(conn *connection) {
	defer c.wg.Done()
	for {
		select {
		case <-conn.stop:
			return
		case count := <-conn.queue:
			line := strconv.AppendInt(nil, int64(count), 10)
			line = append(line, '\n')
			if _, err := conn.port.Write(line); err != nil {
				select {
				case <-conn.stop:
					return
				default:
				}
				c.record("error")
				c.detach(conn, fmt.Errorf("write %s: %w", conn.name, err))
				return
			}
			c.record("ok")
		}
	}
}

func (c *Channel) watch(conn *connection) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.WatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.stop:
			return
		case <-ticker.C:
			present, err := c.platform.Present(conn.name)
			if err != nil {
				c.logger.Debug("serial presence check failed", slogError(err))
				continue
			}
			if present {
				continue
			}
			c.mu.Lock()
			live := c.conn == conn
			c.mu.Unlock()
			if live {
				c.HandleDisconnect()
			}
			return
		}
	}
}

func (c *Channel) record(result string) {
	if c.writes == nil {
		return
	}
	c.writes.Add(context.Background(), 1, metric.WithAttributes(attribute.String("result", result)))
}

func (c *Channel) snapshotListeners(changed bool) []func(State) {
	if !changed || len(c.listeners) == 0 {
		return nil
	}
	return append([]func(State){}, c.listeners...)
}

func notify(listeners []func(State), state State) {
	for _, fn := range listeners {
		fn(state)
	}
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
