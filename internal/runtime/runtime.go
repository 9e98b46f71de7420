package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-tally/internal/bus"
	"github.com/loqalabs/loqa-tally/internal/config"
	"github.com/loqalabs/loqa-tally/internal/eventstore"
	"github.com/loqalabs/loqa-tally/internal/natsserver"
	"github.com/loqalabs/loqa-tally/internal/serial"
	"github.com/loqalabs/loqa-tally/internal/session"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	bridge   atomic.Pointer[bridge]
	journal  *eventstore.Store
	serial   *serial.Channel
	session  *session.Session
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start builds every service, serves until ctx is cancelled, then tears down
// in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.build(ctx); err != nil {
		r.teardown()
		return err
	}

	if r.cfg.HTTP.Enabled {
		a := &api{
			ctrl:    r.session,
			logger:  r.logger.With(slog.String("component", "http")),
			ready:   r.Ready,
			metrics: metricsHandler,
		}
		if r.journal != nil {
			a.journal = r.journal
		}
		addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
		r.httpServer = &http.Server{
			Addr:              addr,
			Handler:           a.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("http server failed", slog.String("error", err.Error()))
			}
		}()
		r.logger.Info("http api listening", slog.String("addr", addr))
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("name", r.cfg.RuntimeName))

	select {
	case <-ctx.Done():
	case <-r.session.Done():
		r.logger.Warn("session loop exited")
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	if r.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
		cancel()
	}
	r.wg.Wait()
	r.teardown()
	return nil
}

func (r *Runtime) build(ctx context.Context) error {
	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.journal = journal

	if r.cfg.Bus.Enabled {
		busCfg := r.cfg.Bus
		embedded, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return err
		}
		r.embedded = embedded
		if embedded != nil {
			busCfg.Servers = []string{embedded.ClientURL()}
		}
		client, err := bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
		if err != nil {
			return err
		}
		r.bus = client
	}

	pattern, err := NewPattern(r.cfg.Pattern)
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	r.logger.Info("pattern loaded",
		slog.String("phrase", pattern.Phrase()),
		slog.String("target", pattern.Target()),
		slog.String("mode", string(pattern.Mode())),
		slog.Int("max_edit_distance", pattern.MaxEditDistance()),
	)
	engine, err := newEngine(r.cfg.Recognizer, r.cfg.Audio, r.logger)
	if err != nil {
		return fmt.Errorf("recognizer: %w", err)
	}
	source, err := newSource(r.cfg.Audio, r.logger)
	if err != nil {
		return fmt.Errorf("audio: %w", err)
	}

	deps := session.Deps{
		Logger:  r.logger,
		Engine:  engine,
		Source:  source,
		Pattern: pattern,
		Journal: r.journal,
		OnFinal: func(report session.FinalReport) {
			if b := r.bridge.Load(); b != nil {
				b.PublishFinal(report)
			}
		},
	}
	if ch := newSerial(r.cfg.Serial, r.logger); ch != nil {
		r.serial = ch
		deps.Serial = ch
	}

	sess, err := session.New(context.WithoutCancel(ctx), deps, session.Options{
		ModelPath:       r.cfg.Recognizer.ModelPath,
		Capture:         captureConfig(r.cfg.Audio),
		AutoStart:       r.cfg.Session.AutoStart,
		TranscriptLimit: r.cfg.Session.TranscriptLimit,
	})
	if err != nil {
		return err
	}
	r.session = sess

	if r.serial != nil && r.cfg.Serial.Port != "" && !r.cfg.Serial.AutoReconnect {
		port := r.cfg.Serial.Port
		go func() {
			if err := sess.ConnectSerial(ctx, port); err != nil {
				r.logger.Warn("failed to open configured serial port", slog.String("port", port), slogError(err))
			}
		}()
	}

	if r.bus != nil {
		b := newBridge(r.bus, sess, r.logger)
		if err := b.Start(r.cfg.Session.EventBuffer); err != nil {
			return err
		}
		r.bridge.Store(b)
	}
	return nil
}

// teardown tolerates a partially built runtime.
func (r *Runtime) teardown() {
	if b := r.bridge.Swap(nil); b != nil {
		b.Close()
	}
	if r.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := r.session.Close(ctx); err != nil {
			r.logger.Error("session close error", slogError(err))
		}
		cancel()
	}
	if r.serial != nil {
		_ = r.serial.Close()
	}
	r.bus.Close()
	r.embedded.Shutdown()
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("event store close error", slogError(err))
		}
	}
}

// Ready reports whether the runtime is serving and, when the bus is enabled,
// the bridge is connected.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.bus == nil {
		return true
	}
	b := r.bridge.Load()
	return b != nil && b.Healthy()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
