package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loqalabs/loqa-tally/internal/eventstore"
	"github.com/loqalabs/loqa-tally/internal/protocol"
	"github.com/loqalabs/loqa-tally/internal/serial"
	"github.com/loqalabs/loqa-tally/internal/session"
)

// controller is the part of the session the HTTP and bus surfaces drive.
type controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	ConnectSerial(ctx context.Context, name string) error
	Snapshot() session.Snapshot
}

type journalReader interface {
	List(ctx context.Context, sessionID string, limit int) ([]eventstore.Entry, error)
}

const commandTimeout = 10 * time.Second

type api struct {
	ctrl    controller
	journal journalReader
	logger  *slog.Logger
	ready   func() bool
	metrics http.Handler
}

func (a *api) routes() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(a.logRequests)
	router.Use(middleware.Recoverer)

	router.Get("/healthz", a.handleHealth)
	router.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		router.Method(http.MethodGet, "/metrics", a.metrics)
	}

	router.Route("/api/v1", func(router chi.Router) {
		router.Get("/session", a.getSession)
		router.Get("/session/journal", a.getJournal)
		router.Post("/session/start", a.command(controller.Start))
		router.Post("/session/stop", a.command(controller.Stop))
		router.Post("/session/reset", a.command(controller.Reset))
		router.Post("/serial/connect", a.connectSerial)
	})
	return router
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			a.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusFrom(a.ctrl.Snapshot()))
}

func (a *api) getJournal(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		writeJSON(w, http.StatusOK, []eventstore.Entry{})
		return
	}
	id := r.URL.Query().Get("session_id")
	if id == "" {
		id = a.ctrl.Snapshot().SessionID
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := a.journal.List(r.Context(), id, limit)
	if err != nil {
		a.logger.Warn("failed to read journal", slogError(err))
		writeJSON(w, http.StatusInternalServerError, protocol.ControlReply{Error: err.Error()})
		return
	}
	if entries == nil {
		entries = []eventstore.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *api) command(fn func(controller, context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
		defer cancel()
		a.reply(w, fn(a.ctrl, ctx))
	}
}

func (a *api) connectSerial(w http.ResponseWriter, r *http.Request) {
	var req protocol.SerialConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, protocol.ControlReply{Error: "invalid request body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	a.reply(w, a.ctrl.ConnectSerial(ctx, req.Port))
}

func (a *api) reply(w http.ResponseWriter, err error) {
	resp := protocol.ControlReply{OK: err == nil, Status: statusFrom(a.ctrl.Snapshot())}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, statusCode(err), resp)
}

func statusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrSerialDisabled):
		return http.StatusConflict
	case errors.Is(err, serial.ErrNoDevice):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
