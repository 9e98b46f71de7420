package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/loqalabs/loqa-tally/internal/eventstore"
	"github.com/loqalabs/loqa-tally/internal/protocol"
	"github.com/loqalabs/loqa-tally/internal/serial"
	"github.com/loqalabs/loqa-tally/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeController struct {
	mu       sync.Mutex
	snap     session.Snapshot
	calls    []string
	err      error
	lastPort string
}

func (f *fakeController) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeController) Start(context.Context) error { return f.record("start") }
func (f *fakeController) Stop(context.Context) error  { return f.record("stop") }
func (f *fakeController) Reset(context.Context) error { return f.record("reset") }

func (f *fakeController) ConnectSerial(_ context.Context, name string) error {
	f.mu.Lock()
	f.lastPort = name
	f.mu.Unlock()
	return f.record("connect")
}

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

type fakeJournal struct {
	entries map[string][]eventstore.Entry
}

func (j fakeJournal) List(_ context.Context, id string, _ int) ([]eventstore.Entry, error) {
	return j.entries[id], nil
}

func newTestAPI(ctrl *fakeController) http.Handler {
	a := &api{
		ctrl:   ctrl,
		logger: testLogger(),
		ready:  func() bool { return true },
		journal: fakeJournal{entries: map[string][]eventstore.Entry{
			"abc": {{SessionID: "abc", From: "", To: "loading_model"}},
		}},
	}
	return a.routes()
}

func TestGetSessionReturnsStatus(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{SessionID: "abc", State: session.Listening, Count: 7, SerialState: "connected"}}
	rec := httptest.NewRecorder()
	newTestAPI(ctrl).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status protocol.Status
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.State != "listening" || status.Count != 7 || status.SerialState != "connected" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func TestCommandRoutes(t *testing.T) {
	ctrl := &fakeController{}
	handler := newTestAPI(ctrl)
	for _, path := range []string{"/api/v1/session/start", "/api/v1/session/stop", "/api/v1/session/reset"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, rec.Code)
		}
	}
	want := []string{"start", "stop", "reset"}
	if strings.Join(ctrl.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("expected calls %v, got %v", want, ctrl.calls)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session/start", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET start, got %d", rec.Code)
	}
}

func TestCommandErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{session.ErrSerialDisabled, http.StatusConflict},
		{serial.ErrNoDevice, http.StatusNotFound},
		{session.ErrClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("open microphone: permission denied"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		ctrl := &fakeController{err: tc.err}
		rec := httptest.NewRecorder()
		newTestAPI(ctrl).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/session/start", nil))
		if rec.Code != tc.code {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
		var reply protocol.ControlReply
		if err := json.Unmarshal(rec.Body.Bytes(), &reply); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if reply.OK || reply.Error == "" {
			t.Fatalf("expected failed reply, got %+v", reply)
		}
	}
}

func TestConnectSerialBody(t *testing.T) {
	ctrl := &fakeController{}
	handler := newTestAPI(ctrl)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/serial/connect", strings.NewReader(`{"port":"/dev/ttyUSB0"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ctrl.lastPort != "/dev/ttyUSB0" {
		t.Fatalf("expected port forwarded, got %q", ctrl.lastPort)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/serial/connect", nil))
	if rec.Code != http.StatusOK || ctrl.lastPort != "" {
		t.Fatalf("expected empty body to request a device, got %d %q", rec.Code, ctrl.lastPort)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/serial/connect", strings.NewReader("{")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", rec.Code)
	}
}

func TestJournalDefaultsToCurrentSession(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{SessionID: "abc"}}
	rec := httptest.NewRecorder()
	newTestAPI(ctrl).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session/journal", nil))
	var entries []eventstore.Entry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].To != "loading_model" {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	rec = httptest.NewRecorder()
	newTestAPI(ctrl).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/session/journal?session_id=other", nil))
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Fatalf("expected empty list, got %s", rec.Body.String())
	}
}

func TestHealthAndReady(t *testing.T) {
	var ready bool
	a := &api{ctrl: &fakeController{}, logger: testLogger(), ready: func() bool { return ready }}
	handler := a.routes()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected healthz 200, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", rec.Code)
	}
	ready = true
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected readyz 200, got %d", rec.Code)
	}
}
