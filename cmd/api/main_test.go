package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/cmd/api/auth"
	"github.com/mark3748/helpdesk-realtime/cmd/api/ws"
	"github.com/mark3748/helpdesk-realtime/internal/calls"
	"github.com/mark3748/helpdesk-realtime/internal/ratelimit"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

type fakeStore struct{}

func (fakeStore) FindUser(ctx context.Context, id string) (store.User, error) {
	if id == "00000000-0000-0000-0000-000000000001" {
		return store.User{ID: id, Name: "Test User", Status: store.StatusAway}, nil
	}
	return store.User{}, store.ErrNotFound
}
func (fakeStore) SetStatus(ctx context.Context, id, status string) error { return nil }
func (fakeStore) FindCredentials(ctx context.Context, email string) (store.User, string, error) {
	return store.User{}, "", store.ErrNotFound
}
func (fakeStore) CreateMessage(ctx context.Context, m store.NewMessage) (string, error) {
	return "m1", nil
}
func (fakeStore) GetMessage(ctx context.Context, id string) (store.Message, error) {
	return store.Message{ID: id}, nil
}
func (fakeStore) ListMessages(ctx context.Context, ticketID string, before time.Time, limit int) ([]store.Message, error) {
	return []store.Message{}, nil
}
func (fakeStore) CreateCall(ctx context.Context, s calls.Session) error { return nil }
func (fakeStore) UpdateCall(ctx context.Context, s calls.Session) error { return nil }
func (fakeStore) ListCalls(ctx context.Context, ticketID string) ([]calls.Session, error) {
	return []calls.Session{}, nil
}

func newTestApp(t *testing.T, cfg app.Config) *app.App {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var st fakeStore
	hub := ws.NewHub(ws.Options{Users: st, Messages: st, Calls: st})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	a := app.NewApp(cfg, nil, auth.HMACKeyfunc([]byte("secret")), nil, nil)
	routes(a, Server{
		Hub:        hub,
		Gate:       auth.NewGate(a, st),
		Upgrader:   ws.NewUpgrader(nil),
		Users:      st,
		Messages:   st,
		Calls:      st,
		LoginLimit: ratelimit.New(nil, 0, time.Minute, "login:"),
	})
	return a
}

func TestHealthz(t *testing.T) {
	a := newTestApp(t, app.Config{Env: "test"})
	rr := httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if ok, _ := body["ok"].(bool); !ok {
		t.Fatalf("expected ok=true in body, got: %v", body)
	}
}

func TestReadyzWithoutDependencies(t *testing.T) {
	a := newTestApp(t, app.Config{Env: "test"})
	rr := httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	a := newTestApp(t, app.Config{Env: "test"})
	rr := httptest.NewRecorder()
	a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "ws_clients") {
		t.Fatalf("metrics status %d", rr.Code)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	a := newTestApp(t, app.Config{Env: "test", AuthMode: "local"})
	for _, path := range []string{"/me", "/presence", "/tickets/T1/messages", "/tickets/T1/calls", "/ws"} {
		rr := httptest.NewRecorder()
		a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected 401, got %d", path, rr.Code)
		}
	}
}

func TestRoutesWithBypass(t *testing.T) {
	a := newTestApp(t, app.Config{Env: "test", TestBypassAuth: true})
	tests := []struct {
		path string
		want int
	}{
		{"/me", http.StatusOK},
		{"/presence", http.StatusOK},
		{"/presence/00000000-0000-0000-0000-000000000001", http.StatusOK},
		{"/presence/nobody", http.StatusNotFound},
		{"/tickets/T1/messages", http.StatusOK},
		{"/tickets/T1/calls", http.StatusOK},
		{"/tickets/T1/files/x.txt", http.StatusNotImplemented},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		a.R.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rr.Code != tt.want {
			t.Errorf("%s: expected %d, got %d", tt.path, tt.want, rr.Code)
		}
	}
}

func TestLoginDisabledOutsideLocalMode(t *testing.T) {
	a := newTestApp(t, app.Config{Env: "test", AuthMode: "oidc"})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":"a@b.c","password":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	a.R.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}
