package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	app "github.com/mark3748/helpdesk-realtime/cmd/api/app"
	"github.com/mark3748/helpdesk-realtime/cmd/api/auth"
	"github.com/mark3748/helpdesk-realtime/internal/store"
)

var testSecret = []byte("socket-secret")

func newServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	users := newFakeUsers("a", "b")
	h := NewHub(Options{Users: users, Messages: &fakeMessages{}, Calls: &fakeCalls{}})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	g := &auth.Gate{Keyf: auth.HMACKeyfunc(testSecret), Users: users}
	r := gin.New()
	r.GET("/ws", Serve(h, g, NewUpgrader(nil)))
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		<-done
		srv.Close()
	})
	return srv, h
}

func token(t *testing.T, sub string) string {
	t.Helper()
	tok, err := auth.IssueToken(testSecret, sub, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestHandshakeRejected(t *testing.T) {
	srv, h := newServer(t)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "a",
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing", "", "unauthenticated"},
		{"expired", expired, "invalid_credential"},
		{"garbage", "abc.def.ghi", "invalid_credential"},
		{"unknown user", token(t, "ghost"), "unknown_user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
			if tt.token != "" {
				url += "?token=" + tt.token
			}
			conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
			if err == nil {
				conn.Close()
				t.Fatal("expected handshake to fail")
			}
			if resp == nil || resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("resp = %+v", resp)
			}
			defer resp.Body.Close()
			var env app.Envelope
			if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
				t.Fatal(err)
			}
			if env.Error == nil || env.Error.Code != tt.code {
				t.Fatalf("error = %+v, want %s", env.Error, tt.code)
			}
		})
	}
	if got := h.Presence().Online(); len(got) != 0 {
		t.Fatalf("rejected handshakes registered presence: %v", got)
	}
}

func dial(t *testing.T, srv *httptest.Server, sub string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token(t, sub)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", sub, err)
	}
	return conn
}

type wireEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(json.RawMessage) bool) json.RawMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev wireEvent
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if ev.Type == typ && (match == nil || match(ev.Data)) {
			return ev.Data
		}
	}
}

func TestSocketChatRoundTrip(t *testing.T) {
	srv, h := newServer(t)
	a := dial(t, srv, "a")
	defer a.Close()
	b := dial(t, srv, "b")

	for _, c := range []*websocket.Conn{a, b} {
		if err := c.WriteJSON(map[string]any{"type": "join_ticket", "data": "T1"}); err != nil {
			t.Fatal(err)
		}
	}
	eventually(t, func() bool { return h.Rooms().Size("T1") == 2 }, "both joined T1")

	if err := a.WriteJSON(map[string]any{"type": "new_message", "data": map[string]string{"ticketId": "T1", "content": "hello"}}); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, c := range []*websocket.Conn{a, b} {
		var m store.Message
		if err := json.Unmarshal(readUntil(t, c, EventMessageReceived, nil), &m); err != nil {
			t.Fatal(err)
		}
		if m.Content != "hello" || m.TicketID != "T1" {
			t.Fatalf("unexpected message %+v", m)
		}
		ids = append(ids, m.ID)
	}
	if ids[0] != ids[1] {
		t.Fatalf("peers saw different message ids %v", ids)
	}

	b.Close()
	readUntil(t, a, EventUserStatusChanged, func(raw json.RawMessage) bool {
		var p StatusPayload
		return json.Unmarshal(raw, &p) == nil && p.UserID == "b" && p.Status == store.StatusOffline
	})
	if h.Presence().IsOnline("b") {
		t.Fatal("b still registered")
	}
}
