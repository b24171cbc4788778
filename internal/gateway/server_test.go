package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/pulse/internal/auth"
	"github.com/haasonsaas/pulse/internal/config"
	"github.com/haasonsaas/pulse/internal/storage"
	"github.com/haasonsaas/pulse/pkg/models"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

type serverFixture struct {
	server *Server
	http   *httptest.Server
	store  *storage.MemoryStore
	auth   *auth.Service
}

func newServerFixture(t *testing.T, opts ...func(*config.Config)) *serverFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Realtime.IdleTimeout = 5 * time.Second
	for _, opt := range opts {
		opt(cfg)
	}

	store := storage.NewMemoryStore()
	store.PutThread("t1", "1", "2", storage.ThreadAccepted)
	store.AddCheckIn("1", "p1", time.Now())

	authn := auth.NewService(auth.Config{
		JWTSecret:   testJWTSecret,
		TokenExpiry: time.Hour,
		APIKeys:     []auth.APIKeyConfig{{Key: "svc-key", UserID: "notifier"}},
	})
	srv, err := NewServer(Options{Config: cfg, Auth: authn, Store: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.presence.Run(ctx) }()

	t.Cleanup(ts.Close)
	t.Cleanup(func() {
		cancel()
		_ = srv.Shutdown(context.Background())
	})
	return &serverFixture{server: srv, http: ts, store: store, auth: authn}
}

func (f *serverFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := f.auth.GenerateJWT(&models.User{ID: userID})
	if err != nil {
		t.Fatalf("GenerateJWT() error = %v", err)
	}
	return token
}

func (f *serverFixture) dial(t *testing.T, path, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + path
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// connect dials and waits until the connection has been admitted, which is
// when it first answers a ping.
func (f *serverFixture) connect(t *testing.T, path, userID string) *websocket.Conn {
	t.Helper()
	conn := f.dial(t, path, f.token(t, userID))
	writeFrame(t, conn, `{"type":"ping","ref":"ready"}`)
	pong := readUntil(t, conn, "pong")
	if pong["ref"] != "ready" {
		t.Fatalf("pong = %v", pong)
	}
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v", typ, err)
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("decode frame %s: %v", data, err)
		}
		if frame["type"] == typ {
			return frame
		}
	}
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("read error = %v, want close %d", err, code)
		}
		if ce.Code != code {
			t.Fatalf("close code = %d (%s), want %d", ce.Code, ce.Text, code)
		}
		return
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn, typ string, wait time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return
			}
			t.Fatalf("read: %v", err)
		}
		var frame map[string]any
		_ = json.Unmarshal(data, &frame)
		if frame["type"] == typ {
			t.Fatalf("unexpected %s frame: %s", typ, data)
		}
	}
}

func TestServerThreadExchange(t *testing.T) {
	f := newServerFixture(t)
	a := f.connect(t, "/ws/dms/t1", "1")
	b := f.connect(t, "/ws/dms/t1", "2")

	writeFrame(t, a, `{"type":"message","ref":"c1","text":"hello"}`)

	msg := readUntil(t, b, "message")
	body := msg["message"].(map[string]any)
	if body["text"] != "hello" || body["sender_id"] != "1" {
		t.Fatalf("message = %v", msg)
	}
	ack := readUntil(t, a, "ack")
	if ack["ref"] != "c1" || ack["message_id"] != body["id"] {
		t.Fatalf("ack = %v", ack)
	}

	writeFrame(t, b, `{"type":"typing","typing":true}`)
	if typing := readUntil(t, a, "typing"); typing["user_id"] != "2" || typing["typing"] != true {
		t.Fatalf("typing = %v", typing)
	}
	expectSilence(t, a, "message", 100*time.Millisecond)
}

func TestServerRejectsHandshake(t *testing.T) {
	f := newServerFixture(t)

	tests := []struct {
		name  string
		path  string
		token string
		code  int
	}{
		{name: "missing token", path: "/ws/dms/t1", code: models.CloseUnauthenticated},
		{name: "bad token", path: "/ws/dms/t1", token: "not-a-jwt", code: models.CloseUnauthenticated},
		{name: "not a participant", path: "/ws/dms/t1", token: f.token(t, "3"), code: models.CloseForbidden},
		{name: "other user's stream", path: "/ws/user/2", token: f.token(t, "1"), code: models.CloseForbidden},
		{name: "no check-in", path: "/ws/places/p1/chat", token: f.token(t, "2"), code: models.CloseForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := f.dial(t, tt.path, tt.token)
			expectClose(t, conn, tt.code)
		})
	}
	if n := f.server.Registry().Len(); n != 0 {
		t.Fatalf("registry holds %d rejected connections", n)
	}
}

func TestServerReconnectReplacesConnection(t *testing.T) {
	f := newServerFixture(t)
	first := f.connect(t, "/ws/dms/t1", "1")
	second := f.connect(t, "/ws/dms/t1", "1")

	expectClose(t, first, models.CloseNormal)

	b := f.connect(t, "/ws/dms/t1", "2")
	writeFrame(t, b, `{"type":"message","text":"still there?"}`)
	readUntil(t, second, "message")

	if n := f.server.Registry().Count(models.ThreadScope("t1")); n != 2 {
		t.Fatalf("thread connections = %d, want 2", n)
	}
}

func TestServerBlockMidSession(t *testing.T) {
	f := newServerFixture(t)
	a := f.connect(t, "/ws/dms/t1", "1")
	b := f.connect(t, "/ws/dms/t1", "2")

	f.store.SetBlocked("t1", "2", true)
	writeFrame(t, a, `{"type":"message","ref":"x","text":"are you there"}`)

	errFrame := readUntil(t, a, "error")
	if errFrame["code"] != CodeForbidden || errFrame["ref"] != "x" {
		t.Fatalf("error = %v", errFrame)
	}
	expectSilence(t, b, "message", 150*time.Millisecond)

	writeFrame(t, a, `{"type":"ping","ref":"alive"}`)
	readUntil(t, a, "pong")
}

func TestServerEventErrorsKeepConnectionOpen(t *testing.T) {
	f := newServerFixture(t)
	u := f.connect(t, "/ws/user/1", "1")

	writeFrame(t, u, `{"type":"shout","ref":"s1"}`)
	if e := readUntil(t, u, "error"); e["code"] != CodeUnknownEvent || e["ref"] != "s1" {
		t.Fatalf("error = %v", e)
	}
	writeFrame(t, u, `{"type":"message","text":"hi"}`)
	if e := readUntil(t, u, "error"); e["code"] != CodeUnsupportedEvent {
		t.Fatalf("error = %v", e)
	}
	writeFrame(t, u, `{"type":"ping"}`)
	readUntil(t, u, "pong")
}

func TestServerPresence(t *testing.T) {
	f := newServerFixture(t)
	a := f.connect(t, "/ws/dms/t1", "1")

	presenceOf := func(userID string) bool {
		req, _ := http.NewRequest(http.MethodGet, f.http.URL+"/v1/presence/"+userID, nil)
		req.Header.Set("Authorization", "Bearer "+f.token(t, "1"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("presence request: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d", resp.StatusCode)
		}
		var body struct {
			UserID string `json:"user_id"`
			Online bool   `json:"online"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body.Online
	}

	if presenceOf("2") {
		t.Fatal("user 2 should be offline")
	}
	inbox := f.connect(t, "/ws/user/2", "2")
	if !presenceOf("2") {
		t.Fatal("user 2 should be online")
	}
	if ev := readUntil(t, a, "presence"); ev["user_id"] != "2" || ev["online"] != true {
		t.Fatalf("presence = %v", ev)
	}

	_ = inbox.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if ev := readUntil(t, a, "presence"); ev["user_id"] != "2" || ev["online"] != false {
		t.Fatalf("presence = %v", ev)
	}

	resp, err := http.Get(f.http.URL + "/v1/presence/2")
	if err != nil {
		t.Fatalf("unauthenticated request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestServerPushNotification(t *testing.T) {
	f := newServerFixture(t)
	inbox := f.connect(t, "/ws/user/2", "2")

	post := func(key, body string) *http.Response {
		req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/internal/users/2/notifications", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		if key != "" {
			req.Header.Set("X-API-Key", key)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	resp := post("svc-key", `{"notification_type":"new_follower","data":{"follower_id":"9"}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var result struct {
		Targets   int `json:"targets"`
		Delivered int `json:"delivered"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Targets != 1 || result.Delivered != 1 {
		t.Fatalf("result = %+v", result)
	}

	note := readUntil(t, inbox, "notification")
	if note["notification_type"] != "new_follower" {
		t.Fatalf("notification = %v", note)
	}
	if data := note["data"].(map[string]any); data["follower_id"] != "9" {
		t.Fatalf("data = %v", data)
	}

	if resp := post("", `{"notification_type":"x"}`); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without key = %d, want 401", resp.StatusCode)
	}
	if resp := post("svc-key", `{"data":{}}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status without type = %d, want 400", resp.StatusCode)
	}
}

func TestServerHealthz(t *testing.T) {
	f := newServerFixture(t)
	f.connect(t, "/ws/places/p1/chat", "1")

	resp, err := http.Get(f.http.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.Connections != 1 {
		t.Fatalf("healthz = %+v", body)
	}
}

func TestServerServeClosesConnectionsOnShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testJWTSecret
	store := storage.NewMemoryStore()
	store.PutThread("t1", "1", "2", storage.ThreadAccepted)
	authn := auth.NewService(auth.Config{JWTSecret: testJWTSecret, TokenExpiry: time.Hour})
	srv, err := NewServer(Options{Config: cfg, Auth: authn, Store: store, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	token, _ := authn.GenerateJWT(&models.User{ID: "1"})
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+ln.Addr().String()+"/ws/dms/t1?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	writeFrame(t, conn, `{"type":"ping"}`)
	readUntil(t, conn, "pong")

	cancel()
	expectClose(t, conn, models.CloseGoingAway)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestNewServerValidatesOptions(t *testing.T) {
	authn := auth.NewService(auth.Config{JWTSecret: testJWTSecret})
	store := storage.NewMemoryStore()

	if _, err := NewServer(Options{Auth: authn, Store: store}); err == nil {
		t.Error("expected error without config")
	}
	if _, err := NewServer(Options{Config: config.Default(), Auth: authn}); err == nil {
		t.Error("expected error without store")
	}
	if _, err := NewServer(Options{Config: config.Default(), Auth: auth.NewService(auth.Config{}), Store: store}); err == nil {
		t.Error("expected error without credentials")
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example.com", true},
		{"https://APP.example.com", true},
		{"https://evil.example.com", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/ws/user/1", nil)
		if tt.origin != "" {
			req.Header.Set("Origin", tt.origin)
		}
		if got := check(req); got != tt.want {
			t.Errorf("origin %q: got %v, want %v", tt.origin, got, tt.want)
		}
	}
	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Error("empty allow-list should accept everything")
	}
}
