package realtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/stepup/internal/auth"
	"github.com/mbd888/stepup/internal/verification"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

type harness struct {
	hub      *Hub
	sessions *auth.Sessions
	srv      *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	sessions := auth.NewSessions(testSecret)
	r := gin.New()
	g := r.Group("", auth.Middleware(sessions))
	hub.RegisterRoutes(g)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.done
	})
	return &harness{hub: hub, sessions: sessions, srv: srv}
}

func (h *harness) dial(t *testing.T, userID, query string) *websocket.Conn {
	t.Helper()
	tok, err := h.sessions.Issue(userID, time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/verification/events" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + tok}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (h *harness) waitClients(t *testing.T, n int64) {
	t.Helper()
	require.Eventually(t, func() bool { return h.hub.count.Load() == n }, 2*time.Second, 5*time.Millisecond)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var m Message
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func event(typ verification.EventType, token string) verification.Event {
	now := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	return verification.Event{Type: typ, Token: token, Status: verification.StatusPending, ExpiresAt: now.Add(15 * time.Minute), At: now}
}

func TestHub_DeliversOnlyToOwner(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, "alice", "")
	bob := h.dial(t, "bob", "")
	h.waitClients(t, 2)

	h.hub.NotifyChallenge("alice", event(verification.EventCodeSent, "vt_a"))
	h.hub.NotifyChallenge("bob", event(verification.EventVerified, "vt_b"))

	m := readMessage(t, alice)
	assert.Equal(t, verification.EventCodeSent, m.Type)
	assert.Equal(t, "vt_a", m.Token)
	assert.True(t, strings.HasPrefix(m.TokenRef, "tok:"))

	m = readMessage(t, bob)
	assert.Equal(t, verification.EventVerified, m.Type)
	assert.Equal(t, "vt_b", m.Token)
}

func TestHub_TokenFilterFromQuery(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice", "?token=vt_watch")
	h.waitClients(t, 1)

	h.hub.NotifyChallenge("alice", event(verification.EventCodeSent, "vt_other"))
	h.hub.NotifyChallenge("alice", event(verification.EventExpired, "vt_watch"))

	m := readMessage(t, conn)
	assert.Equal(t, "vt_watch", m.Token)
	assert.Equal(t, verification.EventExpired, m.Type)
}

func TestHub_SubscriptionUpdate(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice", "")
	h.waitClients(t, 1)

	sub, _ := json.Marshal(Subscription{EventTypes: []verification.EventType{verification.EventVerified}})
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, sub))

	// Wait for the read pump to apply the new subscription.
	require.Eventually(t, func() bool {
		var client *Client
		h.hub.mu.RLock()
		for c := range h.hub.clients["alice"] {
			client = c
		}
		h.hub.mu.RUnlock()
		return client != nil && !client.wants(event(verification.EventCodeSent, "vt_x"))
	}, 2*time.Second, 5*time.Millisecond)

	h.hub.NotifyChallenge("alice", event(verification.EventCodeSent, "vt_x"))
	h.hub.NotifyChallenge("alice", event(verification.EventVerified, "vt_x"))
	m := readMessage(t, conn)
	assert.Equal(t, verification.EventVerified, m.Type)
}

func TestHub_RequiresSession(t *testing.T) {
	h := newHarness(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/verification/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHub_QueryTokenAuth(t *testing.T) {
	h := newHarness(t)
	tok, err := h.sessions.Issue("carol", time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/verification/events?access_token=" + tok
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()
	h.waitClients(t, 1)
}

func TestHub_PerUserLimit(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < MaxClientsPerUser; i++ {
		h.dial(t, "alice", "")
	}
	h.waitClients(t, MaxClientsPerUser)

	tok, err := h.sessions.Issue("alice", time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/verification/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + tok}})
	require.Error(t, err)
	require.NotNil(t, resp)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_DisconnectUnregisters(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, "alice", "")
	h.waitClients(t, 1)

	require.NoError(t, conn.Close())
	h.waitClients(t, 0)

	stats := h.hub.Stats()
	assert.Equal(t, int64(1), stats["totalClients"])
	assert.Equal(t, 0, stats["connectedUsers"])
}

func TestHub_ShutdownClosesClients(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	sessions := auth.NewSessions(testSecret)
	r := gin.New()
	hub.RegisterRoutes(r.Group("", auth.Middleware(sessions)))
	srv := httptest.NewServer(r)
	defer srv.Close()

	tok, err := sessions.Issue("alice", time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/verification/events"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + tok}})
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()
	require.Eventually(t, func() bool { return hub.count.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	<-hub.done

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/verification/events", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://shop.example.com"})
	req := httptest.NewRequest(http.MethodGet, "http://api.example.com/verification/events", nil)

	assert.True(t, check(req))

	req.Header.Set("Origin", "https://shop.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://api.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.net")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
}

func TestNotifyChallenge_DropsWhenFull(t *testing.T) {
	hub := NewHub(slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	for i := 0; i < cap(hub.publish)+10; i++ {
		hub.NotifyChallenge("alice", event(verification.EventCreated, "vt_a"))
	}
	assert.Len(t, hub.publish, cap(hub.publish))
}
