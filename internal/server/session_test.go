package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/hub"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/notify"
	"github.com/Tyrowin/roomchat/internal/presence"
	"github.com/Tyrowin/roomchat/internal/ratelimit"
	"github.com/Tyrowin/roomchat/internal/store"
)

const (
	testSecret = "test-secret"
	testOrigin = "http://localhost:8080"
)

type countingStore struct {
	store.MessageStore
	inserts atomic.Int32
	fail    atomic.Bool
}

func (c *countingStore) Insert(ctx context.Context, msg *store.Message) (string, error) {
	if c.fail.Load() {
		return "", errors.New("database is locked")
	}
	c.inserts.Add(1)
	return c.MessageStore.Insert(ctx, msg)
}

type recordingPresence struct {
	*presence.Memory
	online  atomic.Int32
	offline atomic.Int32
}

func (p *recordingPresence) MarkOnline(ctx context.Context, userID string, ttl time.Duration) error {
	p.online.Add(1)
	return p.Memory.MarkOnline(ctx, userID, ttl)
}

func (p *recordingPresence) MarkOffline(ctx context.Context, userID string) error {
	p.offline.Add(1)
	return p.Memory.MarkOffline(ctx, userID)
}

type recordingQueue struct {
	mu    sync.Mutex
	tasks []notify.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, task notify.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) snapshot() []notify.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]notify.Task(nil), q.tasks...)
}

type testEnv struct {
	t        *testing.T
	srv      *Server
	hub      *hub.Hub
	db       *store.SQLite
	messages *countingStore
	presence *recordingPresence
	queue    *recordingQueue
	ts       *httptest.Server
}

type envOption func(cfg *config.Config, deps *Deps)

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()

	db, err := store.OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.Default()
	cfg.Server.AllowedOrigins = []string{testOrigin}

	logger := logging.Discard()
	h := hub.NewHub(logger)
	env := &testEnv{
		t:        t,
		hub:      h,
		db:       db,
		messages: &countingStore{MessageStore: db},
		presence: &recordingPresence{Memory: presence.NewMemory()},
		queue:    &recordingQueue{},
	}

	dispatcher := notify.NewDispatcher(logger, env.queue, db, env.presence, h, notify.Config{Workers: 1, QueueSize: 16})
	dispatcher.Start(context.Background())
	t.Cleanup(dispatcher.Stop)

	deps := Deps{
		Logger:   logger,
		Verifier: auth.NewJWTVerifier(testSecret),
		Members:  db,
		Messages: env.messages,
		Presence: env.presence,
		Limiter:  ratelimit.NewMemory(cfg.RateLimit.Requests, cfg.RateLimit.Window),
		Hub:      h,
		Notifier: dispatcher,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	srv, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	env.srv = srv
	env.ts = httptest.NewServer(srv.Routes())
	t.Cleanup(env.ts.Close)
	t.Cleanup(func() { _ = srv.Shutdown(2 * time.Second) })
	return env
}

func (e *testEnv) addMember(roomID string, users ...string) {
	e.t.Helper()
	for _, u := range users {
		if err := e.db.AddMember(context.Background(), roomID, u, "member"); err != nil {
			e.t.Fatalf("add member: %v", err)
		}
	}
}

func (e *testEnv) token(userID, username string) string {
	e.t.Helper()
	token, err := auth.Issue(testSecret, auth.Identity{UserID: userID, DisplayName: username}, time.Minute)
	if err != nil {
		e.t.Fatalf("issue token: %v", err)
	}
	return token
}

func (e *testEnv) wsURL(roomID, token string) string {
	u := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws/" + roomID
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (e *testEnv) dial(roomID, token string) *websocket.Conn {
	e.t.Helper()
	conn, resp, err := e.dialRaw(e.wsURL(roomID, token), nil)
	if err != nil {
		e.t.Fatalf("dial %s: %v", roomID, err)
	}
	_ = resp.Body.Close()
	e.t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func (e *testEnv) dialRaw(url string, header http.Header) (*websocket.Conn, *http.Response, error) {
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Origin") == "" {
		header.Set("Origin", testOrigin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 2 * time.Second}
	return dialer.Dial(url, header)
}

// join dials and waits until the hub has indexed the user.
func (e *testEnv) join(roomID, userID string) *websocket.Conn {
	e.t.Helper()
	conn := e.dial(roomID, e.token(userID, "name-"+userID))
	waitFor(e.t, func() bool {
		c, ok := e.hub.UserConnection(userID)
		return ok && c.RoomID() == roomID
	})
	return conn
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return frame
}

func expectErrorCode(t *testing.T, conn *websocket.Conn, code string) {
	t.Helper()
	frame := readFrame(t, conn)
	if frame["type"] != "error" || frame["code"] != code {
		t.Fatalf("Expected error reply %q, got %v", code, frame)
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
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("Expected close %d, got %v", code, err)
		}
		if closeErr.Code != code {
			t.Fatalf("Expected close code %d, got %d (%s)", code, closeErr.Code, closeErr.Text)
		}
		return
	}
}

func expectSilence(t *testing.T, conn *websocket.Conn, d time.Duration) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(d))
	if _, data, err := conn.ReadMessage(); err == nil {
		t.Fatalf("Expected no frame, got %s", data)
	}
}

func TestInvalidTokenClosesWithPolicyViolation(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")

	for _, token := range []string{"", "not-a-jwt"} {
		conn := env.dial("room1", token)
		expectClose(t, conn, websocket.ClosePolicyViolation)
	}

	if stats := env.hub.Stats(); stats.Connections != 0 {
		t.Errorf("Rejected connections must not reach the hub, got %+v", stats)
	}
}

func TestNonMemberClosedWithPolicyViolation(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")

	conn := env.dial("room1", env.token("intruder", "mallory"))
	expectClose(t, conn, websocket.ClosePolicyViolation)

	if env.hub.IsConnected("intruder") {
		t.Error("Non-member must not be registered")
	}
	if online, _ := env.presence.IsOnline(context.Background(), "intruder"); online {
		t.Error("Non-member must not be marked online")
	}
}

func TestBearerHeaderIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")

	header := http.Header{}
	header.Set("Authorization", "Bearer "+env.token("u1", "alice"))
	conn, resp, err := env.dialRaw(env.wsURL("room1", ""), header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = resp.Body.Close()
	defer func() { _ = conn.Close() }()

	waitFor(t, func() bool { return env.hub.IsConnected("u1") })
}

func TestBroadcastReachesRoomMembersOnly(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1", "u2")
	env.addMember("room2", "u3")

	alice := env.join("room1", "u1")
	bob := env.join("room1", "u2")
	carol := env.join("room2", "u3")

	waitFor(t, func() bool {
		online, _ := env.presence.IsOnline(context.Background(), "u1")
		return online
	})

	sendJSON(t, alice, map[string]any{"content": "hello room", "metadata": map[string]any{"client": "test"}})

	for name, conn := range map[string]*websocket.Conn{"sender": alice, "member": bob} {
		frame := readFrame(t, conn)
		if frame["type"] != "message" || frame["content"] != "hello room" {
			t.Errorf("%s: unexpected frame %v", name, frame)
		}
		if frame["messageType"] != DefaultMessageType || frame["userId"] != "u1" || frame["username"] != "name-u1" {
			t.Errorf("%s: unexpected message fields %v", name, frame)
		}
		if id, _ := frame["id"].(string); id == "" {
			t.Errorf("%s: expected a message id", name)
		}
	}
	expectSilence(t, carol, 200*time.Millisecond)

	if n := env.messages.inserts.Load(); n != 1 {
		t.Errorf("Expected one persisted message, got %d", n)
	}
}

func TestFramesProcessedInArrivalOrder(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1", "u2")
	alice := env.join("room1", "u1")
	bob := env.join("room1", "u2")

	for _, content := range []string{"one", "two", "three"} {
		sendJSON(t, alice, map[string]any{"content": content})
	}
	for _, want := range []string{"one", "two", "three"} {
		if got := readFrame(t, bob)["content"]; got != want {
			t.Fatalf("Expected %q, got %v", want, got)
		}
	}
}

func TestBannedWordRejectedBeforePersistence(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1", "u2")
	alice := env.join("room1", "u1")
	bob := env.join("room1", "u2")

	sendJSON(t, alice, map[string]any{"content": "this is SPAM"})
	frame := readFrame(t, alice)
	if frame["code"] != CodeContentRejected || !strings.Contains(frame["error"].(string), "spam") {
		t.Fatalf("Expected content rejection naming the term, got %v", frame)
	}

	sendJSON(t, alice, map[string]any{"content": "clean"})
	if got := readFrame(t, bob)["content"]; got != "clean" {
		t.Errorf("Rejected frame leaked to the room, first frame was %v", got)
	}
	if n := env.messages.inserts.Load(); n != 1 {
		t.Errorf("Expected only the clean message to be persisted, got %d inserts", n)
	}
}

func TestMalformedFramesGetErrorReply(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")
	conn := env.join("room1", "u1")

	frames := []string{
		`not json`,
		`["content"]`,
		`{"content": 5}`,
		`{"content": ""}`,
		`{"content": "hi", "metadata": "nope"}`,
		`{"content": "` + strings.Repeat("x", MaxContentLength+1) + `"}`,
	}
	for _, raw := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatalf("write: %v", err)
		}
		expectErrorCode(t, conn, CodeInvalidMessage)
	}

	if !env.hub.IsConnected("u1") {
		t.Error("Malformed frames must not close the connection")
	}
	if n := env.messages.inserts.Load(); n != 0 {
		t.Errorf("Expected nothing persisted, got %d", n)
	}
}

func TestMaxLengthContentIsBroadcast(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")
	conn := env.join("room1", "u1")

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "four byte runes",
			raw:  `{"content":"` + strings.Repeat("😀", MaxContentLength) + `"}`,
			want: strings.Repeat("😀", MaxContentLength),
		},
		{
			name: "escaped two byte runes",
			raw:  `{"content":"` + strings.Repeat(`\u00e9`, MaxContentLength) + `"}`,
			want: strings.Repeat("é", MaxContentLength),
		},
		{
			name: "escaped surrogate pairs",
			raw:  `{"content":"` + strings.Repeat(`\ud83d\ude00`, MaxContentLength) + `"}`,
			want: strings.Repeat("😀", MaxContentLength),
		},
	}
	for _, tt := range tests {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(tt.raw)); err != nil {
			t.Fatalf("%s: write: %v", tt.name, err)
		}
		frame := readFrame(t, conn)
		if frame["type"] != "message" || frame["content"] != tt.want {
			t.Fatalf("%s: expected broadcast of the full content, got type %v", tt.name, frame["type"])
		}
	}

	if !env.hub.IsConnected("u1") {
		t.Error("Maximum length frames must not close the connection")
	}
}

func TestRateLimitedFrameKeepsConnectionOpen(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, deps *Deps) {
		deps.Limiter = ratelimit.NewMemory(2, time.Minute)
	})
	env.addMember("room1", "u1")
	conn := env.join("room1", "u1")

	for i := 0; i < 2; i++ {
		sendJSON(t, conn, map[string]any{"content": "ok"})
		if frame := readFrame(t, conn); frame["type"] != "message" {
			t.Fatalf("Expected message %d to be admitted, got %v", i, frame)
		}
	}

	sendJSON(t, conn, map[string]any{"content": "one too many"})
	expectErrorCode(t, conn, CodeRateLimited)

	if !env.hub.IsConnected("u1") {
		t.Error("Rate limiting must not close the connection")
	}
	if n := env.messages.inserts.Load(); n != 2 {
		t.Errorf("Expected 2 persisted messages, got %d", n)
	}
}

func TestPersistenceFailureRepliesWithInternalError(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1", "u2")
	alice := env.join("room1", "u1")
	bob := env.join("room1", "u2")

	env.messages.fail.Store(true)
	sendJSON(t, alice, map[string]any{"content": "lost"})
	expectErrorCode(t, alice, CodeInternal)

	env.messages.fail.Store(false)
	sendJSON(t, alice, map[string]any{"content": "kept"})
	if got := readFrame(t, bob)["content"]; got != "kept" {
		t.Errorf("Expected session to keep working after a failed insert, got %v", got)
	}
}

func TestSecondConnectionEvictsFirst(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1", "u2")

	first := env.join("room1", "u1")
	firstConn, _ := env.hub.UserConnection("u1")
	second := env.dial("room1", env.token("u1", "alice"))
	waitFor(t, func() bool {
		c, ok := env.hub.UserConnection("u1")
		return ok && c.ID() != firstConn.ID()
	})

	expectClose(t, first, hub.CloseSessionReplaced)

	// the evicted session's teardown must leave the new session online
	time.Sleep(200 * time.Millisecond)
	if n := env.presence.offline.Load(); n != 0 {
		t.Errorf("Evicted session cleared presence %d times", n)
	}
	if online, _ := env.presence.IsOnline(context.Background(), "u1"); !online {
		t.Error("Expected user to remain online")
	}

	bob := env.join("room1", "u2")
	sendJSON(t, bob, map[string]any{"content": "still there?"})
	if got := readFrame(t, second)["content"]; got != "still there?" {
		t.Errorf("Expected new connection to receive broadcasts, got %v", got)
	}
	if len(env.hub.Connections("room1")) != 2 {
		t.Errorf("Expected 2 connections in room1, got %d", len(env.hub.Connections("room1")))
	}

	_ = second.Close()
	waitFor(t, func() bool { return env.presence.offline.Load() == 1 })
	if online, _ := env.presence.IsOnline(context.Background(), "u1"); online {
		t.Error("Expected user offline after the last connection closed")
	}
}

func TestFramesAfterCloseAreDropped(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")
	conn := env.join("room1", "u1")

	serverConn, ok := env.hub.UserConnection("u1")
	if !ok {
		t.Fatal("Expected u1 to be registered")
	}
	serverConn.Close(hub.CloseSessionReplaced, "session replaced")

	sendJSON(t, conn, map[string]any{"content": "too late"})
	expectClose(t, conn, hub.CloseSessionReplaced)

	waitFor(t, func() bool { return !env.hub.IsConnected("u1") })
	if n := env.messages.inserts.Load(); n != 0 {
		t.Errorf("Expected frames after close to be dropped, got %d inserts", n)
	}
}

// drain answers pings by reading until the connection fails.
func drain(conn *websocket.Conn) {
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func TestHeartbeatRefreshesPresence(t *testing.T) {
	const ttl = 200 * time.Millisecond
	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) {
		cfg.Transport.PingPeriod = 40 * time.Millisecond
		cfg.Transport.PongWait = time.Second
		cfg.Presence.TTL = ttl
	})
	env.addMember("room1", "u1")
	drain(env.join("room1", "u1"))

	waitFor(t, func() bool { return env.presence.online.Load() >= 3 })

	time.Sleep(3 * ttl)
	if online, _ := env.presence.IsOnline(context.Background(), "u1"); !online {
		t.Error("Expected presence to outlive its TTL while pings succeed")
	}
}

type stallingPresence struct {
	*presence.Memory
	release chan struct{}
	stalled atomic.Int32

	mu     sync.Mutex
	joined map[string]bool
}

// MarkOnline lets each user's join through and stalls every refresh after it.
func (p *stallingPresence) MarkOnline(ctx context.Context, userID string, ttl time.Duration) error {
	p.mu.Lock()
	first := !p.joined[userID]
	p.joined[userID] = true
	p.mu.Unlock()
	if first {
		return p.Memory.MarkOnline(ctx, userID, ttl)
	}

	p.stalled.Add(1)
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return ctx.Err()
}

func TestSlowPresenceDoesNotDelayDelivery(t *testing.T) {
	slow := &stallingPresence{
		Memory:  presence.NewMemory(),
		release: make(chan struct{}),
		joined:  make(map[string]bool),
	}
	env := newTestEnv(t, func(cfg *config.Config, deps *Deps) {
		cfg.Transport.PingPeriod = 40 * time.Millisecond
		cfg.Transport.PongWait = 2 * time.Second
		deps.Presence = slow
	})
	t.Cleanup(func() { close(slow.release) })
	env.addMember("room1", "u1", "u2")
	alice := env.join("room1", "u1")

	waitFor(t, func() bool { return slow.stalled.Load() >= 1 })

	bob := env.join("room1", "u2")
	sendJSON(t, bob, map[string]any{"content": "are you there?"})

	_ = alice.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := alice.ReadMessage()
	if err != nil {
		t.Fatalf("Expected delivery while presence is stalled, got %v", err)
	}
	if !strings.Contains(string(data), "are you there?") {
		t.Errorf("Unexpected frame %s", data)
	}
}

func TestDisconnectTearsDownOnce(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")
	conn := env.join("room1", "u1")

	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	waitFor(t, func() bool { return !env.hub.IsConnected("u1") })
	waitFor(t, func() bool { return env.presence.offline.Load() == 1 })

	time.Sleep(100 * time.Millisecond)
	if n := env.presence.offline.Load(); n != 1 {
		t.Errorf("Expected exactly one presence teardown, got %d", n)
	}
	if stats := env.hub.Stats(); stats.Connections != 0 || stats.Rooms != 0 {
		t.Errorf("Expected empty hub, got %+v", stats)
	}
}

func TestOfflineMembersAreNotified(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "U1", "U2", "U3")
	if err := env.presence.MarkOnline(context.Background(), "U2", time.Minute); err != nil {
		t.Fatalf("mark online: %v", err)
	}

	conn := env.join("room1", "U1")
	sendJSON(t, conn, map[string]any{"content": "anyone around?"})
	readFrame(t, conn)

	waitFor(t, func() bool { return len(env.queue.snapshot()) > 0 })
	time.Sleep(100 * time.Millisecond)

	tasks := env.queue.snapshot()
	if len(tasks) != 1 {
		t.Fatalf("Expected exactly one notification, got %d", len(tasks))
	}
	if tasks[0].Name != notify.TaskSendNotification || tasks[0].Args[0] != "U3" {
		t.Errorf("Expected notification for U3, got %+v", tasks[0])
	}
	if !strings.HasPrefix(tasks[0].Args[1], "New message in room room1") {
		t.Errorf("Unexpected notification text %q", tasks[0].Args[1])
	}
}

func TestOriginAllowList(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")
	url := env.wsURL("room1", env.token("u1", "alice"))

	for _, origin := range []string{"http://evil.test", "not-a-url"} {
		header := http.Header{}
		header.Set("Origin", origin)
		conn, resp, err := env.dialRaw(url, header)
		if err == nil {
			_ = conn.Close()
			t.Fatalf("Expected origin %q to be rejected", origin)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Errorf("Expected 403 for origin %q, got %v", origin, resp)
		}
		if resp != nil {
			_ = resp.Body.Close()
		}
	}

	header := http.Header{}
	header.Set("Origin", "HTTP://LOCALHOST:8080")
	conn, resp, err := env.dialRaw(url, header)
	if err != nil {
		t.Fatalf("Expected case-insensitive origin match, got %v", err)
	}
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestHandshakeRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, deps *Deps) {
		deps.HandshakeLimiter = ratelimit.NewMemory(1, time.Minute, ratelimit.WithPrefix("addr:"))
	})
	env.addMember("room1", "u1")

	env.dial("room1", env.token("u1", "alice"))

	conn, resp, err := env.dialRaw(env.wsURL("room1", env.token("u1", "alice")), nil)
	if err == nil {
		_ = conn.Close()
		t.Fatal("Expected second handshake to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("Expected 429, got %v", resp)
	}
	_ = resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1")
	env.join("room1", "u1")

	resp, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.Connections != 1 || health.Rooms != 1 {
		t.Errorf("Unexpected health %+v", health)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t)
	env.addMember("room1", "u1", "u2")
	a := env.join("room1", "u1")
	b := env.join("room1", "u2")

	if err := env.srv.Shutdown(3 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	expectClose(t, a, websocket.CloseGoingAway)
	expectClose(t, b, websocket.CloseGoingAway)

	if stats := env.hub.Stats(); stats.Connections != 0 {
		t.Errorf("Expected all sessions torn down, got %+v", stats)
	}
	for _, u := range []string{"u1", "u2"} {
		if online, _ := env.presence.IsOnline(context.Background(), u); online {
			t.Errorf("Expected %s offline after shutdown", u)
		}
	}

	conn, resp, err := env.dialRaw(env.wsURL("room1", env.token("u1", "alice")), nil)
	if err == nil {
		_ = resp.Body.Close()
		expectClose(t, conn, websocket.CloseGoingAway)
		_ = conn.Close()
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(config.Default(), Deps{Logger: logging.Discard()}); err == nil {
		t.Error("Expected missing dependencies to be reported")
	}
}
