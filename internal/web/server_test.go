package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"Parlor/commands"
	"Parlor/internal/game"
	"Parlor/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cheapHash = game.HashParams{Time: 1, MemoryKiB: 64, Threads: 1, KeyLen: 16}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTestServer(t *testing.T) (*Server, *game.World, *fakeClock) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	world := game.NewWorld(nil, game.WithHashParams(cheapHash), game.WithMetrics(metrics.New("web_test")))
	lines, err := game.NewServer(world, commands.Dispatch, nil)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	s := New(world, lines, commands.Dispatch, nil, WithVersion("test"))
	s.now = clock.Now
	return s, world, clock
}

type client struct {
	t      *testing.T
	s      *Server
	cookie *http.Cookie
	tok    string
}

func (c *client) do(method, path string, form url.Values) *httptest.ResponseRecorder {
	c.t.Helper()
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	rec := httptest.NewRecorder()
	c.s.Handler().ServeHTTP(rec, req)
	return rec
}

func (c *client) post(path string, form url.Values) *httptest.ResponseRecorder {
	c.t.Helper()
	if form == nil {
		form = url.Values{}
	}
	if c.tok != "" && form.Get(csrfField) == "" {
		form.Set(csrfField, c.tok)
	}
	return c.do(http.MethodPost, path, form)
}

func (c *client) enter(path, name, password string) {
	c.t.Helper()
	rec := c.do(http.MethodPost, path, url.Values{"name": {name}, "password": {password}})
	require.Equal(c.t, http.StatusOK, rec.Code, rec.Body.String())

	var body map[string]string
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &body))
	c.tok = body[csrfField]
	require.NotEmpty(c.t, c.tok)
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == sessionCookie {
			c.cookie = cookie
		}
	}
	require.NotNil(c.t, c.cookie)
}

type beResponse struct {
	Messages  []string `json:"messages"`
	LoggedOut bool     `json:"logged_out"`
}

func (c *client) be() beResponse {
	c.t.Helper()
	rec := c.do(http.MethodGet, "/api/be", nil)
	require.Equal(c.t, http.StatusOK, rec.Code, rec.Body.String())
	var out beResponse
	require.NoError(c.t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestIndexBanner(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := &client{t: t, s: s}

	rec := c.do(http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Parlor test\n", rec.Body.String())
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := &client{t: t, s: s}

	assert.Equal(t, http.StatusNotFound, c.do(http.MethodGet, "/nope", nil).Code)
}

func TestHelpListsCommands(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := &client{t: t, s: s}

	rec := c.do(http.MethodGet, "/api/help", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Commands []struct {
			Name        string `json:"name"`
			Usage       string `json:"usage"`
			Description string `json:"description"`
		} `json:"commands"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Commands, 3)
	names := []string{body.Commands[0].Name, body.Commands[1].Name, body.Commands[2].Name}
	assert.Equal(t, []string{"logout", "say", "shutdown"}, names)
	assert.Equal(t, "<message>", body.Commands[1].Usage)
	assert.Equal(t, "speak to everyone in the room", body.Commands[1].Description)
}

func TestMetricsRoute(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := &client{t: t, s: s}

	rec := c.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `web_test_connections_active{transport="tcp"} 0`)
}

func TestRegisterDoBeRoundTrip(t *testing.T) {
	s, _, _ := newTestServer(t)
	a := &client{t: t, s: s}
	a.enter("/register", "@a", "aaaaaaaa")
	b := &client{t: t, s: s}
	b.enter("/register", "@b", "bbbbbbbb")

	rec := a.post("/api/do", url.Values{"cmd": {"hello"}})
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{"@b arrived.", "You say, 'hello'"}, a.be().Messages)
	assert.Equal(t, []string{"@a says, 'hello'"}, b.be().Messages)
	assert.Empty(t, b.be().Messages)
}

func TestLoginAfterRegister(t *testing.T) {
	s, _, _ := newTestServer(t)
	first := &client{t: t, s: s}
	first.enter("/register", "@a", "aaaaaaaa")

	second := &client{t: t, s: s}
	second.enter("/api/login", "@a", "aaaaaaaa")
	assert.Equal(t, 2, s.SessionCount())

	wrong := &client{t: t, s: s}
	rec := wrong.do(http.MethodPost, "/api/login", url.Values{"name": {"@a"}, "password": {"nope-nope"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := &client{t: t, s: s}

	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/register", url.Values{"name": {"nobody"}, "password": {"aaaaaaaa"}}).Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/register", url.Values{"name": {"@a"}, "password": {"short"}}).Code)
	assert.Equal(t, http.StatusBadRequest, c.do(http.MethodPost, "/register", url.Values{}).Code)

	c.enter("/register", "@a", "aaaaaaaa")
	other := &client{t: t, s: s}
	assert.Equal(t, http.StatusConflict, other.do(http.MethodPost, "/register", url.Values{"name": {"@a"}, "password": {"aaaaaaaa"}}).Code)
}

func TestSessionRequired(t *testing.T) {
	s, _, _ := newTestServer(t)
	c := &client{t: t, s: s}

	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/be", nil).Code)
	c.cookie = &http.Cookie{Name: sessionCookie, Value: "stale"}
	assert.Equal(t, http.StatusUnauthorized, c.do(http.MethodGet, "/api/who", nil).Code)
}

func TestDoRejectsBadCSRFToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	a := &client{t: t, s: s}
	a.enter("/register", "@a", "aaaaaaaa")
	a.be()

	rec := a.post("/api/do", url.Values{"cmd": {"hello"}, csrfField: {"forged"}})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, a.be().Messages)
}

func TestWhoListsRoom(t *testing.T) {
	s, _, _ := newTestServer(t)
	a := &client{t: t, s: s}
	a.enter("/register", "@a", "aaaaaaaa")
	b := &client{t: t, s: s}
	b.enter("/register", "@b", "bbbbbbbb")

	rec := a.do(http.MethodGet, "/api/who", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Room      string   `json:"room"`
		Occupants []string `json:"occupants"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, string(game.InitialRoom), body.Room)
	assert.Equal(t, []string{"@a", "@b"}, body.Occupants)
}

func TestLogoutEndsSession(t *testing.T) {
	s, world, _ := newTestServer(t)
	a := &client{t: t, s: s}
	a.enter("/register", "@a", "aaaaaaaa")
	b := &client{t: t, s: s}
	b.enter("/register", "@b", "bbbbbbbb")

	rec := a.post("/api/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "You have logged out.")
	assert.Equal(t, http.StatusUnauthorized, a.do(http.MethodGet, "/api/be", nil).Code)
	assert.Equal(t, []string{"@a left."}, b.be().Messages)
	assert.Equal(t, []string{"@b"}, world.Occupants(game.InitialRoom))
}

func TestLogoutCommandEndsSession(t *testing.T) {
	s, _, _ := newTestServer(t)
	a := &client{t: t, s: s}
	a.enter("/register", "@a", "aaaaaaaa")

	rec := a.post("/api/do", url.Values{"cmd": {"logout"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"logged_out":true`)
	assert.Equal(t, 0, s.SessionCount())
}

func TestLeaveDeparts(t *testing.T) {
	s, world, _ := newTestServer(t)
	a := &client{t: t, s: s}
	a.enter("/register", "@a", "aaaaaaaa")

	rec := a.post("/api/leave", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, world.Occupants(game.InitialRoom))
	assert.Equal(t, 0, s.SessionCount())
}

func TestSweepExpiresIdleSessions(t *testing.T) {
	s, world, clock := newTestServer(t)
	idle := &client{t: t, s: s}
	idle.enter("/register", "@idle", "aaaaaaaa")
	active := &client{t: t, s: s}
	active.enter("/register", "@active", "bbbbbbbb")
	active.be()

	clock.Advance(20 * time.Second)
	active.be()
	clock.Advance(15 * time.Second)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, []string{"@active"}, world.Occupants(game.InitialRoom))
	assert.Equal(t, []string{"@idle left."}, active.be().Messages)
	assert.Equal(t, http.StatusUnauthorized, idle.do(http.MethodGet, "/api/be", nil).Code)
}

func TestShutdownLogsHTTPSessionsOut(t *testing.T) {
	s, world, _ := newTestServer(t)
	a := &client{t: t, s: s}
	a.enter("/register", "@a", "aaaaaaaa")
	a.be()

	world.Shutdown()

	got := a.be()
	assert.True(t, got.LoggedOut)
	assert.Equal(t, []string{"You have logged out."}, got.Messages)
	assert.Equal(t, 0, s.SessionCount())
	assert.Empty(t, world.Occupants(game.InitialRoom))
}

func TestWebSocketRunsLineProtocol(t *testing.T) {
	s, world, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	expect := func(want string) {
		t.Helper()
		for {
			_, data, err := conn.ReadMessage()
			require.NoError(t, err, "waiting for %q", want)
			if string(data) == want {
				return
			}
		}
	}
	send := func(line string) {
		t.Helper()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(line)))
	}

	expect("What is your email address or Twitter handle? ")
	send("@ws")
	expect("Please enter a password: ")
	send("wswswsws")
	expect("Please re-enter your password: ")
	send("wswswsws")
	expect("Logged in as @ws...")

	send("hi")
	expect("You say, 'hi'")
	send("logout")
	expect("You have logged out.")

	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.Empty(t, world.Occupants(game.InitialRoom))
}

func TestWebSocketSessionsDrainOnShutdown(t *testing.T) {
	s, world, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	for _, line := range []string{"@ws", "wswswsws", "wswswsws"} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(line)))
	}
	require.Eventually(t, func() bool {
		return len(world.Occupants(game.InitialRoom)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	waited := make(chan struct{})
	go func() {
		s.lines.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatalf("wait returned while the websocket session was live")
	case <-time.After(50 * time.Millisecond):
	}

	world.Shutdown()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		t.Fatalf("wait did not return after shutdown")
	}
}
