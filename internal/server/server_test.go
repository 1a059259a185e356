package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatter/internal/creds"
	"chatter/internal/frame"
	"chatter/internal/registry"
)

const recvTimeout = 2 * time.Second

// wireEnv decodes server envelopes with raw content so each test can pick
// the content shape it expects.
type wireEnv struct {
	Timestamp string          `json:"timestamp"`
	Sender    string          `json:"sender"`
	Response  string          `json:"response"`
	Content   json.RawMessage `json:"content"`
}

func (e wireEnv) contentString(t *testing.T) string {
	t.Helper()
	var s string
	require.NoError(t, json.Unmarshal(e.Content, &s))
	return s
}

// testConn is a raw TCP test client speaking the brace-delimited protocol.
type testConn struct {
	t    *testing.T
	conn net.Conn
	dec  frame.Decoder
}

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".admins")
	// md5("secret")
	require.NoError(t, os.WriteFile(path,
		[]byte("root 5ebe2294ecd0e0f08eab7690d2a6ee69\n"), 0o644))
	admins, err := creds.Load(path)
	require.NoError(t, err)

	srv := New(registry.New(admins))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(srv.Shutdown)
	return srv, ln.Addr().String()
}

func dial(t *testing.T, addr string) *testConn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testConn{t: t, conn: conn}
}

func (c *testConn) send(raw string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(raw))
	require.NoError(c.t, err)
}

// recv returns the next envelope, failing the test after recvTimeout.
func (c *testConn) recv() wireEnv {
	c.t.Helper()
	env, err := c.tryRecv()
	require.NoError(c.t, err)
	return env
}

func (c *testConn) tryRecv() (wireEnv, error) {
	buf := make([]byte, 4096)
	deadline := time.Now().Add(recvTimeout)
	for {
		if span, ok := c.dec.Next(); ok {
			var env wireEnv
			if err := json.Unmarshal(span, &env); err != nil {
				return wireEnv{}, err
			}
			return env, nil
		}
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.dec.Feed(buf[:n])
			continue
		}
		if err != nil {
			return wireEnv{}, err
		}
	}
}

func (c *testConn) login(username string) {
	c.t.Helper()
	c.send(fmt.Sprintf(`{"request":"login","content":%q}`, username))
	info := c.recv()
	require.Equal(c.t, "info", info.Response)
	require.Contains(c.t, info.contentString(c.t), "successfully logged in")
	hist := c.recv()
	require.Equal(c.t, "history", hist.Response)
}

func TestLoginFlow(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(`{"request":"login","content":"alice"}`)
	info := c.recv()
	assert.Equal(t, "info", info.Response)
	assert.Equal(t, "server", info.Sender)
	assert.Contains(t, info.contentString(t), "You're successfully logged in, alice")

	hist := c.recv()
	assert.Equal(t, "history", hist.Response)
	var msgs []wireEnv
	require.NoError(t, json.Unmarshal(hist.Content, &msgs))
	assert.Empty(t, msgs, "room \"all\" starts with empty history")
}

func TestAdminLoginFlow(t *testing.T) {
	_, addr := startServer(t)

	c := dial(t, addr)
	c.send(`{"request":"login","content":"root"}`)
	errEnv := c.recv()
	assert.Equal(t, "error", errEnv.Response)
	assert.Contains(t, errEnv.contentString(t), "admin name")

	c.send(`{"request":"login","content":"root","password":"wrong"}`)
	errEnv = c.recv()
	assert.Equal(t, "error", errEnv.Response)
	assert.Contains(t, errEnv.contentString(t), "wrong password")

	c.send(`{"request":"login","content":"root","password":"secret"}`)
	info := c.recv()
	assert.Equal(t, "info", info.Response)
	assert.Contains(t, info.contentString(t), "[ADMIN] You're successfully logged in, root")
	c.recv() // history
}

// Two connections race to claim the same username: exactly one gets the
// info + history pair, the other an error naming the conflict.
func TestLoginRace(t *testing.T) {
	_, addr := startServer(t)

	a := dial(t, addr)
	b := dial(t, addr)

	var wg sync.WaitGroup
	for _, c := range []*testConn{a, b} {
		wg.Add(1)
		go func(c *testConn) {
			defer wg.Done()
			c.conn.Write([]byte(`{"request":"login","content":"alice"}`))
		}(c)
	}
	wg.Wait()

	outcomes := make(map[string]int)
	for _, c := range []*testConn{a, b} {
		env := c.recv()
		switch env.Response {
		case "info":
			hist := c.recv()
			require.Equal(t, "history", hist.Response)
			outcomes["win"]++
		case "error":
			assert.Contains(t, env.contentString(t), "taken")
			outcomes["taken"]++
		default:
			t.Fatalf("unexpected response %q", env.Response)
		}
	}
	assert.Equal(t, map[string]int{"win": 1, "taken": 1}, outcomes)
}

// A request split across two TCP segments is reassembled into one command.
func TestSplitFrameDelivery(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)
	c.login("alice")

	c.send(`{"request":"mess`)
	time.Sleep(50 * time.Millisecond)
	c.send(`age","content":"hi"}`)

	env := c.recv()
	assert.Equal(t, "message", env.Response)
	assert.Equal(t, "alice", env.Sender)
	assert.Equal(t, "hi", env.contentString(t))
}

// Several requests delivered in a single TCP segment are all processed.
func TestBatchedFrames(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)
	c.login("alice")

	c.send(`{"request":"message","content":"one"}{"request":"message","content":"two"}`)
	assert.Equal(t, "one", c.recv().contentString(t))
	assert.Equal(t, "two", c.recv().contentString(t))
}

func TestRoomIsolation(t *testing.T) {
	_, addr := startServer(t)
	alice := dial(t, addr)
	bob := dial(t, addr)
	carol := dial(t, addr)
	alice.login("alice")
	bob.login("bob")
	carol.login("carol")

	carol.send(`{"request":"chatroom","content":"lounge"}`)
	info := carol.recv()
	require.Equal(t, "info", info.Response)
	assert.Contains(t, info.contentString(t), "Successfully changed room to lounge")
	require.Equal(t, "history", carol.recv().Response)

	alice.send(`{"request":"message","content":"hello-all"}`)
	assert.Equal(t, "hello-all", alice.recv().contentString(t))
	assert.Equal(t, "hello-all", bob.recv().contentString(t))

	// Carol's next traffic must be her own lounge message, proving the
	// "all" broadcast never reached her.
	carol.send(`{"request":"message","content":"hello-lounge"}`)
	env := carol.recv()
	assert.Equal(t, "message", env.Response)
	assert.Equal(t, "hello-lounge", env.contentString(t))
}

func TestNames(t *testing.T) {
	_, addr := startServer(t)
	alice := dial(t, addr)
	bob := dial(t, addr)
	alice.login("alice")
	bob.login("bob")

	alice.send(`{"request":"names"}`)
	env := alice.recv()
	require.Equal(t, "info", env.Response)
	content := env.contentString(t)
	assert.Contains(t, content, "Currently in all")
	assert.Contains(t, content, "alice")
	assert.Contains(t, content, "bob")
}

func TestHistoryReplayOnJoin(t *testing.T) {
	_, addr := startServer(t)
	alice := dial(t, addr)
	alice.login("alice")
	alice.send(`{"request":"message","content":"for the record"}`)
	require.Equal(t, "message", alice.recv().Response)

	bob := dial(t, addr)
	bob.send(`{"request":"login","content":"bob"}`)
	require.Equal(t, "info", bob.recv().Response)
	hist := bob.recv()
	require.Equal(t, "history", hist.Response)

	var msgs []wireEnv
	require.NoError(t, json.Unmarshal(hist.Content, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].Sender)
	assert.Equal(t, "for the record", msgs[0].contentString(t))
}

// A non-admin's kick is refused and the target stays connected.
func TestUnauthorizedKick(t *testing.T) {
	_, addr := startServer(t)
	alice := dial(t, addr)
	bob := dial(t, addr)
	alice.login("alice")
	bob.login("bob")

	bob.send(`{"request":"kick","content":"alice"}`)
	env := bob.recv()
	assert.Equal(t, "error", env.Response)
	assert.Contains(t, env.contentString(t), "not admin")

	// alice's session is untouched.
	alice.send(`{"request":"message","content":"still here"}`)
	assert.Equal(t, "still here", alice.recv().contentString(t))
}

func TestKickByAdmin(t *testing.T) {
	_, addr := startServer(t)
	root := dial(t, addr)
	bob := dial(t, addr)
	root.send(`{"request":"login","content":"root","password":"secret"}`)
	require.Equal(t, "info", root.recv().Response)
	require.Equal(t, "history", root.recv().Response)
	bob.login("bob")

	root.send(`{"request":"kick","content":"bob"}`)

	notice := bob.recv()
	assert.Equal(t, "info", notice.Response)
	assert.Contains(t, notice.contentString(t), "kicked by root")
	ctrl := bob.recv()
	assert.Equal(t, "control", ctrl.Response)
	assert.Contains(t, string(ctrl.Content), `"name":null`)

	// bob's connection is closed by the server.
	_, err := bob.tryRecv()
	assert.ErrorIs(t, err, io.EOF)
}

// A banned address is dropped pre-authentication on every reconnect.
func TestBanEnforcement(t *testing.T) {
	_, addr := startServer(t)
	root := dial(t, addr)
	mallory := dial(t, addr)
	root.send(`{"request":"login","content":"root","password":"secret"}`)
	require.Equal(t, "info", root.recv().Response)
	require.Equal(t, "history", root.recv().Response)
	mallory.login("mallory")

	root.send(`{"request":"ban","content":"mallory"}`)
	notice := mallory.recv()
	assert.Contains(t, notice.contentString(t), "banned by root")
	require.Equal(t, "control", mallory.recv().Response)
	_, err := mallory.tryRecv()
	assert.ErrorIs(t, err, io.EOF)

	// Reconnects from the banned address die silently, even with a
	// well-formed request in flight.  The close may surface as EOF or as
	// a reset depending on what was still buffered; either way no
	// envelope ever arrives.
	for i := 0; i < 3; i++ {
		again := dial(t, addr)
		again.send(`{"request":"help"}`)
		_, err := again.tryRecv()
		require.Error(t, err, "reconnect %d", i)
		assert.NotErrorIs(t, err, os.ErrDeadlineExceeded, "reconnect %d was not dropped", i)
	}
}

func TestLogout(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(`{"request":"logout"}`)
	env := c.recv()
	assert.Equal(t, "error", env.Response)
	assert.Contains(t, env.contentString(t), "not logged in")

	c.login("alice")
	c.send(`{"request":"logout"}`)
	env = c.recv()
	assert.Equal(t, "info", env.Response)
	assert.Contains(t, env.contentString(t), "successfully logged out")

	_, err := c.tryRecv()
	assert.ErrorIs(t, err, io.EOF)

	// Username is free for the next connection.
	d := dial(t, addr)
	d.login("alice")
}

func TestInfo(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(`{"request":"info"}`)
	env := c.recv()
	require.Equal(t, "control", env.Response)
	assert.Contains(t, string(env.Content), `"name":null`)

	c.login("alice")
	c.send(`{"request":"info"}`)
	env = c.recv()
	require.Equal(t, "control", env.Response)

	var info struct {
		Name     *string  `json:"name"`
		Names    []string `json:"names"`
		Chatroom *string  `json:"chatroom"`
		Elapsed  *int     `json:"elapsed"`
		Admin    *bool    `json:"admin"`
	}
	require.NoError(t, json.Unmarshal(env.Content, &info))
	require.NotNil(t, info.Name)
	assert.Equal(t, "alice", *info.Name)
	assert.Equal(t, "all", *info.Chatroom)
	assert.Equal(t, []string{"alice"}, info.Names)
	assert.False(t, *info.Admin)
}

func TestUnknownCommandGetsHelp(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(`{"request":"frobnicate","content":"x"}`)
	env := c.recv()
	assert.Equal(t, "info", env.Response)
	assert.Contains(t, env.contentString(t), "This server supports requests")
}

func TestInvalidArgument(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)
	c.login("alice")

	tests := []struct {
		name string
		raw  string
	}{
		{"message with number content", `{"request":"message","content":5}`},
		{"message with null content", `{"request":"message","content":null}`},
		{"names with string content", `{"request":"names","content":"all"}`},
		{"login with object password", `{"request":"login","content":"bob","password":{"a":1}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c.send(tt.raw)
			env := c.recv()
			assert.Equal(t, "error", env.Response)
			assert.Contains(t, env.contentString(t), "Invalid argument")
		})
	}

	// The connection survives and keeps working.
	c.send(`{"request":"message","content":"still alive"}`)
	assert.Equal(t, "still alive", c.recv().contentString(t))
}

// A span that balances braces but is not valid JSON is dropped without
// killing the connection.
func TestMalformedFrameIgnored(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	c.send(`{"request":}`)
	c.send(`{"request":"help"}`)
	env := c.recv()
	assert.Equal(t, "info", env.Response)
	assert.Contains(t, env.contentString(t), "This server supports requests")
}

// Commands that require a session answer NotLoggedIn without closing the
// connection.
func TestUnauthenticatedCommands(t *testing.T) {
	_, addr := startServer(t)
	c := dial(t, addr)

	for _, raw := range []string{
		`{"request":"message","content":"hi"}`,
		`{"request":"names"}`,
		`{"request":"chatroom","content":"lounge"}`,
		`{"request":"kick","content":"bob"}`,
	} {
		c.send(raw)
		env := c.recv()
		assert.Equal(t, "error", env.Response, "request %s", raw)
		assert.Contains(t, env.contentString(t), "not logged in")
	}

	// Still able to log in afterwards.
	c.login("alice")
}

// The WebSocket transport runs the same protocol engine.
func TestWebSocketTransport(t *testing.T) {
	srv, addr := startServer(t)

	hs := httptest.NewServer(srv.WSHandler())
	t.Cleanup(hs.Close)
	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")

	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	require.NoError(t, ws.WriteMessage(websocket.TextMessage,
		[]byte(`{"request":"login","content":"webalice"}`)))

	readEnv := func() wireEnv {
		ws.SetReadDeadline(time.Now().Add(recvTimeout))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var env wireEnv
		require.NoError(t, json.Unmarshal(data, &env))
		return env
	}

	info := readEnv()
	assert.Equal(t, "info", info.Response)
	assert.Contains(t, info.contentString(t), "successfully logged in")
	assert.Equal(t, "history", readEnv().Response)

	// WS and TCP peers share rooms.
	tcp := dial(t, addr)
	tcp.login("bob")
	tcp.send(`{"request":"message","content":"cross-transport"}`)
	env := readEnv()
	assert.Equal(t, "message", env.Response)
	assert.Equal(t, "bob", env.Sender)
	assert.Equal(t, "cross-transport", env.contentString(t))
}
