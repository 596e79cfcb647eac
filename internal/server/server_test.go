package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/inspectbridge/internal/testutil"
)

// startServer runs a server whose dialer hands out fake targets.
func startServer(t *testing.T, dial Dialer) *Server {
	t.Helper()
	s, err := New(Config{ID: "test-target", ListenAddr: "127.0.0.1:0", Dial: dial})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	<-s.Ready()
	return s
}

func fakeDialer(t *testing.T) (Dialer, <-chan *testutil.FakeTarget) {
	targets := make(chan *testutil.FakeTarget, 4)
	return func(context.Context) (net.Conn, error) {
		target, conn := testutil.NewTarget(t)
		target.HandleBody("evaluate", map[string]any{"type": "number", "value": 2, "text": "2"})
		targets <- target
		return conn, nil
	}, targets
}

func dialFrontend(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+s.ListenAddr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func evaluate(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{
		"id": 1, "method": "Runtime.evaluate", "params": map[string]string{"expression": "1+1"},
	}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var resp map[string]any
	require.NoError(t, ws.ReadJSON(&resp))
	return resp
}

func TestNew_RequiresDialer(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestTargetList(t *testing.T) {
	dial, _ := fakeDialer(t)
	s := startServer(t, dial)

	for _, path := range []string{"/json", "/json/list"} {
		resp, err := http.Get("http://" + s.ListenAddr + path)
		require.NoError(t, err)
		var list []Target
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
		resp.Body.Close()

		require.Len(t, list, 1, path)
		assert.Equal(t, "test-target", list[0].ID)
		assert.Equal(t, "ws://"+s.ListenAddr+"/ws", list[0].WebSocketDebuggerURL)
	}
}

func TestVersion(t *testing.T) {
	dial, _ := fakeDialer(t)
	s := startServer(t, dial)

	resp, err := http.Get("http://" + s.ListenAddr + "/json/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	var v map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, "1.1", v["Protocol-Version"])
}

func TestBridgesFrontendToTarget(t *testing.T) {
	dial, targets := fakeDialer(t)
	s := startServer(t, dial)

	ws := dialFrontend(t, s)
	resp := evaluate(t, ws)
	result, ok := resp["result"].(map[string]any)
	require.True(t, ok, "response: %v", resp)
	assert.Equal(t, "number", result["result"].(map[string]any)["type"])

	target := <-targets
	assert.Equal(t, []string{"evaluate"}, target.Commands())
	assert.True(t, s.Attached())
	assert.Equal(t, int64(1), s.Stats().Sessions)
}

func TestSecondFrontendIsRefused(t *testing.T) {
	dial, _ := fakeDialer(t)
	s := startServer(t, dial)

	first := dialFrontend(t, s)
	evaluate(t, first)

	_, resp, err := websocket.DefaultDialer.Dial("ws://"+s.ListenAddr+"/ws", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// The list hides the WebSocket URL while attached.
	httpResp, err := http.Get("http://" + s.ListenAddr + "/json")
	require.NoError(t, err)
	var list []Target
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&list))
	httpResp.Body.Close()
	assert.Empty(t, list[0].WebSocketDebuggerURL)

	first.Close()
	require.Eventually(t, func() bool { return !s.Attached() }, 2*time.Second, 10*time.Millisecond)
	second := dialFrontend(t, s)
	evaluate(t, second)
}

func TestDialFailureClosesFrontend(t *testing.T) {
	s := startServer(t, func(context.Context) (net.Conn, error) {
		return nil, errors.New("connection refused")
	})

	ws := dialFrontend(t, s)
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := ws.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)

	require.Eventually(t, func() bool { return !s.Attached() }, 2*time.Second, 10*time.Millisecond)
}

func TestTargetDisconnectEndsFrontend(t *testing.T) {
	dial, targets := fakeDialer(t)
	s := startServer(t, dial)

	ws := dialFrontend(t, s)
	evaluate(t, ws)
	(<-targets).Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var detached map[string]any
	require.NoError(t, ws.ReadJSON(&detached))
	assert.Equal(t, "Inspector.detached", detached["method"])

	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return !s.Attached() }, 2*time.Second, 10*time.Millisecond)
}

func TestStop(t *testing.T) {
	dial, _ := fakeDialer(t)
	s, err := New(Config{ListenAddr: "127.0.0.1:0", Dial: dial})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.Error(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
	assert.Error(t, s.Stop(ctx))
}
