package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/inspectbridge/internal/testutil"
)

func newSession(t *testing.T, opts ...Option) (*Session, *testutil.FakeTarget) {
	t.Helper()
	target, conn := testutil.NewTarget(t)
	s := New(conn, opts...)
	t.Cleanup(func() { s.Close() })
	return s, target
}

func TestRequest_ReturnsBody(t *testing.T) {
	s, target := newSession(t)
	target.HandleBody("version", map[string]string{"V8Version": "3.28.71.19"})
	s.Start()

	body, err := s.Request(context.Background(), "version", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"V8Version":"3.28.71.19"}`, string(body))
}

func TestRequest_OutOfOrderResponses(t *testing.T) {
	s, target := newSession(t)
	hold := func(json.RawMessage) testutil.Reply { return testutil.Reply{Hold: true} }
	target.Handle("first", hold)
	target.Handle("second", hold)
	s.Start()

	type result struct {
		body json.RawMessage
		err  error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		b, err := s.Request(context.Background(), "first", nil)
		first <- result{b, err}
	}()
	c1 := target.Next(t)

	go func() {
		b, err := s.Request(context.Background(), "second", nil)
		second <- result{b, err}
	}()
	c2 := target.Next(t)

	require.NoError(t, target.Respond(c2, testutil.Reply{Body: `"two"`}))
	r2 := <-second
	require.NoError(t, r2.err)
	assert.Equal(t, `"two"`, string(r2.body))

	require.NoError(t, target.Respond(c1, testutil.Reply{Body: `"one"`}))
	r1 := <-first
	require.NoError(t, r1.err)
	assert.Equal(t, `"one"`, string(r1.body))
}

func TestRequest_UnmatchedResponseIsDropped(t *testing.T) {
	s, target := newSession(t)
	target.Handle("slow", func(json.RawMessage) testutil.Reply { return testutil.Reply{Hold: true} })
	s.Start()

	done := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "slow", nil)
		done <- err
	}()
	call := target.Next(t)

	require.NoError(t, target.Respond(testutil.Call{Seq: 999, Command: "ghost"}, testutil.Reply{}))

	select {
	case err := <-done:
		t.Fatalf("pending call completed by unrelated response: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, target.Respond(call, testutil.Reply{Body: `{}`}))
	assert.NoError(t, <-done)
}

func TestRequest_ProtocolFailure(t *testing.T) {
	s, target := newSession(t)
	target.Handle("evaluate", func(json.RawMessage) testutil.Reply {
		return testutil.Reply{Fail: "ReferenceError: nope is not defined"}
	})
	s.Start()

	_, err := s.Request(context.Background(), "evaluate", map[string]any{"expression": "nope"})
	var perr *ProtocolError
	require.True(t, errors.As(err, &perr), "got %v", err)
	assert.Equal(t, "evaluate", perr.Command)
	assert.Contains(t, perr.Message, "ReferenceError")

	// Recoverable: the session keeps working.
	_, err = s.Request(context.Background(), "version", nil)
	assert.NoError(t, err)
}

func TestClose_RejectsPendingAndFiresOnce(t *testing.T) {
	s, target := newSession(t)
	target.Handle("hang", func(json.RawMessage) testutil.Reply { return testutil.Reply{Hold: true} })

	var closes atomic.Int32
	s.On(EventClose, func(json.RawMessage) { closes.Add(1) })
	s.Start()

	const n = 5
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := s.Request(context.Background(), "hang", nil)
			errs <- err
		}()
		target.Next(t)
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	for i := 0; i < n; i++ {
		assert.ErrorIs(t, <-errs, ErrClosed)
	}
	assert.Equal(t, int32(1), closes.Load())

	start := time.Now()
	_, err := s.Request(context.Background(), "version", nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestTransportDrop_ClosesSession(t *testing.T) {
	s, target := newSession(t)
	target.Handle("hang", func(json.RawMessage) testutil.Reply { return testutil.Reply{Hold: true} })

	closed := make(chan struct{})
	s.On(EventClose, func(json.RawMessage) { close(closed) })
	s.Start()

	errs := make(chan error, 1)
	go func() {
		_, err := s.Request(context.Background(), "hang", nil)
		errs <- err
	}()
	target.Next(t)
	target.Close()

	assert.ErrorIs(t, <-errs, ErrClosed)
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close event not fired")
	}
	assert.Error(t, s.Err())
}

func TestEvents_FanOutInRegistrationOrder(t *testing.T) {
	s, target := newSession(t)

	var mu sync.Mutex
	var order []string
	got := make(chan struct{}, 2)
	for _, name := range []string{"a", "b"} {
		name := name
		s.On("afterCompile", func(body json.RawMessage) {
			mu.Lock()
			order = append(order, name+":"+string(body))
			mu.Unlock()
			got <- struct{}{}
		})
	}
	s.Start()

	require.NoError(t, target.Emit("afterCompile", `{"script":1}`))
	<-got
	<-got

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`a:{"script":1}`, `b:{"script":1}`}, order)
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	s, target := newSession(t)
	s.Start()

	require.NoError(t, target.WriteRaw(`{"seq":`))
	require.NoError(t, target.WriteRaw(`{"type":"response","success":true}`))
	require.NoError(t, target.WriteRaw(`{"type":"mystery"}`))

	_, err := s.Request(context.Background(), "version", nil)
	assert.NoError(t, err)
}

func TestRunState(t *testing.T) {
	s, target := newSession(t)
	target.Handle("version", func(json.RawMessage) testutil.Reply {
		return testutil.Reply{Running: testutil.Bool(false)}
	})
	target.Handle("continue", func(json.RawMessage) testutil.Reply {
		return testutil.Reply{Running: testutil.Bool(true)}
	})
	s.Start()

	assert.Equal(t, RunStateUnknown, s.State())

	running, err := s.Running(context.Background())
	require.NoError(t, err)
	assert.False(t, running)
	assert.Equal(t, RunStatePaused, s.State())

	_, err = s.Request(context.Background(), "continue", nil)
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, s.State())

	require.NoError(t, target.Emit("break", `{"sourceLine":3}`))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.WaitState(ctx, RunStatePaused))
}

func TestExpect_DeliversNextMatchingEvent(t *testing.T) {
	s, target := newSession(t)
	s.Start()

	w := s.Expect("break", "exception")
	require.NoError(t, target.Emit("afterCompile", nil))
	require.NoError(t, target.Emit("exception", `{"uncaught":true}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := w.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "exception", ev.Name())
}

func TestExpect_ClosedSession(t *testing.T) {
	s, _ := newSession(t)
	s.Start()
	w := s.Expect("break")
	s.Close()

	_, err := w.Wait(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTimeout(t *testing.T) {
	s, target := newSession(t, WithTimeout(30*time.Millisecond))
	target.Handle("hang", func(json.RawMessage) testutil.Reply { return testutil.Reply{Hold: true} })
	s.Start()

	_, err := s.Request(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, ErrTimeout)

	// A late answer must not disturb later calls.
	_, err = s.Request(context.Background(), "version", nil)
	assert.NoError(t, err)
}

func TestPreamble_TargetInfo(t *testing.T) {
	s, target := newSession(t)
	s.Start()

	require.NoError(t, target.Preamble("4.5.103.35"))
	_, err := s.Request(context.Background(), "version", nil)
	require.NoError(t, err)

	info := s.TargetInfo()
	assert.Equal(t, "4.5.103.35", info.V8Version)
	assert.Equal(t, "node v0.12.7", info.EmbeddingHost)
}

func TestInjectionState_ResetOnClose(t *testing.T) {
	s, _ := newSession(t)
	s.Start()

	st := s.Injection()
	st.MarkDiscovered()
	st.MarkInjected("/agents/console.js")
	assert.True(t, st.Discovered())
	assert.Equal(t, []string{"/agents/console.js"}, st.Modules())

	s.Close()
	assert.False(t, st.Discovered())
	assert.False(t, st.Injected("/agents/console.js"))
}
