// Package session owns one live connection to a debug target.
//
// A Session correlates requests with responses by sequence number, fans out
// unsolicited events to subscribers in registration order, and tracks a coarse
// run-state (running or paused) derived from events and from the running flag
// the target attaches to every response.
//
// # Lifecycle
//
//	s := session.New(conn, session.WithTimeout(30*time.Second))
//	s.On("break", onBreak)
//	s.Start()
//	body, err := s.Request(ctx, "version", nil)
//	...
//	s.Close()
//
// Handlers must be registered before Start if they need to observe the first
// events. Handlers run synchronously on the read loop, so a handler that needs
// to issue requests of its own must do so from another goroutine.
//
// When the connection drops, or Close is called, every pending call fails with
// ErrClosed, the "close" event fires exactly once, and later calls fail
// immediately.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/standardbeagle/inspectbridge/internal/wire"
)

// EventClose is fired once when the session ends.
const EventClose = "close"

var (
	// ErrClosed is returned for calls pending at close and for calls made after it.
	ErrClosed = errors.New("session closed")
	// ErrTimeout is returned when a call exceeds the session's request timeout.
	ErrTimeout = errors.New("request timed out")
)

// ProtocolError is a response with success=false.
type ProtocolError struct {
	Command string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s failed", e.Command)
	}
	return fmt.Sprintf("%s failed: %s", e.Command, e.Message)
}

// Handler receives an event body. For EventClose the body is nil.
type Handler func(body json.RawMessage)

// TargetInfo is what the target announced in its attach preamble.
type TargetInfo struct {
	V8Version       string
	ProtocolVersion string
	EmbeddingHost   string
}

// Option configures a Session.
type Option func(*Session)

// WithTimeout bounds every call that does not already carry a deadline.
// Zero, the default, waits indefinitely.
func WithTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

// Session is one live target connection.
type Session struct {
	id      string
	conn    io.ReadWriteCloser
	reader  *wire.Reader
	writer  *wire.Writer
	timeout time.Duration

	mu       sync.Mutex
	nextSeq  int
	pending  map[int]chan *wire.Response
	handlers map[string][]Handler
	waiters  map[*Waiter]struct{}
	state    RunState
	changed  chan struct{}
	info     TargetInfo
	closed   bool
	closeErr error

	injection *InjectionState

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// New wraps conn. Call Start to begin reading.
func New(conn io.ReadWriteCloser, opts ...Option) *Session {
	s := &Session{
		id:        uuid.NewString(),
		conn:      conn,
		reader:    wire.NewReader(conn),
		writer:    wire.NewWriter(conn),
		pending:   make(map[int]chan *wire.Response),
		handlers:  make(map[string][]Handler),
		waiters:   make(map[*Waiter]struct{}),
		changed:   make(chan struct{}),
		injection: newInjectionState(),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the read loop. It is safe to call more than once.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.readLoop()
	})
}

// ID identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the cause of the close, or nil while the session is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// TargetInfo returns the attach preamble details seen so far.
func (s *Session) TargetInfo() TargetInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Injection returns the per-connection injection bookkeeping.
func (s *Session) Injection() *InjectionState {
	return s.injection
}

// On registers a handler for the named event. Handlers for the same event
// run in registration order.
func (s *Session) On(event string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], h)
}

// Call sends a request and waits for its response. A response with
// success=false is returned together with a *ProtocolError.
func (s *Session) Call(ctx context.Context, command string, args any) (*wire.Response, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.nextSeq++
	seq := s.nextSeq
	ch := make(chan *wire.Response, 1)
	s.pending[seq] = ch
	s.mu.Unlock()

	if err := s.writer.WriteMessage(wire.NewRequest(seq, command, args)); err != nil {
		s.forget(seq)
		s.closeWithError(err)
		return nil, fmt.Errorf("send %s: %w", command, ErrClosed)
	}

	if s.timeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
	}

	select {
	case resp := <-ch:
		return s.complete(command, resp)
	case <-s.done:
		select {
		case resp := <-ch:
			return s.complete(command, resp)
		default:
		}
		return nil, ErrClosed
	case <-ctx.Done():
		s.forget(seq)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", command, ErrTimeout)
		}
		return nil, ctx.Err()
	}
}

// Request sends a request and returns the response body.
func (s *Session) Request(ctx context.Context, command string, args any) (json.RawMessage, error) {
	resp, err := s.Call(ctx, command, args)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (s *Session) complete(command string, resp *wire.Response) (*wire.Response, error) {
	if !resp.Success {
		return resp, &ProtocolError{Command: command, Message: resp.Message}
	}
	return resp, nil
}

func (s *Session) forget(seq int) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

// Close ends the session. Pending calls fail with ErrClosed and the close
// event fires once.
func (s *Session) Close() error {
	s.closeWithError(ErrClosed)
	return nil
}

func (s *Session) closeWithError(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.closeErr = cause
		abandoned := len(s.pending)
		s.pending = make(map[int]chan *wire.Response)
		for w := range s.waiters {
			w.cancel()
		}
		s.waiters = make(map[*Waiter]struct{})
		handlers := append([]Handler(nil), s.handlers[EventClose]...)
		s.mu.Unlock()

		close(s.done)
		s.conn.Close()
		s.injection.reset()

		if cause != nil && !errors.Is(cause, ErrClosed) {
			log.Printf("[session %s] connection lost: %v", s.short(), cause)
		}
		if abandoned > 0 {
			log.Printf("[session %s] rejected %d pending calls", s.short(), abandoned)
		}

		for _, h := range handlers {
			h(nil)
		}
	})
}

func (s *Session) readLoop() {
	for {
		frame, err := s.reader.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				log.Printf("[session %s] dropping frame: %v", s.short(), err)
				continue
			}
			if errors.Is(err, io.EOF) {
				err = ErrClosed
			}
			s.closeWithError(err)
			return
		}
		s.dispatch(frame)
	}
}

func (s *Session) dispatch(frame *wire.Frame) {
	if frame.IsConnect() {
		s.mu.Lock()
		s.info = TargetInfo{
			V8Version:       frame.Headers["V8-Version"],
			ProtocolVersion: frame.Headers["Protocol-Version"],
			EmbeddingHost:   frame.Headers["Embedding-Host"],
		}
		s.mu.Unlock()
		return
	}
	if len(frame.Body) == 0 {
		return
	}

	kind, err := wire.Classify(frame.Body)
	if err != nil {
		log.Printf("[session %s] dropping message: %v", s.short(), err)
		return
	}

	switch kind {
	case wire.KindResponse:
		resp, err := wire.DecodeResponse(frame.Body)
		if err != nil {
			log.Printf("[session %s] dropping response: %v", s.short(), err)
			return
		}
		s.handleResponse(resp)
	case wire.KindEvent:
		ev, err := wire.DecodeEvent(frame.Body)
		if err != nil {
			log.Printf("[session %s] dropping event: %v", s.short(), err)
			return
		}
		s.handleEvent(ev)
	default:
		log.Printf("[session %s] dropping unexpected %s", s.short(), kind)
	}
}

func (s *Session) handleResponse(resp *wire.Response) {
	switch {
	case resp.Running != nil && *resp.Running:
		s.setState(RunStateRunning)
	case resp.Running != nil:
		s.setState(RunStatePaused)
	case resp.Success && resp.Command == "continue":
		s.setState(RunStateRunning)
	}

	s.mu.Lock()
	ch, ok := s.pending[resp.RequestSeq]
	if ok {
		delete(s.pending, resp.RequestSeq)
	}
	s.mu.Unlock()

	if !ok {
		log.Printf("[session %s] dropping response to unknown request_seq %d (%s)", s.short(), resp.RequestSeq, resp.Command)
		return
	}
	ch <- resp
}

func (s *Session) handleEvent(ev *wire.Event) {
	switch ev.Name() {
	case "break", "exception":
		s.setState(RunStatePaused)
	}

	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers[ev.Name()]...)
	var matched []*Waiter
	for w := range s.waiters {
		if w.matches(ev.Name()) {
			matched = append(matched, w)
			delete(s.waiters, w)
		}
	}
	s.mu.Unlock()

	for _, w := range matched {
		w.deliver(ev)
	}
	for _, h := range handlers {
		h(ev.Body)
	}
}

func (s *Session) short() string {
	return s.id[:8]
}
