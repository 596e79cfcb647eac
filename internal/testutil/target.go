// Package testutil provides a scripted debug target for package tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/go-dap"

	"github.com/standardbeagle/inspectbridge/internal/wire"
)

// Reply scripts one response.
type Reply struct {
	// Body is marshalled as JSON; a string or json.RawMessage is sent as-is.
	Body    any
	Refs    any
	Running *bool
	// Fail sends success=false with this message.
	Fail string
	// Hold suppresses the automatic response; the test answers later with Respond.
	Hold bool
}

// Responder produces the reply for a request.
type Responder func(args json.RawMessage) Reply

// Call is a request the target received.
type Call struct {
	Seq     int
	Command string
	Args    json.RawMessage
}

// FakeTarget speaks the target side of the wire protocol over an in-memory pipe.
type FakeTarget struct {
	conn   net.Conn
	reader *wire.Reader
	writer *wire.Writer

	mu       sync.Mutex
	handlers map[string]func(Call) Reply
	calls    []Call
	seq      int

	received chan Call
	done     chan struct{}
}

// NewTarget returns a fake target and the client end of its connection.
func NewTarget(t testing.TB) (*FakeTarget, net.Conn) {
	t.Helper()

	server, client := net.Pipe()
	f := &FakeTarget{
		conn:     server,
		reader:   wire.NewReader(server),
		writer:   wire.NewWriter(server),
		handlers: make(map[string]func(Call) Reply),
		received: make(chan Call, 256),
		done:     make(chan struct{}),
	}
	go f.serve()
	t.Cleanup(func() { f.Close() })
	return f, client
}

// Bool returns a pointer to b, for Reply.Running.
func Bool(b bool) *bool {
	return &b
}

// Handle scripts the reply for a command.
func (f *FakeTarget) Handle(command string, r Responder) {
	f.HandleCall(command, func(c Call) Reply { return r(c.Args) })
}

// HandleCall scripts the reply for a command with access to the whole call.
func (f *FakeTarget) HandleCall(command string, fn func(Call) Reply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[command] = fn
}

// HandleBody scripts a fixed successful body for a command.
func (f *FakeTarget) HandleBody(command string, body any) {
	f.Handle(command, func(json.RawMessage) Reply { return Reply{Body: body} })
}

// Calls returns every request received so far.
func (f *FakeTarget) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the command names received so far, in order.
func (f *FakeTarget) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Command
	}
	return out
}

// Count returns how many times command was received.
func (f *FakeTarget) Count(command string) int {
	n := 0
	for _, c := range f.Commands() {
		if c == command {
			n++
		}
	}
	return n
}

// Next waits for the next received request.
func (f *FakeTarget) Next(t testing.TB) Call {
	t.Helper()
	select {
	case c := <-f.received:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a request")
		return Call{}
	}
}

// Preamble sends the header-only attach message.
func (f *FakeTarget) Preamble(v8Version string) error {
	msg := fmt.Sprintf("Type: connect\r\nV8-Version: %s\r\nProtocol-Version: 1\r\nEmbedding-Host: node v0.12.7\r\nContent-Length: 0\r\n\r\n", v8Version)
	_, err := f.conn.Write([]byte(msg))
	return err
}

// Emit sends an event.
func (f *FakeTarget) Emit(event string, body any) error {
	raw, err := marshalOptional(body)
	if err != nil {
		return err
	}
	ev := wire.Event{
		Event: dap.Event{
			ProtocolMessage: dap.ProtocolMessage{Seq: f.nextSeq(), Type: wire.TypeEvent},
			Event:           event,
		},
		Body: raw,
	}
	return f.writer.WriteMessage(&ev)
}

// Respond answers a request, typically one held with Reply.Hold.
func (f *FakeTarget) Respond(call Call, r Reply) error {
	return f.reply(call.Seq, call.Command, r)
}

// WriteRaw sends a raw body in a correctly framed message.
func (f *FakeTarget) WriteRaw(body string) error {
	return f.writer.WriteRaw([]byte(body))
}

// Close drops the connection.
func (f *FakeTarget) Close() {
	f.mu.Lock()
	select {
	case <-f.done:
	default:
		close(f.done)
	}
	f.mu.Unlock()
	f.conn.Close()
}

func (f *FakeTarget) serve() {
	for {
		frame, err := f.reader.ReadFrame()
		if err != nil {
			f.Close()
			return
		}
		req, args, err := wire.DecodeRequest(frame.Body)
		if err != nil {
			continue
		}

		call := Call{Seq: req.Seq, Command: req.Command, Args: args}
		f.mu.Lock()
		f.calls = append(f.calls, call)
		responder := f.handlers[req.Command]
		f.mu.Unlock()

		select {
		case f.received <- call:
		default:
		}

		r := Reply{}
		if responder != nil {
			r = responder(call)
		}
		if r.Hold {
			continue
		}
		if err := f.reply(req.Seq, req.Command, r); err != nil {
			return
		}
	}
}

func (f *FakeTarget) reply(requestSeq int, command string, r Reply) error {
	body, err := marshalOptional(r.Body)
	if err != nil {
		return err
	}
	refs, err := marshalOptional(r.Refs)
	if err != nil {
		return err
	}
	resp := wire.Response{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: f.nextSeq(), Type: wire.TypeResponse},
			RequestSeq:      requestSeq,
			Success:         r.Fail == "",
			Command:         command,
			Message:         r.Fail,
		},
		Body:    body,
		Refs:    refs,
		Running: r.Running,
	}
	return f.writer.WriteMessage(&resp)
}

func (f *FakeTarget) nextSeq() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	return f.seq
}

func marshalOptional(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	if s, ok := v.(string); ok {
		return json.RawMessage(s), nil
	}
	return json.Marshal(v)
}
