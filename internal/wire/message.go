// Package wire implements the target debugger's wire protocol: framed JSON
// envelopes carrying requests, responses, and unsolicited events.
//
// # Envelopes
//
// Every message is a JSON object framed by HTTP-style headers:
//
//	Content-Length: 58\r\n
//	\r\n
//	{"seq":1,"type":"request","command":"version"}
//
// Requests carry a sequence number chosen by the sender. Responses echo it back
// in request_seq. Events carry an event name and an optional body. The
// envelope field names are the same ones the Debug Adapter Protocol inherited,
// so the base structs come from go-dap.
//
// The target also sends a header-only preamble when a client attaches:
//
//	Type: connect\r\n
//	V8-Version: 3.28.71.19\r\n
//	Content-Length: 0\r\n
//	\r\n
//
// Reader surfaces it as a Frame with an empty body and the headers populated.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/go-dap"
	"github.com/tidwall/gjson"
)

// Envelope type values.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Kind classifies an incoming message by its shape.
type Kind int

const (
	KindInvalid Kind = iota
	KindResponse
	KindEvent
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return TypeResponse
	case KindEvent:
		return TypeEvent
	case KindRequest:
		return TypeRequest
	default:
		return "invalid"
	}
}

// ErrMalformed is returned for messages that are not valid envelopes.
var ErrMalformed = errors.New("malformed message")

// Request is an outgoing command.
type Request struct {
	dap.Request
	Arguments any `json:"arguments,omitempty"`
}

// NewRequest builds a request envelope. A nil args omits the arguments field.
func NewRequest(seq int, command string, args any) *Request {
	return &Request{
		Request: dap.Request{
			ProtocolMessage: dap.ProtocolMessage{Seq: seq, Type: TypeRequest},
			Command:         command,
		},
		Arguments: args,
	}
}

// Response answers a request identified by RequestSeq.
type Response struct {
	dap.Response
	Body    json.RawMessage `json:"body,omitempty"`
	Refs    json.RawMessage `json:"refs,omitempty"`
	Running *bool           `json:"running,omitempty"`
}

// Event is an unsolicited notification from the target.
type Event struct {
	dap.Event
	Body json.RawMessage `json:"body,omitempty"`
}

// Name returns the event name.
func (e *Event) Name() string {
	return e.Event.Event
}

// Classify inspects a message body and reports which envelope it carries.
// Responses must carry request_seq and events must carry a name; anything else
// is KindInvalid with an error describing what is wrong.
func Classify(body []byte) (Kind, error) {
	if !gjson.ValidBytes(body) {
		return KindInvalid, fmt.Errorf("%w: invalid json", ErrMalformed)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return KindInvalid, fmt.Errorf("%w: not an object", ErrMalformed)
	}

	switch typ := doc.Get("type").String(); typ {
	case TypeResponse:
		if doc.Get("request_seq").Type != gjson.Number {
			return KindInvalid, fmt.Errorf("%w: response without request_seq", ErrMalformed)
		}
		return KindResponse, nil
	case TypeEvent:
		if doc.Get("event").String() == "" {
			return KindInvalid, fmt.Errorf("%w: event without name", ErrMalformed)
		}
		return KindEvent, nil
	case TypeRequest:
		if doc.Get("command").String() == "" {
			return KindInvalid, fmt.Errorf("%w: request without command", ErrMalformed)
		}
		return KindRequest, nil
	default:
		return KindInvalid, fmt.Errorf("%w: unknown type %q", ErrMalformed, typ)
	}
}

// DecodeResponse parses a response envelope.
func DecodeResponse(body []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &resp, nil
}

// DecodeEvent parses an event envelope.
func DecodeEvent(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &ev, nil
}

// DecodeRequest parses a request envelope. Arguments are left as raw JSON.
func DecodeRequest(body []byte) (*Request, json.RawMessage, error) {
	var req struct {
		dap.Request
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &Request{Request: req.Request}, req.Arguments, nil
}
