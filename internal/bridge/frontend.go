package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Frontend error codes.
const (
	codeServerError    = -32000
	codeInvalidParams  = -32602
	codeMethodNotFound = -32601
)

// Conn is the frontend transport. *websocket.Conn satisfies it.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Command is an inbound frontend request.
type Command struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// CommandError is an error reported to the frontend with a code.
type CommandError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *CommandError) Error() string {
	return e.Message
}

func methodNotFound(method string) error {
	return &CommandError{Code: codeMethodNotFound, Message: fmt.Sprintf("'%s' wasn't found", method)}
}

func invalidParams(format string, args ...any) error {
	return &CommandError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

type response struct {
	ID     int64         `json:"id"`
	Result any           `json:"result,omitempty"`
	Error  *CommandError `json:"error,omitempty"`
}

type notification struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// Frontend serializes writes to the frontend connection.
type Frontend struct {
	conn Conn
	mu   sync.Mutex
}

// NewFrontend wraps conn.
func NewFrontend(conn Conn) *Frontend {
	return &Frontend{conn: conn}
}

// Read returns the next command. Messages that are not commands are skipped.
func (f *Frontend) Read() (*Command, error) {
	for {
		_, data, err := f.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		var cmd Command
		if err := json.Unmarshal(data, &cmd); err != nil || cmd.Method == "" {
			continue
		}
		return &cmd, nil
	}
}

// Reply answers a command with a result or an error.
func (f *Frontend) Reply(id int64, result any, err error) error {
	if err != nil {
		var ce *CommandError
		if !errors.As(err, &ce) {
			ce = &CommandError{Code: codeServerError, Message: err.Error()}
		}
		return f.send(response{ID: id, Error: ce})
	}
	if result == nil {
		result = struct{}{}
	}
	return f.send(response{ID: id, Result: result})
}

// Notify sends an event.
func (f *Frontend) Notify(method string, params any) error {
	return f.send(notification{Method: method, Params: params})
}

// Close closes the connection.
func (f *Frontend) Close() error {
	return f.conn.Close()
}

func (f *Frontend) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn.WriteMessage(websocket.TextMessage, data)
}
