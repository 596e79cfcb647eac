package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFrame_ConnectPreamble(t *testing.T) {
	input := "Type: connect\r\nV8-Version: 3.28.71.19\r\nProtocol-Version: 1\r\nEmbedding-Host: node v0.12.7\r\nContent-Length: 0\r\n\r\n" +
		"Content-Length: 2\r\n\r\n{}"

	r := NewReader(strings.NewReader(input))

	frame, err := r.ReadFrame()
	require.NoError(t, err)
	assert.True(t, frame.IsConnect())
	assert.Equal(t, "3.28.71.19", frame.Headers["V8-Version"])
	assert.Equal(t, "node v0.12.7", frame.Headers["Embedding-Host"])

	frame, err = r.ReadFrame()
	require.NoError(t, err)
	assert.False(t, frame.IsConnect())
	assert.Equal(t, "{}", string(frame.Body))

	_, err = r.ReadFrame()
	assert.Equal(t, io.EOF, err)
}

func TestReadFrame_MultibyteBody(t *testing.T) {
	// Content-Length counts bytes, not characters.
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteMessage(NewRequest(7, "evaluate", map[string]any{"expression": `"тест"`})))

	frame, err := NewReader(&buf).ReadFrame()
	require.NoError(t, err)

	_, args, err := DecodeRequest(frame.Body)
	require.NoError(t, err)
	var decoded map[string]string
	require.NoError(t, json.Unmarshal(args, &decoded))
	assert.Equal(t, `"тест"`, decoded["expression"])
}

func TestReadFrame_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"missing length", "Type: x\r\n\r\n"},
		{"bad length", "Content-Length: abc\r\n\r\n"},
		{"negative length", "Content-Length: -4\r\n\r\n"},
		{"header without colon", "garbage\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.input)).ReadFrame()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	_, err := NewReader(strings.NewReader("Content-Length: 10\r\n\r\n{}")).ReadFrame()
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrMalformed))
}

func TestWriteRequest_Envelope(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewWriter(&buf).WriteMessage(NewRequest(3, "suspend", nil)))

	frame, err := NewReader(&buf).ReadFrame()
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(frame.Body, &got))
	assert.Equal(t, float64(3), got["seq"])
	assert.Equal(t, "request", got["type"])
	assert.Equal(t, "suspend", got["command"])
	_, hasArgs := got["arguments"]
	assert.False(t, hasArgs, "nil arguments should be omitted")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    Kind
		wantErr bool
	}{
		{"response", `{"seq":4,"request_seq":1,"type":"response","command":"version","success":true}`, KindResponse, false},
		{"event", `{"seq":5,"type":"event","event":"break","body":{}}`, KindEvent, false},
		{"request", `{"seq":1,"type":"request","command":"continue"}`, KindRequest, false},
		{"response without request_seq", `{"seq":4,"type":"response","success":true}`, KindInvalid, true},
		{"event without name", `{"seq":4,"type":"event"}`, KindInvalid, true},
		{"unknown type", `{"seq":4,"type":"weird"}`, KindInvalid, true},
		{"array", `[1,2]`, KindInvalid, true},
		{"not json", `{"seq":`, KindInvalid, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Classify([]byte(tt.body))
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecodeResponse_KeepsRefsAndRunning(t *testing.T) {
	body := `{"seq":9,"request_seq":2,"type":"response","command":"scope","success":true,"body":{"object":{"ref":12}},"refs":[{"handle":12}],"running":false}`

	resp, err := DecodeResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, 2, resp.RequestSeq)
	assert.True(t, resp.Success)
	assert.JSONEq(t, `{"object":{"ref":12}}`, string(resp.Body))
	assert.JSONEq(t, `[{"handle":12}]`, string(resp.Refs))
	require.NotNil(t, resp.Running)
	assert.False(t, *resp.Running)
}
