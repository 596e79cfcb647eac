package wire

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/go-dap"
)

// maxBodySize bounds a single message body. Script sources can be large.
const maxBodySize = 64 << 20

// Frame is one framed message: its headers and raw body.
type Frame struct {
	Headers map[string]string
	Body    []byte
}

// IsConnect reports whether the frame is the header-only attach preamble.
func (f *Frame) IsConnect() bool {
	return len(f.Body) == 0 && strings.EqualFold(f.Headers["Type"], "connect")
}

// Reader reads framed messages.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for frame reading.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// ReadFrame reads the next frame. Header names are canonicalised as sent;
// Content-Length is matched case-insensitively. io.EOF is returned unwrapped
// when the stream ends between frames.
func (r *Reader) ReadFrame() (*Frame, error) {
	headers := make(map[string]string)
	contentLength := -1

	for {
		line, err := r.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(headers) == 0 && line == "" {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(headers) == 0 {
				// Stray blank line between frames.
				continue
			}
			break
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		headers[name] = value

		if strings.EqualFold(name, "Content-Length") {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, value)
			}
			contentLength = n
		}
	}

	if contentLength < 0 {
		return nil, fmt.Errorf("%w: missing Content-Length header", ErrMalformed)
	}
	if contentLength > maxBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes exceeds limit", ErrMalformed, contentLength)
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(r.r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	return &Frame{Headers: headers, Body: body}, nil
}

// Writer writes framed messages. It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w for frame writing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage marshals v and writes it as one frame.
func (w *Writer) WriteMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return w.WriteRaw(data)
}

// WriteRaw writes an already encoded body as one frame.
func (w *Writer) WriteRaw(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := dap.WriteBaseMessage(w.w, data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}
