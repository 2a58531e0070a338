package transport

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dmora/acpmux/internal/errfmt"
)

// errFrameTooLarge is returned for frames above MaxMessageSize.
var errFrameTooLarge = errors.New("frame exceeds maximum message size")

// ErrNotJSON marks a stdout line that is not a JSON value. Reading
// continues after it; whether the line is fatal is up to the caller.
var ErrNotJSON = errors.New("stdout line is not JSON")

// frameReader yields one frame per call. A non-nil error with a nil frame
// that is not io.EOF is a framing error; recoverable reports whether
// reading may continue after it.
type frameReader interface {
	next() (frame []byte, recoverable bool, err error)
}

// --- NDJSON ---

type lineReader struct {
	r   *bufio.Reader
	max int
}

func newLineReader(r io.Reader, max int) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, min(64*1024, max)), max: max}
}

func (l *lineReader) next() ([]byte, bool, error) {
	for {
		line, err := l.readLine()
		if err != nil {
			return nil, errors.Is(err, errFrameTooLarge), err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if line[0] != '{' && line[0] != '[' {
			return nil, true, fmt.Errorf("%w: %q", ErrNotJSON, errfmt.Line(string(line)))
		}
		return line, false, nil
	}
}

// readLine reads up to the next newline. An over-long line is consumed
// entirely and reported as errFrameTooLarge. A final line without a
// newline is returned before io.EOF.
func (l *lineReader) readLine() ([]byte, error) {
	var buf []byte
	tooLarge := false
	for {
		chunk, err := l.r.ReadSlice('\n')
		if !tooLarge {
			if len(buf)+len(chunk) > l.max+1 {
				tooLarge = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		switch {
		case err == nil:
			if tooLarge {
				return nil, errFrameTooLarge
			}
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if tooLarge {
				return nil, errFrameTooLarge
			}
			if len(buf) > 0 {
				return buf, nil
			}
			return nil, io.EOF
		default:
			return nil, err
		}
	}
}

// --- Content-Length ---

type headerReader struct {
	r   *bufio.Reader
	max int
}

func newHeaderReader(r io.Reader, max int) *headerReader {
	return &headerReader{r: bufio.NewReader(r), max: max}
}

// next reads "Content-Length: N\r\n" headers, a blank line, then N bytes.
// Header errors desynchronize the stream and are not recoverable.
func (h *headerReader) next() ([]byte, bool, error) {
	length := -1
	sawHeader := false
	for {
		line, err := h.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && !sawHeader && line == "" {
				return nil, false, io.EOF
			}
			return nil, false, fmt.Errorf("read header: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				continue // tolerate stray blank lines between frames
			}
			break
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, false, fmt.Errorf("malformed header %q", line)
		}
		if strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil || n < 0 {
				return nil, false, fmt.Errorf("invalid Content-Length %q", value)
			}
			length = n
		}
	}
	if length < 0 {
		return nil, false, errors.New("missing Content-Length header")
	}
	if length > h.max {
		return nil, false, fmt.Errorf("%w: %d bytes", errFrameTooLarge, length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(h.r, frame); err != nil {
		return nil, false, fmt.Errorf("read body: %w", err)
	}
	return frame, false, nil
}

// appendContentLength frames payload with a Content-Length header.
func appendContentLength(dst, payload []byte) []byte {
	dst = append(dst, "Content-Length: "...)
	dst = strconv.AppendInt(dst, int64(len(payload)), 10)
	dst = append(dst, "\r\n\r\n"...)
	return append(dst, payload...)
}
