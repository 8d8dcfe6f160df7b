package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mwiater/toolchat/internal/appconfig"
)

// MaxFrameSize bounds a single frame read from a provider.
const MaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when a provider announces or sends a frame
// larger than MaxFrameSize.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// codec moves whole JSON-RPC frames over a byte stream.
type codec interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
}

func newCodec(framing string, r io.Reader, w io.Writer) (codec, error) {
	switch strings.ToLower(strings.TrimSpace(framing)) {
	case "", appconfig.FramingNDJSON:
		return &ndjsonCodec{r: bufio.NewReader(r), w: bufio.NewWriter(w)}, nil
	case appconfig.FramingContentLength:
		return &contentLengthCodec{r: bufio.NewReader(r), w: bufio.NewWriter(w)}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", framing)
	}
}

// ndjsonCodec frames one JSON value per line.
type ndjsonCodec struct {
	r  *bufio.Reader
	wm sync.Mutex
	w  *bufio.Writer
}

func (c *ndjsonCodec) ReadFrame() ([]byte, error) {
	for {
		line, err := c.readLine()
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLine reads up to the next newline, giving up once the line grows past
// MaxFrameSize.
func (c *ndjsonCodec) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxFrameSize {
			return nil, fmt.Errorf("%w: ndjson line longer than %d bytes", ErrFrameTooLarge, MaxFrameSize)
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

func (c *ndjsonCodec) WriteFrame(data []byte) error {
	c.wm.Lock()
	defer c.wm.Unlock()
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("ndjson frame contains a newline")
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// contentLengthCodec frames messages with LSP-style headers.
type contentLengthCodec struct {
	r  *bufio.Reader
	wm sync.Mutex
	w  *bufio.Writer
}

func (c *contentLengthCodec) ReadFrame() ([]byte, error) {
	headers := make(map[string]string)
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && len(headers) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if len(headers) == 0 {
				continue
			}
			break
		}
		if idx := strings.IndexByte(line, ':'); idx >= 0 {
			headers[strings.ToLower(strings.TrimSpace(line[:idx]))] = strings.TrimSpace(line[idx+1:])
		}
	}

	cl, ok := headers["content-length"]
	if !ok {
		return nil, fmt.Errorf("missing Content-Length header")
	}
	var length int
	if _, err := fmt.Sscanf(cl, "%d", &length); err != nil || length < 0 {
		return nil, fmt.Errorf("invalid Content-Length %q", cl)
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("%w: Content-Length %d", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *contentLengthCodec) WriteFrame(data []byte) error {
	c.wm.Lock()
	defer c.wm.Unlock()
	if _, err := fmt.Fprintf(c.w, "Content-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := c.w.Write(data); err != nil {
		return err
	}
	return c.w.Flush()
}
