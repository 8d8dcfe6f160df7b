package mcp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNDJSONCodecRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	c, err := newCodec("ndjson", strings.NewReader("\n{\"a\":1}\n\n{\"b\":2}\n"), &buf)
	if err != nil {
		t.Fatalf("newCodec: %v", err)
	}

	first, err := c.ReadFrame()
	if err != nil || string(first) != `{"a":1}` {
		t.Fatalf("first frame: %q %v", first, err)
	}
	second, err := c.ReadFrame()
	if err != nil || string(second) != `{"b":2}` {
		t.Fatalf("second frame: %q %v", second, err)
	}
	if _, err := c.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}

	if err := c.WriteFrame([]byte(`{"c":3}`)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.String() != "{\"c\":3}\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
	if err := c.WriteFrame([]byte("{\n}")); err == nil {
		t.Fatal("expected embedded newline to be rejected")
	}
}

func TestContentLengthCodecRoundTrip(t *testing.T) {
	input := "Content-Length: 7\r\n\r\n{\"a\":1}content-length: 7\n\n{\"b\":2}"
	var buf bytes.Buffer
	c, err := newCodec("content-length", strings.NewReader(input), &buf)
	if err != nil {
		t.Fatalf("newCodec: %v", err)
	}

	for _, want := range []string{`{"a":1}`, `{"b":2}`} {
		got, err := c.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if string(got) != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
	if _, err := c.ReadFrame(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}

	if err := c.WriteFrame([]byte(`{}`)); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if buf.String() != "Content-Length: 2\r\n\r\n{}" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestContentLengthCodecMissingHeader(t *testing.T) {
	c, _ := newCodec("content-length", strings.NewReader("X-Other: 1\r\n\r\n{}"), io.Discard)
	if _, err := c.ReadFrame(); err == nil {
		t.Fatal("expected missing header error")
	}
}

func TestNewCodecUnknownFraming(t *testing.T) {
	if _, err := newCodec("xml", strings.NewReader(""), io.Discard); err == nil {
		t.Fatal("expected unknown framing error")
	}
}

func TestNormalizeID(t *testing.T) {
	cases := map[string]string{
		``:      "",
		`null`:  "",
		`7`:     "7",
		`"abc"`: "abc",
	}
	for in, want := range cases {
		if got := normalizeID([]byte(in)); got != want {
			t.Fatalf("normalizeID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCallResultText(t *testing.T) {
	r := &CallResult{Content: []Content{{Type: "text", Text: "a"}, {Type: "image", Data: "AA==", MimeType: "image/png"}, {Type: "text", Text: "b"}}}
	got := r.Text()
	if !strings.HasPrefix(got, "a\n{") || !strings.HasSuffix(got, "}\nb") {
		t.Fatalf("unexpected text %q", got)
	}
	r = &CallResult{StructuredContent: []byte(`{"t":1}`)}
	if r.Text() != `{"t":1}` {
		t.Fatalf("expected structured fallback, got %q", r.Text())
	}
}

func TestContentLengthCodecRejectsOversizedFrame(t *testing.T) {
	for _, header := range []string{"9223372036854775807", "17000000"} {
		c, _ := newCodec("content-length", strings.NewReader("Content-Length: "+header+"\r\n\r\n{}"), io.Discard)
		_, err := c.ReadFrame()
		if !errors.Is(err, ErrFrameTooLarge) {
			t.Fatalf("Content-Length %s: expected ErrFrameTooLarge, got %v", header, err)
		}
	}
}

func TestNDJSONCodecRejectsOversizedLine(t *testing.T) {
	long := strings.Repeat("a", MaxFrameSize+1)
	c, _ := newCodec("ndjson", strings.NewReader(long+"\n{\"a\":1}\n"), io.Discard)
	if _, err := c.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestNDJSONCodecReadsLinesLongerThanBuffer(t *testing.T) {
	payload := `{"text":"` + strings.Repeat("x", 64*1024) + `"}`
	c, _ := newCodec("ndjson", strings.NewReader(payload+"\n"), io.Discard)
	got, err := c.ReadFrame()
	if err != nil || string(got) != payload {
		t.Fatalf("expected the whole line back, got %d bytes, err %v", len(got), err)
	}
}
