package sse

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestReaderEvents(t *testing.T) {
	t.Parallel()

	stream := ": keepalive\n\n" +
		"id: 1\nevent: message\ndata: {\"a\":1}\n\n" +
		"data: line1\r\ndata: line2\r\nretry: 1500\r\n\r\n" +
		"id: 7\n\n" +
		"data:nospace\n\n"
	r := NewReader(strings.NewReader(stream), 0)

	ev, err := r.Next()
	if err != nil || ev.ID != "1" || ev.Name != "message" || string(ev.Data) != `{"a":1}` {
		t.Fatalf("first event: %+v %v", ev, err)
	}
	ev, err = r.Next()
	if err != nil || string(ev.Data) != "line1\nline2" || ev.Retry != 1500*time.Millisecond || ev.ID != "1" {
		t.Fatalf("second event: %+v %v", ev, err)
	}
	ev, err = r.Next()
	if err != nil || string(ev.Data) != "nospace" || ev.ID != "7" {
		t.Fatalf("third event: %+v %v", ev, err)
	}
	if r.LastEventID() != "7" {
		t.Fatalf("last id = %q", r.LastEventID())
	}
	if _, err := r.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestReaderPartialEvent(t *testing.T) {
	t.Parallel()

	r := NewReader(strings.NewReader("id: 1\ndata: x\n\nid: 2\ndata: y"), 0)
	if _, err := r.Next(); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := r.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestReaderIncrementalChunks(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	r := NewReader(pr, 0)
	done := make(chan Event, 1)
	go func() {
		ev, _ := r.Next()
		done <- ev
	}()
	for _, chunk := range []string{"id: 4", "2\nda", "ta: hel", "lo\n", "\n"} {
		if _, err := pw.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	ev := <-done
	if ev.ID != "42" || string(ev.Data) != "hello" {
		t.Fatalf("unexpected event %+v", ev)
	}
	pw.Close()
}

func TestReaderOversizedEventRecovers(t *testing.T) {
	t.Parallel()

	stream := "id: 1\ndata: " + strings.Repeat("x", 32) + "\ndata: more\n\nid: 2\ndata: ok\n\n"
	r := NewReader(strings.NewReader(stream), 16)
	if _, err := r.Next(); !errors.Is(err, ErrEventTooLarge) {
		t.Fatalf("expected ErrEventTooLarge, got %v", err)
	}
	ev, err := r.Next()
	if err != nil || string(ev.Data) != "ok" || ev.ID != "2" {
		t.Fatalf("stream should recover: %+v %v", ev, err)
	}
}

func TestWriteRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	in := Event{ID: "9", Name: "message", Data: []byte("a\nb"), Retry: time.Second}
	if err := Write(&buf, in); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(buf.String(), "id: 9\n") {
		t.Fatalf("unexpected framing %q", buf.String())
	}
	out, err := NewReader(&buf, 0).Next()
	if err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || out.Name != in.Name || string(out.Data) != string(in.Data) || out.Retry != in.Retry {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}
