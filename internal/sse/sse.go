// Package sse reads and writes text/event-stream framing. The reader keeps
// only the event currently being assembled in memory; complete events are
// handed to the caller one at a time.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrEventTooLarge is returned when a single event exceeds the reader limit.
var ErrEventTooLarge = errors.New("sse: event too large")

// Event is one dispatched Server-Sent Event.
type Event struct {
	ID    string
	Name  string
	Data  []byte
	Retry time.Duration
}

// Reader parses events from a stream.
type Reader struct {
	br      *bufio.Reader
	maxSize int

	lastID string
}

// NewReader wraps r. maxSize bounds the data of one event; zero means no limit.
func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{br: bufio.NewReader(r), maxSize: maxSize}
}

// LastEventID returns the most recent id seen on the stream, which is what a
// client sends as Last-Event-ID when it reconnects.
func (r *Reader) LastEventID() string { return r.lastID }

// Next blocks until a complete event is available. It returns io.EOF at a
// clean end of stream and io.ErrUnexpectedEOF when the stream ends in the
// middle of an event.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    bytes.Buffer
		hasData bool
		partial bool
	)
	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if partial || line != "" {
					return Event{}, io.ErrUnexpectedEOF
				}
				return Event{}, io.EOF
			}
			return Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if !hasData {
				// An event with no data is not dispatched; an id it carried
				// still updates the stream position.
				ev = Event{}
				partial = false
				continue
			}
			ev.Data = data.Bytes()
			if ev.ID == "" {
				ev.ID = r.lastID
			}
			return ev, nil
		}
		partial = true

		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
			if r.maxSize > 0 && data.Len() > r.maxSize {
				r.discardEvent()
				return Event{}, fmt.Errorf("%w: more than %d bytes", ErrEventTooLarge, r.maxSize)
			}
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
				r.lastID = value
			}
		case "event":
			ev.Name = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}

// discardEvent skips to the blank line ending the current event so the
// stream stays usable after an oversized event.
func (r *Reader) discardEvent() {
	for {
		line, err := r.br.ReadString('\n')
		if err != nil || strings.TrimRight(line, "\r\n") == "" {
			return
		}
		if id, ok := strings.CutPrefix(strings.TrimRight(line, "\r\n"), "id:"); ok {
			r.lastID = strings.TrimPrefix(id, " ")
		}
	}
}

// Write encodes ev onto w and flushes when w is an http.Flusher.
func Write(w io.Writer, ev Event) error {
	var b bytes.Buffer
	if ev.ID != "" {
		fmt.Fprintf(&b, "id: %s\n", ev.ID)
	}
	if ev.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", ev.Name)
	}
	if ev.Retry > 0 {
		fmt.Fprintf(&b, "retry: %d\n", ev.Retry.Milliseconds())
	}
	for _, line := range bytes.Split(ev.Data, []byte("\n")) {
		b.WriteString("data: ")
		b.Write(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	if _, err := w.Write(b.Bytes()); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
