package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Event types assigned during normalization when the line does not carry
// its own.
const (
	EventText    = "text"
	EventUnknown = "unknown"
)

// Meta identifies the session an event belongs to.
type Meta struct {
	TaskID    string
	SessionID string
	Engine    string
}

// Event is one normalized record.
type Event struct {
	TS        string `json:"ts"`
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Engine    string `json:"engine"`
	Type      string `json:"type"`
	Payload   any    `json:"payload"`
}

// Timestamp formats t the way events and the ledger record time.
func Timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// Normalize turns one line of engine output into an event. ok is false for
// blank lines. JSON objects keep their "type" (or "unknown"), other JSON
// values are "unknown", and anything that is not JSON becomes a "text"
// event carrying the line as its message.
func Normalize(line string, meta Meta, now time.Time) (Event, bool) {
	if strings.TrimSpace(line) == "" {
		return Event{}, false
	}
	ev := Event{
		TS:        Timestamp(now),
		TaskID:    meta.TaskID,
		SessionID: meta.SessionID,
		Engine:    meta.Engine,
	}

	var payload any
	if err := json.Unmarshal([]byte(line), &payload); err != nil {
		ev.Type = EventText
		ev.Payload = map[string]any{"message": line}
		return ev, true
	}
	ev.Type = EventUnknown
	ev.Payload = payload
	if obj, isObj := payload.(map[string]any); isObj {
		if t, isStr := obj["type"].(string); isStr && t != "" {
			ev.Type = t
		}
	}
	return ev, true
}

// EventWriter appends normalized events to a JSONL stream.
type EventWriter struct {
	w    *bufio.Writer
	enc  *json.Encoder
	meta Meta
	now  func() time.Time
	n    int
}

// NewEventWriter writes events for meta to w.
func NewEventWriter(w io.Writer, meta Meta, now func() time.Time) *EventWriter {
	if now == nil {
		now = time.Now
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	enc.SetEscapeHTML(false)
	return &EventWriter{w: bw, enc: enc, meta: meta, now: now}
}

// WriteLine normalizes and appends one line. Blank lines are skipped.
func (ew *EventWriter) WriteLine(line string) error {
	ev, ok := Normalize(line, ew.meta, ew.now())
	if !ok {
		return nil
	}
	if err := ew.enc.Encode(ev); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	ew.n++
	return nil
}

// Count returns how many events were written.
func (ew *EventWriter) Count() int { return ew.n }

// Flush writes buffered events.
func (ew *EventWriter) Flush() error { return ew.w.Flush() }

// NormalizeFile rewrites dst with the normalized form of every line in raw.
func NormalizeFile(dst, raw string, meta Meta, now func() time.Time) (int, error) {
	f, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create normalized events: %w", err)
	}
	defer f.Close()

	ew := NewEventWriter(f, meta, now)
	for _, line := range strings.Split(raw, "\n") {
		if err := ew.WriteLine(strings.TrimSuffix(line, "\r")); err != nil {
			return ew.Count(), err
		}
	}
	if err := ew.Flush(); err != nil {
		return ew.Count(), fmt.Errorf("flush normalized events: %w", err)
	}
	return ew.Count(), f.Close()
}
