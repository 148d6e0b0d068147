// Package bus is the channel-keyed document exchange between the harness and
// the workers running inside task environments. Documents are addressed by
// (channel, id); publishing overwrites, and readers can block until a
// document appears.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Channel names a bus namespace.
type Channel string

const (
	Requests  Channel = "requests"
	Responses Channel = "responses"
	Questions Channel = "questions"
	Answers   Channel = "answers"
	Steering  Channel = "steering"
)

// Channels lists every channel in a fixed order.
var Channels = []Channel{Requests, Responses, Questions, Answers, Steering}

var (
	// ErrInvalidChannel is returned for channel names outside Channels.
	ErrInvalidChannel = errors.New("bus: invalid channel")
	// ErrInvalidID is returned for ids that are empty or not a plain name.
	ErrInvalidID = errors.New("bus: invalid id")
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

// ext is the file extension documents on this channel are stored with.
// Steering notes are markdown text; everything else is JSON.
func (c Channel) ext() string {
	if c == Steering {
		return ".md"
	}
	return ".json"
}

// Message is a document read from the bus.
type Message struct {
	Channel Channel
	ID      string
	Body    []byte
}

// Decode unmarshals a JSON document into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", m.Channel, m.ID, err)
	}
	return nil
}

// Text returns the body as a string.
func (m Message) Text() string { return string(m.Body) }

// Bus is the document exchange.
type Bus interface {
	// Publish stores body under (ch, id), replacing any previous document.
	Publish(ctx context.Context, ch Channel, id string, body []byte) error
	// Read returns the document if present. ok is false when it is absent.
	Read(ctx context.Context, ch Channel, id string) (msg Message, ok bool, err error)
	// Await blocks until the document exists. A timeout <= 0 waits until
	// ctx is done. When the timeout elapses first, ok is false and err is
	// nil; cancellation returns ctx.Err().
	Await(ctx context.Context, ch Channel, id string, timeout time.Duration) (msg Message, ok bool, err error)
	// List returns the ids currently present on ch, sorted.
	List(ctx context.Context, ch Channel) ([]string, error)
}

// PublishJSON encodes v as indented JSON and publishes it.
func PublishJSON(ctx context.Context, b Bus, ch Channel, id string, v any) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", ch, id, err)
	}
	return b.Publish(ctx, ch, id, body)
}

func validate(ch Channel, id string) error {
	if !ch.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
	}
	if id == "" || id == "." || id == ".." || strings.HasPrefix(id, ".") ||
		strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}
