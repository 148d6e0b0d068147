// Package spawn is the worker side of the bus protocol: a session running
// inside its environment uses it to request child tasks, ask questions and
// read or set steering notes.
package spawn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/martinemde/harness/bus"
)

// Client publishes requests and questions on a bus.
type Client struct {
	bus   bus.Bus
	now   func() time.Time
	newID bus.IDFunc
}

// Option configures a Client.
type Option func(*Client)

// WithClock sets the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithIDs sets the identifier generator.
func WithIDs(f bus.IDFunc) Option {
	return func(c *Client) { c.newID = f }
}

// NewClient returns a Client for b.
func NewClient(b bus.Bus, opts ...Option) *Client {
	c := &Client{bus: b, now: time.Now, newID: bus.NewID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Request describes a child task to start.
type Request struct {
	// ContractRelpath is the goal file, relative to the parent's workspace.
	ContractRelpath string
	ParentTaskID    string
	// Engine is left empty to run the child on its parent's engine.
	Engine string
	// ReqID is generated when empty.
	ReqID string
}

// Spawn publishes a spawn request and returns its id. The caller waits for
// the response separately.
func (c *Client) Spawn(ctx context.Context, r Request) (string, error) {
	if strings.TrimSpace(r.ContractRelpath) == "" {
		return "", errors.New("spawn: contract path is required")
	}
	if strings.TrimSpace(r.ParentTaskID) == "" {
		return "", errors.New("spawn: parent task id is required")
	}
	id := r.ReqID
	if id == "" {
		id = c.newID(bus.RequestPrefix, 6)
	}
	req := bus.SpawnRequest{
		Type:             bus.SpawnRequestType,
		ReqID:            id,
		ParentTaskID:     r.ParentTaskID,
		ContractRelpath:  r.ContractRelpath,
		EnginePreference: strings.TrimSpace(r.Engine),
		Timestamp:        bus.Timestamp(c.now()),
	}
	if err := bus.PublishJSON(ctx, c.bus, bus.Requests, id, req); err != nil {
		return "", fmt.Errorf("spawn: %w", err)
	}
	return id, nil
}

// Wait blocks until the response for reqID exists or ctx is done.
func (c *Client) Wait(ctx context.Context, reqID string) (bus.Message, error) {
	msg, ok, err := c.bus.Await(ctx, bus.Responses, reqID, 0)
	if err != nil {
		return bus.Message{}, fmt.Errorf("wait %s: %w", reqID, err)
	}
	if !ok {
		return bus.Message{}, fmt.Errorf("wait %s: no response", reqID)
	}
	return msg, nil
}

// Ask publishes a question and returns its id. taskID may be empty when the
// caller does not know its task.
func (c *Client) Ask(ctx context.Context, text string, choices []string, taskID string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", errors.New("ask: question text is required")
	}
	id := c.newID(bus.QuestionPrefix, 6)
	q := bus.Question{
		ID:        id,
		TaskID:    taskID,
		Text:      text,
		Choices:   choices,
		Timestamp: bus.Timestamp(c.now()),
	}
	if err := bus.PublishJSON(ctx, c.bus, bus.Questions, id, q); err != nil {
		return "", fmt.Errorf("ask: %w", err)
	}
	return id, nil
}

// Steering returns the steering note handle for taskID.
func (c *Client) Steering(taskID string) *Steering {
	return &Steering{bus: c.bus, taskID: taskID}
}

// Steering reads and replaces one task's free-form guidance.
type Steering struct {
	bus    bus.Bus
	taskID string
}

// Get returns the current note, or "" when none was set.
func (s *Steering) Get(ctx context.Context) (string, error) {
	msg, ok, err := s.bus.Read(ctx, bus.Steering, s.taskID)
	if err != nil {
		return "", fmt.Errorf("read steering: %w", err)
	}
	if !ok {
		return "", nil
	}
	return msg.Text(), nil
}

// Set replaces the note.
func (s *Steering) Set(ctx context.Context, text string) error {
	if err := s.bus.Publish(ctx, bus.Steering, s.taskID, []byte(text)); err != nil {
		return fmt.Errorf("write steering: %w", err)
	}
	return nil
}
