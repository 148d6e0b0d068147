package bus

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryKey struct {
	ch Channel
	id string
}

// MemoryBus is an in-process Bus. It is used by tests and by callers that
// run workers without a shared filesystem.
type MemoryBus struct {
	mu      sync.Mutex
	docs    map[memoryKey][]byte
	changed chan struct{}
}

// NewMemory returns an empty MemoryBus.
func NewMemory() *MemoryBus {
	return &MemoryBus{
		docs:    make(map[memoryKey][]byte),
		changed: make(chan struct{}),
	}
}

// Publish stores a copy of body and wakes every waiter.
func (b *MemoryBus) Publish(ctx context.Context, ch Channel, id string, body []byte) error {
	if err := validate(ch, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[memoryKey{ch, id}] = append([]byte(nil), body...)
	close(b.changed)
	b.changed = make(chan struct{})
	return nil
}

// Read returns the document if present.
func (b *MemoryBus) Read(ctx context.Context, ch Channel, id string) (Message, bool, error) {
	if err := validate(ch, id); err != nil {
		return Message{}, false, err
	}
	msg, ok, _ := b.lookup(ch, id)
	return msg, ok, nil
}

func (b *MemoryBus) lookup(ch Channel, id string) (Message, bool, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	body, ok := b.docs[memoryKey{ch, id}]
	if !ok {
		return Message{}, false, b.changed
	}
	return Message{Channel: ch, ID: id, Body: append([]byte(nil), body...)}, true, nil
}

// Await blocks until the document exists, the timeout elapses, or ctx ends.
func (b *MemoryBus) Await(ctx context.Context, ch Channel, id string, timeout time.Duration) (Message, bool, error) {
	if err := validate(ch, id); err != nil {
		return Message{}, false, err
	}
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		msg, ok, changed := b.lookup(ch, id)
		if ok {
			return msg, true, nil
		}
		select {
		case <-ctx.Done():
			return Message{}, false, ctx.Err()
		case <-deadline:
			return Message{}, false, nil
		case <-changed:
		}
	}
}

// List returns the ids present on ch.
func (b *MemoryBus) List(ctx context.Context, ch Channel) ([]string, error) {
	if !ch.Valid() {
		return nil, ErrInvalidChannel
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var ids []string
	for k := range b.docs {
		if k.ch == ch {
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
