package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultPollInterval = time.Second

// FileBus stores each document as a file under <root>/<channel>/. Writes go
// through a temp file and rename so readers never see a partial document.
// Waiters are woken by filesystem notifications, with a polling fallback
// for mounts that do not deliver them (bind mounts across containers).
type FileBus struct {
	root         string
	pollInterval time.Duration
	logger       *slog.Logger
}

// FileOption configures a FileBus.
type FileOption func(*FileBus)

// WithPollInterval sets how often Await rechecks without a notification.
func WithPollInterval(d time.Duration) FileOption {
	return func(b *FileBus) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// WithLogger sets the logger for watcher diagnostics.
func WithLogger(logger *slog.Logger) FileOption {
	return func(b *FileBus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// OpenFile creates the channel directories under root and returns a bus on
// top of them.
func OpenFile(root string, opts ...FileOption) (*FileBus, error) {
	b := &FileBus{
		root:         root,
		pollInterval: defaultPollInterval,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	for _, ch := range Channels {
		if err := os.MkdirAll(filepath.Join(root, string(ch)), 0o755); err != nil {
			return nil, fmt.Errorf("create bus channel %s: %w", ch, err)
		}
	}
	b.logger = b.logger.With("component", "bus", "root", root)
	return b, nil
}

// Root returns the bus directory.
func (b *FileBus) Root() string { return b.root }

func (b *FileBus) path(ch Channel, id string) string {
	return filepath.Join(b.root, string(ch), id+ch.ext())
}

// Publish atomically writes body to the document file.
func (b *FileBus) Publish(ctx context.Context, ch Channel, id string, body []byte) error {
	if err := validate(ch, id); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(b.root, string(ch))
	tmp, err := os.CreateTemp(dir, "."+id+".*.tmp")
	if err != nil {
		return fmt.Errorf("publish %s/%s: %w", ch, id, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("publish %s/%s: %w", ch, id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish %s/%s: %w", ch, id, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish %s/%s: %w", ch, id, err)
	}
	if err := os.Rename(tmpName, b.path(ch, id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("publish %s/%s: %w", ch, id, err)
	}
	return nil
}

// Read returns the document when it exists.
func (b *FileBus) Read(ctx context.Context, ch Channel, id string) (Message, bool, error) {
	if err := validate(ch, id); err != nil {
		return Message{}, false, err
	}
	body, err := os.ReadFile(b.path(ch, id))
	if errors.Is(err, os.ErrNotExist) {
		return Message{}, false, nil
	}
	if err != nil {
		return Message{}, false, fmt.Errorf("read %s/%s: %w", ch, id, err)
	}
	return Message{Channel: ch, ID: id, Body: body}, true, nil
}

// Await blocks until the document exists, the timeout elapses, or ctx ends.
func (b *FileBus) Await(ctx context.Context, ch Channel, id string, timeout time.Duration) (Message, bool, error) {
	if err := validate(ch, id); err != nil {
		return Message{}, false, err
	}

	// Watch before the first check so a publish between the two is not lost.
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		b.logger.Debug("bus watcher unavailable, polling", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Join(b.root, string(ch))); err != nil {
			b.logger.Debug("bus watch failed, polling", "channel", ch, "error", err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	target := filepath.Base(b.path(ch, id))
	for {
		if msg, ok, err := b.Read(ctx, ch, id); err != nil || ok {
			return msg, ok, err
		}
	wait:
		for {
			select {
			case <-ctx.Done():
				return Message{}, false, ctx.Err()
			case <-deadline:
				return b.Read(ctx, ch, id)
			case <-ticker.C:
				break wait
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 && filepath.Base(ev.Name) == target {
					break wait
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				b.logger.Warn("bus watcher error", "channel", ch, "error", err)
			}
		}
	}
}

// List returns the ids of documents on ch.
func (b *FileBus) List(ctx context.Context, ch Channel) ([]string, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, ch)
	}
	entries, err := os.ReadDir(filepath.Join(b.root, string(ch)))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", ch, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ch.ext()) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ch.ext()))
	}
	sort.Strings(ids)
	return ids, nil
}
