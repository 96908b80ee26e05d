package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// document is a JSON object of entries persisted as one backend document.
// Mutations are applied to a copy which only replaces the live entries once it has been written,
// so a failed write leaves memory matching what is on disk.
type document[V any] struct {
	backend Backend
	logger  *slog.Logger
	entries map[string]V
	name    string
	mu      sync.Mutex
}

func newDocument[V any](backend Backend, name string, logger *slog.Logger) *document[V] {
	return &document[V]{
		backend: backend,
		logger:  logger,
		entries: make(map[string]V),
		name:    name,
	}
}

// load replaces the in-memory entries with the persisted ones. A missing document is empty.
func (d *document[V]) load(ctx context.Context) error {
	data, err := d.backend.Read(ctx, d.name)
	if IsNotFound(err) {
		d.logger.Info("No stored document found, starting empty", "document", d.name)
		d.mu.Lock()
		d.entries = make(map[string]V)
		d.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", d.name, err)
	}

	entries := make(map[string]V)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &entries); err != nil {
			return fmt.Errorf("decode %s: %w", d.name, err)
		}
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()

	d.logger.Info("Loaded document", "document", d.name, "entries", len(entries))
	return nil
}

func (d *document[V]) get(key string) (V, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.entries[key]
	return v, ok
}

func (d *document[V]) keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Sorted(maps.Keys(d.entries))
}

func (d *document[V]) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// set changes an entry in memory only; flush persists it.
func (d *document[V]) set(key string, v V) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = v
}

// commit runs fn against a copy of the entries. If fn reports a change the copy is written
// and, on success, becomes the live set.
func (d *document[V]) commit(ctx context.Context, fn func(entries map[string]V) bool) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := maps.Clone(d.entries)
	if next == nil {
		next = make(map[string]V)
	}
	if !fn(next) {
		return false, nil
	}
	if err := d.write(ctx, next); err != nil {
		return false, err
	}
	d.entries = next
	return true, nil
}

// flush writes the live entries as they are.
func (d *document[V]) flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.write(ctx, d.entries)
}

func (d *document[V]) write(ctx context.Context, entries map[string]V) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", d.name, err)
	}
	if err := d.backend.Write(ctx, d.name, data); err != nil {
		return fmt.Errorf("write %s: %w", d.name, err)
	}
	return nil
}
