// Package storage archives raw provider callbacks to S3 compatible object
// storage so that disputed webhooks can be replayed and audited.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var ErrNotFound = errors.New("object not found")

// Archive stores immutable blobs by key.
type Archive interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// WebhookKey builds the archive key for a raw callback body:
// webhooks/<kind>/<provider>/<yyyy>/<mm>/<dd>/<ulid>.
func WebhookKey(kind, provider string, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("webhooks/%s/%s/%04d/%02d/%02d/%s",
		kind, strings.ToLower(provider), at.Year(), at.Month(), at.Day(), ulid.Make().String())
}

// Nop discards everything. Used when archiving is disabled.
type Nop struct{}

func (Nop) Put(context.Context, string, []byte, string) error { return nil }

func (Nop) Get(context.Context, string) ([]byte, error) { return nil, ErrNotFound }

func (Nop) Exists(context.Context, string) (bool, error) { return false, nil }

// MemoryArchive keeps objects in a map.
type MemoryArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{objects: make(map[string][]byte)}
}

func (m *MemoryArchive) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = bytes.Clone(body)
	return nil
}

func (m *MemoryArchive) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(b), nil
}

func (m *MemoryArchive) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Keys lists stored keys with the given prefix.
func (m *MemoryArchive) Keys(prefix string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func readAll(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}
