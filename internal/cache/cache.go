// Package cache provides a content-addressed memo of OCR results keyed by
// (image digest, engine, normalized preprocessing params). Writes are
// idempotent: identical key implies identical value, so concurrent writers
// for one key may race without affecting correctness.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jackzampolin/gradescan/internal/ocr"
)

// Store is the keyed persistence boundary for cached OCR results.
type Store interface {
	// Get returns the cached result for key, reporting whether it exists.
	Get(ctx context.Context, key string) (*ocr.Result, bool, error)

	// Put stores a result under key. Writing an existing key is a no-op
	// in effect (idempotent).
	Put(ctx context.Context, key string, result *ocr.Result) error

	// Len returns the number of cached entries.
	Len(ctx context.Context) (int, error)

	// Close releases store resources.
	Close() error
}

// Key derives the content-addressed cache key for one (image, engine,
// preprocessing) triple. Params are normalized by sorting keys so
// logically equal option maps yield equal keys.
func Key(image []byte, engine string, params map[string]any) string {
	h := sha256.New()
	h.Write(image)
	h.Write([]byte{0})
	h.Write([]byte(engine))
	h.Write([]byte{0})
	h.Write([]byte(normalizeParams(params)))
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeParams serializes params deterministically.
func normalizeParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := json.Marshal(params[k])
		if err != nil {
			v = []byte(fmt.Sprintf("%v", params[k]))
		}
		out = append(out, k+"="+string(v))
	}

	joined := ""
	for i, kv := range out {
		if i > 0 {
			joined += ";"
		}
		joined += kv
	}
	return joined
}

// Memory is an in-process Store backed by a map.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*ocr.Result
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*ocr.Result)}
}

// Get returns the cached result for key.
func (m *Memory) Get(ctx context.Context, key string) (*ocr.Result, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	cp := *result
	return &cp, true, nil
}

// Put stores a result under key.
func (m *Memory) Put(ctx context.Context, key string, result *ocr.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *result
	m.entries[key] = &cp
	return nil
}

// Len returns the number of cached entries.
func (m *Memory) Len(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error { return nil }

// Verify interface
var _ Store = (*Memory)(nil)
