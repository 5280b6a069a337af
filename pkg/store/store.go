package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrUnknownDriver indicates an unsupported storeDriver value.
var ErrUnknownDriver = errors.New("unknown store driver")

// KV is the persistence substrate: string values under opaque string keys.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Close() error
}

// Options selects and configures a KV backend.
type Options struct {
	Driver   string
	DSN      string
	Password string
}

// Open builds the KV backend named by opts.Driver.
func Open(ctx context.Context, opts Options) (KV, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "memory":
		return NewMemoryKV(), nil
	case "redis":
		return NewRedisKV(opts.DSN, opts.Password, "")
	case "", "sqlite":
		return NewSQLiteKV(ctx, opts.DSN)
	case "postgres":
		return NewGormKV(opts.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, opts.Driver)
	}
}

// MemoryKV keeps values in-memory (single instance only).
type MemoryKV struct {
	mu   sync.RWMutex
	data map[string]string
}

// NewMemoryKV builds an empty in-memory store.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.data[key] = value
	m.mu.Unlock()
	return nil
}

func (m *MemoryKV) Close() error { return nil }
