// Package kv provides the key-value storage backends liro persists to.
package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("kv: key not found")
	// ErrConflict is returned by CompareAndSwap when the stored value no
	// longer matches the expected one.
	ErrConflict = errors.New("kv: value changed concurrently")
)

// Store is the storage contract shared by every backend. Keys are logical
// keys; a backend applies its own namespace prefix.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete reports whether the key existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Take reads and deletes the key atomically. Of concurrent callers at
	// most one receives the value; the others get ErrNotFound.
	Take(ctx context.Context, key string) ([]byte, error)
	// CompareAndSwap replaces the value stored at key when it still equals
	// old. A nil old means the key must not exist; a nil value deletes it.
	CompareAndSwap(ctx context.Context, key string, old, value []byte) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

type Backend string

const (
	BackendRedis    Backend = "redis"
	BackendPostgres Backend = "postgres"
	BackendBadger   Backend = "badger"
)

type Options struct {
	Backend       Backend
	RedisURL      string
	DatabaseURL   string
	MigrationsDir string
	BadgerDir     string
	Prefix        string
	Logger        *slog.Logger
}

// Open connects to the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch Backend(strings.ToLower(string(opts.Backend))) {
	case BackendRedis, "":
		store, err := NewRedisStore(opts.RedisURL)
		if err != nil {
			return nil, err
		}
		store.prefix = opts.Prefix
		return store, nil
	case BackendPostgres:
		db, err := OpenPostgres(ctx, opts.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if opts.MigrationsDir != "" {
			if err := ApplyMigrations(ctx, db, opts.MigrationsDir); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		return NewPostgresStore(db, opts.Prefix), nil
	case BackendBadger:
		return NewBadgerStore(opts.BadgerDir, opts.Prefix, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}
