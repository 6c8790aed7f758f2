package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore is an embedded store for single-node deployments. An empty
// directory keeps everything in memory.
type BadgerStore struct {
	db     *badger.DB
	prefix string
}

func NewBadgerStore(dir, prefix string, logger *slog.Logger) (*BadgerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).
		WithLogger(&badgerLogger{logger: logger}).
		WithLoggingLevel(badger.WARNING)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{db: db, prefix: prefix}, nil
}

func (s *BadgerStore) key(key string) []byte {
	return []byte(s.prefix + key)
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetWithTTL(ctx, key, value, 0)
}

func (s *BadgerStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := badger.NewEntry(s.key(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	if err := s.db.Update(func(txn *badger.Txn) error { return txn.SetEntry(entry) }); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var existed bool
	err := s.retry(func(txn *badger.Txn) error {
		existed = false
		if _, err := txn.Get(s.key(key)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		existed = true
		return txn.Delete(s.key(key))
	})
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return existed, nil
}

// Take reads and deletes in one transaction. A losing concurrent taker
// retries and then finds the key gone.
func (s *BadgerStore) Take(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.retry(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key(key))
		if err != nil {
			return err
		}
		if value, err = item.ValueCopy(nil); err != nil {
			return err
		}
		return txn.Delete(s.key(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take %s: %w", key, err)
	}
	return value, nil
}

func (s *BadgerStore) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k := s.key(key)
	err := s.db.Update(func(txn *badger.Txn) error {
		var current []byte
		exists := true
		item, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			exists = false
		case err != nil:
			return err
		default:
			if current, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		if !matches(old, current, exists) {
			return ErrConflict
		}
		switch {
		case value != nil:
			return txn.Set(k, value)
		case exists:
			return txn.Delete(k)
		default:
			return nil
		}
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, badger.ErrConflict):
		return ErrConflict
	default:
		return fmt.Errorf("compare and swap %s: %w", key, err)
	}
}

func (s *BadgerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = s.key(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			keys = append(keys, strings.TrimPrefix(string(it.Item().KeyCopy(nil)), s.prefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return ctx.Err()
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) retry(fn func(txn *badger.Txn) error) error {
	var err error
	for range 3 {
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}
