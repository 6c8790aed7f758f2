package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const live = `(expires_at IS NULL OR expires_at > NOW())`

// OpenPostgres opens a pooled connection through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(20)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// PostgresStore keeps every key in the kv table. Expired rows are hidden
// from reads and purged when new expiring keys are written.
type PostgresStore struct {
	db     *sql.DB
	prefix string
}

func NewPostgresStore(db *sql.DB, prefix string) *PostgresStore {
	return &PostgresStore{db: db, prefix: prefix}
}

func (s *PostgresStore) key(key string) string {
	return s.prefix + key
}

func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key=$1 AND `+live, s.key(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value, expires_at) VALUES($1, $2, NULL)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=NULL
	`, s.key(key), value)
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Set(ctx, key, value)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= NOW()`); err != nil {
		return fmt.Errorf("purge expired keys: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value, expires_at) VALUES($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=EXCLUDED.expires_at
	`, s.key(key), value, time.Now().Add(ttl).UTC())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key=$1 AND `+live, s.key(key))
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", key, err)
	}
	return n > 0, nil
}

// Take relies on DELETE .. RETURNING; the row lock makes concurrent takers
// see zero rows.
func (s *PostgresStore) Take(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `DELETE FROM kv WHERE key=$1 AND `+live+` RETURNING value`, s.key(key)).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take %s: %w", key, err)
	}
	return value, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, key string, old, value []byte) error {
	k := s.key(key)
	var (
		res sql.Result
		err error
	)
	switch {
	case old == nil && value == nil:
		_, err := s.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return ErrConflict
	case old == nil:
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO kv(key, value, expires_at) VALUES($1, $2, NULL)
			ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value, expires_at=NULL
			WHERE kv.expires_at IS NOT NULL AND kv.expires_at <= NOW()
		`, k, value)
	case value == nil:
		res, err = s.db.ExecContext(ctx, `DELETE FROM kv WHERE key=$1 AND value=$2 AND `+live, k, old)
	default:
		res, err = s.db.ExecContext(ctx, `UPDATE kv SET value=$3, expires_at=NULL WHERE key=$1 AND value=$2 AND `+live, k, old, value)
	}
	if err != nil {
		return fmt.Errorf("compare and swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("compare and swap %s: %w", key, err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv WHERE key LIKE $1 ESCAPE '\' AND `+live+` ORDER BY key`, escapeLike(s.key(prefix))+"%")
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, strings.TrimPrefix(key, s.prefix))
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func escapeLike(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}
