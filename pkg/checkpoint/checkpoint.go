// Package checkpoint persists backfill progress in BadgerDB so an interrupted
// backfill resumes after its last completed window.
package checkpoint

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
)

var keyPrefix = []byte("ckpt/")

// Config holds BadgerDB settings.
type Config struct {
	// Path to the database directory.
	Path string
	// InMemory mode, for tests.
	InMemory bool
}

// Store keeps one completed-until instant per backfill key.
type Store struct {
	db *badger.DB
}

// Open opens or creates the checkpoint database.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" && !cfg.InMemory {
		return nil, errors.New("checkpoint: path is required")
	}
	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithNumVersionsToKeep(1).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	return &Store{db: db}, nil
}

// Last returns the end of the last completed window for key.
func (s *Store) Last(ctx context.Context, key string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	var (
		end   time.Time
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(makeKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			t, owner, err := decodeValue(val)
			if err != nil {
				return err
			}
			if owner != key {
				return fmt.Errorf("checkpoint key collision: %q vs %q", owner, key)
			}
			end, found = t, true
			return nil
		})
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read checkpoint: %w", err)
	}
	return end, found, nil
}

// Save records end as completed for key. Earlier instants never replace a
// later one.
func (s *Store) Save(ctx context.Context, key string, end time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		k := makeKey(key)
		item, err := txn.Get(k)
		switch {
		case err == nil:
			var prev time.Time
			if verr := item.Value(func(val []byte) error {
				prev, _, err = decodeValue(val)
				return err
			}); verr != nil {
				return verr
			}
			if !end.After(prev) {
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(k, encodeValue(key, end))
	})
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Reset forgets the progress of key.
func (s *Store) Reset(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(makeKey(key))
	})
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Key joins the parts identifying a backfill into one checkpoint key.
func Key(parts ...string) string {
	return strings.Join(parts, "|")
}

func makeKey(key string) []byte {
	k := make([]byte, len(keyPrefix)+8)
	copy(k, keyPrefix)
	binary.BigEndian.PutUint64(k[len(keyPrefix):], xxhash.Sum64String(key))
	return k
}

func encodeValue(key string, end time.Time) []byte {
	v := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(v[:8], uint64(end.UnixNano()))
	copy(v[8:], key)
	return v
}

func decodeValue(v []byte) (time.Time, string, error) {
	if len(v) < 8 {
		return time.Time{}, "", fmt.Errorf("corrupt checkpoint value of %d bytes", len(v))
	}
	ns := int64(binary.BigEndian.Uint64(v[:8]))
	return time.Unix(0, ns).UTC(), string(v[8:]), nil
}
