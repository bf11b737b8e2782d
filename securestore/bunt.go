package securestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/buntdb"
)

// BuntStore persists values in a buntdb file so a session survives process
// restarts, including the gap while the user is in the external browser.
type BuntStore struct {
	db *buntdb.DB
}

// OpenBuntStore opens (or creates) the database at path. An empty path or
// ":memory:" keeps the database in memory.
func OpenBuntStore(path string) (*BuntStore, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open buntdb %s: %w", path, err)
	}
	return &BuntStore{db: db}, nil
}

// Get returns the value stored under key.
func (s *BuntStore) Get(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var value string
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if errors.Is(err, buntdb.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("buntdb get %s: %w", key, err)
	}
	return value, nil
}

// Set stores or replaces a value.
func (s *BuntStore) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, value, nil)
		return err
	})
	if err != nil {
		return fmt.Errorf("buntdb set %s: %w", key, err)
	}
	return nil
}

// Delete removes a value.
func (s *BuntStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("buntdb delete %s: %w", key, err)
	}
	return nil
}

// Close flushes and closes the database file.
func (s *BuntStore) Close() error {
	return s.db.Close()
}
