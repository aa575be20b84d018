package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/nicktill/tinycount/pkg/storage"
)

var (
	prefixRequest = []byte("q/")
	prefixEvent   = []byte("e/")
	prefixPref    = []byte("p/")
)

// Storage implements storage.Store using BadgerDB
type Storage struct {
	db *badger.DB

	// seq numbers are shared by requests and events; only their order matters
	seq atomic.Uint64

	// mu serializes queue mutations so peek/remove see a consistent head
	mu     sync.Mutex
	closed atomic.Bool
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool
}

// New opens (or creates) a BadgerDB store
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// The queue is small and write-once-delete-once: keep it lean.
	opts = opts.
		WithSyncWrites(!cfg.InMemory).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(4 << 20).
		WithNumMemtables(2).
		WithBlockCacheSize(2 << 20).
		WithIndexCacheSize(1 << 20).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogFileSize(16 << 20).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	s := &Storage{db: db}
	if err := s.recoverSequence(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// recoverSequence continues numbering after the highest key on disk.
func (s *Storage) recoverSequence() error {
	var max uint64
	err := s.db.View(func(txn *badger.Txn) error {
		for _, prefix := range [][]byte{prefixRequest, prefixEvent} {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Reverse = true

			it := txn.NewIterator(opts)
			// Reverse seek lands on the highest key at or below this one
			it.Seek(makeKey(prefix, ^uint64(0)))
			if it.ValidForPrefix(prefix) {
				if seq := decodeSeq(it.Item().Key(), prefix); seq > max {
					max = seq
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to recover sequence: %w", err)
	}
	s.seq.Store(max)
	return nil
}

func makeKey(prefix []byte, seq uint64) []byte {
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

func decodeSeq(key, prefix []byte) uint64 {
	if len(key) != len(prefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(prefix):])
}

func (s *Storage) check(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return ctx.Err()
}

// Append adds a request at the tail
func (s *Storage) Append(ctx context.Context, request string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := makeKey(prefixRequest, s.seq.Add(1))
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, []byte(request))
	}); err != nil {
		return fmt.Errorf("failed to append request: %w", err)
	}
	return nil
}

// PeekOldest returns the head of the request queue
func (s *Storage) PeekOldest(ctx context.Context) (string, bool, error) {
	if err := s.check(ctx); err != nil {
		return "", false, err
	}

	var (
		value string
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 1
		opts.Prefix = prefixRequest

		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(prefixRequest)
		if !it.ValidForPrefix(prefixRequest) {
			return nil
		}
		raw, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		value, found = string(raw), true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read oldest request: %w", err)
	}
	return value, found, nil
}

// Remove deletes the oldest occurrence of request
func (s *Storage) Remove(ctx context.Context, request string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	target := []byte(request)
	err := s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRequest

		it := txn.NewIterator(opts)
		var match []byte
		for it.Seek(prefixRequest); it.ValidForPrefix(prefixRequest); it.Next() {
			item := it.Item()
			equal := false
			if err := item.Value(func(val []byte) error {
				equal = bytes.Equal(val, target)
				return nil
			}); err != nil {
				it.Close()
				return err
			}
			if equal {
				match = item.KeyCopy(nil)
				break
			}
		}
		it.Close()

		if match == nil {
			return nil
		}
		return txn.Delete(match)
	})
	if err != nil {
		return fmt.Errorf("failed to remove request: %w", err)
	}
	return nil
}

// IsEmpty reports whether no request is pending
func (s *Storage) IsEmpty(ctx context.Context) (bool, error) {
	_, found, err := s.PeekOldest(ctx)
	if err != nil {
		return false, err
	}
	return !found, nil
}

// SnapshotAll returns every pending request in order
func (s *Storage) SnapshotAll(ctx context.Context) ([]string, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixRequest

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixRequest); it.ValidForPrefix(prefixRequest); it.Next() {
			raw, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, string(raw))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot requests: %w", err)
	}
	return out, nil
}

// AppendEvent stores a raw event
func (s *Storage) AppendEvent(ctx context.Context, raw []byte) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	key := makeKey(prefixEvent, s.seq.Add(1))
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, raw)
	}); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// Events returns every stored event in order
func (s *Storage) Events(ctx context.Context) ([]storage.StoredEvent, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	var out []storage.StoredEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixEvent

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefixEvent); it.ValidForPrefix(prefixEvent); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, storage.StoredEvent{
				ID:  decodeSeq(item.Key(), prefixEvent),
				Raw: raw,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}

// RemoveEvents deletes the events with the given ids
func (s *Storage) RemoveEvents(ctx context.Context, ids []uint64) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, id := range ids {
		if err := wb.Delete(makeKey(prefixEvent, id)); err != nil {
			return fmt.Errorf("failed to remove event %d: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to remove events: %w", err)
	}
	return nil
}

// EventCount returns the number of stored events
func (s *Storage) EventCount(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefixEvent

		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefixEvent); it.ValidForPrefix(prefixEvent); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return count, nil
}

func prefKey(key string) []byte {
	return append(append([]byte{}, prefixPref...), key...)
}

// Preference returns a stored preference
func (s *Storage) Preference(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(ctx); err != nil {
		return "", false, err
	}

	var (
		value string
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(prefKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		value, found = string(raw), true
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read preference %s: %w", key, err)
	}
	return value, found, nil
}

// SetPreference stores a preference
func (s *Storage) SetPreference(ctx context.Context, key, value string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(prefKey(key), []byte(value))
	}); err != nil {
		return fmt.Errorf("failed to write preference %s: %w", key, err)
	}
	return nil
}

// DeletePreference removes a preference
func (s *Storage) DeletePreference(ctx context.Context, key string) error {
	if err := s.check(ctx); err != nil {
		return err
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(prefKey(key))
	}); err != nil {
		return fmt.Errorf("failed to delete preference %s: %w", key, err)
	}
	return nil
}

// RunGC reclaims value log space left behind by delivered requests.
func (s *Storage) RunGC() error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	err := s.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
		return nil
	}
	return err
}

// StartGC runs value log GC every interval until ctx is done.
func (s *Storage) StartGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.RunGC()
		}
	}
}

// Close closes the database
func (s *Storage) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
