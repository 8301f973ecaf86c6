// Package history keeps a local archive of completed voice turns so the UI
// can render conversation history across reconnects. It is view-only
// convenience storage — the backend owns the durable copy of notes and
// events — so entries carry a TTL and expire on their own.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/memovoz/memovoz/internal/session"
)

// defaultRetention is how long archived turns stay readable.
const defaultRetention = 7 * 24 * time.Hour

// turnPrefix namespaces archive keys inside the badger keyspace.
const turnPrefix = "turn/"

// Entry is one archived turn.
type Entry struct {
	Turn       session.Turn `json:"turn"`
	ArchivedAt time.Time    `json:"archivedAt"`
}

// Store is a badger-backed turn archive. It satisfies [session.Archiver].
// Safe for concurrent use.
type Store struct {
	db        *badger.DB
	retention time.Duration
	now       func() time.Time
}

// Compile-time interface assertion.
var _ session.Archiver = (*Store)(nil)

// Option is a functional option for configuring a Store.
type Option func(*Store)

// WithRetention overrides how long entries stay readable. Non-positive
// values disable expiry.
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithNow overrides the time source, for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (or creates) the archive at dir. An empty dir opens an
// in-memory archive that vanishes on close, used by tests and by
// deployments that opt out of local history.
func Open(dir string, opts ...Option) (*Store, error) {
	badgerOpts := badger.DefaultOptions(dir)
	if dir == "" {
		badgerOpts = badgerOpts.WithInMemory(true)
	}
	// Badger's default logger prints to stderr; turn history is not worth
	// that noise.
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", dir, err)
	}

	s := &Store{
		db:        db,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: close: %w", err)
	}
	return nil
}

// Archive stores one completed turn. Keys embed a nanosecond timestamp so
// chronological order falls out of the keyspace order.
func (s *Store) Archive(ctx context.Context, turn session.Turn) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry := Entry{Turn: turn, ArchivedAt: s.now()}
	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("history: encode turn: %w", err)
	}
	key := fmt.Appendf(nil, "%s%020d/%s", turnPrefix, entry.ArchivedAt.UnixNano(), uuid.NewString())

	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key, value)
		if s.retention > 0 {
			e = e.WithTTL(s.retention)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("history: archive turn: %w", err)
	}
	return nil
}

// Recent returns up to limit archived turns, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []Entry{}, nil
	}

	entries := make([]Entry, 0, limit)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(turnPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration must seek past the last possible key in the
		// prefix range.
		seek := append([]byte(turnPrefix), 0xFF)
		for it.Seek(seek); it.ValidForPrefix([]byte(turnPrefix)) && len(entries) < limit; it.Next() {
			var entry Entry
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			})
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: read recent turns: %w", err)
	}
	return entries, nil
}

// Len returns the number of readable archived turns.
func (s *Store) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(turnPrefix)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(turnPrefix)); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("history: count turns: %w", err)
	}
	return count, nil
}
