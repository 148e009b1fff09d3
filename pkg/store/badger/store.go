// Package badger implements store.Store on BadgerDB, so the metadata mirror
// can live on disk and be inspected between runs.
package badger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/marmos91/dittomtp/pkg/store"
)

// Config configures the BadgerDB mirror.
type Config struct {
	// Path is the directory holding the database files. Ignored when
	// InMemory is set.
	Path string `mapstructure:"path" json:"path,omitempty"`

	// InMemory keeps the database in RAM only.
	InMemory bool `mapstructure:"in_memory" json:"in_memory,omitempty"`

	// BlockCacheSizeMB is BadgerDB's block cache size in MB (default: 64)
	BlockCacheSizeMB int64 `mapstructure:"block_cache_size_mb" json:"block_cache_size_mb,omitempty"`

	// IndexCacheSizeMB is BadgerDB's index cache size in MB (default: 32)
	IndexCacheSizeMB int64 `mapstructure:"index_cache_size_mb" json:"index_cache_size_mb,omitempty"`
}

// Store is a BadgerDB-backed metadata mirror.
//
// Thread Safety:
// BadgerDB transactions are safe for concurrent use. The mutex only guards
// the closed flag so that no transaction starts on a closed database.
type Store struct {
	db *badger.DB

	mu     sync.RWMutex
	closed bool
}

var _ store.Store = (*Store)(nil)

// New opens (or creates) the database described by cfg.
//
// Parameters:
//   - ctx: Context for cancellation before the database is opened
//   - cfg: Location and cache sizing
//
// Returns:
//   - *Store: Store ready for use
//   - error: If the context is done or BadgerDB fails to open
func New(ctx context.Context, cfg Config) (*Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger store requires a path unless in_memory is set")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}

	// Entries are tiny JSON blobs; compression costs more than it saves.
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	blockCacheMB := cfg.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := cfg.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}
	opts = opts.WithBlockCacheSize(blockCacheMB << 20)
	opts = opts.WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", cfg.Path, err)
	}

	return &Store{db: db}, nil
}

// begin checks the context and the closed flag; on success the caller must
// call the returned release function.
func (s *Store) begin(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, store.ErrClosed
	}
	return s.mu.RUnlock, nil
}

func (s *Store) PutRoots(ctx context.Context, deviceID int, roots []mtp.Root) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(txn *badger.Txn) error {
		if err := deletePrefix(txn, devicePrefix(prefixRoot, deviceID)); err != nil {
			return err
		}
		for i, root := range roots {
			data, err := encodeRoot(root)
			if err != nil {
				return err
			}
			if err := txn.Set(keyRoot(deviceID, i), data); err != nil {
				return fmt.Errorf("failed to store root: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) Roots(ctx context.Context, deviceID int) ([]mtp.Root, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var roots []mtp.Root
	err = s.db.View(func(txn *badger.Txn) error {
		prefix := devicePrefix(prefixRoot, deviceID)
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: prefix})
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				root, err := decodeRoot(val)
				if err != nil {
					return err
				}
				roots = append(roots, root)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if roots == nil {
		return nil, fmt.Errorf("roots of device %d: %w", deviceID, store.ErrNotFound)
	}
	return roots, nil
}

func (s *Store) PutDocument(ctx context.Context, id identifier.Identifier, doc mtp.Document) error {
	if id.ObjectHandle != doc.ObjectHandle {
		return fmt.Errorf("document %s carries handle %d", id, doc.ObjectHandle)
	}

	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	data, err := encodeDocument(doc)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyDocument(id), data)
	})
}

func (s *Store) Document(ctx context.Context, id identifier.Identifier) (mtp.Document, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return mtp.Document{}, err
	}
	defer release()

	var doc mtp.Document
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyDocument(id))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("document %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			doc, err = decodeDocument(val)
			return err
		})
	})
	return doc, err
}

func (s *Store) PutChildren(ctx context.Context, parent identifier.Identifier, children []mtp.Document) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(txn *badger.Txn) error {
		handles := make([]uint32, len(children))
		for i, doc := range children {
			data, err := encodeDocument(doc)
			if err != nil {
				return err
			}
			if err := txn.Set(keyDocument(parent.WithHandle(doc.ObjectHandle)), data); err != nil {
				return fmt.Errorf("failed to store document: %w", err)
			}
			handles[i] = doc.ObjectHandle
		}
		return txn.Set(keyChildren(parent), encodeHandles(handles))
	})
}

func (s *Store) Children(ctx context.Context, parent identifier.Identifier) ([]uint32, error) {
	release, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var handles []uint32
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyChildren(parent))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("children of %s: %w", parent, store.ErrNotFound)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			handles, err = decodeHandles(val)
			return err
		})
	})
	return handles, err
}

func (s *Store) Delete(ctx context.Context, id identifier.Identifier) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(keyDocument(id)); err != nil {
			return err
		}
		return txn.Delete(keyChildren(id))
	})
}

func (s *Store) InvalidateChildren(ctx context.Context, parent identifier.Identifier) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyChildren(parent))
	})
}

func (s *Store) InvalidateDevice(ctx context.Context, deviceID int) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.DropPrefix(
		devicePrefix(prefixRoot, deviceID),
		devicePrefix(prefixDocument, deviceID),
		devicePrefix(prefixChildren, deviceID),
	); err != nil {
		return fmt.Errorf("failed to invalidate device %d: %w", deviceID, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	release, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer release()

	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}
	return nil
}

// Close flushes and closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close BadgerDB: %w", err)
	}
	return nil
}

// deletePrefix removes every key starting with prefix inside txn.
func deletePrefix(txn *badger.Txn, prefix []byte) error {
	it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false, Prefix: prefix})
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}
