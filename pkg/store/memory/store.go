// Package memory implements store.Store with in-process maps.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/marmos91/dittomtp/pkg/store"
)

// Store is an in-memory metadata mirror.
//
// Thread Safety:
// All operations are protected by a single read-write mutex.
type Store struct {
	mu sync.RWMutex

	roots     map[int][]mtp.Root
	documents map[identifier.Identifier]mtp.Document
	children  map[identifier.Identifier][]uint32

	closed bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		roots:     make(map[int][]mtp.Root),
		documents: make(map[identifier.Identifier]mtp.Document),
		children:  make(map[identifier.Identifier][]uint32),
	}
}

func (s *Store) PutRoots(ctx context.Context, deviceID int, roots []mtp.Root) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	if len(roots) == 0 {
		delete(s.roots, deviceID)
		return nil
	}
	s.roots[deviceID] = append([]mtp.Root(nil), roots...)
	return nil
}

func (s *Store) Roots(ctx context.Context, deviceID int) ([]mtp.Root, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	roots, ok := s.roots[deviceID]
	if !ok {
		return nil, fmt.Errorf("roots of device %d: %w", deviceID, store.ErrNotFound)
	}
	return append([]mtp.Root(nil), roots...), nil
}

func (s *Store) PutDocument(ctx context.Context, id identifier.Identifier, doc mtp.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id.ObjectHandle != doc.ObjectHandle {
		return fmt.Errorf("document %s carries handle %d", id, doc.ObjectHandle)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	s.documents[id] = doc
	return nil
}

func (s *Store) Document(ctx context.Context, id identifier.Identifier) (mtp.Document, error) {
	if err := ctx.Err(); err != nil {
		return mtp.Document{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return mtp.Document{}, store.ErrClosed
	}

	doc, ok := s.documents[id]
	if !ok {
		return mtp.Document{}, fmt.Errorf("document %s: %w", id, store.ErrNotFound)
	}
	return doc, nil
}

func (s *Store) PutChildren(ctx context.Context, parent identifier.Identifier, children []mtp.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	handles := make([]uint32, len(children))
	for i, doc := range children {
		s.documents[parent.WithHandle(doc.ObjectHandle)] = doc
		handles[i] = doc.ObjectHandle
	}
	s.children[parent] = handles
	return nil
}

func (s *Store) Children(ctx context.Context, parent identifier.Identifier) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	handles, ok := s.children[parent]
	if !ok {
		return nil, fmt.Errorf("children of %s: %w", parent, store.ErrNotFound)
	}
	return append([]uint32(nil), handles...), nil
}

func (s *Store) Delete(ctx context.Context, id identifier.Identifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	delete(s.documents, id)
	delete(s.children, id)
	return nil
}

func (s *Store) InvalidateChildren(ctx context.Context, parent identifier.Identifier) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	delete(s.children, parent)
	return nil
}

func (s *Store) InvalidateDevice(ctx context.Context, deviceID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	delete(s.roots, deviceID)
	for id := range s.documents {
		if id.DeviceID == deviceID {
			delete(s.documents, id)
		}
	}
	for id := range s.children {
		if id.DeviceID == deviceID {
			delete(s.children, id)
		}
	}
	return nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	s.roots = make(map[int][]mtp.Root)
	s.documents = make(map[identifier.Identifier]mtp.Document)
	s.children = make(map[identifier.Identifier][]uint32)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
