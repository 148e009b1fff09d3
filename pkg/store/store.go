// Package store defines the metadata mirror: a key-value store of the roots
// and documents DittoMTP has fetched from devices, keyed by identifier.
//
// The mirror is never the source of truth. The cache writes through to it
// after every successful transport call and drops a device's entries when
// the device closes, because object handles do not survive a session. The
// provider reads it to answer questions that must not block on device I/O,
// such as the expected size of a document being opened.
package store

import (
	"context"
	"errors"

	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/marmos91/dittomtp/pkg/mtp"
)

// ErrNotFound is returned when the mirror holds no entry for a key.
var ErrNotFound = errors.New("store: entry not found")

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store: closed")

// Store is the metadata mirror contract.
//
// Implementations must be safe for concurrent use. Every method honours
// context cancellation before touching storage.
type Store interface {
	// PutRoots replaces the roots cached for a device. An empty slice drops
	// the entry.
	PutRoots(ctx context.Context, deviceID int, roots []mtp.Root) error

	// Roots returns the roots cached for a device, in the order they were
	// stored. ErrNotFound when the device has no cached roots.
	Roots(ctx context.Context, deviceID int) ([]mtp.Root, error)

	// PutDocument adds or updates one document. id names the document; its
	// ObjectHandle must equal doc.ObjectHandle.
	PutDocument(ctx context.Context, id identifier.Identifier, doc mtp.Document) error

	// Document returns one cached document.
	Document(ctx context.Context, id identifier.Identifier) (mtp.Document, error)

	// PutChildren stores every child document and replaces the cached
	// listing of parent with their handles, in order.
	PutChildren(ctx context.Context, parent identifier.Identifier, children []mtp.Document) error

	// Children returns the cached listing of parent.
	Children(ctx context.Context, parent identifier.Identifier) ([]uint32, error)

	// Delete drops a document and its own cached listing. Missing entries are
	// not an error.
	Delete(ctx context.Context, id identifier.Identifier) error

	// InvalidateChildren drops the cached listing of parent, leaving the
	// documents themselves in place.
	InvalidateChildren(ctx context.Context, parent identifier.Identifier) error

	// InvalidateDevice drops every entry of a device.
	InvalidateDevice(ctx context.Context, deviceID int) error

	// Clear drops every entry.
	Clear(ctx context.Context) error

	// Close releases resources. The store is unusable afterwards.
	Close() error
}
