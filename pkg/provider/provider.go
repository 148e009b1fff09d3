// Package provider is the document API: it answers root, document and
// child-listing queries with cursors, opens document content through the
// pipe manager, and turns device lifecycle changes into notifications.
//
// Documents are addressed by the string ids of package identifier. Every
// id a query returns is only valid while its device stays open.
package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/cache"
	"github.com/marmos91/dittomtp/pkg/cursor"
	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/marmos91/dittomtp/pkg/notify"
	"github.com/marmos91/dittomtp/pkg/pipe"
	"github.com/marmos91/dittomtp/pkg/store"
)

// Open modes accepted by OpenDocument.
const (
	ModeRead  = "r"
	ModeWrite = "w"
)

var (
	// ErrNotFound is returned when a document id is malformed or does not
	// resolve to an object of an open device.
	ErrNotFound = errors.New("document not found")

	// ErrUnsupportedMode is returned by OpenDocument for any mode other
	// than ModeRead and ModeWrite.
	ErrUnsupportedMode = errors.New("unsupported open mode")

	// ErrInvalidArgument is returned for requests that can never succeed,
	// such as deleting a storage root.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Options configures a Provider.
type Options struct {
	// Authority names the provider in notification URIs.
	// Default: notify.DefaultAuthority
	Authority string

	// Store mirrors fetched metadata. Default: in-memory store.
	Store store.Store

	// Pipe configures the transfer worker pool.
	Pipe pipe.Config

	// Metrics. nil means no-op.
	Metrics     metrics.ProviderMetrics
	PipeMetrics metrics.PipeMetrics

	// DisableEventWatcher stops the provider from reading device events.
	DisableEventWatcher bool
}

// Provider is the document API façade.
//
// Thread Safety:
// All methods are safe for concurrent use. State lives in the cache, the
// pipe manager and the store, each of which synchronizes itself.
type Provider struct {
	transport mtp.Transport
	cache     *cache.Cache
	pipes     *pipe.Manager
	resolver  *notify.Resolver
	metrics   metrics.ProviderMetrics

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates a Provider over transport, which should be a
// *manager.Manager so that device calls are serialized.
func New(transport mtp.Transport, opts Options) *Provider {
	if opts.Authority == "" {
		opts.Authority = notify.DefaultAuthority
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoopProviderMetrics()
	}

	resolver := notify.NewResolver(opts.Authority)
	c := cache.New(transport, cache.Options{
		Store:               opts.Store,
		Resolver:            resolver,
		Metrics:             opts.Metrics,
		DisableEventWatcher: opts.DisableEventWatcher,
	})

	return &Provider{
		transport: transport,
		cache:     c,
		pipes:     pipe.New(opts.Pipe, opts.PipeMetrics),
		resolver:  resolver,
		metrics:   opts.Metrics,
	}
}

// Resolver returns the notification channel.
func (p *Provider) Resolver() *notify.Resolver { return p.resolver }

// Cache returns the device cache.
func (p *Provider) Cache() *cache.Cache { return p.cache }

func (p *Provider) observe(op string, start time.Time, err error) {
	p.metrics.RecordQuery(op, time.Since(start), err)
}

func notFound(documentID string, err error) error {
	return fmt.Errorf("document %q: %w: %w", documentID, ErrNotFound, err)
}

// ============================================================================
// Queries
// ============================================================================

// QueryRoots lists the storages of every open device.
//
// A device whose roots cannot be read is logged and left out; the query
// itself does not fail. A nil projection selects mtp.DefaultRootProjection.
func (p *Provider) QueryRoots(ctx context.Context, projection []string) (c *cursor.Cursor, err error) {
	defer func(start time.Time) { p.observe("query_roots", start, err) }(time.Now())

	if projection == nil {
		projection = mtp.DefaultRootProjection
	}
	c = cursor.New(projection)

	for _, deviceID := range p.cache.OpenedDeviceIDs() {
		roots, err := p.cache.Roots(ctx, deviceID)
		if err != nil {
			logger.Debug("Skipping roots of device %d: %v", deviceID, err)
			p.metrics.RecordSkippedDevice()
			continue
		}
		for _, root := range roots {
			if err := c.AddRow(root.Row(projection)); err != nil {
				return nil, err
			}
		}
	}

	c.SetNotificationURI(p.resolver.RootsURI())
	return c, nil
}

// QueryDocument returns exactly one row describing a document.
func (p *Provider) QueryDocument(ctx context.Context, documentID string, projection []string) (c *cursor.Cursor, err error) {
	defer func(start time.Time) { p.observe("query_document", start, err) }(time.Now())

	id, err := identifier.ParseDocumentID(documentID)
	if err != nil {
		return nil, notFound(documentID, err)
	}

	doc, err := p.document(ctx, id)
	if err != nil {
		return nil, notFound(documentID, err)
	}

	if projection == nil {
		projection = mtp.DefaultDocumentProjection
	}
	c = cursor.New(projection)
	if err := c.AddRow(doc.Row(id.Root(), projection)); err != nil {
		return nil, err
	}
	c.SetNotificationURI(p.resolver.DocumentURI(id.DocumentID()))
	return c, nil
}

// QueryChildDocuments lists a folder.
//
// The listing is all or nothing: if the handle list or any child's metadata
// cannot be read, the call fails with ErrNotFound and returns no rows.
// sortOrder is "<column> [ASC|DESC]"; empty keeps the device's order.
func (p *Provider) QueryChildDocuments(ctx context.Context, parentDocumentID string, projection []string, sortOrder string) (c *cursor.Cursor, err error) {
	defer func(start time.Time) { p.observe("query_child_documents", start, err) }(time.Now())

	parent, err := identifier.ParseDocumentID(parentDocumentID)
	if err != nil {
		return nil, notFound(parentDocumentID, err)
	}

	children, err := p.cache.Children(ctx, parent)
	if err != nil {
		return nil, notFound(parentDocumentID, err)
	}

	if projection == nil {
		projection = mtp.DefaultDocumentProjection
	}
	c = cursor.New(projection)
	root := parent.Root()
	for _, child := range children {
		if err := c.AddRow(child.Row(root, projection)); err != nil {
			return nil, err
		}
	}

	if sortOrder != "" {
		if err := c.Sort(sortOrder); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
		}
	}

	c.SetNotificationURI(p.resolver.ChildDocumentsURI(parent.DocumentID()))
	return c, nil
}

// document resolves an identifier to its metadata, synthesizing the root
// document of a storage from the device's roots.
func (p *Provider) document(ctx context.Context, id identifier.Identifier) (mtp.Document, error) {
	if id.IsRoot() {
		root, err := p.cache.Root(ctx, id.DeviceID, id.StorageID)
		if err != nil {
			return mtp.Document{}, err
		}
		return mtp.NewRootDocument(root), nil
	}
	return p.cache.Document(ctx, id.DeviceID, id.ObjectHandle)
}

// ============================================================================
// Content
// ============================================================================

// OpenDocument opens a document's content.
//
// mode must be ModeRead or ModeWrite; anything else fails with
// ErrUnsupportedMode before a transfer is scheduled. The returned value is a
// *pipe.ReadHandle for ModeRead and a *pipe.WriteHandle for ModeWrite. It
// is returned before any device I/O for the content happens; transfer
// failures surface on Read, Write or Close.
func (p *Provider) OpenDocument(ctx context.Context, documentID, mode string) (io.Closer, error) {
	switch mode {
	case ModeRead:
		return p.OpenRead(ctx, documentID)
	case ModeWrite:
		return p.OpenWrite(ctx, documentID)
	default:
		p.observe("open_document", time.Now(), ErrUnsupportedMode)
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMode, mode)
	}
}

// OpenRead opens a document for reading.
//
// The expected size comes from the metadata mirror when the document was
// listed before; otherwise the content is imported as the device sends it.
// Either way the device is released before the handle delivers any byte.
func (p *Provider) OpenRead(ctx context.Context, documentID string) (h *pipe.ReadHandle, err error) {
	defer func(start time.Time) { p.observe("open_document", start, err) }(time.Now())

	id, err := p.parseObjectID(documentID)
	if err != nil {
		return nil, err
	}

	expectedSize := int64(-1)
	if doc, err := p.cache.CachedDocument(ctx, id); err == nil {
		if doc.IsDirectory() {
			return nil, fmt.Errorf("%w: %s is a directory", ErrInvalidArgument, documentID)
		}
		expectedSize = doc.Size
	}

	return p.pipes.ReadDocument(p.transport, id, expectedSize)
}

// OpenWrite opens a document for replacing its content.
//
// MTP cannot modify an object in place. The content written to the handle
// is collected first, then a new object with the same format is created
// next to the original under a temporary name. Only once that succeeded is
// the original deleted and the new object renamed, so a failed transfer
// leaves the original untouched. The new object has a new handle, hence a
// new document id; the parent's listing is notified once the device
// changed.
func (p *Provider) OpenWrite(ctx context.Context, documentID string) (h *pipe.WriteHandle, err error) {
	defer func(start time.Time) { p.observe("open_document", start, err) }(time.Now())

	id, err := p.parseObjectID(documentID)
	if err != nil {
		return nil, err
	}

	return p.pipes.WriteDocument(id, func(ctx context.Context, src io.Reader) error {
		return p.replace(ctx, id, src)
	})
}

func (p *Provider) replace(ctx context.Context, id identifier.Identifier, src io.Reader) error {
	content, err := io.ReadAll(src)
	if err != nil {
		return err
	}

	doc, err := p.cache.Document(ctx, id.DeviceID, id.ObjectHandle)
	if err != nil {
		return err
	}
	if doc.IsDirectory() || doc.ReadOnly() {
		return fmt.Errorf("%w: %s is not writable", ErrInvalidArgument, id)
	}

	info := mtp.Document{
		StorageID:    doc.StorageID,
		ParentHandle: doc.ParentHandle,
		Format:       doc.Format,
		Name:         replacementName(doc.Name),
		Size:         int64(len(content)),
	}
	if info.StorageID == 0 {
		info.StorageID = id.StorageID
	}
	handle, err := p.transport.CreateDocument(ctx, id.DeviceID, info, bytes.NewReader(content))
	if err != nil {
		return err
	}

	parent := identifier.New(id.DeviceID, id.StorageID, doc.ParentDocumentHandle())
	defer func() {
		p.cache.Forget(ctx, id, parent)
		p.cache.NotifyChildren(parent)
	}()

	if err := p.transport.DeleteDocument(ctx, id.DeviceID, id.ObjectHandle); err != nil {
		if rmErr := p.transport.DeleteDocument(ctx, id.DeviceID, handle); rmErr != nil {
			logger.Warn("Failed to remove replacement %q of %s: %v", info.Name, id, rmErr)
		}
		return err
	}
	if err := p.transport.RenameDocument(ctx, id.DeviceID, handle, doc.Name); err != nil {
		return fmt.Errorf("new content of %s kept as %q: %w", doc.Name, info.Name, err)
	}

	logger.Debug("Replaced %s with handle %d", id, handle)
	return nil
}

// replacementName is the temporary name new content is uploaded under.
func replacementName(name string) string {
	return "." + name + ".dittomtp-" + uuid.NewString()[:8]
}

// OpenDocumentThumbnail opens a document's thumbnail.
func (p *Provider) OpenDocumentThumbnail(ctx context.Context, documentID string) (h *pipe.ReadHandle, err error) {
	defer func(start time.Time) { p.observe("open_thumbnail", start, err) }(time.Now())

	id, err := p.parseObjectID(documentID)
	if err != nil {
		return nil, err
	}
	return p.pipes.ReadThumbnail(p.transport, id)
}

func (p *Provider) parseObjectID(documentID string) (identifier.Identifier, error) {
	id, err := identifier.ParseDocumentID(documentID)
	if err != nil {
		return identifier.Identifier{}, notFound(documentID, err)
	}
	if id.IsRoot() {
		return identifier.Identifier{}, fmt.Errorf("%w: %s is a storage root", ErrInvalidArgument, documentID)
	}
	return id, nil
}

// ============================================================================
// Mutations
// ============================================================================

// DeleteDocument deletes an object and notifies its parent's listing.
//
// The parent is resolved before the delete; an object whose parent cannot
// be resolved is reported as ErrNotFound. A failure of the delete itself is
// returned as is. No notification is emitted on either failure.
func (p *Provider) DeleteDocument(ctx context.Context, documentID string) (err error) {
	defer func(start time.Time) { p.observe("delete_document", start, err) }(time.Now())

	id, err := p.parseObjectID(documentID)
	if err != nil {
		return err
	}

	parentHandle, err := p.cache.Parent(ctx, id.DeviceID, id.ObjectHandle)
	if err != nil {
		return notFound(documentID, err)
	}
	if err := p.transport.DeleteDocument(ctx, id.DeviceID, id.ObjectHandle); err != nil {
		return err
	}

	parent := identifier.New(id.DeviceID, id.StorageID, mtp.ParentDocumentHandle(parentHandle))
	p.cache.Forget(ctx, id, parent)
	p.cache.NotifyChildren(parent)
	return nil
}

// CreateDocument creates an empty document, or a folder when mimeType is
// mtp.MimeTypeDirectory, under a folder.
//
// Returns the new document's id.
func (p *Provider) CreateDocument(ctx context.Context, parentDocumentID, mimeType, displayName string) (documentID string, err error) {
	defer func(start time.Time) { p.observe("create_document", start, err) }(time.Now())

	if displayName == "" {
		return "", fmt.Errorf("%w: empty display name", ErrInvalidArgument)
	}

	parent, err := identifier.ParseDocumentID(parentDocumentID)
	if err != nil {
		return "", notFound(parentDocumentID, err)
	}

	parentDoc, err := p.document(ctx, parent)
	if err != nil {
		return "", notFound(parentDocumentID, err)
	}
	if !parentDoc.IsDirectory() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrInvalidArgument, parentDocumentID)
	}

	info := mtp.Document{
		StorageID:    parent.StorageID,
		ParentHandle: mtp.TransportParent(parent.ObjectHandle),
		Format:       mtp.FormatForMIME(mimeType),
		Name:         displayName,
	}

	var src io.Reader
	if !info.IsDirectory() {
		src = bytes.NewReader(nil)
	}

	handle, err := p.transport.CreateDocument(ctx, parent.DeviceID, info, src)
	if err != nil {
		return "", err
	}

	p.cache.InvalidateChildren(ctx, parent)
	p.cache.NotifyChildren(parent)
	return parent.WithHandle(handle).DocumentID(), nil
}

// ============================================================================
// Devices
// ============================================================================

// OpenDevice opens a device and notifies the roots address.
func (p *Provider) OpenDevice(ctx context.Context, deviceID int) error {
	return p.cache.OpenDevice(ctx, deviceID)
}

// CloseDevice closes a device and notifies the roots address.
func (p *Provider) CloseDevice(ctx context.Context, deviceID int) error {
	return p.cache.CloseDevice(ctx, deviceID)
}

// CloseAllDevices closes every open device, notifying the roots address once
// if any device was closed.
func (p *Provider) CloseAllDevices(ctx context.Context) {
	p.cache.CloseAllDevices(ctx)
}

// HasOpenedDevices reports whether any device is open.
func (p *Provider) HasOpenedDevices() bool {
	return len(p.cache.OpenedDeviceIDs()) != 0
}

// Devices returns snapshots of the open devices.
func (p *Provider) Devices() []cache.Device {
	return p.cache.Devices()
}

// Shutdown closes every device, waits for in-flight transfers and closes
// the store. Transfers whose handles were abandoned without Close may keep
// the wait from finishing; ctx bounds it.
//
// Safe to call multiple times.
func (p *Provider) Shutdown(ctx context.Context) error {
	p.shutdownOnce.Do(func() {
		p.cache.Close(ctx)

		drained := make(chan struct{})
		go func() {
			p.pipes.Wait()
			close(drained)
		}()

		select {
		case <-drained:
			p.pipes.Close()
		case <-ctx.Done():
			p.shutdownErr = fmt.Errorf("pending transfers: %w", ctx.Err())
			logger.Warn("Shutdown gave up waiting for transfers: %v", ctx.Err())
		}

		if err := p.cache.Store().Close(); err != nil {
			p.shutdownErr = errors.Join(p.shutdownErr, fmt.Errorf("close store: %w", err))
		}
	})
	return p.shutdownErr
}
