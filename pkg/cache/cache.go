// Package cache owns the set of open devices and the metadata fetched from
// them.
//
// A Cache is created when the provider starts and torn down when it stops.
// Every open/close transition of a device goes through it, so it is the one
// place that knows which devices are open, which roots they expose, and
// which handles their storages list at the top level. Successful transport
// calls are written through to a store.Store mirror; closing a device drops
// the mirror's entries for it, because object handles do not survive a
// session.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/marmos91/dittomtp/pkg/notify"
	"github.com/marmos91/dittomtp/pkg/store"
	"github.com/marmos91/dittomtp/pkg/store/memory"
)

// Notification kinds reported to metrics.
const (
	kindRoots    = "roots"
	kindChildren = "children"
	kindDocument = "document"
)

// Device is a snapshot of one open device.
type Device struct {
	DeviceID    int
	DisplayName string
	Opened      bool

	// Roots in the order the device reported them.
	Roots []mtp.Root

	// TopLevelHandles maps a storage id to the handles last listed directly
	// under its root.
	TopLevelHandles map[uint32][]uint32

	// session is assigned on open and never reused.
	session uint64
}

func (d *Device) clone() Device {
	out := Device{
		DeviceID:        d.DeviceID,
		DisplayName:     d.DisplayName,
		Opened:          d.Opened,
		Roots:           append([]mtp.Root(nil), d.Roots...),
		TopLevelHandles: make(map[uint32][]uint32, len(d.TopLevelHandles)),
		session:         d.session,
	}
	for storageID, handles := range d.TopLevelHandles {
		out.TopLevelHandles[storageID] = append([]uint32(nil), handles...)
	}
	return out
}

// Options configures a Cache.
type Options struct {
	// Store mirrors fetched metadata. nil means a fresh in-memory store.
	Store store.Store

	// Resolver receives change notifications. nil means a resolver for
	// notify.DefaultAuthority.
	Resolver *notify.Resolver

	// Metrics records open devices and notifications. nil means no-op.
	Metrics metrics.ProviderMetrics

	// DisableEventWatcher stops the cache from reading device events.
	DisableEventWatcher bool
}

type watcher struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cache is the device/root/object cache.
//
// Thread Safety:
// The record map is guarded by an RWMutex and roots are replaced as a whole,
// so readers never observe a partially updated root set. Open and close of
// the same device are serialized by a per-device transition lock, which also
// orders their notifications.
//
// Results are only written to the mirror while the session they were read
// in is still open. A write racing with CloseDevice is dropped, so nothing
// read before a close survives into the next session.
type Cache struct {
	transport mtp.Transport
	store     store.Store
	resolver  *notify.Resolver
	metrics   metrics.ProviderMetrics
	watch     bool

	mu       sync.RWMutex
	devices  map[int]*Device
	watchers map[int]*watcher
	sessions uint64

	transitionsMu sync.Mutex
	transitions   map[int]*sync.Mutex
}

// New creates an empty cache over transport. transport is normally a
// *manager.Manager so that calls are serialized per device.
func New(transport mtp.Transport, opts Options) *Cache {
	c := &Cache{
		transport:   transport,
		store:       opts.Store,
		resolver:    opts.Resolver,
		metrics:     opts.Metrics,
		watch:       !opts.DisableEventWatcher,
		devices:     make(map[int]*Device),
		watchers:    make(map[int]*watcher),
		transitions: make(map[int]*sync.Mutex),
	}
	if c.store == nil {
		c.store = memory.New()
	}
	if c.resolver == nil {
		c.resolver = notify.NewResolver(notify.DefaultAuthority)
	}
	if c.metrics == nil {
		c.metrics = metrics.NewNoopProviderMetrics()
	}
	return c
}

// Store returns the metadata mirror.
func (c *Cache) Store() store.Store { return c.store }

// Resolver returns the notification channel.
func (c *Cache) Resolver() *notify.Resolver { return c.resolver }

// Transport returns the transport the cache calls into.
func (c *Cache) Transport() mtp.Transport { return c.transport }

func (c *Cache) transition(deviceID int) *sync.Mutex {
	c.transitionsMu.Lock()
	defer c.transitionsMu.Unlock()

	mu, ok := c.transitions[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		c.transitions[deviceID] = mu
	}
	return mu
}

// ============================================================================
// Lifecycle
// ============================================================================

// OpenDevice opens a device and creates its record.
//
// Fetching the device info and roots is best-effort: a device whose
// storages are not ready yet still opens, with an empty root set that the
// next Roots call refreshes.
//
// Returns a transport error if the device is unknown or already open. No
// notification is emitted in that case.
func (c *Cache) OpenDevice(ctx context.Context, deviceID int) error {
	mu := c.transition(deviceID)
	mu.Lock()
	defer mu.Unlock()

	if err := c.transport.OpenDevice(ctx, deviceID); err != nil {
		return err
	}

	record := &Device{
		DeviceID:        deviceID,
		DisplayName:     fmt.Sprintf("MTP device %d", deviceID),
		Opened:          true,
		TopLevelHandles: make(map[uint32][]uint32),
	}

	if info, err := c.transport.DeviceInfo(ctx, deviceID); err != nil {
		logger.Warn("Device %d: failed to read device info: %v", deviceID, err)
	} else if name := info.DisplayName(); name != "" {
		record.DisplayName = name
	}

	if roots, err := c.transport.Roots(ctx, deviceID); err != nil {
		logger.Warn("Device %d: failed to read roots: %v", deviceID, err)
	} else {
		record.Roots = c.normalizeRoots(record, roots)
		c.mirrorRoots(ctx, deviceID, record.Roots)
	}

	c.mu.Lock()
	c.sessions++
	record.session = c.sessions
	c.devices[deviceID] = record
	if c.watch {
		c.startWatcher(deviceID)
	}
	open := len(c.devices)
	c.mu.Unlock()

	c.metrics.SetOpenDevices(open)
	logger.Info("Opened device %d (%s) with %d storage(s)", deviceID, record.DisplayName, len(record.Roots))

	c.notify(kindRoots, c.resolver.RootsURI())
	return nil
}

// CloseDevice closes a device and drops its record and mirrored metadata.
//
// Returns a transport error if the device is not open. No notification is
// emitted in that case.
func (c *Cache) CloseDevice(ctx context.Context, deviceID int) error {
	if err := c.closeDevice(ctx, deviceID); err != nil {
		return err
	}
	c.notify(kindRoots, c.resolver.RootsURI())
	return nil
}

// CloseAllDevices closes every open device. Individual failures are logged
// and skipped.
//
// Returns the number of devices closed. A single roots notification is
// emitted if that number is positive.
func (c *Cache) CloseAllDevices(ctx context.Context) int {
	closed := 0
	for _, deviceID := range c.transport.OpenedDeviceIDs() {
		if err := c.closeDevice(ctx, deviceID); err != nil {
			logger.Warn("Failed to close device %d: %v", deviceID, err)
			continue
		}
		closed++
	}

	if closed > 0 {
		c.notify(kindRoots, c.resolver.RootsURI())
	}
	return closed
}

// Close tears the cache down: every device is closed and every event
// watcher has returned when Close returns.
func (c *Cache) Close(ctx context.Context) {
	c.CloseAllDevices(ctx)

	c.mu.Lock()
	remaining := make([]*watcher, 0, len(c.watchers))
	for id, w := range c.watchers {
		w.cancel()
		remaining = append(remaining, w)
		delete(c.watchers, id)
	}
	c.mu.Unlock()

	for _, w := range remaining {
		<-w.done
	}
}

func (c *Cache) closeDevice(ctx context.Context, deviceID int) error {
	mu := c.transition(deviceID)
	mu.Lock()
	defer mu.Unlock()

	if err := c.transport.CloseDevice(ctx, deviceID); err != nil {
		return err
	}

	c.mu.Lock()
	w := c.watchers[deviceID]
	delete(c.watchers, deviceID)
	delete(c.devices, deviceID)
	open := len(c.devices)
	c.mu.Unlock()

	// The watcher may still be writing to the mirror; let it finish before
	// the device's entries are dropped.
	if w != nil {
		w.cancel()
		<-w.done
	}

	if err := c.store.InvalidateDevice(ctx, deviceID); err != nil {
		logger.Warn("Device %d: failed to invalidate mirror: %v", deviceID, err)
	}

	c.metrics.SetOpenDevices(open)
	logger.Info("Closed device %d", deviceID)
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// OpenedDeviceIDs returns the open devices in ascending order.
func (c *Cache) OpenedDeviceIDs() []int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]int, 0, len(c.devices))
	for id := range c.devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Device returns a snapshot of an open device's record.
func (c *Cache) Device(deviceID int) (Device, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	record, ok := c.devices[deviceID]
	if !ok {
		return Device{}, false
	}
	return record.clone(), true
}

// Devices returns snapshots of every open device, ordered by id.
func (c *Cache) Devices() []Device {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Device, 0, len(c.devices))
	for _, record := range c.devices {
		out = append(out, record.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Roots fetches the roots of a device and replaces the cached set.
func (c *Cache) Roots(ctx context.Context, deviceID int) ([]mtp.Root, error) {
	session := c.session(deviceID)
	roots, err := c.transport.Roots(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if record, ok := c.devices[deviceID]; ok && record.session == session {
		roots = c.normalizeRoots(record, roots)
		record.Roots = roots
		c.mirrorRoots(ctx, deviceID, roots)
	}
	c.mu.Unlock()

	return append([]mtp.Root(nil), roots...), nil
}

// Root finds one storage of a device. Returns store.ErrNotFound (wrapped)
// when the device does not report the storage.
func (c *Cache) Root(ctx context.Context, deviceID int, storageID uint32) (mtp.Root, error) {
	roots, err := c.Roots(ctx, deviceID)
	if err != nil {
		return mtp.Root{}, err
	}
	for _, root := range roots {
		if root.StorageID == storageID {
			return root, nil
		}
	}
	return mtp.Root{}, fmt.Errorf("device %d has no storage %d: %w", deviceID, storageID, store.ErrNotFound)
}

// Document fetches the metadata of one object and mirrors it.
func (c *Cache) Document(ctx context.Context, deviceID int, handle uint32) (mtp.Document, error) {
	session := c.session(deviceID)
	doc, err := c.transport.ObjectInfo(ctx, deviceID, handle)
	if err != nil {
		return mtp.Document{}, err
	}
	doc.ObjectHandle = handle

	id := identifier.New(deviceID, doc.StorageID, handle)
	c.mirror(deviceID, session, func() {
		if err := c.store.PutDocument(ctx, id, doc); err != nil {
			logger.Debug("Failed to mirror %s: %v", id, err)
		}
	})
	return doc, nil
}

// ObjectHandles lists the children of parentHandle, which is a transport
// parent: mtp.ParentRoot names the top level of the storage.
func (c *Cache) ObjectHandles(ctx context.Context, deviceID int, storageID, parentHandle uint32) ([]uint32, error) {
	session := c.session(deviceID)
	handles, err := c.transport.ObjectHandles(ctx, deviceID, storageID, parentHandle)
	if err != nil {
		return nil, err
	}

	if parentHandle == mtp.ParentRoot {
		c.mu.Lock()
		if record, ok := c.devices[deviceID]; ok && record.session == session {
			record.TopLevelHandles[storageID] = append([]uint32(nil), handles...)
		}
		c.mu.Unlock()
	}
	return handles, nil
}

// Children lists parent and fetches the metadata of every child. Any
// failure fails the whole call: callers never see a partial listing.
//
// The listing is mirrored on success.
func (c *Cache) Children(ctx context.Context, parent identifier.Identifier) ([]mtp.Document, error) {
	session := c.session(parent.DeviceID)
	handles, err := c.ObjectHandles(ctx, parent.DeviceID, parent.StorageID, mtp.TransportParent(parent.ObjectHandle))
	if err != nil {
		return nil, err
	}

	docs := make([]mtp.Document, 0, len(handles))
	for _, handle := range handles {
		doc, err := c.transport.ObjectInfo(ctx, parent.DeviceID, handle)
		if err != nil {
			return nil, err
		}
		doc.ObjectHandle = handle
		docs = append(docs, doc)
	}

	c.mirror(parent.DeviceID, session, func() {
		if err := c.store.PutChildren(ctx, parent, docs); err != nil {
			logger.Debug("Failed to mirror children of %s: %v", parent, err)
		}
	})
	return docs, nil
}

// Parent returns the transport parent of an object.
func (c *Cache) Parent(ctx context.Context, deviceID int, handle uint32) (uint32, error) {
	return c.transport.Parent(ctx, deviceID, handle)
}

// CachedDocument reads the mirror without device I/O.
func (c *Cache) CachedDocument(ctx context.Context, id identifier.Identifier) (mtp.Document, error) {
	return c.store.Document(ctx, id)
}

// Forget drops a document from the mirror and invalidates its parent's
// listing.
func (c *Cache) Forget(ctx context.Context, id, parent identifier.Identifier) {
	if err := c.store.Delete(ctx, id); err != nil {
		logger.Debug("Failed to drop %s from mirror: %v", id, err)
	}
	c.InvalidateChildren(ctx, parent)
}

// InvalidateChildren drops parent's mirrored listing.
func (c *Cache) InvalidateChildren(ctx context.Context, parent identifier.Identifier) {
	if err := c.store.InvalidateChildren(ctx, parent); err != nil {
		logger.Debug("Failed to invalidate children of %s: %v", parent, err)
	}
}

// NotifyChildren notifies observers of parent's child listing.
func (c *Cache) NotifyChildren(parent identifier.Identifier) {
	c.notify(kindChildren, c.resolver.ChildDocumentsURI(parent.DocumentID()))
}

// ============================================================================
// Helpers
// ============================================================================

// normalizeRoots stamps device id and name on roots reported without them.
func (c *Cache) normalizeRoots(record *Device, roots []mtp.Root) []mtp.Root {
	out := make([]mtp.Root, len(roots))
	for i, root := range roots {
		root.DeviceID = record.DeviceID
		if root.DeviceName == "" {
			root.DeviceName = record.DisplayName
		}
		out[i] = root
	}
	return out
}

// session returns the session of an open device, 0 if it is not open.
func (c *Cache) session(deviceID int) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if record, ok := c.devices[deviceID]; ok {
		return record.session
	}
	return 0
}

// mirror runs write if deviceID is still open in session. The read lock
// keeps closeDevice from removing the record until write returns, so the
// invalidation that follows the removal always runs after it.
func (c *Cache) mirror(deviceID int, session uint64, write func()) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if record, ok := c.devices[deviceID]; ok && record.session == session {
		write()
	}
}

func (c *Cache) mirrorRoots(ctx context.Context, deviceID int, roots []mtp.Root) {
	if err := c.store.PutRoots(ctx, deviceID, roots); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("Device %d: failed to mirror roots: %v", deviceID, err)
	}
}

func (c *Cache) notify(kind, uri string) {
	seq := c.resolver.NotifyChange(uri)
	c.metrics.RecordNotification(kind)
	logger.Debug("Notified %s (#%d)", uri, seq)
}
