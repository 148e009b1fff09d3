package cache

import (
	"context"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/marmos91/dittomtp/pkg/mtp"
)

// startWatcher must be called with mu held.
func (c *Cache) startWatcher(deviceID int) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &watcher{cancel: cancel, done: make(chan struct{})}
	c.watchers[deviceID] = w

	go func() {
		defer close(w.done)
		c.watchEvents(ctx, deviceID)
	}()
}

// watchEvents reads device events until ctx is cancelled or the device
// stops answering.
func (c *Cache) watchEvents(ctx context.Context, deviceID int) {
	for {
		ev, err := c.transport.ReadEvent(ctx, deviceID)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("Device %d: event watcher stopped: %v", deviceID, err)
			}
			return
		}

		logger.Debug("Device %d: event %s handle=%d storage=%d", deviceID, ev.Type, ev.Handle, ev.StorageID)
		c.handleEvent(ctx, deviceID, ev)
	}
}

func (c *Cache) handleEvent(ctx context.Context, deviceID int, ev mtp.Event) {
	switch ev.Type {
	case mtp.EventObjectAdded:
		doc, err := c.Document(ctx, deviceID, ev.Handle)
		if err != nil {
			logger.Debug("Device %d: added object %d vanished: %v", deviceID, ev.Handle, err)
			return
		}
		parent := identifier.New(deviceID, doc.StorageID, doc.ParentDocumentHandle())
		c.InvalidateChildren(ctx, parent)
		c.NotifyChildren(parent)

	case mtp.EventObjectRemoved:
		id, doc, ok := c.findMirrored(ctx, deviceID, ev)
		if !ok {
			// Never listed, so nobody holds a listing that contains it.
			c.notify(kindDocument, c.resolver.DocumentURI(id.DocumentID()))
			return
		}
		parent := identifier.New(deviceID, doc.StorageID, doc.ParentDocumentHandle())
		c.Forget(ctx, id, parent)
		c.NotifyChildren(parent)

	case mtp.EventObjectInfoChanged:
		doc, err := c.Document(ctx, deviceID, ev.Handle)
		if err != nil {
			return
		}
		c.notify(kindDocument, c.resolver.DocumentURI(identifier.New(deviceID, doc.StorageID, ev.Handle).DocumentID()))

	case mtp.EventStoreAdded, mtp.EventStoreRemoved, mtp.EventStorageInfoChanged, mtp.EventDeviceInfoChanged:
		if _, err := c.Roots(ctx, deviceID); err != nil {
			logger.Debug("Device %d: failed to refresh roots: %v", deviceID, err)
		}
		c.notify(kindRoots, c.resolver.RootsURI())
	}
}

// findMirrored looks a removed object up in the mirror. Object events do not
// always carry a storage id, so every storage of the device is tried.
func (c *Cache) findMirrored(ctx context.Context, deviceID int, ev mtp.Event) (identifier.Identifier, mtp.Document, bool) {
	candidates := []uint32{ev.StorageID}
	if record, ok := c.Device(deviceID); ok {
		for _, root := range record.Roots {
			if root.StorageID != ev.StorageID {
				candidates = append(candidates, root.StorageID)
			}
		}
	}

	for _, storageID := range candidates {
		id := identifier.New(deviceID, storageID, ev.Handle)
		if doc, err := c.store.Document(ctx, id); err == nil {
			return id, doc, true
		}
	}
	return identifier.New(deviceID, ev.StorageID, ev.Handle), mtp.Document{}, false
}
