// Package manager serializes every call into an mtp.Transport.
//
// MTP sessions are strictly request/response: a device can only process one
// operation at a time, and interleaving two requests on the same USB pipe
// corrupts both. The Manager owns one lock per device id and holds it for
// the duration of each transport call, so callers on any goroutine can use
// it freely. Calls for different devices run in parallel.
//
// The Manager itself implements mtp.Transport, so it can be handed to any
// component that expects a transport (the pipe manager, for instance) and
// those calls are serialized too.
package manager

import (
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/internal/ratelimiter"
	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/marmos91/dittomtp/pkg/mtp"
)

// Options configures a Manager. The zero value means no throttling and no
// metrics.
type Options struct {
	// Limiter throttles transport calls per device. nil means unlimited.
	Limiter *ratelimiter.DeviceLimiter

	// Metrics records transport calls. nil means no-op.
	Metrics metrics.TransportMetrics
}

// Manager is the serialized facade over a transport.
type Manager struct {
	transport mtp.Transport
	limiter   *ratelimiter.DeviceLimiter
	metrics   metrics.TransportMetrics

	mu    sync.Mutex
	locks map[int]chan struct{}
}

var _ mtp.Transport = (*Manager)(nil)

// New wraps transport.
func New(transport mtp.Transport, opts Options) *Manager {
	m := &Manager{
		transport: transport,
		limiter:   opts.Limiter,
		metrics:   opts.Metrics,
		locks:     make(map[int]chan struct{}),
	}
	if m.metrics == nil {
		m.metrics = metrics.NewNoopTransportMetrics()
	}
	return m
}

// deviceLock returns the lock of a device, creating it on first use. The
// lock is a one-slot channel so that waiting for it honours ctx.
func (m *Manager) deviceLock(deviceID int) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[deviceID]
	if !ok {
		lock = make(chan struct{}, 1)
		m.locks[deviceID] = lock
	}
	return lock
}

// do runs fn with the device lock held, after the rate limiter admits it.
func (m *Manager) do(ctx context.Context, op string, deviceID int, fn func() error) error {
	lock := m.deviceLock(deviceID)
	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()

	if !m.limiter.Unlimited() {
		waitStart := time.Now()
		if err := m.limiter.Wait(ctx, deviceID); err != nil {
			return err
		}
		m.metrics.RecordThrottle(time.Since(waitStart))
	}

	m.metrics.RecordCallStart(op)
	start := time.Now()
	err := fn()
	elapsed := time.Since(start)
	m.metrics.RecordCallEnd(op)
	m.metrics.RecordCall(op, elapsed, err)

	if err != nil {
		logger.Debug("mtp %s on device %d failed after %s: %v", op, deviceID, elapsed, err)
	}
	return err
}

// ============================================================================
// Session
// ============================================================================

// OpenDevice opens a device session.
func (m *Manager) OpenDevice(ctx context.Context, deviceID int) error {
	return m.do(ctx, "open", deviceID, func() error {
		return m.transport.OpenDevice(ctx, deviceID)
	})
}

// CloseDevice closes a device session and drops its rate limiter state.
func (m *Manager) CloseDevice(ctx context.Context, deviceID int) error {
	err := m.do(ctx, "close", deviceID, func() error {
		return m.transport.CloseDevice(ctx, deviceID)
	})
	if err == nil {
		m.limiter.Forget(deviceID)
	}
	return err
}

func (m *Manager) DeviceInfo(ctx context.Context, deviceID int) (mtp.DeviceInfo, error) {
	var info mtp.DeviceInfo
	err := m.do(ctx, "device_info", deviceID, func() error {
		var err error
		info, err = m.transport.DeviceInfo(ctx, deviceID)
		return err
	})
	return info, err
}

// OpenedDeviceIDs returns the open devices in ascending order.
func (m *Manager) OpenedDeviceIDs() []int {
	ids := append([]int(nil), m.transport.OpenedDeviceIDs()...)
	sort.Ints(ids)
	return ids
}

// ReadEvent waits for a device event. It does not take the device lock:
// event reads use a separate endpoint and may block indefinitely, so they
// must not stall regular calls. Cancel ctx to stop waiting.
func (m *Manager) ReadEvent(ctx context.Context, deviceID int) (mtp.Event, error) {
	return m.transport.ReadEvent(ctx, deviceID)
}

// ============================================================================
// Metadata
// ============================================================================

func (m *Manager) Roots(ctx context.Context, deviceID int) ([]mtp.Root, error) {
	var roots []mtp.Root
	err := m.do(ctx, "roots", deviceID, func() error {
		var err error
		roots, err = m.transport.Roots(ctx, deviceID)
		return err
	})
	return roots, err
}

func (m *Manager) ObjectInfo(ctx context.Context, deviceID int, handle uint32) (mtp.Document, error) {
	var doc mtp.Document
	err := m.do(ctx, "object_info", deviceID, func() error {
		var err error
		doc, err = m.transport.ObjectInfo(ctx, deviceID, handle)
		return err
	})
	return doc, err
}

func (m *Manager) ObjectHandles(ctx context.Context, deviceID int, storageID, parentHandle uint32) ([]uint32, error) {
	var handles []uint32
	err := m.do(ctx, "object_handles", deviceID, func() error {
		var err error
		handles, err = m.transport.ObjectHandles(ctx, deviceID, storageID, parentHandle)
		return err
	})
	return handles, err
}

func (m *Manager) Parent(ctx context.Context, deviceID int, handle uint32) (uint32, error) {
	var parent uint32
	err := m.do(ctx, "parent", deviceID, func() error {
		var err error
		parent, err = m.transport.Parent(ctx, deviceID, handle)
		return err
	})
	return parent, err
}

// ============================================================================
// Content
// ============================================================================

func (m *Manager) Object(ctx context.Context, deviceID int, handle uint32, expectedSize int64) ([]byte, error) {
	var data []byte
	err := m.do(ctx, "object", deviceID, func() error {
		var err error
		data, err = m.transport.Object(ctx, deviceID, handle, expectedSize)
		return err
	})
	return data, err
}

func (m *Manager) Thumbnail(ctx context.Context, deviceID int, handle uint32) ([]byte, error) {
	var data []byte
	err := m.do(ctx, "thumbnail", deviceID, func() error {
		var err error
		data, err = m.transport.Thumbnail(ctx, deviceID, handle)
		return err
	})
	return data, err
}

func (m *Manager) ImportFile(ctx context.Context, deviceID int, handle uint32, w io.Writer) error {
	return m.do(ctx, "import_file", deviceID, func() error {
		return m.transport.ImportFile(ctx, deviceID, handle, w)
	})
}

func (m *Manager) CreateDocument(ctx context.Context, deviceID int, info mtp.Document, src io.Reader) (uint32, error) {
	var handle uint32
	err := m.do(ctx, "create_document", deviceID, func() error {
		var err error
		handle, err = m.transport.CreateDocument(ctx, deviceID, info, src)
		return err
	})
	return handle, err
}

func (m *Manager) DeleteDocument(ctx context.Context, deviceID int, handle uint32) error {
	return m.do(ctx, "delete_document", deviceID, func() error {
		return m.transport.DeleteDocument(ctx, deviceID, handle)
	})
}

func (m *Manager) RenameDocument(ctx context.Context, deviceID int, handle uint32, name string) error {
	return m.do(ctx, "rename_document", deviceID, func() error {
		return m.transport.RenameDocument(ctx, deviceID, handle, name)
	})
}
