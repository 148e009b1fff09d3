// Package memory provides an in-memory mtp.Transport.
//
// The transport answers every request from maps populated by the caller and
// fails with a transport error for anything that was not registered. It is
// deterministic, needs no hardware, and is the test double used across the
// module's test suites.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/marmos91/dittomtp/pkg/mtp"
)

// FirstCreatedHandle is the handle assigned to the first object created
// through CreateDocument. Handles registered with SetDocument should stay
// below it.
const FirstCreatedHandle uint32 = 0x10000

type objectKey struct {
	deviceID int
	handle   uint32
}

type listingKey struct {
	deviceID  int
	storageID uint32
	parent    uint32
}

type blob struct {
	expectedSize int64
	data         []byte
}

// Hook is invoked before every device call with the operation name. A
// non-nil error is returned from the call instead of running it. Hooks may
// block, which lets tests hold a transfer in flight.
type Hook func(op string, deviceID int, handle uint32) error

// Transport is a deterministic in-memory mtp.Transport.
//
// Thread Safety:
// All state is protected by a single mutex. Hooks run outside the lock so a
// blocking hook does not stall calls for other devices.
type Transport struct {
	mu sync.Mutex

	valid      map[int]bool
	opened     map[int]chan struct{}
	info       map[int]mtp.DeviceInfo
	roots      map[int][]mtp.Root
	documents  map[objectKey]mtp.Document
	listings   map[listingKey][]uint32
	objects    map[objectKey]blob
	thumbnails map[objectKey][]byte
	parents    map[objectKey]uint32
	events     map[int]chan mtp.Event

	nextHandle uint32
	hook       Hook
}

var _ mtp.Transport = (*Transport)(nil)

// New creates an empty transport with no valid devices.
func New() *Transport {
	return &Transport{
		valid:      make(map[int]bool),
		opened:     make(map[int]chan struct{}),
		info:       make(map[int]mtp.DeviceInfo),
		roots:      make(map[int][]mtp.Root),
		documents:  make(map[objectKey]mtp.Document),
		listings:   make(map[listingKey][]uint32),
		objects:    make(map[objectKey]blob),
		thumbnails: make(map[objectKey][]byte),
		parents:    make(map[objectKey]uint32),
		events:     make(map[int]chan mtp.Event),
		nextHandle: FirstCreatedHandle,
	}
}

// ============================================================================
// Setup
// ============================================================================

// AddValidDevice registers a device id that OpenDevice accepts.
func (t *Transport) AddValidDevice(deviceID int, info mtp.DeviceInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.valid[deviceID] = true
	t.info[deviceID] = info
}

// SetRoots sets the storages returned by Roots. Until called, Roots fails.
func (t *Transport) SetRoots(deviceID int, roots []mtp.Root) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.roots[deviceID] = append([]mtp.Root(nil), roots...)
}

// ClearRoots makes Roots fail again for deviceID.
func (t *Transport) ClearRoots(deviceID int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.roots, deviceID)
}

// SetDocument registers the metadata returned by ObjectInfo.
func (t *Transport) SetDocument(deviceID int, doc mtp.Document) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.documents[objectKey{deviceID, doc.ObjectHandle}] = doc
}

// SetObjectHandles registers the children returned by ObjectHandles.
func (t *Transport) SetObjectHandles(deviceID int, storageID, parent uint32, handles []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listings[listingKey{deviceID, storageID, parent}] = append([]uint32(nil), handles...)
}

// SetObjectBytes registers the content returned by Object. The content is
// only served when the caller passes the same expectedSize.
func (t *Transport) SetObjectBytes(deviceID int, handle uint32, expectedSize int64, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.objects[objectKey{deviceID, handle}] = blob{expectedSize: expectedSize, data: append([]byte(nil), data...)}
}

// SetThumbnail registers the content returned by Thumbnail.
func (t *Transport) SetThumbnail(deviceID int, handle uint32, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.thumbnails[objectKey{deviceID, handle}] = append([]byte(nil), data...)
}

// SetParent registers the parent returned by Parent.
func (t *Transport) SetParent(deviceID int, handle, parent uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parents[objectKey{deviceID, handle}] = parent
}

// SetHook installs a hook run before every device call. nil removes it.
func (t *Transport) SetHook(hook Hook) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hook = hook
}

// InjectEvent queues an event for the next ReadEvent on an open device.
func (t *Transport) InjectEvent(deviceID int, ev mtp.Event) error {
	t.mu.Lock()
	ch, ok := t.events[deviceID]
	t.mu.Unlock()
	if !ok {
		return mtp.DeviceError(mtp.ErrDeviceNotOpen, "inject_event", deviceID, 0)
	}
	ch <- ev
	return nil
}

// Bytes returns the content currently stored for an object, if any.
func (t *Transport) Bytes(deviceID int, handle uint32) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.objects[objectKey{deviceID, handle}]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b.data...), true
}

// ============================================================================
// mtp.Transport
// ============================================================================

func (t *Transport) OpenDevice(ctx context.Context, deviceID int) error {
	if err := t.before("open", deviceID, 0); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.valid[deviceID] {
		return mtp.DeviceError(mtp.ErrDeviceNotFound, "open", deviceID, 0)
	}
	if _, ok := t.opened[deviceID]; ok {
		return mtp.DeviceError(mtp.ErrDeviceAlreadyOpen, "open", deviceID, 0)
	}

	t.opened[deviceID] = make(chan struct{})
	t.events[deviceID] = make(chan mtp.Event, 64)
	return nil
}

func (t *Transport) CloseDevice(ctx context.Context, deviceID int) error {
	if err := t.before("close", deviceID, 0); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	done, ok := t.opened[deviceID]
	if !ok {
		return mtp.DeviceError(mtp.ErrDeviceNotOpen, "close", deviceID, 0)
	}

	close(done)
	delete(t.opened, deviceID)
	delete(t.events, deviceID)
	return nil
}

func (t *Transport) DeviceInfo(ctx context.Context, deviceID int) (mtp.DeviceInfo, error) {
	if err := t.before("device_info", deviceID, 0); err != nil {
		return mtp.DeviceInfo{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("device_info", deviceID); err != nil {
		return mtp.DeviceInfo{}, err
	}
	return t.info[deviceID], nil
}

func (t *Transport) Roots(ctx context.Context, deviceID int) ([]mtp.Root, error) {
	if err := t.before("roots", deviceID, 0); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("roots", deviceID); err != nil {
		return nil, err
	}
	roots, ok := t.roots[deviceID]
	if !ok {
		return nil, mtp.NewError("roots", deviceID, 0, fmt.Errorf("no roots registered"))
	}

	out := make([]mtp.Root, len(roots))
	for i, r := range roots {
		r.DeviceID = deviceID
		out[i] = r
	}
	return out, nil
}

func (t *Transport) ObjectInfo(ctx context.Context, deviceID int, handle uint32) (mtp.Document, error) {
	if err := t.before("object_info", deviceID, handle); err != nil {
		return mtp.Document{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("object_info", deviceID); err != nil {
		return mtp.Document{}, err
	}
	doc, ok := t.documents[objectKey{deviceID, handle}]
	if !ok {
		return mtp.Document{}, mtp.DeviceError(mtp.ErrObjectNotFound, "object_info", deviceID, handle)
	}
	return doc, nil
}

func (t *Transport) ObjectHandles(ctx context.Context, deviceID int, storageID, parentHandle uint32) ([]uint32, error) {
	if err := t.before("object_handles", deviceID, parentHandle); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("object_handles", deviceID); err != nil {
		return nil, err
	}
	handles, ok := t.listings[listingKey{deviceID, storageID, parentHandle}]
	if !ok {
		return nil, mtp.NewError("object_handles", deviceID, parentHandle,
			fmt.Errorf("no listing for storage %d", storageID))
	}
	return append([]uint32(nil), handles...), nil
}

func (t *Transport) Object(ctx context.Context, deviceID int, handle uint32, expectedSize int64) ([]byte, error) {
	if err := t.before("object", deviceID, handle); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("object", deviceID); err != nil {
		return nil, err
	}
	b, ok := t.objects[objectKey{deviceID, handle}]
	if !ok || b.expectedSize != expectedSize {
		return nil, mtp.NewError("object", deviceID, handle,
			fmt.Errorf("no content registered for size %d", expectedSize))
	}
	return append([]byte(nil), b.data...), nil
}

func (t *Transport) Thumbnail(ctx context.Context, deviceID int, handle uint32) ([]byte, error) {
	if err := t.before("thumbnail", deviceID, handle); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("thumbnail", deviceID); err != nil {
		return nil, err
	}
	data, ok := t.thumbnails[objectKey{deviceID, handle}]
	if !ok {
		return nil, mtp.NewError("thumbnail", deviceID, handle, fmt.Errorf("no thumbnail registered"))
	}
	return append([]byte(nil), data...), nil
}

func (t *Transport) ImportFile(ctx context.Context, deviceID int, handle uint32, w io.Writer) error {
	if err := t.before("import_file", deviceID, handle); err != nil {
		return err
	}

	t.mu.Lock()
	if err := t.requireOpen("import_file", deviceID); err != nil {
		t.mu.Unlock()
		return err
	}
	b, ok := t.objects[objectKey{deviceID, handle}]
	t.mu.Unlock()

	if !ok {
		return mtp.DeviceError(mtp.ErrObjectNotFound, "import_file", deviceID, handle)
	}
	if _, err := w.Write(b.data); err != nil {
		return mtp.NewError("import_file", deviceID, handle, err)
	}
	return nil
}

func (t *Transport) CreateDocument(ctx context.Context, deviceID int, info mtp.Document, src io.Reader) (uint32, error) {
	if err := t.before("create_document", deviceID, info.ParentHandle); err != nil {
		return 0, err
	}

	var data []byte
	if src != nil {
		var err error
		if data, err = io.ReadAll(src); err != nil {
			return 0, mtp.NewError("create_document", deviceID, info.ParentHandle, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("create_document", deviceID); err != nil {
		return 0, err
	}

	handle := t.nextHandle
	t.nextHandle++

	info.ObjectHandle = handle
	if !info.IsDirectory() {
		info.Size = int64(len(data))
		t.objects[objectKey{deviceID, handle}] = blob{expectedSize: info.Size, data: data}
	}
	t.documents[objectKey{deviceID, handle}] = info
	t.parents[objectKey{deviceID, handle}] = info.ParentHandle

	key := listingKey{deviceID, info.StorageID, info.ParentHandle}
	t.listings[key] = append(t.listings[key], handle)
	if info.IsDirectory() {
		t.listings[listingKey{deviceID, info.StorageID, handle}] = []uint32{}
	}

	return handle, nil
}

func (t *Transport) DeleteDocument(ctx context.Context, deviceID int, handle uint32) error {
	if err := t.before("delete_document", deviceID, handle); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("delete_document", deviceID); err != nil {
		return err
	}

	key := objectKey{deviceID, handle}
	_, hasDoc := t.documents[key]
	_, hasParent := t.parents[key]
	if !hasDoc && !hasParent {
		return mtp.DeviceError(mtp.ErrObjectNotFound, "delete_document", deviceID, handle)
	}

	delete(t.documents, key)
	delete(t.objects, key)
	delete(t.thumbnails, key)
	delete(t.parents, key)

	for lk, handles := range t.listings {
		if lk.deviceID != deviceID {
			continue
		}
		for i, h := range handles {
			if h == handle {
				t.listings[lk] = append(handles[:i:i], handles[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (t *Transport) RenameDocument(ctx context.Context, deviceID int, handle uint32, name string) error {
	if err := t.before("rename_document", deviceID, handle); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("rename_document", deviceID); err != nil {
		return err
	}
	key := objectKey{deviceID, handle}
	doc, ok := t.documents[key]
	if !ok {
		return mtp.DeviceError(mtp.ErrObjectNotFound, "rename_document", deviceID, handle)
	}
	doc.Name = name
	t.documents[key] = doc
	return nil
}

func (t *Transport) Parent(ctx context.Context, deviceID int, handle uint32) (uint32, error) {
	if err := t.before("parent", deviceID, handle); err != nil {
		return 0, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.requireOpen("parent", deviceID); err != nil {
		return 0, err
	}
	if parent, ok := t.parents[objectKey{deviceID, handle}]; ok {
		return parent, nil
	}
	if doc, ok := t.documents[objectKey{deviceID, handle}]; ok {
		return doc.ParentHandle, nil
	}
	return 0, mtp.DeviceError(mtp.ErrObjectNotFound, "parent", deviceID, handle)
}

// OpenedDeviceIDs returns the open devices in ascending order.
func (t *Transport) OpenedDeviceIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, 0, len(t.opened))
	for id := range t.opened {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ValidDeviceIDs returns the registered devices in ascending order.
func (t *Transport) ValidDeviceIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, 0, len(t.valid))
	for id := range t.valid {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (t *Transport) ReadEvent(ctx context.Context, deviceID int) (mtp.Event, error) {
	t.mu.Lock()
	events, ok := t.events[deviceID]
	done := t.opened[deviceID]
	t.mu.Unlock()

	if !ok {
		return mtp.Event{}, mtp.DeviceError(mtp.ErrDeviceNotOpen, "read_event", deviceID, 0)
	}

	select {
	case ev := <-events:
		return ev, nil
	case <-done:
		return mtp.Event{}, mtp.DeviceError(mtp.ErrDeviceNotOpen, "read_event", deviceID, 0)
	case <-ctx.Done():
		return mtp.Event{}, ctx.Err()
	}
}

// ============================================================================
// Helpers
// ============================================================================

func (t *Transport) before(op string, deviceID int, handle uint32) error {
	t.mu.Lock()
	hook := t.hook
	t.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(op, deviceID, handle); err != nil {
		return mtp.NewError(op, deviceID, handle, err)
	}
	return nil
}

// requireOpen must be called with mu held.
func (t *Transport) requireOpen(op string, deviceID int) error {
	if _, ok := t.opened[deviceID]; !ok {
		return mtp.DeviceError(mtp.ErrDeviceNotOpen, op, deviceID, 0)
	}
	return nil
}

