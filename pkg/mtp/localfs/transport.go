// Package localfs implements mtp.Transport on top of a directory tree, so
// DittoMTP can serve "devices" without USB hardware.
//
// Layout of the base directory:
//
//	<base>/<device>/<storage>/...files and folders...
//
// Every directory directly under the base is a device, ids assigned in
// lexical order starting at 0. Every directory under a device is a storage,
// with MTP-style storage ids 0x00010001, 0x00020001, ... in lexical order.
// Object handles are assigned lazily the first time an object is listed and
// are forgotten when the device is closed, the way real devices may recycle
// handles between sessions.
//
// Objects created or deleted through the transport raise the matching MTP
// events on the device's event queue.
package localfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/spf13/afero"
)

// DefaultCapacity is the capacity reported for every storage when the
// configuration does not set one.
const DefaultCapacity uint64 = 4 << 30

const eventQueueSize = 64

// Config configures the directory-backed transport.
type Config struct {
	// Path is the base directory holding one sub-directory per device.
	Path string `mapstructure:"path" validate:"required" json:"path"`

	// Capacity is the size in bytes reported for every storage.
	Capacity uint64 `mapstructure:"capacity" json:"capacity,omitempty"`

	// Manufacturer is reported in DeviceInfo. The model is the device
	// directory name.
	Manufacturer string `mapstructure:"manufacturer" json:"manufacturer,omitempty"`
}

type storage struct {
	id   uint32
	name string
}

type device struct {
	name string

	opened bool
	done   chan struct{}
	events chan mtp.Event

	storages []storage
	paths    map[uint32]string // handle -> slash path relative to the device dir
	handles  map[string]uint32
	next     uint32
}

// Transport is an mtp.Transport backed by an afero filesystem.
//
// Thread Safety:
// A single mutex guards the device table and handle maps. Filesystem
// metadata calls run under it. Content copies in ImportFile and
// CreateDocument do not, and ReadEvent does not hold it while waiting.
type Transport struct {
	fs           afero.Fs
	capacity     uint64
	manufacturer string

	mu      sync.Mutex
	devices map[int]*device
}

var _ mtp.Transport = (*Transport)(nil)

// New scans the base directory of fs and returns a transport exposing every
// device directory found there.
//
// Parameters:
//   - fs: Filesystem to serve; its root is the base directory
//   - cfg: Capacity and manufacturer; Path is ignored (see NewFromConfig)
//
// Returns:
//   - *Transport: Transport with all devices closed
//   - error: If the base directory cannot be listed
func New(fs afero.Fs, cfg Config) (*Transport, error) {
	t := &Transport{
		fs:           fs,
		capacity:     cfg.Capacity,
		manufacturer: cfg.Manufacturer,
		devices:      make(map[int]*device),
	}
	if t.capacity == 0 {
		t.capacity = DefaultCapacity
	}
	if t.manufacturer == "" {
		t.manufacturer = "DittoMTP"
	}

	entries, err := afero.ReadDir(fs, "/")
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	id := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		t.devices[id] = &device{name: e.Name()}
		id++
	}
	return t, nil
}

// NewFromConfig serves cfg.Path from the host filesystem.
func NewFromConfig(cfg Config) (*Transport, error) {
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("invalid localfs path %q: %w", cfg.Path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("localfs path %q: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("localfs path %q is not a directory", abs)
	}
	return New(afero.NewBasePathFs(afero.NewOsFs(), abs), cfg)
}

// DeviceIDs returns every device found under the base directory.
func (t *Transport) DeviceIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, 0, len(t.devices))
	for id := range t.devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// ============================================================================
// Session
// ============================================================================

func (t *Transport) OpenDevice(ctx context.Context, deviceID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[deviceID]
	if !ok {
		return mtp.DeviceError(mtp.ErrDeviceNotFound, "open", deviceID, 0)
	}
	if d.opened {
		return mtp.DeviceError(mtp.ErrDeviceAlreadyOpen, "open", deviceID, 0)
	}

	entries, err := afero.ReadDir(t.fs, "/"+d.name)
	if err != nil {
		return mtp.NewError("open", deviceID, 0, err)
	}

	d.storages = d.storages[:0]
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		d.storages = append(d.storages, storage{
			id:   uint32(len(d.storages)+1)<<16 | 0x0001,
			name: e.Name(),
		})
	}

	d.opened = true
	d.done = make(chan struct{})
	d.events = make(chan mtp.Event, eventQueueSize)
	d.paths = make(map[uint32]string)
	d.handles = make(map[string]uint32)
	d.next = 1
	return nil
}

func (t *Transport) CloseDevice(ctx context.Context, deviceID int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("close", deviceID)
	if err != nil {
		return err
	}

	close(d.done)
	d.opened = false
	d.paths = nil
	d.handles = nil
	return nil
}

func (t *Transport) DeviceInfo(ctx context.Context, deviceID int) (mtp.DeviceInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("device_info", deviceID)
	if err != nil {
		return mtp.DeviceInfo{}, err
	}
	return mtp.DeviceInfo{
		Manufacturer:  t.manufacturer,
		Model:         d.name,
		DeviceVersion: "1.0",
		SerialNumber:  d.name,
	}, nil
}

func (t *Transport) OpenedDeviceIDs() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, 0, len(t.devices))
	for id, d := range t.devices {
		if d.opened {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

func (t *Transport) ReadEvent(ctx context.Context, deviceID int) (mtp.Event, error) {
	t.mu.Lock()
	d, err := t.openDevice("read_event", deviceID)
	if err != nil {
		t.mu.Unlock()
		return mtp.Event{}, err
	}
	events, done := d.events, d.done
	t.mu.Unlock()

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
// Metadata
// ============================================================================

func (t *Transport) Roots(ctx context.Context, deviceID int) ([]mtp.Root, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("roots", deviceID)
	if err != nil {
		return nil, err
	}

	roots := make([]mtp.Root, 0, len(d.storages))
	for _, s := range d.storages {
		used, err := t.usage(path.Join("/", d.name, s.name))
		if err != nil {
			return nil, mtp.NewError("roots", deviceID, 0, err)
		}
		free := uint64(0)
		if used < t.capacity {
			free = t.capacity - used
		}
		roots = append(roots, mtp.Root{
			DeviceID:         deviceID,
			StorageID:        s.id,
			Description:      s.name,
			FreeSpace:        free,
			MaxCapacity:      t.capacity,
			VolumeIdentifier: d.name + "/" + s.name,
		})
	}
	return roots, nil
}

func (t *Transport) ObjectHandles(ctx context.Context, deviceID int, storageID, parentHandle uint32) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("object_handles", deviceID)
	if err != nil {
		return nil, err
	}

	var dir string
	if parentHandle == mtp.ParentRoot || parentHandle == mtp.RootHandle {
		s, ok := d.storage(storageID)
		if !ok {
			return nil, mtp.NewError("object_handles", deviceID, parentHandle,
				fmt.Errorf("unknown storage 0x%08X", storageID))
		}
		dir = s.name
	} else {
		p, ok := d.paths[parentHandle]
		if !ok {
			return nil, mtp.DeviceError(mtp.ErrObjectNotFound, "object_handles", deviceID, parentHandle)
		}
		dir = p
	}

	entries, err := afero.ReadDir(t.fs, path.Join("/", d.name, dir))
	if err != nil {
		return nil, mtp.NewError("object_handles", deviceID, parentHandle, err)
	}

	handles := make([]uint32, 0, len(entries))
	for _, e := range entries {
		handles = append(handles, d.handle(path.Join(dir, e.Name())))
	}
	return handles, nil
}

func (t *Transport) ObjectInfo(ctx context.Context, deviceID int, handle uint32) (mtp.Document, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("object_info", deviceID)
	if err != nil {
		return mtp.Document{}, err
	}
	p, ok := d.paths[handle]
	if !ok {
		return mtp.Document{}, mtp.DeviceError(mtp.ErrObjectNotFound, "object_info", deviceID, handle)
	}

	info, err := t.fs.Stat(path.Join("/", d.name, p))
	if err != nil {
		return mtp.Document{}, mtp.NewError("object_info", deviceID, handle, err)
	}

	s, _ := d.storageOf(p)
	doc := mtp.Document{
		ObjectHandle: handle,
		StorageID:    s.id,
		ParentHandle: d.parentOf(p),
		Name:         info.Name(),
		ModifiedTime: info.ModTime(),
		Format:       formatOf(info),
	}
	if !info.IsDir() {
		doc.Size = info.Size()
	}
	if info.Mode().Perm()&0o200 == 0 {
		doc.ProtectionStatus = mtp.ProtectionReadOnly
	}
	return doc, nil
}

func (t *Transport) Parent(ctx context.Context, deviceID int, handle uint32) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("parent", deviceID)
	if err != nil {
		return 0, err
	}
	p, ok := d.paths[handle]
	if !ok {
		return 0, mtp.DeviceError(mtp.ErrObjectNotFound, "parent", deviceID, handle)
	}
	return d.parentOf(p), nil
}

// ============================================================================
// Content
// ============================================================================

func (t *Transport) Object(ctx context.Context, deviceID int, handle uint32, expectedSize int64) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	full, err := t.objectPath("object", deviceID, handle)
	if err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(t.fs, full)
	if err != nil {
		return nil, mtp.NewError("object", deviceID, handle, err)
	}
	if expectedSize >= 0 && int64(len(data)) != expectedSize {
		return nil, mtp.NewError("object", deviceID, handle,
			fmt.Errorf("size changed: expected %d bytes, read %d", expectedSize, len(data)))
	}
	return data, nil
}

// Thumbnail always fails: plain files carry no embedded thumbnails and
// ObjectInfo reports a zero thumbnail size.
func (t *Transport) Thumbnail(ctx context.Context, deviceID int, handle uint32) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.objectPath("thumbnail", deviceID, handle); err != nil {
		return nil, err
	}
	return nil, mtp.NewError("thumbnail", deviceID, handle, errors.New("no thumbnail"))
}

// ImportFile copies the object into w without holding the transport lock,
// so a slow writer only delays its own call.
func (t *Transport) ImportFile(ctx context.Context, deviceID int, handle uint32, w io.Writer) error {
	f, err := t.openObject(deviceID, handle)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(w, f); err != nil {
		return mtp.NewError("import_file", deviceID, handle, err)
	}
	return nil
}

func (t *Transport) openObject(deviceID int, handle uint32) (afero.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	full, err := t.objectPath("import_file", deviceID, handle)
	if err != nil {
		return nil, err
	}
	f, err := t.fs.Open(full)
	if err != nil {
		return nil, mtp.NewError("import_file", deviceID, handle, err)
	}
	return f, nil
}

// CreateDocument reads src before taking the transport lock.
func (t *Transport) CreateDocument(ctx context.Context, deviceID int, info mtp.Document, src io.Reader) (uint32, error) {
	var content io.Reader
	if src != nil && !info.IsDirectory() {
		data, err := io.ReadAll(src)
		if err != nil {
			return 0, mtp.NewError("create_document", deviceID, info.ParentHandle, err)
		}
		content = bytes.NewReader(data)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("create_document", deviceID)
	if err != nil {
		return 0, err
	}

	if !validName(info.Name) {
		return 0, mtp.NewError("create_document", deviceID, info.ParentHandle,
			fmt.Errorf("invalid object name %q", info.Name))
	}

	var dir string
	if info.ParentHandle == mtp.ParentRoot || info.ParentHandle == mtp.RootHandle {
		s, ok := d.storage(info.StorageID)
		if !ok {
			return 0, mtp.NewError("create_document", deviceID, info.ParentHandle,
				fmt.Errorf("unknown storage 0x%08X", info.StorageID))
		}
		dir = s.name
	} else {
		p, ok := d.paths[info.ParentHandle]
		if !ok {
			return 0, mtp.DeviceError(mtp.ErrObjectNotFound, "create_document", deviceID, info.ParentHandle)
		}
		dir = p
	}

	rel := path.Join(dir, info.Name)
	full := path.Join("/", d.name, rel)
	if _, err := t.fs.Stat(full); err == nil {
		return 0, mtp.NewError("create_document", deviceID, info.ParentHandle,
			fmt.Errorf("object %q already exists", info.Name))
	}

	if info.IsDirectory() {
		if err := t.fs.Mkdir(full, 0o755); err != nil {
			return 0, mtp.NewError("create_document", deviceID, info.ParentHandle, err)
		}
	} else {
		if err := t.writeFile(full, content); err != nil {
			return 0, mtp.NewError("create_document", deviceID, info.ParentHandle, err)
		}
	}

	handle := d.handle(rel)
	d.emit(mtp.Event{Type: mtp.EventObjectAdded, Handle: handle})
	return handle, nil
}

func (t *Transport) DeleteDocument(ctx context.Context, deviceID int, handle uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("delete_document", deviceID)
	if err != nil {
		return err
	}
	p, ok := d.paths[handle]
	if !ok {
		return mtp.DeviceError(mtp.ErrObjectNotFound, "delete_document", deviceID, handle)
	}

	if err := t.fs.RemoveAll(path.Join("/", d.name, p)); err != nil {
		return mtp.NewError("delete_document", deviceID, handle, err)
	}

	prefix := p + "/"
	for rel, h := range d.handles {
		if rel == p || strings.HasPrefix(rel, prefix) {
			delete(d.handles, rel)
			delete(d.paths, h)
		}
	}
	d.emit(mtp.Event{Type: mtp.EventObjectRemoved, Handle: handle})
	return nil
}

// ============================================================================
// Helpers (mu held)
// ============================================================================

func (t *Transport) openDevice(op string, deviceID int) (*device, error) {
	d, ok := t.devices[deviceID]
	if !ok {
		return nil, mtp.DeviceError(mtp.ErrDeviceNotFound, op, deviceID, 0)
	}
	if !d.opened {
		return nil, mtp.DeviceError(mtp.ErrDeviceNotOpen, op, deviceID, 0)
	}
	return d, nil
}

// RenameDocument renames the object in place. Handles of the object and of
// everything below it are kept.
func (t *Transport) RenameDocument(ctx context.Context, deviceID int, handle uint32, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, err := t.openDevice("rename_document", deviceID)
	if err != nil {
		return err
	}
	p, ok := d.paths[handle]
	if !ok {
		return mtp.DeviceError(mtp.ErrObjectNotFound, "rename_document", deviceID, handle)
	}
	if !validName(name) {
		return mtp.NewError("rename_document", deviceID, handle, fmt.Errorf("invalid object name %q", name))
	}

	target := path.Join(path.Dir(p), name)
	if target == p {
		return nil
	}
	full := path.Join("/", d.name, target)
	if _, err := t.fs.Stat(full); err == nil {
		return mtp.NewError("rename_document", deviceID, handle, fmt.Errorf("object %q already exists", name))
	}
	if err := t.fs.Rename(path.Join("/", d.name, p), full); err != nil {
		return mtp.NewError("rename_document", deviceID, handle, err)
	}

	prefix := p + "/"
	var moved []string
	for rel := range d.handles {
		if rel == p || strings.HasPrefix(rel, prefix) {
			moved = append(moved, rel)
		}
	}
	for _, rel := range moved {
		h := d.handles[rel]
		to := target + strings.TrimPrefix(rel, p)
		delete(d.handles, rel)
		d.handles[to] = h
		d.paths[h] = to
	}

	d.emit(mtp.Event{Type: mtp.EventObjectInfoChanged, Handle: handle})
	return nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func (t *Transport) objectPath(op string, deviceID int, handle uint32) (string, error) {
	d, err := t.openDevice(op, deviceID)
	if err != nil {
		return "", err
	}
	p, ok := d.paths[handle]
	if !ok {
		return "", mtp.DeviceError(mtp.ErrObjectNotFound, op, deviceID, handle)
	}
	return path.Join("/", d.name, p), nil
}

func (t *Transport) writeFile(full string, src io.Reader) error {
	f, err := t.fs.OpenFile(full, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if src != nil {
		if _, err := io.Copy(f, src); err != nil {
			_ = f.Close()
			_ = t.fs.Remove(full)
			return err
		}
	}
	return f.Close()
}

func (t *Transport) usage(dir string) (uint64, error) {
	var used uint64
	err := afero.Walk(t.fs, dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			used += uint64(info.Size())
		}
		return nil
	})
	return used, err
}

func (d *device) storage(id uint32) (storage, bool) {
	for _, s := range d.storages {
		if s.id == id {
			return s, true
		}
	}
	return storage{}, false
}

func (d *device) storageOf(rel string) (storage, bool) {
	name, _, _ := strings.Cut(rel, "/")
	for _, s := range d.storages {
		if s.name == name {
			return s, true
		}
	}
	return storage{}, false
}

// parentOf returns the parent handle of rel; top-level objects report
// ParentRoot like real devices do.
func (d *device) parentOf(rel string) uint32 {
	dir := path.Dir(rel)
	if !strings.Contains(dir, "/") {
		return mtp.ParentRoot
	}
	return d.handle(dir)
}

func (d *device) handle(rel string) uint32 {
	if h, ok := d.handles[rel]; ok {
		return h
	}
	h := d.next
	d.next++
	d.handles[rel] = h
	d.paths[h] = rel
	return h
}

// emit drops the event when nobody drains the queue.
func (d *device) emit(ev mtp.Event) {
	select {
	case d.events <- ev:
	default:
	}
}

// extensionFormats covers media types missing from Go's builtin MIME table.
var extensionFormats = map[string]mtp.Format{
	".txt":  mtp.FormatText,
	".mp3":  mtp.FormatMP3,
	".wav":  mtp.FormatWAV,
	".avi":  mtp.FormatAVI,
	".mpg":  mtp.FormatMPEG,
	".mpeg": mtp.FormatMPEG,
	".wma":  mtp.FormatWMA,
	".ogg":  mtp.FormatOGG,
	".aac":  mtp.FormatAAC,
	".flac": mtp.FormatFLAC,
	".mp4":  mtp.FormatMP4,
	".3gp":  mtp.Format3GP,
	".tif":  mtp.FormatTIFF,
	".tiff": mtp.FormatTIFF,
	".bmp":  mtp.FormatBMP,
}

func formatOf(info os.FileInfo) mtp.Format {
	if info.IsDir() {
		return mtp.FormatAssociation
	}
	ext := strings.ToLower(path.Ext(info.Name()))
	if ext == "" {
		return mtp.FormatUndefined
	}
	if f, ok := extensionFormats[ext]; ok {
		return f
	}
	mediaType, _, err := mime.ParseMediaType(mime.TypeByExtension(ext))
	if err != nil {
		return mtp.FormatUndefined
	}
	return mtp.FormatForMIME(mediaType)
}
