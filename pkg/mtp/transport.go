package mtp

import (
	"context"
	"io"
)

// Transport is the contract between DittoMTP and a device driver.
//
// Every call is blocking and may take seconds on a real USB device. Callers
// serialize calls per device; implementations need not be safe for
// concurrent use on the same device id, but must tolerate concurrent calls
// for different devices.
//
// All failures wrap ErrTransport so callers can classify them with
// errors.Is.
type Transport interface {
	// OpenDevice starts a session with a device. It fails if the id is unknown
	// or the device is already open.
	OpenDevice(ctx context.Context, deviceID int) error

	// CloseDevice ends the session. It fails if the device is not open.
	CloseDevice(ctx context.Context, deviceID int) error

	// DeviceInfo returns the identification dataset of an open device.
	DeviceInfo(ctx context.Context, deviceID int) (DeviceInfo, error)

	// Roots lists the storages of an open device, in device order.
	Roots(ctx context.Context, deviceID int) ([]Root, error)

	// ObjectInfo returns the metadata of one object.
	ObjectInfo(ctx context.Context, deviceID int, handle uint32) (Document, error)

	// ObjectHandles lists the children of parentHandle in storageID.
	// ParentRoot lists the top level of the storage.
	ObjectHandles(ctx context.Context, deviceID int, storageID, parentHandle uint32) ([]uint32, error)

	// Object reads the whole content of an object. expectedSize is the size
	// reported by ObjectInfo and lets drivers preallocate.
	Object(ctx context.Context, deviceID int, handle uint32, expectedSize int64) ([]byte, error)

	// Thumbnail reads the thumbnail of an object.
	Thumbnail(ctx context.Context, deviceID int, handle uint32) ([]byte, error)

	// ImportFile streams the content of an object into w.
	ImportFile(ctx context.Context, deviceID int, handle uint32, w io.Writer) error

	// CreateDocument creates an object described by info (ParentHandle,
	// StorageID, Format, Name, Size) with the content read from src, and
	// returns the new handle. src may be nil for directories.
	CreateDocument(ctx context.Context, deviceID int, info Document, src io.Reader) (uint32, error)

	// DeleteDocument removes an object.
	DeleteDocument(ctx context.Context, deviceID int, handle uint32) error

	// RenameDocument sets the file name of an object, keeping its handle.
	RenameDocument(ctx context.Context, deviceID int, handle uint32, name string) error

	// Parent returns the parent handle of an object as the device reports
	// it (0 or ParentRoot for top-level objects).
	Parent(ctx context.Context, deviceID int, handle uint32) (uint32, error)

	// OpenedDeviceIDs returns the ids of the devices with an open session.
	OpenedDeviceIDs() []int

	// ReadEvent blocks until the device reports an event or ctx is done.
	ReadEvent(ctx context.Context, deviceID int) (Event, error)
}
