// Package mtp defines the device-side model of DittoMTP: storages (roots),
// objects (documents), the transport contract that talks to devices, and the
// conversion of those records into document API rows.
//
// Nothing in this package performs I/O. Transport implementations live in
// sub-packages (memory, localfs) or outside the module.
package mtp

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/marmos91/dittomtp/pkg/identifier"
)

// RootHandle is the object handle of the synthetic storage root document.
const RootHandle = identifier.RootHandle

// ParentRoot is the parent handle MTP uses for objects at the top level of a
// storage. Listing the children of a storage root passes this value to
// ObjectHandles; devices report 0 or ParentRoot as the parent of top-level
// objects.
const ParentRoot uint32 = 0xFFFFFFFF

// Protection status values reported in ObjectInfo.
const (
	ProtectionNone            uint16 = 0x0000
	ProtectionReadOnly        uint16 = 0x0001
	ProtectionReadOnlyData    uint16 = 0x8002
	ProtectionNonTransferable uint16 = 0x8003
)

// DeviceInfo is the subset of the MTP DeviceInfo dataset DittoMTP uses.
type DeviceInfo struct {
	Manufacturer  string `json:"manufacturer"`
	Model         string `json:"model"`
	DeviceVersion string `json:"device_version"`
	SerialNumber  string `json:"serial_number"`
}

// DisplayName is the human readable device name ("Manufacturer Model").
func (d DeviceInfo) DisplayName() string {
	return strings.TrimSpace(d.Manufacturer + " " + d.Model)
}

// Root describes one storage (volume) of a device.
type Root struct {
	DeviceID  int    `json:"device_id"`
	StorageID uint32 `json:"storage_id"`

	// DeviceName is the display name of the owning device, when known
	DeviceName string `json:"device_name,omitempty"`

	// Description is the storage description reported by the device
	Description string `json:"description"`

	FreeSpace   uint64 `json:"free_space"`
	MaxCapacity uint64 `json:"max_capacity"`

	// VolumeIdentifier is empty when the device reports none
	VolumeIdentifier string `json:"volume_identifier,omitempty"`
}

// Identifier returns the root identifier (handle 0) of the storage.
func (r Root) Identifier() identifier.Identifier {
	return identifier.NewRoot(r.DeviceID, r.StorageID)
}

// AvailableSpace returns MaxCapacity - FreeSpace clamped to [0, MaxInt64].
//
// Despite the name this is the space in use; it is reported as the size of
// the storage's root document.
func (r Root) AvailableSpace() int64 {
	if r.FreeSpace >= r.MaxCapacity {
		return 0
	}
	used := r.MaxCapacity - r.FreeSpace
	if used > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(used)
}

// Title is the label shown for the root: the device name followed by the
// storage description, or whichever of the two is known.
func (r Root) Title() string {
	switch {
	case r.DeviceName == "":
		return r.Description
	case r.Description == "":
		return r.DeviceName
	default:
		return r.DeviceName + " " + r.Description
	}
}

// Document describes one object on a device.
type Document struct {
	ObjectHandle uint32 `json:"object_handle"`
	StorageID    uint32 `json:"storage_id"`
	ParentHandle uint32 `json:"parent_handle"`
	Format       Format `json:"format"`
	Name         string `json:"name"`

	// ModifiedTime is zero when the device does not report one
	ModifiedTime time.Time `json:"modified_time"`

	Size             int64  `json:"size"`
	ThumbnailSize    int64  `json:"thumbnail_size"`
	ProtectionStatus uint16 `json:"protection_status"`
}

// NewRootDocument builds the synthetic directory document for a storage.
func NewRootDocument(root Root) Document {
	return Document{
		ObjectHandle: RootHandle,
		StorageID:    root.StorageID,
		ParentHandle: RootHandle,
		Format:       FormatAssociation,
		Name:         root.Description,
		Size:         root.AvailableSpace(),
	}
}

// IsRoot reports whether d is a synthetic storage root.
func (d Document) IsRoot() bool {
	return d.ObjectHandle == RootHandle
}

// IsDirectory reports whether d is a folder.
func (d Document) IsDirectory() bool {
	return d.Format.IsDirectory()
}

// ReadOnly reports whether the device forbids modifying d's content.
func (d Document) ReadOnly() bool {
	return d.ProtectionStatus == ProtectionReadOnly || d.ProtectionStatus == ProtectionReadOnlyData
}

// MimeType returns the MIME type for d's format ("" when unknown).
func (d Document) MimeType() string {
	return d.Format.MimeType()
}

// ParentDocumentHandle maps the device-reported parent to the handle used in
// document ids: top-level objects belong to the storage root (handle 0).
func (d Document) ParentDocumentHandle() uint32 {
	return ParentDocumentHandle(d.ParentHandle)
}

// ParentDocumentHandle normalizes a device-reported parent handle.
func ParentDocumentHandle(parent uint32) uint32 {
	if parent == ParentRoot {
		return RootHandle
	}
	return parent
}

// TransportParent maps a document handle to the parent value ObjectHandles
// expects: the storage root is listed with ParentRoot.
func TransportParent(handle uint32) uint32 {
	if handle == RootHandle {
		return ParentRoot
	}
	return handle
}

// EventType is an MTP event code.
type EventType uint16

const (
	EventUndefined          EventType = 0x4000
	EventObjectAdded        EventType = 0x4002
	EventObjectRemoved      EventType = 0x4003
	EventStoreAdded         EventType = 0x4004
	EventStoreRemoved       EventType = 0x4005
	EventObjectInfoChanged  EventType = 0x4007
	EventDeviceInfoChanged  EventType = 0x4008
	EventStorageInfoChanged EventType = 0x400C
)

func (e EventType) String() string {
	switch e {
	case EventObjectAdded:
		return "ObjectAdded"
	case EventObjectRemoved:
		return "ObjectRemoved"
	case EventStoreAdded:
		return "StoreAdded"
	case EventStoreRemoved:
		return "StoreRemoved"
	case EventObjectInfoChanged:
		return "ObjectInfoChanged"
	case EventDeviceInfoChanged:
		return "DeviceInfoChanged"
	case EventStorageInfoChanged:
		return "StorageInfoChanged"
	default:
		return "0x" + strconv.FormatUint(uint64(e), 16)
	}
}

// Event is an asynchronous notification read from a device's interrupt
// endpoint.
type Event struct {
	Type EventType

	// Handle is the object the event refers to (object events only)
	Handle uint32

	// StorageID is the storage the event refers to (storage events only)
	StorageID uint32
}
