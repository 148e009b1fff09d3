// Package identifier maps MTP object addresses to the string IDs used by the
// document API.
//
// An MTP object is addressed by three integers: the host-assigned device id,
// the device-assigned storage id, and the device-assigned object handle.
// The document API wants opaque, stable strings instead, so every address
// is serialized as:
//
//	document id: "<device>_<storage>_<handle>"   e.g. "0_65537_12"
//	root id:     "<device>_<storage>"            e.g. "0_65537"
//
// Handle 0 is never assigned by devices and is used as the sentinel for the
// synthetic root document of a storage.
//
// Identifiers are only meaningful while the device session that produced
// them is alive: devices may recycle handles after a reconnect, so anything
// caching identifiers must drop them when the device closes.
package identifier

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// RootHandle is the object handle of a storage's synthetic root document.
const RootHandle uint32 = 0

const separator = "_"

// ErrInvalidID is returned (wrapped) when a string is not a valid document
// or root id.
var ErrInvalidID = errors.New("invalid document id")

// Identifier addresses one object, or the root of one storage, on one device.
//
// Identifier is comparable; equality and map hashing are structural over the
// triple.
type Identifier struct {
	DeviceID     int
	StorageID    uint32
	ObjectHandle uint32
}

// New returns the identifier of an object.
func New(deviceID int, storageID, objectHandle uint32) Identifier {
	return Identifier{DeviceID: deviceID, StorageID: storageID, ObjectHandle: objectHandle}
}

// NewRoot returns the identifier of a storage's synthetic root document.
func NewRoot(deviceID int, storageID uint32) Identifier {
	return Identifier{DeviceID: deviceID, StorageID: storageID, ObjectHandle: RootHandle}
}

// IsRoot reports whether the identifier names a storage root.
func (id Identifier) IsRoot() bool {
	return id.ObjectHandle == RootHandle
}

// Root returns the identifier of the storage root this object lives in.
func (id Identifier) Root() Identifier {
	return NewRoot(id.DeviceID, id.StorageID)
}

// WithHandle returns a sibling identifier on the same device and storage.
func (id Identifier) WithHandle(handle uint32) Identifier {
	return New(id.DeviceID, id.StorageID, handle)
}

// DocumentID serializes the full triple.
func (id Identifier) DocumentID() string {
	return strconv.Itoa(id.DeviceID) + separator +
		strconv.FormatUint(uint64(id.StorageID), 10) + separator +
		strconv.FormatUint(uint64(id.ObjectHandle), 10)
}

// RootID serializes the device and storage only.
func (id Identifier) RootID() string {
	return strconv.Itoa(id.DeviceID) + separator +
		strconv.FormatUint(uint64(id.StorageID), 10)
}

// String returns the document id.
func (id Identifier) String() string {
	return id.DocumentID()
}

// ParseDocumentID is the inverse of DocumentID.
//
// It fails with ErrInvalidID when the string does not have exactly three
// fields or any field is not a base-10 integer in range.
func ParseDocumentID(documentID string) (Identifier, error) {
	parts := strings.Split(documentID, separator)
	if len(parts) != 3 {
		return Identifier{}, fmt.Errorf("%w: %q has %d fields, want 3", ErrInvalidID, documentID, len(parts))
	}

	deviceID, storageID, err := parseDeviceAndStorage(documentID, parts[0], parts[1])
	if err != nil {
		return Identifier{}, err
	}

	handle, err := parseUint32(parts[2])
	if err != nil {
		return Identifier{}, fmt.Errorf("%w: %q: object handle: %v", ErrInvalidID, documentID, err)
	}

	return New(deviceID, storageID, handle), nil
}

// ParseRootID is the inverse of RootID. The returned identifier carries the
// root sentinel handle.
func ParseRootID(rootID string) (Identifier, error) {
	parts := strings.Split(rootID, separator)
	if len(parts) != 2 {
		return Identifier{}, fmt.Errorf("%w: root id %q has %d fields, want 2", ErrInvalidID, rootID, len(parts))
	}

	deviceID, storageID, err := parseDeviceAndStorage(rootID, parts[0], parts[1])
	if err != nil {
		return Identifier{}, err
	}

	return NewRoot(deviceID, storageID), nil
}

func parseDeviceAndStorage(raw, device, storage string) (int, uint32, error) {
	deviceID, err := strconv.Atoi(device)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: device id: %v", ErrInvalidID, raw, err)
	}

	storageID, err := parseUint32(storage)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q: storage id: %v", ErrInvalidID, raw, err)
	}

	return deviceID, storageID, nil
}

func parseUint32(s string) (uint32, error) {
	// ParseUint accepts a leading '+'; ids never carry one.
	if s == "" || s[0] == '+' {
		return 0, strconv.ErrSyntax
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
