package badger

import (
	"strconv"

	"github.com/marmos91/dittomtp/pkg/identifier"
)

// Database Key Namespace Design
// ==============================
//
// BadgerDB is a flat key-value store, so entries are grouped with prefixed
// keys. Every key starts with its namespace, then the device id, so all
// entries of a device can be dropped with prefix scans when it closes.
//
// Data Type        Prefix   Key Format                          Value Type
// ============================================================================
// Roots            "r:"     r:<device>:<index>                  mtp.Root (JSON)
// Documents        "o:"     o:<device>:<storage>:<handle>       mtp.Document (JSON)
// Child listings   "c:"     c:<device>:<storage>:<parent>       []uint32 (binary)
//
// The device segment is always terminated by ':' so the prefix of device 1
// ("r:1:") never matches device 10 ("r:10:").
//
// Roots are keyed by position rather than storage id so that a prefix scan
// returns them in device order. The index is zero padded to keep byte order
// equal to numeric order.

const (
	// prefixRoot is the key prefix for cached storages
	prefixRoot = "r:"

	// prefixDocument is the key prefix for cached object metadata
	prefixDocument = "o:"

	// prefixChildren is the key prefix for cached child listings
	prefixChildren = "c:"
)

func devicePrefix(prefix string, deviceID int) []byte {
	return []byte(prefix + strconv.Itoa(deviceID) + ":")
}

// keyRoot generates the key of the index-th root of a device.
//
// Format: "r:<device>:<index>"
// Example: "r:0:0000000001"
func keyRoot(deviceID, index int) []byte {
	return []byte(prefixRoot + strconv.Itoa(deviceID) + ":" + padIndex(index))
}

// keyDocument generates the key of a cached document.
//
// Format: "o:<device>:<storage>:<handle>"
// Example: "o:0:65537:12"
func keyDocument(id identifier.Identifier) []byte {
	return []byte(prefixDocument + triple(id))
}

// keyChildren generates the key of the cached listing of a parent.
//
// Format: "c:<device>:<storage>:<parent>"
// Example: "c:0:65537:0"
func keyChildren(parent identifier.Identifier) []byte {
	return []byte(prefixChildren + triple(parent))
}

func triple(id identifier.Identifier) string {
	return strconv.Itoa(id.DeviceID) + ":" +
		strconv.FormatUint(uint64(id.StorageID), 10) + ":" +
		strconv.FormatUint(uint64(id.ObjectHandle), 10)
}

func padIndex(index int) string {
	s := strconv.Itoa(index)
	const width = 10
	for len(s) < width {
		s = "0" + s
	}
	return s
}
