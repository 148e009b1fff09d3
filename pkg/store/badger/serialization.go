package badger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/marmos91/dittomtp/pkg/mtp"
)

// Serialization Strategy
// ======================
//
// Roots and documents are stored as JSON: they are small, change shape as
// the model grows, and stay readable when inspecting the database. Child
// listings are plain arrays of handles and use a compact little-endian
// encoding.

func encodeRoot(root mtp.Root) ([]byte, error) {
	data, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to encode root: %w", err)
	}
	return data, nil
}

func decodeRoot(data []byte) (mtp.Root, error) {
	var root mtp.Root
	if err := json.Unmarshal(data, &root); err != nil {
		return mtp.Root{}, fmt.Errorf("failed to decode root: %w", err)
	}
	return root, nil
}

func encodeDocument(doc mtp.Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

func decodeDocument(data []byte) (mtp.Document, error) {
	var doc mtp.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return mtp.Document{}, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// encodeHandles packs handles as consecutive little-endian uint32 values.
func encodeHandles(handles []uint32) []byte {
	buf := make([]byte, 4*len(handles))
	for i, h := range handles {
		binary.LittleEndian.PutUint32(buf[4*i:], h)
	}
	return buf
}

func decodeHandles(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid handle list: %d bytes", len(data))
	}
	handles := make([]uint32, len(data)/4)
	for i := range handles {
		handles[i] = binary.LittleEndian.Uint32(data[4*i:])
	}
	return handles, nil
}
