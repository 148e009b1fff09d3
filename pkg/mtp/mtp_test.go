package mtp

import (
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormat_MimeType(t *testing.T) {
	tests := []struct {
		format Format
		want   string
	}{
		{FormatAssociation, MimeTypeDirectory},
		{FormatMP3, "audio/mp3"},
		{FormatEXIFJPEG, "image/jpeg"},
		{FormatText, "text/plain"},
		{FormatUndefined, ""},
		{Format(0xBEEF), ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("0x%04X", uint16(tt.format)), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.format.MimeType())
		})
	}
}

func TestFormatForMIME(t *testing.T) {
	assert.Equal(t, FormatAssociation, FormatForMIME(MimeTypeDirectory))
	assert.Equal(t, FormatEXIFJPEG, FormatForMIME("image/jpeg"))
	assert.Equal(t, FormatMP3, FormatForMIME("audio/mp3"))
	assert.Equal(t, FormatMP3, FormatForMIME("audio/mpeg"))
	assert.Equal(t, FormatUndefined, FormatForMIME("application/x-unknown"))

	// Every known format maps back to itself.
	for format, mime := range mimeTypes {
		assert.Equal(t, format, FormatForMIME(mime), "mime %s", mime)
	}
}

func TestRoot_AvailableSpace(t *testing.T) {
	tests := []struct {
		name     string
		free     uint64
		capacity uint64
		want     int64
	}{
		{"half used", 1024, 2048, 1024},
		{"empty", 2048, 2048, 0},
		{"free above capacity", 4096, 2048, 0},
		{"overflow clamps", 0, math.MaxUint64, math.MaxInt64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Root{FreeSpace: tt.free, MaxCapacity: tt.capacity}
			assert.Equal(t, tt.want, r.AvailableSpace())
		})
	}
}

func TestRoot_Title(t *testing.T) {
	assert.Equal(t, "Storage A", Root{Description: "Storage A"}.Title())
	assert.Equal(t, "Pixel", Root{DeviceName: "Pixel"}.Title())
	assert.Equal(t, "Pixel Internal", Root{DeviceName: "Pixel", Description: "Internal"}.Title())
}

func TestDeviceInfo_DisplayName(t *testing.T) {
	assert.Equal(t, "Google Pixel 8", DeviceInfo{Manufacturer: "Google", Model: "Pixel 8"}.DisplayName())
	assert.Equal(t, "Canon", DeviceInfo{Manufacturer: "Canon"}.DisplayName())
	assert.Equal(t, "", DeviceInfo{}.DisplayName())
}

func TestNewRootDocument(t *testing.T) {
	root := Root{DeviceID: 0, StorageID: 1, Description: "Internal", FreeSpace: 1024, MaxCapacity: 2048}
	doc := NewRootDocument(root)

	assert.True(t, doc.IsRoot())
	assert.True(t, doc.IsDirectory())
	assert.Equal(t, "Internal", doc.Name)
	assert.Equal(t, int64(1024), doc.Size)
	assert.True(t, doc.ModifiedTime.IsZero())
	assert.Zero(t, doc.ThumbnailSize)
	assert.Equal(t, MimeTypeDirectory, doc.MimeType())
}

func TestDocument_Flags(t *testing.T) {
	tests := []struct {
		name string
		doc  Document
		want int
	}{
		{
			name: "synthetic root",
			doc:  NewRootDocument(Root{StorageID: 1}),
			want: FlagDirSupportsCreate,
		},
		{
			name: "file without thumbnail",
			doc:  Document{ObjectHandle: 2, Format: FormatText},
			want: FlagSupportsDelete | FlagSupportsWrite,
		},
		{
			name: "image with thumbnail",
			doc:  Document{ObjectHandle: 3, Format: FormatEXIFJPEG, ThumbnailSize: 512},
			want: FlagSupportsDelete | FlagSupportsWrite | FlagSupportsThumbnail,
		},
		{
			name: "directory",
			doc:  Document{ObjectHandle: 4, Format: FormatAssociation},
			want: FlagSupportsDelete | FlagDirSupportsCreate,
		},
		{
			name: "read-only file keeps delete",
			doc:  Document{ObjectHandle: 5, Format: FormatMP3, ProtectionStatus: ProtectionReadOnly},
			want: FlagSupportsDelete,
		},
		{
			name: "read-only directory",
			doc:  Document{ObjectHandle: 6, Format: FormatAssociation, ProtectionStatus: ProtectionReadOnlyData},
			want: FlagSupportsDelete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.doc.Flags())
		})
	}
}

func TestDocument_Row(t *testing.T) {
	modified := time.UnixMilli(1_700_000_000_123)
	doc := Document{
		ObjectHandle: 7,
		StorageID:    1,
		Format:       FormatEXIFJPEG,
		Name:         "image.jpg",
		ModifiedTime: modified,
		Size:         1024,
	}
	root := identifier.NewRoot(0, 1)

	row := doc.Row(root, []string{ColumnDocumentID, ColumnDisplayName, "bogus", ColumnMimeType, ColumnLastModified, ColumnFlags, ColumnSize})
	require.Len(t, row, 7)
	assert.Equal(t, "0_1_7", row[0])
	assert.Equal(t, "image.jpg", row[1])
	assert.Nil(t, row[2])
	assert.Equal(t, "image/jpeg", row[3])
	assert.Equal(t, int64(1_700_000_000_123), row[4])
	assert.Equal(t, FlagSupportsDelete|FlagSupportsWrite, row[5])
	assert.Equal(t, int64(1024), row[6])
}

func TestDocument_RowDefaults(t *testing.T) {
	doc := NewRootDocument(Root{DeviceID: 0, StorageID: 1, Description: "Storage", FreeSpace: 1024, MaxCapacity: 2048})
	row := doc.Row(identifier.NewRoot(0, 1), nil)

	require.Len(t, row, len(DefaultDocumentProjection))
	assert.Equal(t, "0_1_0", row[0])
	assert.Equal(t, MimeTypeDirectory, row[1])
	assert.Nil(t, row[3], "root has no modification time")
}

func TestRoot_Row(t *testing.T) {
	root := Root{DeviceID: 0, StorageID: 1, Description: "Storage", FreeSpace: 1024, MaxCapacity: 2048}

	row := root.Row(nil)
	require.Len(t, row, len(DefaultRootProjection))
	assert.Equal(t, "0_1", row[0])
	assert.Equal(t, RootFlagSupportsIsChild|RootFlagSupportsCreate, row[1])
	assert.Nil(t, row[2])
	assert.Equal(t, "Storage", row[3])
	assert.Equal(t, "0_1_0", row[4])
	assert.Equal(t, int64(1024), row[5])
	assert.Nil(t, row[6])

	root.VolumeIdentifier = "SD-1234"
	row = root.Row([]string{ColumnSummary})
	assert.Equal(t, []any{"SD-1234"}, row)
}

func TestParentHandles(t *testing.T) {
	assert.Equal(t, RootHandle, ParentDocumentHandle(ParentRoot))
	assert.Equal(t, RootHandle, ParentDocumentHandle(0))
	assert.Equal(t, uint32(9), ParentDocumentHandle(9))

	assert.Equal(t, ParentRoot, TransportParent(RootHandle))
	assert.Equal(t, uint32(9), TransportParent(9))
}

func TestTransportError(t *testing.T) {
	err := DeviceError(ErrDeviceNotOpen, "roots", 3, 0)

	assert.True(t, errors.Is(err, ErrTransport))
	assert.True(t, errors.Is(err, ErrDeviceNotOpen))
	assert.False(t, errors.Is(err, ErrDeviceNotFound))
	assert.Contains(t, err.Error(), "device 3")

	wrapped := fmt.Errorf("listing: %w", NewError("object_handles", 3, 12, errors.New("stall")))
	assert.True(t, errors.Is(wrapped, ErrTransport))

	var te *TransportError
	require.True(t, errors.As(wrapped, &te))
	assert.Equal(t, uint32(12), te.Handle)

	assert.NoError(t, NewError("noop", 0, 0, nil))
}

func TestEventType_String(t *testing.T) {
	assert.Equal(t, "ObjectAdded", EventObjectAdded.String())
	assert.Equal(t, "StorageInfoChanged", EventStorageInfoChanged.String())
	assert.Equal(t, "0x4fff", EventType(0x4FFF).String())
}
