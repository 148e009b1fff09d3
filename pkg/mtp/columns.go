package mtp

import (
	"github.com/marmos91/dittomtp/pkg/identifier"
)

// Document columns understood by Document.Row.
const (
	ColumnDocumentID   = "document_id"
	ColumnMimeType     = "mime_type"
	ColumnDisplayName  = "_display_name"
	ColumnLastModified = "last_modified"
	ColumnFlags        = "flags"
	ColumnSize         = "_size"
)

// Root columns understood by Root.Row.
const (
	ColumnRootID         = "root_id"
	ColumnRootFlags      = "flags"
	ColumnIcon           = "icon"
	ColumnTitle          = "title"
	ColumnRootDocumentID = "document_id"
	ColumnAvailableBytes = "available_bytes"
	ColumnSummary        = "summary"
)

// DefaultDocumentProjection is used when a query passes a nil projection.
var DefaultDocumentProjection = []string{
	ColumnDocumentID,
	ColumnMimeType,
	ColumnDisplayName,
	ColumnLastModified,
	ColumnFlags,
	ColumnSize,
}

// DefaultRootProjection is used when a roots query passes a nil projection.
var DefaultRootProjection = []string{
	ColumnRootID,
	ColumnRootFlags,
	ColumnIcon,
	ColumnTitle,
	ColumnRootDocumentID,
	ColumnAvailableBytes,
	ColumnSummary,
}

// Document capability flags.
const (
	FlagSupportsThumbnail int = 0x1
	FlagSupportsWrite     int = 0x2
	FlagSupportsDelete    int = 0x4
	FlagDirSupportsCreate int = 0x8
)

// Root capability flags.
const (
	RootFlagSupportsCreate  int = 0x1
	RootFlagSupportsIsChild int = 0x10
)

// Flags computes the capability bitmask of d.
//
// The synthetic root never supports delete, write or thumbnail. Any other
// document supports delete, supports write unless the device marks it
// read-only, and supports thumbnail only when the device reports one.
// Writable directories accept new children.
func (d Document) Flags() int {
	flags := 0
	readOnly := d.ReadOnly()

	if !d.IsRoot() {
		flags |= FlagSupportsDelete
		if !readOnly && !d.IsDirectory() {
			flags |= FlagSupportsWrite
		}
		if d.ThumbnailSize > 0 {
			flags |= FlagSupportsThumbnail
		}
	}

	if d.IsDirectory() && !readOnly {
		flags |= FlagDirSupportsCreate
	}

	return flags
}

// Row materializes d as a row aligned with projection. root supplies the
// device and storage of the document id. Unknown columns yield nil.
func (d Document) Row(root identifier.Identifier, projection []string) []any {
	if projection == nil {
		projection = DefaultDocumentProjection
	}

	row := make([]any, len(projection))
	for i, column := range projection {
		switch column {
		case ColumnDocumentID:
			row[i] = root.WithHandle(d.ObjectHandle).DocumentID()
		case ColumnMimeType:
			row[i] = d.MimeType()
		case ColumnDisplayName:
			row[i] = d.Name
		case ColumnLastModified:
			if d.ModifiedTime.IsZero() {
				row[i] = nil
			} else {
				row[i] = d.ModifiedTime.UnixMilli()
			}
		case ColumnFlags:
			row[i] = d.Flags()
		case ColumnSize:
			row[i] = d.Size
		default:
			row[i] = nil
		}
	}
	return row
}

// RootFlags is the capability bitmask reported for every root.
func (r Root) RootFlags() int {
	return RootFlagSupportsIsChild | RootFlagSupportsCreate
}

// Row materializes r as a root row aligned with projection.
func (r Root) Row(projection []string) []any {
	if projection == nil {
		projection = DefaultRootProjection
	}

	id := r.Identifier()
	row := make([]any, len(projection))
	for i, column := range projection {
		switch column {
		case ColumnRootID:
			row[i] = id.RootID()
		case ColumnRootFlags:
			row[i] = r.RootFlags()
		case ColumnIcon:
			row[i] = nil
		case ColumnTitle:
			row[i] = r.Title()
		case ColumnRootDocumentID:
			row[i] = id.DocumentID()
		case ColumnAvailableBytes:
			row[i] = clampInt64(r.FreeSpace)
		case ColumnSummary:
			if r.VolumeIdentifier == "" {
				row[i] = nil
			} else {
				row[i] = r.VolumeIdentifier
			}
		default:
			row[i] = nil
		}
	}
	return row
}

func clampInt64(v uint64) int64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return int64(v)
}
