package mtp

// Format is an MTP object format code, as listed in the PTP/MTP "Object Format Codes" table.
type Format uint16

const (
	FormatUndefined   Format = 0x3000
	FormatAssociation Format = 0x3001 // directory
	FormatScript      Format = 0x3002
	FormatText        Format = 0x3004
	FormatHTML        Format = 0x3005
	FormatWAV         Format = 0x3008
	FormatMP3         Format = 0x3009
	FormatAVI         Format = 0x300A
	FormatMPEG        Format = 0x300B
	FormatEXIFJPEG    Format = 0x3801
	FormatBMP         Format = 0x3804
	FormatGIF         Format = 0x3807
	FormatPNG         Format = 0x380B
	FormatTIFF        Format = 0x380D
	FormatWMA         Format = 0xB901
	FormatOGG         Format = 0xB902
	FormatAAC         Format = 0xB903
	FormatFLAC        Format = 0xB906
	FormatMP4         Format = 0xB982
	Format3GP         Format = 0xB984
)

// MimeTypeDirectory is the MIME type the document API uses for directories.
const MimeTypeDirectory = "vnd.android.document/directory"

// mimeTypes is deliberately partial: devices report dozens of vendor
// formats, and anything missing here is served with an empty MIME type so
// the host falls back to extension sniffing. Grow the table, never fail.
var mimeTypes = map[Format]string{
	FormatAssociation: MimeTypeDirectory,
	FormatText:        "text/plain",
	FormatHTML:        "text/html",
	FormatWAV:         "audio/x-wav",
	FormatMP3:         "audio/mp3",
	FormatAVI:         "video/x-msvideo",
	FormatMPEG:        "video/mpeg",
	FormatEXIFJPEG:    "image/jpeg",
	FormatBMP:         "image/bmp",
	FormatGIF:         "image/gif",
	FormatPNG:         "image/png",
	FormatTIFF:        "image/tiff",
	FormatWMA:         "audio/x-ms-wma",
	FormatOGG:         "audio/ogg",
	FormatAAC:         "audio/aac",
	FormatFLAC:        "audio/flac",
	FormatMP4:         "video/mp4",
	Format3GP:         "video/3gpp",
}

// formatsByMIME is the reverse table used when creating objects. It is kept
// separate so one MIME type always picks the same format.
var formatsByMIME = map[string]Format{
	MimeTypeDirectory: FormatAssociation,
	"text/plain":      FormatText,
	"text/html":       FormatHTML,
	"audio/x-wav":     FormatWAV,
	"audio/wav":       FormatWAV,
	"audio/mpeg":      FormatMP3,
	"audio/mp3":       FormatMP3,
	"video/x-msvideo": FormatAVI,
	"video/mpeg":      FormatMPEG,
	"image/jpeg":      FormatEXIFJPEG,
	"image/bmp":       FormatBMP,
	"image/gif":       FormatGIF,
	"image/png":       FormatPNG,
	"image/tiff":      FormatTIFF,
	"audio/x-ms-wma":  FormatWMA,
	"audio/ogg":       FormatOGG,
	"audio/aac":       FormatAAC,
	"audio/flac":      FormatFLAC,
	"video/mp4":       FormatMP4,
	"video/3gpp":      Format3GP,
}

// MimeType returns the MIME type for f, or "" for formats not in the table.
func (f Format) MimeType() string {
	return mimeTypes[f]
}

// IsDirectory reports whether f is the association (folder) format.
func (f Format) IsDirectory() bool {
	return f == FormatAssociation
}

// FormatForMIME maps a MIME type back to a format code. Unknown types map to
// FormatUndefined.
func FormatForMIME(mimeType string) Format {
	if f, ok := formatsByMIME[mimeType]; ok {
		return f
	}
	return FormatUndefined
}
