package localfs

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTransport(t *testing.T) (*Transport, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/camera/Internal/DCIM", 0o755))
	require.NoError(t, fs.MkdirAll("/camera/SD", 0o755))
	require.NoError(t, fs.MkdirAll("/phone/Storage", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/camera/Internal/DCIM/img.jpg", []byte("jpegdata"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/camera/Internal/song.mp3", []byte("mp3"), 0o444))
	require.NoError(t, afero.WriteFile(fs, "/stray.txt", []byte("ignored"), 0o644))

	tr, err := New(fs, Config{Capacity: 1 << 20})
	require.NoError(t, err)
	return tr, fs
}

func TestNew_DiscoversDevices(t *testing.T) {
	tr, _ := newTestTransport(t)
	assert.Equal(t, []int{0, 1}, tr.DeviceIDs())
	assert.Empty(t, tr.OpenedDeviceIDs())
}

func TestOpenClose(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)

	assert.ErrorIs(t, tr.OpenDevice(ctx, 7), mtp.ErrDeviceNotFound)
	require.NoError(t, tr.OpenDevice(ctx, 0))
	assert.ErrorIs(t, tr.OpenDevice(ctx, 0), mtp.ErrDeviceAlreadyOpen)
	assert.Equal(t, []int{0}, tr.OpenedDeviceIDs())

	info, err := tr.DeviceInfo(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "DittoMTP camera", info.DisplayName())

	require.NoError(t, tr.CloseDevice(ctx, 0))
	assert.ErrorIs(t, tr.CloseDevice(ctx, 0), mtp.ErrDeviceNotOpen)
	_, err = tr.Roots(ctx, 0)
	assert.ErrorIs(t, err, mtp.ErrDeviceNotOpen)
}

func TestRoots(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.OpenDevice(ctx, 0))

	roots, err := tr.Roots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, roots, 2)

	assert.Equal(t, uint32(0x00010001), roots[0].StorageID)
	assert.Equal(t, "Internal", roots[0].Description)
	assert.Equal(t, uint64(1<<20), roots[0].MaxCapacity)
	assert.Equal(t, uint64(1<<20-len("jpegdata")-len("mp3")), roots[0].FreeSpace)

	assert.Equal(t, uint32(0x00020001), roots[1].StorageID)
	assert.Equal(t, uint64(1<<20), roots[1].FreeSpace)
}

func TestBrowse(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.OpenDevice(ctx, 0))

	top, err := tr.ObjectHandles(ctx, 0, 0x00010001, mtp.ParentRoot)
	require.NoError(t, err)
	require.Len(t, top, 2)

	dcim, err := tr.ObjectInfo(ctx, 0, top[0])
	require.NoError(t, err)
	assert.Equal(t, "DCIM", dcim.Name)
	assert.True(t, dcim.IsDirectory())
	assert.Equal(t, mtp.ParentRoot, dcim.ParentHandle)

	song, err := tr.ObjectInfo(ctx, 0, top[1])
	require.NoError(t, err)
	assert.Equal(t, mtp.FormatMP3, song.Format)
	assert.True(t, song.ReadOnly())

	children, err := tr.ObjectHandles(ctx, 0, 0x00010001, dcim.ObjectHandle)
	require.NoError(t, err)
	require.Len(t, children, 1)

	img, err := tr.ObjectInfo(ctx, 0, children[0])
	require.NoError(t, err)
	assert.Equal(t, mtp.FormatEXIFJPEG, img.Format)
	assert.Equal(t, int64(8), img.Size)
	assert.Equal(t, dcim.ObjectHandle, img.ParentHandle)

	parent, err := tr.Parent(ctx, 0, img.ObjectHandle)
	require.NoError(t, err)
	assert.Equal(t, dcim.ObjectHandle, parent)

	data, err := tr.Object(ctx, 0, img.ObjectHandle, img.Size)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpegdata"), data)

	_, err = tr.Object(ctx, 0, img.ObjectHandle, 3)
	assert.ErrorIs(t, err, mtp.ErrTransport)

	var buf bytes.Buffer
	require.NoError(t, tr.ImportFile(ctx, 0, img.ObjectHandle, &buf))
	assert.Equal(t, "jpegdata", buf.String())

	_, err = tr.Thumbnail(ctx, 0, img.ObjectHandle)
	assert.ErrorIs(t, err, mtp.ErrTransport)

	_, err = tr.ObjectInfo(ctx, 0, 999)
	assert.ErrorIs(t, err, mtp.ErrObjectNotFound)
}

func TestHandlesResetOnReopen(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.OpenDevice(ctx, 0))

	top, err := tr.ObjectHandles(ctx, 0, 0x00010001, mtp.ParentRoot)
	require.NoError(t, err)
	require.NoError(t, tr.CloseDevice(ctx, 0))
	require.NoError(t, tr.OpenDevice(ctx, 0))

	_, err = tr.ObjectInfo(ctx, 0, top[0])
	assert.ErrorIs(t, err, mtp.ErrObjectNotFound, "handles do not survive a session")
}

func TestCreateDeleteRaisesEvents(t *testing.T) {
	ctx := context.Background()
	tr, fs := newTestTransport(t)
	require.NoError(t, tr.OpenDevice(ctx, 1))

	handle, err := tr.CreateDocument(ctx, 1, mtp.Document{
		StorageID:    0x00010001,
		ParentHandle: mtp.ParentRoot,
		Format:       mtp.FormatText,
		Name:         "note.txt",
	}, strings.NewReader("hello"))
	require.NoError(t, err)

	content, err := afero.ReadFile(fs, "/phone/Storage/note.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	ev, err := tr.ReadEvent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, mtp.Event{Type: mtp.EventObjectAdded, Handle: handle}, ev)

	_, err = tr.CreateDocument(ctx, 1, mtp.Document{
		StorageID:    0x00010001,
		ParentHandle: mtp.ParentRoot,
		Name:         "note.txt",
	}, strings.NewReader("again"))
	assert.ErrorIs(t, err, mtp.ErrTransport, "names are unique within a folder")

	dir, err := tr.CreateDocument(ctx, 1, mtp.Document{
		StorageID:    0x00010001,
		ParentHandle: mtp.ParentRoot,
		Format:       mtp.FormatAssociation,
		Name:         "Music",
	}, nil)
	require.NoError(t, err)
	_, err = tr.ReadEvent(ctx, 1)
	require.NoError(t, err)

	require.NoError(t, tr.DeleteDocument(ctx, 1, handle))
	ev, err = tr.ReadEvent(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, mtp.Event{Type: mtp.EventObjectRemoved, Handle: handle}, ev)

	exists, err := afero.Exists(fs, "/phone/Storage/note.txt")
	require.NoError(t, err)
	assert.False(t, exists)

	handles, err := tr.ObjectHandles(ctx, 1, 0x00010001, mtp.ParentRoot)
	require.NoError(t, err)
	assert.Equal(t, []uint32{dir}, handles)
}

func TestCreateRejectsBadNames(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.OpenDevice(ctx, 1))

	for _, name := range []string{"", "..", "a/b"} {
		_, err := tr.CreateDocument(ctx, 1, mtp.Document{
			StorageID:    0x00010001,
			ParentHandle: mtp.ParentRoot,
			Name:         name,
		}, nil)
		assert.ErrorIs(t, err, mtp.ErrTransport, "name %q", name)
	}
}

func findHandle(t *testing.T, tr *Transport, deviceID int, storageID, parent uint32, name string) uint32 {
	t.Helper()
	handles, err := tr.ObjectHandles(context.Background(), deviceID, storageID, parent)
	require.NoError(t, err)
	for _, h := range handles {
		doc, err := tr.ObjectInfo(context.Background(), deviceID, h)
		require.NoError(t, err)
		if doc.Name == name {
			return h
		}
	}
	t.Fatalf("no object %q under %d", name, parent)
	return 0
}

type blockingWriter struct {
	started chan struct{}
	release chan struct{}
	buf     bytes.Buffer
}

func (w *blockingWriter) Write(p []byte) (int, error) {
	select {
	case <-w.started:
	default:
		close(w.started)
	}
	<-w.release
	return w.buf.Write(p)
}

func TestImportFileReleasesLock(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTestTransport(t)
	require.NoError(t, tr.OpenDevice(ctx, 0))
	require.NoError(t, tr.OpenDevice(ctx, 1))
	song := findHandle(t, tr, 0, 0x00010001, mtp.ParentRoot, "song.mp3")

	w := &blockingWriter{started: make(chan struct{}), release: make(chan struct{})}
	imported := make(chan error, 1)
	go func() { imported <- tr.ImportFile(ctx, 0, song, w) }()
	<-w.started

	answered := make(chan error, 1)
	go func() {
		_, err := tr.ObjectInfo(ctx, 0, song)
		answered <- err
	}()
	select {
	case err := <-answered:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("a slow reader blocked the transport")
	}

	close(w.release)
	require.NoError(t, <-imported)
	assert.Equal(t, "mp3", w.buf.String())
}

func TestRenameDocument(t *testing.T) {
	ctx := context.Background()
	tr, fs := newTestTransport(t)
	require.NoError(t, tr.OpenDevice(ctx, 0))

	dcim := findHandle(t, tr, 0, 0x00010001, mtp.ParentRoot, "DCIM")
	img := findHandle(t, tr, 0, 0x00010001, dcim, "img.jpg")

	require.NoError(t, tr.RenameDocument(ctx, 0, img, "photo.jpg"))
	ev, err := tr.ReadEvent(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, mtp.Event{Type: mtp.EventObjectInfoChanged, Handle: img}, ev)

	doc, err := tr.ObjectInfo(ctx, 0, img)
	require.NoError(t, err, "the handle survives the rename")
	assert.Equal(t, "photo.jpg", doc.Name)
	assert.Equal(t, dcim, doc.ParentHandle)

	content, err := afero.ReadFile(fs, "/camera/Internal/DCIM/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "jpegdata", string(content))

	assert.NoError(t, tr.RenameDocument(ctx, 0, img, "photo.jpg"), "same name is a no-op")

	song := findHandle(t, tr, 0, 0x00010001, mtp.ParentRoot, "song.mp3")
	assert.ErrorIs(t, tr.RenameDocument(ctx, 0, song, "DCIM"), mtp.ErrTransport, "names are unique within a folder")
	assert.ErrorIs(t, tr.RenameDocument(ctx, 0, song, "a/b"), mtp.ErrTransport)
	assert.ErrorIs(t, tr.RenameDocument(ctx, 0, 999, "x"), mtp.ErrObjectNotFound)
}
