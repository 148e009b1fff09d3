package memory

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenTransport(t *testing.T, ids ...int) *Transport {
	t.Helper()
	tr := New()
	for _, id := range ids {
		tr.AddValidDevice(id, mtp.DeviceInfo{Manufacturer: "Acme", Model: "Cam"})
		require.NoError(t, tr.OpenDevice(context.Background(), id))
	}
	return tr
}

func TestOpenCloseDevice(t *testing.T) {
	ctx := context.Background()
	tr := New()
	tr.AddValidDevice(5, mtp.DeviceInfo{})
	tr.AddValidDevice(1, mtp.DeviceInfo{})

	assert.Equal(t, []int{1, 5}, tr.ValidDeviceIDs())
	assert.Empty(t, tr.OpenedDeviceIDs())

	err := tr.OpenDevice(ctx, 9)
	assert.ErrorIs(t, err, mtp.ErrDeviceNotFound)
	assert.ErrorIs(t, err, mtp.ErrTransport)

	require.NoError(t, tr.OpenDevice(ctx, 5))
	require.NoError(t, tr.OpenDevice(ctx, 1))
	assert.ErrorIs(t, tr.OpenDevice(ctx, 5), mtp.ErrDeviceAlreadyOpen)
	assert.Equal(t, []int{1, 5}, tr.OpenedDeviceIDs())

	require.NoError(t, tr.CloseDevice(ctx, 5))
	assert.ErrorIs(t, tr.CloseDevice(ctx, 5), mtp.ErrDeviceNotOpen)
	assert.Equal(t, []int{1}, tr.OpenedDeviceIDs())
}

func TestRoots(t *testing.T) {
	ctx := context.Background()
	tr := newOpenTransport(t, 0)

	_, err := tr.Roots(ctx, 0)
	assert.ErrorIs(t, err, mtp.ErrTransport, "roots fail until registered")

	tr.SetRoots(0, []mtp.Root{{StorageID: 1, Description: "Storage"}})
	roots, err := tr.Roots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, 0, roots[0].DeviceID)
	assert.Equal(t, uint32(1), roots[0].StorageID)

	_, err = tr.Roots(ctx, 1)
	assert.ErrorIs(t, err, mtp.ErrDeviceNotOpen)
}

func TestObjectKeyedByExpectedSize(t *testing.T) {
	ctx := context.Background()
	tr := newOpenTransport(t, 0)
	tr.SetObjectBytes(0, 1, 3, []byte("abc"))

	data, err := tr.Object(ctx, 0, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	_, err = tr.Object(ctx, 0, 1, 4)
	assert.ErrorIs(t, err, mtp.ErrTransport)

	var buf bytes.Buffer
	require.NoError(t, tr.ImportFile(ctx, 0, 1, &buf))
	assert.Equal(t, "abc", buf.String())
}

func TestCreateAndDeleteDocument(t *testing.T) {
	ctx := context.Background()
	tr := newOpenTransport(t, 0)
	tr.SetObjectHandles(0, 1, mtp.ParentRoot, nil)

	handle, err := tr.CreateDocument(ctx, 0, mtp.Document{
		StorageID:    1,
		ParentHandle: mtp.ParentRoot,
		Format:       mtp.FormatText,
		Name:         "note.txt",
	}, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, FirstCreatedHandle, handle)

	handles, err := tr.ObjectHandles(ctx, 0, 1, mtp.ParentRoot)
	require.NoError(t, err)
	assert.Equal(t, []uint32{handle}, handles)

	doc, err := tr.ObjectInfo(ctx, 0, handle)
	require.NoError(t, err)
	assert.Equal(t, int64(5), doc.Size)

	parent, err := tr.Parent(ctx, 0, handle)
	require.NoError(t, err)
	assert.Equal(t, mtp.ParentRoot, parent)

	require.NoError(t, tr.DeleteDocument(ctx, 0, handle))
	handles, err = tr.ObjectHandles(ctx, 0, 1, mtp.ParentRoot)
	require.NoError(t, err)
	assert.Empty(t, handles)

	assert.ErrorIs(t, tr.DeleteDocument(ctx, 0, handle), mtp.ErrObjectNotFound)
}

func TestCreateDirectory(t *testing.T) {
	ctx := context.Background()
	tr := newOpenTransport(t, 0)

	handle, err := tr.CreateDocument(ctx, 0, mtp.Document{
		StorageID:    1,
		ParentHandle: mtp.ParentRoot,
		Format:       mtp.FormatAssociation,
		Name:         "DCIM",
	}, nil)
	require.NoError(t, err)

	children, err := tr.ObjectHandles(ctx, 0, 1, handle)
	require.NoError(t, err)
	assert.Empty(t, children)

	_, ok := tr.Bytes(0, handle)
	assert.False(t, ok, "directories carry no content")
}

func TestHookInjectsFailures(t *testing.T) {
	ctx := context.Background()
	tr := newOpenTransport(t, 0)
	tr.SetDocument(0, mtp.Document{ObjectHandle: 2, Name: "a"})

	boom := errors.New("usb stall")
	tr.SetHook(func(op string, deviceID int, handle uint32) error {
		if op == "object_info" && handle == 2 {
			return boom
		}
		return nil
	})

	_, err := tr.ObjectInfo(ctx, 0, 2)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, mtp.ErrTransport)

	tr.SetHook(nil)
	_, err = tr.ObjectInfo(ctx, 0, 2)
	assert.NoError(t, err)
}

func TestReadEvent(t *testing.T) {
	ctx := context.Background()
	tr := newOpenTransport(t, 0)

	require.NoError(t, tr.InjectEvent(0, mtp.Event{Type: mtp.EventObjectAdded, Handle: 3}))
	ev, err := tr.ReadEvent(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, mtp.EventObjectAdded, ev.Type)
	assert.Equal(t, uint32(3), ev.Handle)

	timeout, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = tr.ReadEvent(timeout, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Closing the device unblocks a pending reader.
	errCh := make(chan error, 1)
	go func() {
		_, err := tr.ReadEvent(ctx, 0)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.CloseDevice(ctx, 0))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, mtp.ErrDeviceNotOpen)
	case <-time.After(time.Second):
		t.Fatal("ReadEvent did not return after close")
	}

	assert.ErrorIs(t, tr.InjectEvent(0, mtp.Event{}), mtp.ErrDeviceNotOpen)
}
