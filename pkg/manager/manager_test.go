package manager

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittomtp/internal/ratelimiter"
	"github.com/marmos91/dittomtp/pkg/mtp"
	"github.com/marmos91/dittomtp/pkg/mtp/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	mu        sync.Mutex
	calls     map[string]int
	failures  map[string]int
	throttled int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{calls: map[string]int{}, failures: map[string]int{}}
}

func (r *recordingMetrics) RecordCall(op string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++
	if err != nil {
		r.failures[op]++
	}
}

func (r *recordingMetrics) RecordCallStart(string) {}
func (r *recordingMetrics) RecordCallEnd(string)   {}

func (r *recordingMetrics) RecordThrottle(time.Duration) {
	r.mu.Lock()
	r.throttled++
	r.mu.Unlock()
}

func newTransport(t *testing.T) *memory.Transport {
	t.Helper()
	tr := memory.New()
	tr.AddValidDevice(0, mtp.DeviceInfo{Manufacturer: "Acme", Model: "Cam"})
	tr.AddValidDevice(1, mtp.DeviceInfo{Manufacturer: "Acme", Model: "Phone"})
	return tr
}

func TestOpenCloseDevice(t *testing.T) {
	ctx := context.Background()
	m := New(newTransport(t), Options{})

	require.NoError(t, m.OpenDevice(ctx, 1))
	require.NoError(t, m.OpenDevice(ctx, 0))
	assert.Equal(t, []int{0, 1}, m.OpenedDeviceIDs())

	err := m.OpenDevice(ctx, 0)
	assert.ErrorIs(t, err, mtp.ErrDeviceAlreadyOpen)
	assert.ErrorIs(t, err, mtp.ErrTransport)

	assert.ErrorIs(t, m.OpenDevice(ctx, 9), mtp.ErrDeviceNotFound)

	require.NoError(t, m.CloseDevice(ctx, 0))
	assert.Equal(t, []int{1}, m.OpenedDeviceIDs())
	assert.ErrorIs(t, m.CloseDevice(ctx, 0), mtp.ErrDeviceNotOpen)
}

func TestPassThrough(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)
	tr.SetRoots(0, []mtp.Root{{StorageID: 1, Description: "Storage", MaxCapacity: 2048, FreeSpace: 1024}})
	tr.SetDocument(0, mtp.Document{ObjectHandle: 1, StorageID: 1, ParentHandle: mtp.ParentRoot, Name: "a.txt", Format: mtp.FormatText, Size: 3})
	tr.SetObjectHandles(0, 1, mtp.ParentRoot, []uint32{1})
	tr.SetObjectBytes(0, 1, 3, []byte("abc"))
	tr.SetThumbnail(0, 1, []byte{0xff})
	tr.SetParent(0, 1, 0)

	m := New(tr, Options{})
	require.NoError(t, m.OpenDevice(ctx, 0))

	info, err := m.DeviceInfo(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, "Acme Cam", info.DisplayName())

	roots, err := m.Roots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, roots, 1)
	assert.Equal(t, 0, roots[0].DeviceID)

	doc, err := m.ObjectInfo(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "a.txt", doc.Name)

	handles, err := m.ObjectHandles(ctx, 0, 1, mtp.ParentRoot)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, handles)

	data, err := m.Object(ctx, 0, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), data)

	thumb, err := m.Thumbnail(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff}, thumb)

	var buf bytes.Buffer
	require.NoError(t, m.ImportFile(ctx, 0, 1, &buf))
	assert.Equal(t, "abc", buf.String())

	parent, err := m.Parent(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), parent)

	handle, err := m.CreateDocument(ctx, 0, mtp.Document{StorageID: 1, ParentHandle: mtp.ParentRoot, Name: "b.txt", Format: mtp.FormatText}, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	assert.Equal(t, memory.FirstCreatedHandle, handle)

	require.NoError(t, m.RenameDocument(ctx, 0, handle, "c.txt"))
	doc, err = m.ObjectInfo(ctx, 0, handle)
	require.NoError(t, err)
	assert.Equal(t, "c.txt", doc.Name)

	require.NoError(t, m.DeleteDocument(ctx, 0, handle))
	_, err = m.ObjectInfo(ctx, 0, handle)
	assert.ErrorIs(t, err, mtp.ErrObjectNotFound)
}

func TestSerializesCallsPerDevice(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)
	tr.SetRoots(0, []mtp.Root{{StorageID: 1}})
	tr.SetRoots(1, []mtp.Root{{StorageID: 1}})

	var inFlight, maxInFlight int32
	tr.SetHook(func(op string, deviceID int, _ uint32) error {
		if op != "roots" || deviceID != 0 {
			return nil
		}
		n := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&maxInFlight)
			if n <= old || atomic.CompareAndSwapInt32(&maxInFlight, old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	})

	m := New(tr, Options{})
	require.NoError(t, m.OpenDevice(ctx, 0))
	require.NoError(t, m.OpenDevice(ctx, 1))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Roots(ctx, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
}

func TestOtherDevicesNotBlocked(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)
	tr.SetRoots(0, []mtp.Root{{StorageID: 1}})
	tr.SetRoots(1, []mtp.Root{{StorageID: 2}})

	release := make(chan struct{})
	entered := make(chan struct{})
	tr.SetHook(func(op string, deviceID int, _ uint32) error {
		if op == "roots" && deviceID == 0 {
			close(entered)
			<-release
		}
		return nil
	})

	m := New(tr, Options{})
	require.NoError(t, m.OpenDevice(ctx, 0))
	require.NoError(t, m.OpenDevice(ctx, 1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Roots(ctx, 0)
	}()
	<-entered

	roots, err := m.Roots(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), roots[0].StorageID)

	// Device 0 is still busy; a bounded call must give up.
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = m.Roots(waitCtx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	<-done
}

func TestRateLimiterAndMetrics(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)
	rec := newRecordingMetrics()

	m := New(tr, Options{Limiter: ratelimiter.New(1000, 1), Metrics: rec})
	require.NoError(t, m.OpenDevice(ctx, 0))
	_, err := m.Roots(ctx, 0)
	require.Error(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.calls["open"])
	assert.Equal(t, 1, rec.calls["roots"])
	assert.Equal(t, 1, rec.failures["roots"])
	assert.Equal(t, 2, rec.throttled)
}

func TestRateLimiterHonoursContext(t *testing.T) {
	tr := newTransport(t)
	m := New(tr, Options{Limiter: ratelimiter.New(0.001, 1)})
	require.NoError(t, m.OpenDevice(context.Background(), 0))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.DeviceInfo(ctx, 0)
	assert.Error(t, err)
}

func TestReadEvent(t *testing.T) {
	ctx := context.Background()
	tr := newTransport(t)
	m := New(tr, Options{})
	require.NoError(t, m.OpenDevice(ctx, 0))

	t.Run("Delivered", func(t *testing.T) {
		require.NoError(t, tr.InjectEvent(0, mtp.Event{Type: mtp.EventObjectAdded, Handle: 5}))
		ev, err := m.ReadEvent(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, mtp.EventObjectAdded, ev.Type)
		assert.Equal(t, uint32(5), ev.Handle)
	})

	t.Run("Cancel", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			_, err := m.ReadEvent(cctx, 0)
			errCh <- err
		}()

		// A pending event read must not hold the device lock.
		_, err := m.DeviceInfo(ctx, 0)
		require.NoError(t, err)

		cancel()
		select {
		case err := <-errCh:
			assert.True(t, errors.Is(err, context.Canceled))
		case <-time.After(time.Second):
			t.Fatal("ReadEvent did not return after cancel")
		}
	})
}
