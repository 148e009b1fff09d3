// Package pipe turns blocking device transfers into handles that callers get
// back immediately.
//
// Every read or write request creates an io.Pipe. The caller receives one
// end at once; the other end is handed to a task that a background worker
// runs against the transport. Completion travels through the pipe itself: a
// read handle sees io.EOF once the whole object was written, or the transport
// error if the transfer failed, never a silently truncated stream.
//
// Device calls never write into a pipe. Content is fetched in full first and
// copied to the pipe afterwards, so a caller that holds a handle without
// reading it never keeps the device busy.
//
// Transfers are not cancellable. A handle the caller abandons is failed with
// ErrStalled once it made no progress for Config.StallTimeout, which frees
// the worker; closing it earlier unblocks the task with io.ErrClosedPipe.
package pipe

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittomtp/internal/logger"
	"github.com/marmos91/dittomtp/pkg/identifier"
	"github.com/marmos91/dittomtp/pkg/metrics"
	"github.com/marmos91/dittomtp/pkg/mtp"
)

const (
	// DefaultWorkers is the pool size used when none is configured.
	DefaultWorkers = 4

	// DefaultStallTimeout is how long a transfer waits for its caller when
	// none is configured.
	DefaultStallTimeout = 2 * time.Minute

	chunkSize = 64 * 1024
)

// Transfer kinds, used in logs and metrics.
const (
	KindRead      = "read"
	KindThumbnail = "thumbnail"
	KindWrite     = "write"
)

var (
	// ErrClosed is returned when scheduling on a closed Manager.
	ErrClosed = errors.New("pipe: manager closed")

	// ErrStalled fails a transfer whose caller stopped reading or writing.
	ErrStalled = errors.New("pipe: transfer stalled")
)

// Config configures the worker pool.
type Config struct {
	// Workers is the number of concurrent transfers. Minimum 1.
	Workers int `mapstructure:"workers" validate:"omitempty,min=1" yaml:"workers"`

	// StallTimeout fails a transfer when its handle is neither read nor
	// written for this long.
	StallTimeout time.Duration `mapstructure:"stall_timeout" validate:"omitempty,gt=0" yaml:"stall_timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
}

// WriteFunc consumes the content written to a WriteHandle.
type WriteFunc func(ctx context.Context, src io.Reader) error

type task struct {
	id    string
	kind  string
	label string
	run   func(ctx context.Context) (int64, error)
}

// Manager schedules transfers on a fixed pool of workers.
//
// Tasks wait in an unbounded FIFO, so scheduling never blocks the caller.
//
// Thread Safety:
// All methods are safe for concurrent use.
type Manager struct {
	metrics metrics.PipeMetrics
	workers int
	stall   time.Duration

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*task
	active int
	closed bool

	pending sync.WaitGroup
	pool    sync.WaitGroup
}

// New starts a Manager with cfg.Workers workers.
func New(cfg Config, m metrics.PipeMetrics) *Manager {
	cfg.ApplyDefaults()
	if m == nil {
		m = metrics.NewNoopPipeMetrics()
	}

	pm := &Manager{metrics: m, workers: cfg.Workers, stall: cfg.StallTimeout}
	pm.cond = sync.NewCond(&pm.mu)

	for i := 0; i < cfg.Workers; i++ {
		pm.pool.Add(1)
		go pm.worker()
	}
	return pm
}

// Workers returns the pool size.
func (m *Manager) Workers() int { return m.workers }

// ============================================================================
// Scheduling
// ============================================================================

// ReadDocument schedules a read of an object's content.
//
// When expectedSize is known (>= 0) the object is fetched in one transfer of
// that size; a negative expectedSize imports the object as the device sends
// it. Either way the content is complete before the first byte reaches the
// handle.
func (m *Manager) ReadDocument(transport mtp.Transport, id identifier.Identifier, expectedSize int64) (*ReadHandle, error) {
	pr, pw := io.Pipe()

	run := func(ctx context.Context) (int64, error) {
		var data []byte
		var err error
		if expectedSize < 0 {
			var buf bytes.Buffer
			err = transport.ImportFile(ctx, id.DeviceID, id.ObjectHandle, &buf)
			data = buf.Bytes()
		} else {
			data, err = transport.Object(ctx, id.DeviceID, id.ObjectHandle, expectedSize)
		}
		if err != nil {
			_ = pw.CloseWithError(err)
			return 0, err
		}
		return m.writeAll(pr, pw, data)
	}

	return m.scheduleRead(KindRead, id, pr, pw, run)
}

// ReadThumbnail schedules a read of an object's thumbnail.
func (m *Manager) ReadThumbnail(transport mtp.Transport, id identifier.Identifier) (*ReadHandle, error) {
	pr, pw := io.Pipe()

	run := func(ctx context.Context) (int64, error) {
		data, err := transport.Thumbnail(ctx, id.DeviceID, id.ObjectHandle)
		if err != nil {
			_ = pw.CloseWithError(err)
			return 0, err
		}
		return m.writeAll(pr, pw, data)
	}

	return m.scheduleRead(KindThumbnail, id, pr, pw, run)
}

// WriteDocument schedules fn to consume everything written to the returned
// handle. Close on the handle waits for fn and returns its error.
//
// fn should drain src before calling into the device, so that a caller
// that is slow to write does not hold the device.
func (m *Manager) WriteDocument(id identifier.Identifier, fn WriteFunc) (*WriteHandle, error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	t := &task{
		id:    uuid.NewString(),
		kind:  KindWrite,
		label: id.DocumentID(),
		run: func(ctx context.Context) (int64, error) {
			g := m.guard(pr)
			cr := &countingReader{r: pr, touch: g.touch}
			err := fn(ctx, cr)
			g.stop()
			if err != nil {
				_ = pr.CloseWithError(err)
			} else {
				_ = pr.Close()
			}
			done <- err
			return cr.n, err
		},
	}

	if err := m.submit(t); err != nil {
		_ = pr.Close()
		return nil, err
	}
	return &WriteHandle{ID: t.id, w: pw, done: done}, nil
}

func (m *Manager) scheduleRead(kind string, id identifier.Identifier, pr *io.PipeReader, pw *io.PipeWriter, run func(context.Context) (int64, error)) (*ReadHandle, error) {
	t := &task{id: uuid.NewString(), kind: kind, label: id.DocumentID(), run: run}
	if err := m.submit(t); err != nil {
		_ = pw.CloseWithError(err)
		return nil, err
	}
	return &ReadHandle{ID: t.id, r: pr}, nil
}

func (m *Manager) submit(t *task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.pending.Add(1)
	m.queue = append(m.queue, t)
	m.metrics.SetQueueDepth(len(m.queue))
	m.cond.Signal()

	logger.Debug("pipe: queued %s %s (task %s)", t.kind, t.label, t.id)
	return nil
}

// Wait blocks until every scheduled task has finished.
func (m *Manager) Wait() {
	m.pending.Wait()
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them. Safe to call multiple times.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()

	m.pool.Wait()
}

// ============================================================================
// Workers
// ============================================================================

func (m *Manager) worker() {
	defer m.pool.Done()

	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}

		t := m.queue[0]
		m.queue[0] = nil
		m.queue = m.queue[1:]
		m.active++
		m.metrics.SetQueueDepth(len(m.queue))
		m.metrics.SetActiveTransfers(m.active)
		m.mu.Unlock()

		m.execute(t)

		m.mu.Lock()
		m.active--
		m.metrics.SetActiveTransfers(m.active)
		m.mu.Unlock()
		m.pending.Done()
	}
}

func (m *Manager) execute(t *task) {
	start := time.Now()
	n, err := t.run(context.Background())
	elapsed := time.Since(start)

	m.metrics.RecordTransfer(t.kind, n, elapsed, err)
	if err != nil {
		logger.Warn("pipe: %s %s failed after %s (task %s): %v", t.kind, t.label, elapsed, t.id, err)
		return
	}
	logger.Debug("pipe: %s %s done, %d bytes in %s (task %s)", t.kind, t.label, n, elapsed, t.id)
}

// writeAll writes data in chunks and closes pw with the outcome. The reader
// is failed with ErrStalled if a chunk is not consumed within the stall
// timeout.
func (m *Manager) writeAll(pr *io.PipeReader, pw *io.PipeWriter, data []byte) (int64, error) {
	g := m.guard(pr)
	defer g.stop()

	var written int64
	for len(data) > 0 {
		chunk := data
		if len(chunk) > chunkSize {
			chunk = chunk[:chunkSize]
		}
		n, err := pw.Write(chunk)
		written += int64(n)
		if err != nil {
			_ = pw.CloseWithError(err)
			return written, err
		}
		data = data[n:]
		g.touch()
	}
	_ = pw.Close()
	return written, nil
}

// stallGuard closes a pipe reader with ErrStalled when touch is not called
// for the stall timeout.
type stallGuard struct {
	timeout time.Duration
	timer   *time.Timer
}

func (m *Manager) guard(pr *io.PipeReader) *stallGuard {
	return &stallGuard{
		timeout: m.stall,
		timer: time.AfterFunc(m.stall, func() {
			_ = pr.CloseWithError(ErrStalled)
		}),
	}
}

func (g *stallGuard) touch() { g.timer.Reset(g.timeout) }

func (g *stallGuard) stop() { g.timer.Stop() }
