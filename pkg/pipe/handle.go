package pipe

import "io"

// ReadHandle is the caller's end of a read transfer.
//
// Read returns io.EOF once the whole object arrived, or the transfer's error.
// Close may be called at any time; an unfinished transfer then fails with
// io.ErrClosedPipe on its side.
//
// A handle holds one pool worker until its content was read to the end. A
// handle that is neither read nor closed keeps that worker for the stall
// timeout, after which the transfer fails with ErrStalled and Read returns
// io.ErrClosedPipe.
type ReadHandle struct {
	// ID identifies the transfer in logs.
	ID string

	r *io.PipeReader
}

func (h *ReadHandle) Read(p []byte) (int, error) {
	return h.r.Read(p)
}

func (h *ReadHandle) Close() error {
	return h.r.Close()
}

// WriteHandle is the caller's end of a write transfer.
type WriteHandle struct {
	// ID identifies the transfer in logs.
	ID string

	w    *io.PipeWriter
	done chan error
	err  error
	once bool
}

// Write blocks until the transfer consumed p. It fails with the transfer's
// error if the transfer stopped early.
func (h *WriteHandle) Write(p []byte) (int, error) {
	return h.w.Write(p)
}

// Close signals end of content and waits for the transfer to finish.
//
// Returns the transfer's error. Calling Close again returns the same result.
func (h *WriteHandle) Close() error {
	if h.once {
		return h.err
	}
	h.once = true

	_ = h.w.Close()
	h.err = <-h.done
	return h.err
}

// Abort ends the content with err and waits for the transfer to finish. The
// transfer observes err from its reader.
func (h *WriteHandle) Abort(err error) error {
	if h.once {
		return h.err
	}
	h.once = true

	_ = h.w.CloseWithError(err)
	h.err = <-h.done
	return h.err
}

type countingReader struct {
	r     io.Reader
	n     int64
	touch func()
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if n > 0 && c.touch != nil {
		c.touch()
	}
	return n, err
}
