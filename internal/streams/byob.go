// Package streams provides the bring-your-own-buffer read path used to pull
// response bodies into caller-owned buffers.
package streams

import (
	"errors"
	"io"
)

var ErrEmptyView = errors.New("streams: view must have non-zero length")

var ErrClosed = errors.New("streams: controller closed")

// BYOBRequest is the destination region a controller may write into for one
// read. The view is nil once the request has been invalidated.
type BYOBRequest struct {
	controller *ByteStreamController
	view       []byte
}

func (r *BYOBRequest) View() []byte { return r.view }

func (r *BYOBRequest) SetView(v []byte) { r.view = v }

func (r *BYOBRequest) Controller() *ByteStreamController { return r.controller }

func (r *BYOBRequest) SetController(c *ByteStreamController) { r.controller = c }

func (r *BYOBRequest) invalidate() {
	r.controller = nil
	r.view = nil
}

// ByteStreamController fills caller-supplied buffers from a byte source.
type ByteStreamController struct {
	src     io.Reader
	pending *BYOBRequest
	closed  bool
}

func NewByteStreamController(src io.Reader) *ByteStreamController {
	return &ByteStreamController{src: src}
}

// BYOBRequest returns the read in progress, or nil.
func (c *ByteStreamController) BYOBRequest() *BYOBRequest { return c.pending }

// ReadInto reads at most len(view) bytes from the source into view.
// It returns io.EOF once the source is drained.
func (c *ByteStreamController) ReadInto(view []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if len(view) == 0 {
		return 0, ErrEmptyView
	}

	req := &BYOBRequest{}
	req.SetController(c)
	req.SetView(view)
	c.pending = req
	defer func() {
		req.invalidate()
		c.pending = nil
	}()

	n, err := c.src.Read(req.View())
	if n > 0 && errors.Is(err, io.EOF) {
		// Report data now; the next read sees EOF again.
		err = nil
	}
	return n, err
}

// Close invalidates any pending request and rejects further reads.
func (c *ByteStreamController) Close() error {
	c.closed = true
	if c.pending != nil {
		c.pending.invalidate()
		c.pending = nil
	}
	if rc, ok := c.src.(io.Closer); ok {
		return rc.Close()
	}
	return nil
}
