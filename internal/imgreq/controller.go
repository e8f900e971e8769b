package imgreq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var errAborted = errors.New("image request aborted")

// fetchController cancels one in-flight fetch. It implements
// imagerequest.FetchController.
type fetchController struct {
	cancel  context.CancelFunc
	once    sync.Once
	aborted atomic.Bool
	reason  error
}

func newFetchController(cancel context.CancelFunc) *fetchController {
	return &fetchController{cancel: cancel}
}

// Abort cancels the fetch. Only the first call has an effect.
func (c *fetchController) Abort(_ context.Context, reason error) {
	c.once.Do(func() {
		if reason == nil {
			reason = errAborted
		}
		c.reason = reason
		c.aborted.Store(true)
		c.cancel()
	})
}

// Aborted reports whether continuations of this fetch should be discarded.
func (c *fetchController) Aborted() bool { return c != nil && c.aborted.Load() }

// Reason is the abort reason, nil until aborted.
func (c *fetchController) Reason() error {
	if !c.Aborted() {
		return nil
	}
	return c.reason
}
