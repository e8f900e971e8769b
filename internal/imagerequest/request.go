// Package imagerequest tracks the fetch/decode progress of a single image
// resource held by an image element.
//
// An ImageRequest does no locking. It must only be touched from the owning
// element's execution context; fetch I/O running elsewhere hands results back
// to that context instead of calling into the request directly.
package imagerequest

import (
	"context"
	"errors"
	"net/url"
)

// ErrInconsistent is returned by Validate when image data is held by a request
// that is not available.
var ErrInconsistent = errors.New("imagerequest: image data present while not available")

// FetchController cancels an in-flight fetch. A nil reason is the empty reason.
// Calls after the first must be no-ops.
type FetchController interface {
	Abort(ctx context.Context, reason error)
}

// Element is the image element that owns a request.
type Element interface {
	UpdatePresentation(r *ImageRequest)
}

// Size is a pair of intrinsic dimensions in CSS pixels.
type Size struct {
	Width  int
	Height int
}

type ImageRequest struct {
	state      State
	currentURL *url.URL
	imageData  *ImageData
	controller FetchController

	presenter      Presenter
	densitySize    Size
	hasDensitySize bool
}

// New returns a request in state Unavailable with nothing bound.
func New() *ImageRequest {
	return &ImageRequest{presenter: NopPresenter{}}
}

func (r *ImageRequest) IsAvailable() bool { return r.state.Available() }

func (r *ImageRequest) State() State { return r.state }

// SetState changes the progress state only. Keeping image data and the fetch
// controller consistent with it is up to the caller.
func (r *ImageRequest) SetState(s State) { r.state = s }

func (r *ImageRequest) CurrentURL() *url.URL { return r.currentURL }

func (r *ImageRequest) SetCurrentURL(u *url.URL) { r.currentURL = u }

func (r *ImageRequest) ImageData() *ImageData { return r.imageData }

// SetImageData takes a reference on data and drops the one held on the
// previous value. A nil data clears it.
func (r *ImageRequest) SetImageData(data *ImageData) {
	if data == r.imageData {
		return
	}
	if data != nil {
		data.Retain()
	}
	prev := r.imageData
	r.imageData = data
	if prev != nil {
		prev.Release()
	}
}

func (r *ImageRequest) FetchController() FetchController { return r.controller }

// SetFetchController binds the controller of the current fetch. A previously
// bound controller is replaced, not aborted.
func (r *ImageRequest) SetFetchController(c FetchController) { r.controller = c }

// Abort forgets the image data and aborts the bound fetch, if any.
// The progress state is left as it is.
func (r *ImageRequest) Abort(ctx context.Context) {
	r.SetImageData(nil)

	if r.controller != nil {
		r.controller.Abort(ctx, nil)
	}
	r.controller = nil
}

// SetPresenter replaces the presentation hook. nil restores the no-op hook.
func (r *ImageRequest) SetPresenter(p Presenter) {
	if p == nil {
		p = NopPresenter{}
	}
	r.presenter = p
}

// PrepareForPresentation runs the presentation hook for el.
func (r *ImageRequest) PrepareForPresentation(el Element) {
	r.presenter.Prepare(r, el)
}

// DensityCorrectedSize returns the preferred density-corrected dimensions
// recorded by a presenter, if any.
func (r *ImageRequest) DensityCorrectedSize() (Size, bool) {
	return r.densitySize, r.hasDensitySize
}

func (r *ImageRequest) SetDensityCorrectedSize(s Size) {
	r.densitySize = s
	r.hasDensitySize = true
}

// Validate checks that image data is only held while the request is available.
func (r *ImageRequest) Validate() error {
	if r.imageData != nil && !r.IsAvailable() {
		return ErrInconsistent
	}
	return nil
}
