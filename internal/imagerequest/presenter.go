package imagerequest

// Presenter prepares a request's image for presentation by its element.
type Presenter interface {
	Prepare(r *ImageRequest, el Element)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(r *ImageRequest, el Element)

func (f PresenterFunc) Prepare(r *ImageRequest, el Element) { f(r, el) }

// NopPresenter leaves the element's presentation untouched.
//
// Density correction from EXIF resolution tags is not implemented; a Presenter
// doing it would record the result with SetDensityCorrectedSize and then call
// el.UpdatePresentation.
type NopPresenter struct{}

func (NopPresenter) Prepare(*ImageRequest, Element) {}
