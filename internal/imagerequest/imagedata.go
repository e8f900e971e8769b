package imagerequest

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"sync/atomic"
)

// ImageData is decoded image data shared between requests and caches.
//
// It is read-only once built. The reference count tracks holders; dropping the
// last reference runs the release hook but never touches the bytes, so a
// handle stays usable by anyone who still has it.
type ImageData struct {
	url         string
	contentType string
	format      string
	width       int
	height      int
	body        []byte
	complete    bool

	refs      atomic.Int64
	onRelease func(*ImageData)
}

// Decode reads the image header from body. complete marks body as the whole
// resource rather than a prefix of it. body is not copied.
func Decode(src, contentType string, body []byte, complete bool) (*ImageData, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", src, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("decode %s: invalid dimensions %dx%d", src, cfg.Width, cfg.Height)
	}
	if contentType == "" {
		contentType = "image/" + format
	}
	return &ImageData{
		url:         src,
		contentType: contentType,
		format:      format,
		width:       cfg.Width,
		height:      cfg.Height,
		body:        body,
		complete:    complete,
	}, nil
}

func (d *ImageData) URL() string { return d.url }
func (d *ImageData) ContentType() string { return d.contentType }
func (d *ImageData) Format() string { return d.format }
func (d *ImageData) Width() int { return d.width }
func (d *ImageData) Height() int { return d.height }
func (d *ImageData) Complete() bool { return d.complete }
func (d *ImageData) Len() int { return len(d.body) }

// Bytes returns the encoded image. Callers must not modify it.
func (d *ImageData) Bytes() []byte { return d.body }

// OnRelease sets fn to run when the last reference is dropped. Must be set
// before the handle is shared.
func (d *ImageData) OnRelease(fn func(*ImageData)) { d.onRelease = fn }

func (d *ImageData) Retain() *ImageData {
	d.refs.Add(1)
	return d
}

func (d *ImageData) Release() {
	n := d.refs.Add(-1)
	if n < 0 {
		panic("imagerequest: ImageData released more times than retained")
	}
	if n == 0 && d.onRelease != nil {
		d.onRelease(d)
	}
}

func (d *ImageData) Refs() int64 { return d.refs.Load() }
