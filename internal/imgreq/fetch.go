package imgreq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"imgreq/internal/imagerequest"
	"imgreq/internal/streams"
)

var errTooLarge = errors.New("image exceeds fetch.maxImageSize")

// statusError is a non-2xx origin response.
type statusError struct{ code int }

func (e statusError) Error() string { return fmt.Sprintf("unexpected status %d", e.code) }

// fetchSink receives the progress of one fetch. Callbacks run on the fetching
// goroutine, in order: partial at most once, then exactly one of complete or
// fail.
type fetchSink struct {
	partial  func(data *imagerequest.ImageData)
	complete func(ent imageEntry, data *imagerequest.ImageData, cacheable bool)
	fail     func(err error)
}

// fetchImage downloads src, reading the body through BYOB reads of
// cfg.chunkBytes each. It returns when the sink has been told the outcome.
func (s *Service) fetchImage(ctx context.Context, src string, sink fetchSink) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		sink.fail(err)
		return
	}
	req.Header.Set("Accept", "image/png,image/jpeg,image/gif,image/*;q=0.8")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		sink.fail(err)
		return
	}
	ctl := streams.NewByteStreamController(resp.Body)
	defer ctl.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		sink.fail(statusError{code: resp.StatusCode})
		return
	}
	limit := s.cfg.maxImageBytes
	if limit > 0 && resp.ContentLength > limit {
		sink.fail(errTooLarge)
		return
	}
	contentType := imageContentType(resp.Header.Get("Content-Type"))

	body := make([]byte, 0, initialBodyCap(resp.ContentLength))
	view := make([]byte, s.cfg.chunkBytes)
	sniff := headerSniffer{src: src, contentType: contentType}
	for {
		n, err := ctl.ReadInto(view)
		body = append(body, view[:n]...)
		if limit > 0 && int64(len(body)) > limit {
			sink.fail(errTooLarge)
			return
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			sink.fail(err)
			return
		}
		if d := sniff.feed(body, n); d != nil {
			sink.partial(d)
		}
	}

	data, err := imagerequest.Decode(src, contentType, body, true)
	if err != nil {
		sink.fail(err)
		return
	}
	ent := newImageEntry(src, data.ContentType(), body)
	ent.StoredAt = time.Now().Unix()
	ent.RevalidatedAt = time.Now().UTC().UnixNano()
	sink.complete(ent, data, cacheableResponse(resp.Header))
}

// headerWindow bounds how far into a body the image header is looked for.
// Headers of the common formats sit well inside it.
const headerWindow = 64 << 10

// maxPrealloc caps the body buffer sized from an origin's Content-Length.
const maxPrealloc = 1 << 20

func initialBodyCap(contentLength int64) int {
	if contentLength <= 0 {
		return 0
	}
	return int(min(contentLength, maxPrealloc))
}

// headerSniffer turns the first decodable prefix of a body into partial
// image data. It gives up once the body outgrows headerWindow.
type headerSniffer struct {
	src         string
	contentType string

	done     bool
	attempts int
}

// feed looks at body after n new bytes arrived. It returns partial data at
// most once.
func (h *headerSniffer) feed(body []byte, n int) *imagerequest.ImageData {
	if h.done || n == 0 {
		return nil
	}
	if len(body)-n >= headerWindow {
		h.done = true
		return nil
	}
	h.attempts++
	if _, _, err := image.DecodeConfig(bytes.NewReader(body)); err != nil {
		return nil
	}
	h.done = true
	d, err := imagerequest.Decode(h.src, h.contentType, bytes.Clone(body), false)
	if err != nil {
		return nil
	}
	return d
}

func cacheableResponse(h http.Header) bool {
	cc := strings.ToLower(h.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

// imageContentType keeps ct only when it names an image type.
func imageContentType(ct string) string {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || !strings.HasPrefix(mt, "image/") {
		return ""
	}
	return mt
}
