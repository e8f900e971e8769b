package imgreq

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"testing"
	"time"

	"imgreq/internal/imagerequest"
)

// pngBytes encodes a w x h image filled with noise so it does not compress
// to a handful of bytes.
func pngBytes(t *testing.T, w, h int, seed int64) []byte {
	t.Helper()
	rnd := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(rnd.Intn(256)), G: uint8(rnd.Intn(256)), B: uint8(rnd.Intn(256)), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func testConfig(t *testing.T, origin string, extra string) Config {
	t.Helper()
	doc := fmt.Sprintf(`
server:
  origin: %s
storage:
  disk:
    path: %s
%s`, origin, t.TempDir(), extra)
	cfg, err := ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	return cfg
}

func newTestService(t *testing.T, origin string, extra string) *Service {
	t.Helper()
	svc, err := NewService(testConfig(t, origin, extra))
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	t.Cleanup(svc.Close)
	return svc
}

func testImageData(t *testing.T, src string, body []byte) *imagerequest.ImageData {
	t.Helper()
	d, err := imagerequest.Decode(src, "", body, true)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return d
}

// currentState reads the element's request state on its task queue.
func currentState(e *element) imagerequest.State {
	ch := make(chan imagerequest.State, 1)
	e.q.Post(nil, func() {
		if e.current == nil {
			ch <- imagerequest.Unavailable
			return
		}
		ch <- e.current.State()
	})
	return <-ch
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
