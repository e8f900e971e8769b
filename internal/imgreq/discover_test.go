package imgreq

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
)

func TestSitemapImageLocs(t *testing.T) {
	doc := sitemapDoc{URLs: []sitemapURL{
		{Loc: "https://x.test/page", Images: []string{" https://x.test/a.png ", ""}},
		{Loc: "https://x.test/b.JPG?v=1"},
	}}

	got := doc.imageLocs()
	if len(got) != 2 || got[0] != "https://x.test/a.png" || got[1] != "https://x.test/b.JPG?v=1" {
		t.Errorf("unexpected locations %q", got)
	}
}

func TestDiscoverImagesOnce(t *testing.T) {
	img := pngBytes(t, 6, 6, 7)
	var imageFetches atomic.Int32

	mux := http.NewServeMux()
	var originURL string
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%s/images.xml.gz</loc></sitemap>
</sitemapindex>`, originURL)
	})
	mux.HandleFunc("/images.xml.gz", func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		fmt.Fprintf(gz, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"
        xmlns:image="http://www.google.com/schemas/sitemap-image/1.1">
  <url>
    <loc>%[1]s/gallery</loc>
    <image:image><image:loc>%[1]s/media/one.png</image:loc></image:image>
    <image:image><image:loc>/media/two.png</image:loc></image:image>
    <image:image><image:loc>/private/three.png</image:loc></image:image>
    <image:image><image:loc>https://elsewhere.test/four.png</image:loc></image:image>
  </url>
</urlset>`, originURL)
		_ = gz.Close()
		_, _ = w.Write(buf.Bytes())
	})
	mux.HandleFunc("/media/", func(w http.ResponseWriter, r *http.Request) {
		imageFetches.Add(1)
		_, _ = w.Write(img)
	})
	origin := serve(t, mux)
	originURL = origin.URL

	svc := newTestService(t, origin.URL, `
rules:
  - match: PathPrefix(/media/)
  - match: PathPrefix(/private/)
    bypass: true
`)
	svc.cfg.ImagesDiscover.Sitemaps = []string{"/sitemap.xml"}

	fetched, ignored, err := svc.discoverImagesOnce(context.Background())
	if err != nil {
		t.Fatalf("discoverImagesOnce failed: %v", err)
	}
	if fetched != 2 || ignored != 2 {
		t.Errorf("expected fetched=2 ignored=2, got fetched=%d ignored=%d", fetched, ignored)
	}
	ent, ok := svc.ram.Peek(origin.URL + "/media/two.png")
	if !ok || ent.DiscoveredBy != "sitemap" {
		t.Errorf("expected discovered image cached, ok=%v", ok)
	}

	// a second pass finds everything cached already
	fetched, _, err = svc.discoverImagesOnce(context.Background())
	if err != nil || fetched != 0 {
		t.Errorf("expected nothing to fetch, got %d (%v)", fetched, err)
	}
	if imageFetches.Load() != 2 {
		t.Errorf("expected 2 image fetches, got %d", imageFetches.Load())
	}
}

func TestDiscoverSitemapError(t *testing.T) {
	origin := serve(t, http.NotFoundHandler())
	svc := newTestService(t, origin.URL, "")
	svc.cfg.ImagesDiscover.Sitemaps = []string{"/sitemap.xml"}
	if _, _, err := svc.discoverImagesOnce(context.Background()); err == nil {
		t.Error("expected error for missing sitemap")
	}
}
