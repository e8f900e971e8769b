package imgreq

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"imgreq/internal/imagerequest"
)

// sitemapDoc covers both urlsets (with the image extension) and sitemap
// indexes. Tags carry no namespace so image:image/image:loc match too.
type sitemapDoc struct {
	URLs     []sitemapURL `xml:"url"`
	Sitemaps []string     `xml:"sitemap>loc"`
}

type sitemapURL struct {
	Loc    string   `xml:"loc"`
	Images []string `xml:"image>loc"`
}

// imageLocs returns every image location in the document. Page locations are
// included only when they look like images themselves.
func (d sitemapDoc) imageLocs() []string {
	var out []string
	for _, u := range d.URLs {
		for _, img := range u.Images {
			if img = strings.TrimSpace(img); img != "" {
				out = append(out, img)
			}
		}
		if loc := strings.TrimSpace(u.Loc); looksLikeImage(loc) {
			out = append(out, loc)
		}
	}
	return out
}

func looksLikeImage(loc string) bool {
	loc = strings.ToLower(loc)
	if i := strings.IndexAny(loc, "?#"); i >= 0 {
		loc = loc[:i]
	}
	for _, ext := range []string{".png", ".jpg", ".jpeg", ".gif"} {
		if strings.HasSuffix(loc, ext) {
			return true
		}
	}
	return false
}

func (s *Service) startImagesDiscover() {
	if len(s.cfg.ImagesDiscover.Sitemaps) == 0 {
		return
	}

	initDelay := s.cfg.initialDelayDur
	period := s.cfg.rediscoverEveryDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()
			fetched, ignored, err := s.discoverImagesOnce(ctx)
			if err != nil {
				log.Printf("imagesDiscover: error: %v", err)
				return
			}
			log.Printf("imagesDiscover: fetched=%d ignored=%d", fetched, ignored)
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// discoverImagesOnce walks the configured sitemaps and prefetches every image
// that a non-bypass rule covers and the cache does not hold yet.
func (s *Service) discoverImagesOnce(ctx context.Context) (fetched int, ignored int, _ error) {
	seen := map[string]struct{}{}
	queue := make([]string, 0, len(s.cfg.ImagesDiscover.Sitemaps))
	for _, sm := range s.cfg.ImagesDiscover.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, sm)
		}
	}

	for len(queue) > 0 {
		select {
		case <-ctx.Done():
			return fetched, ignored, ctx.Err()
		case <-s.stopCh:
			return fetched, ignored, nil
		default:
		}

		smURL := queue[0]
		queue = queue[1:]
		resolved, err := s.resolveSource(smURL)
		if err != nil {
			return fetched, ignored, fmt.Errorf("sitemap %q: %w", smURL, err)
		}
		smKey := resolved.String()
		if _, ok := seen[smKey]; ok {
			continue
		}
		seen[smKey] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smKey)
		if err != nil {
			return fetched, ignored, fmt.Errorf("fetch sitemap %q: %w", smKey, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, nested)
			}
		}

		locs := doc.imageLocs()
		fit, ignoredThis := 0, 0
		for _, loc := range locs {
			u, err := s.resolveSource(loc)
			if err != nil {
				ignoredThis++
				continue
			}
			rule := s.pickRule(u.Path)
			if rule == nil || rule.Bypass {
				ignoredThis++
				continue
			}
			fit++

			key := u.String()
			if _, ok := s.ram.Peek(key); ok {
				continue
			}
			if s.disk.HasKey(key) {
				continue
			}
			if s.prefetch(ctx, key) {
				fetched++
			}
		}
		ignored += ignoredThis

		if s.cfg.Logging.LogImagesDiscover {
			log.Printf("imagesDiscover sitemap=%q images=%d fit=%d ignored=%d", smKey, len(locs), fit, ignoredThis)
		}
	}

	return fetched, ignored, nil
}

// prefetch loads key into the cache. It reports whether it was stored.
func (s *Service) prefetch(ctx context.Context, key string) bool {
	stored := false
	s.fetchImage(ctx, key, fetchSink{
		partial: func(*imagerequest.ImageData) {},
		complete: func(ent imageEntry, data *imagerequest.ImageData, cacheable bool) {
			if !cacheable {
				return
			}
			ent.DiscoveredBy = "sitemap"
			ent.RevalidatedBy = "sitemap"
			s.store(key, ent, data)
			stored = true
		},
		fail: func(err error) {
			if s.cfg.Logging.LogImagesDiscover {
				log.Printf("imagesDiscover: prefetch %s: %v", key, err)
			}
		},
	})
	return stored
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// .gz sitemaps may or may not have been decompressed by transport already
	if strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b) {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
			_ = gz.Close()
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}
