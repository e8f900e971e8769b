package imgreq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"imgreq/internal/imagerequest"
)

// ErrRequestLimit is returned when creating an image request would exceed
// fetch.maxRequests live requests.
var ErrRequestLimit = errors.New("imgreq: too many live image requests")

var errMissingSource = errors.New("missing src")

type Service struct {
	cfg Config

	httpClient *http.Client

	ram  *ramCache
	disk *diskCache

	// one token per live image request
	slots chan struct{}
	bgSem chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup

	overflowLog  *rateLimitedLogger
	invariantLog *rateLimitedLogger

	stats *statsCollector
}

func NewService(cfg Config) (*Service, error) {
	disk, err := newDiskCache(cfg.Storage.Disk.Path, cfg.diskMax)
	if err != nil {
		return nil, fmt.Errorf("open disk cache %s: %w", cfg.Storage.Disk.Path, err)
	}

	s := &Service{
		cfg:          cfg,
		httpClient:   &http.Client{Timeout: cfg.fetchTimeout},
		ram:          newRAMCache(cfg.ramMax),
		disk:         disk,
		slots:        make(chan struct{}, cfg.Fetch.MaxRequests),
		bgSem:        make(chan struct{}, 32),
		stopCh:       make(chan struct{}),
		overflowLog:  newRateLimitedLogger(1 * time.Minute),
		invariantLog: newRateLimitedLogger(1 * time.Minute),
		stats:        newStatsCollector(),
	}

	if every := cfg.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}

	if warmEvery := minWarmInterval(cfg.Rules); warmEvery > 0 {
		log.Printf("warmup tick interval: %s (min warmUp among rules)", warmEvery)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.warmupLoop(warmEvery)
		}()
	}

	s.startImagesDiscover()

	return s, nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.ram.Close()
	s.disk.close()
}

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/image", s.handleImage)
	return mux
}

// newRequest creates an image request charged against the live request
// budget. release returns the slot and is safe to call more than once.
func (s *Service) newRequest() (*imagerequest.ImageRequest, func(), error) {
	select {
	case s.slots <- struct{}{}:
	default:
		return nil, nil, ErrRequestLimit
	}
	var once sync.Once
	release := func() {
		once.Do(func() { <-s.slots })
	}
	return imagerequest.New(), release, nil
}

func (s *Service) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	u, err := s.resolveSource(r.URL.Query().Get("src"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	el := s.newElement()
	defer el.close()

	res, err := el.load(r.Context(), u, s.pickRule(u.Path))
	switch {
	case errors.Is(err, ErrRequestLimit):
		s.stats.Outcome(outcomeBusy)
		setImgreqHeaders(w.Header(), outcomeBusy, nil)
		http.Error(w, "too many image requests", http.StatusServiceUnavailable)
		return
	case err != nil:
		// client went away
		s.stats.Outcome(outcomeAborted)
		return
	}
	s.stats.Outcome(res.outcome)

	if res.state != imagerequest.CompletelyAvailable || res.data == nil {
		setImgreqHeaders(w.Header(), outcomeBroken, nil)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer res.data.Release()

	writeImage(w, r, res.data, res.outcome)
	s.stats.Served(res.data.Len())
}

func writeImage(w http.ResponseWriter, r *http.Request, data *imagerequest.ImageData, oc outcome) {
	h := w.Header()
	setImgreqHeaders(h, oc, data)
	h.Set("Content-Type", data.ContentType())
	h.Set("Content-Length", fmt.Sprint(data.Len()))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(data.Bytes())
}

func setImgreqHeaders(h http.Header, oc outcome, data *imagerequest.ImageData) {
	h.Set("X-Imgreq", oc.String())
	ensureExposedHeader(h, "X-Imgreq")
	if data != nil {
		h.Set("X-Imgreq-Size", fmt.Sprintf("%dx%d", data.Width(), data.Height()))
		ensureExposedHeader(h, "X-Imgreq-Size")
	}
}

// ensureExposedHeader lets browser JS read name on CORS responses.
func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := strings.Join(h.Values(expose), ",")
	if cur == "" {
		h.Set(expose, name)
		return
	}
	for _, part := range strings.Split(cur, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(cur)+", "+name)
}

// resolveSource turns a src parameter into an absolute URL on an allowed host.
// Relative sources resolve against server.origin.
func (s *Service) resolveSource(src string) (*url.URL, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, errMissingSource
	}
	u, err := url.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid src: %w", err)
	}
	if !u.IsAbs() {
		if !strings.HasPrefix(u.Path, "/") {
			u.Path = "/" + u.Path
		}
		u = s.cfg.origin.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if !s.cfg.hostAllowed(u.Host) {
		return nil, fmt.Errorf("host %q not allowed", u.Host)
	}
	u.Fragment = ""
	return u, nil
}

func (s *Service) pickRule(path string) *Rule {
	for i := range s.cfg.Rules {
		r := &s.cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}

func minWarmInterval(rules []Rule) time.Duration {
	var out time.Duration
	for _, r := range rules {
		if r.warmDur <= 0 {
			continue
		}
		if out == 0 || r.warmDur < out {
			out = r.warmDur
		}
	}
	return out
}

func isStale(ent imageEntry, exp time.Duration) bool {
	return time.Since(time.Unix(ent.StoredAt, 0)) > exp
}

// lookup returns the cached handle for key, promoting disk entries to RAM.
// The caller owns one reference on the returned handle.
func (s *Service) lookup(key string) (*imagerequest.ImageData, imageEntry, bool) {
	if data, ent, ok := s.ram.Get(key); ok {
		return data, ent, true
	}
	ent, ok := s.disk.Get(key)
	if !ok {
		return nil, imageEntry{}, false
	}
	data, err := ent.decode()
	if err != nil {
		// unreadable entry, refetch it
		s.disk.Delete(key)
		return nil, imageEntry{}, false
	}
	s.track(data)
	data.Retain()
	s.ram.Put(key, ent, data, s.disk, s.overflowLog)
	return data, ent, true
}

func (s *Service) store(key string, ent imageEntry, data *imagerequest.ImageData) {
	s.track(data)
	s.ram.Put(key, ent, data, s.disk, s.overflowLog)
	s.disk.PutAsync(key, ent)
}

func (s *Service) forget(key string) {
	s.ram.Delete(key)
	s.disk.Delete(key)
}

// track counts data in the stats once its last holder releases it.
func (s *Service) track(data *imagerequest.ImageData) {
	data.OnRelease(func(*imagerequest.ImageData) { s.stats.Released() })
}

func (s *Service) cachedImagesCount() int {
	ramKeys := s.ram.Keys()
	intersect := 0
	for _, k := range ramKeys {
		if s.disk.HasKey(k) {
			intersect++
		}
	}
	return len(ramKeys) + s.disk.KeyCount() - intersect
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			mem := "n/a"
			if m, ok := readProcMemory(); ok {
				mem = m.String()
			}
			log.Printf(
				"Cached: Images: %d, RAM usage: %s, Disk usage: %s, Live requests: %d, %s, Process: %s",
				s.cachedImagesCount(),
				formatBytes(uint64(s.ram.TotalSize())),
				formatBytes(uint64(s.disk.TotalSize())),
				len(s.slots),
				s.stats.Snapshot(),
				mem,
			)
		}
	}
}

// revalidateAsync refreshes key in the background unless too many background
// fetches are already running.
func (s *Service) revalidateAsync(key, by string) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.fetchTimeout)
		defer cancel()
		s.revalidateOnce(ctx, key, by)
	}()
}

// revalidateOnce refetches key and replaces the cached copy when it changed.
// Entries the origin no longer serves, or marks uncacheable, are dropped.
func (s *Service) revalidateOnce(ctx context.Context, key, by string) {
	s.fetchImage(ctx, key, fetchSink{
		partial: func(*imagerequest.ImageData) {},
		complete: func(ent imageEntry, data *imagerequest.ImageData, cacheable bool) {
			if !cacheable {
				s.forget(key)
				return
			}
			cur, ok := s.ram.Peek(key)
			if !ok {
				cur, ok = s.disk.Peek(key)
			}
			if ok && cur.Hash32 == ent.Hash32 {
				return
			}
			ent.DiscoveredBy = by
			if ok && cur.DiscoveredBy != "" {
				ent.DiscoveredBy = cur.DiscoveredBy
			}
			ent.RevalidatedBy = by
			s.store(key, ent, data)
		},
		fail: func(err error) {
			var se statusError
			if errors.As(err, &se) {
				s.forget(key)
			}
		},
	})
}

func (s *Service) warmupLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			for _, key := range s.allKeysSnapshot() {
				select {
				case <-s.stopCh:
					return
				default:
				}
				if s.wantsWarmup(key) {
					s.revalidateAsync(key, "warmup")
				}
			}
		}
	}
}

func (s *Service) wantsWarmup(key string) bool {
	u, err := url.Parse(key)
	if err != nil {
		return false
	}
	rule := s.pickRule(u.Path)
	return rule != nil && !rule.Bypass && rule.warmDur > 0
}

func (s *Service) allKeysSnapshot() []string {
	m := map[string]struct{}{}
	for _, k := range s.ram.Keys() {
		m[k] = struct{}{}
	}
	for _, k := range s.disk.Keys() {
		m[k] = struct{}{}
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
