package imgreq

import (
	"context"
	"log"
	"net/url"
	"time"

	"github.com/google/uuid"

	"imgreq/internal/imagerequest"
)

// loadResult is how a load settled. data carries a reference the receiver
// must release.
type loadResult struct {
	state   imagerequest.State
	data    *imagerequest.ImageData
	outcome outcome
	err     error
}

// element owns the current image request for one image source. Everything
// touching the request runs on the element's task queue.
type element struct {
	id  string
	svc *Service
	q   *taskQueue

	current *imagerequest.ImageRequest
	release func()

	presentations int
}

func (s *Service) newElement() *element {
	return &element{
		id:  uuid.NewString(),
		svc: s,
		q:   newTaskQueue(),
	}
}

// UpdatePresentation implements imagerequest.Element.
func (e *element) UpdatePresentation(*imagerequest.ImageRequest) {
	e.presentations++
}

// load replaces the current request with one for u and waits until it is
// completely available or broken. When ctx ends first the request is aborted
// and ctx's error returned.
func (e *element) load(ctx context.Context, u *url.URL, rule *Rule) (loadResult, error) {
	done := make(chan loadResult, 1)
	if !e.q.Post(nil, func() { e.start(u, rule, done) }) {
		return loadResult{}, errAborted
	}

	select {
	case res := <-done:
		return res, res.err
	case <-ctx.Done():
		e.q.Post(nil, func() {
			e.abortCurrent()
			// a load that settled before the abort ran still holds a reference
			select {
			case res := <-done:
				if res.data != nil {
					res.data.Release()
				}
			default:
			}
		})
		if e.svc.cfg.Logging.LogImageRequests {
			log.Printf("image %s aborted src=%s: %v", e.id, u, ctx.Err())
		}
		return loadResult{}, ctx.Err()
	}
}

// close aborts whatever is in flight and stops the task queue.
func (e *element) close() {
	e.q.Post(nil, func() { e.abortCurrent() })
	e.q.Close()
}

func (e *element) abortCurrent() {
	if e.current == nil {
		return
	}
	e.current.Abort(context.Background())
	e.current = nil
	e.release()
	e.release = nil
}

func (e *element) start(u *url.URL, rule *Rule, done chan<- loadResult) {
	e.abortCurrent()

	req, release, err := e.svc.newRequest()
	if err != nil {
		done <- loadResult{outcome: outcomeBusy, err: err}
		return
	}
	e.current, e.release = req, release
	req.SetCurrentURL(u)
	key := u.String()
	bypass := rule != nil && rule.Bypass

	if !bypass {
		if data, ent, ok := e.svc.lookup(key); ok {
			req.SetState(imagerequest.CompletelyAvailable)
			req.SetImageData(data)
			data.Release()
			e.settle(req, done, outcomeHit)
			if rule != nil && rule.expDur > 0 && isStale(ent, rule.expDur) {
				e.svc.revalidateAsync(key, "expiration")
			}
			return
		}
	}

	fctx, cancel := context.WithTimeout(context.Background(), e.svc.cfg.fetchTimeout)
	ctrl := newFetchController(cancel)
	req.SetFetchController(ctrl)

	oc := outcomeMiss
	if bypass {
		oc = outcomeBypass
	}
	startedAt := time.Now()
	if e.svc.cfg.Logging.LogImageRequests {
		log.Printf("image %s fetch src=%s", e.id, key)
	}

	sink := fetchSink{
		partial: func(data *imagerequest.ImageData) {
			e.q.Post(ctrl, func() {
				if e.current != req {
					return
				}
				req.SetState(imagerequest.PartiallyAvailable)
				req.SetImageData(data)
			})
		},
		complete: func(ent imageEntry, data *imagerequest.ImageData, cacheable bool) {
			e.q.Post(ctrl, func() {
				if e.current != req {
					return
				}
				if cacheable && !bypass {
					ent.DiscoveredBy = "user"
					ent.RevalidatedBy = "user"
					e.svc.store(key, ent, data)
				}
				req.SetFetchController(nil)
				req.SetState(imagerequest.CompletelyAvailable)
				req.SetImageData(data)
				if e.svc.cfg.Logging.LogImageRequests {
					log.Printf("image %s complete src=%s %dx%d %s in %s", e.id, key, data.Width(), data.Height(), formatBytes(uint64(data.Len())), time.Since(startedAt))
				}
				e.settle(req, done, oc)
			})
		},
		fail: func(err error) {
			e.q.Post(ctrl, func() {
				if e.current != req {
					return
				}
				req.SetImageData(nil)
				req.SetFetchController(nil)
				req.SetState(imagerequest.Broken)
				if e.svc.cfg.Logging.LogImageRequests {
					log.Printf("image %s broken src=%s: %v", e.id, key, err)
				}
				e.settle(req, done, outcomeBroken)
			})
		},
	}

	e.svc.wg.Add(1)
	go func() {
		defer e.svc.wg.Done()
		defer cancel()
		e.svc.fetchImage(fctx, key, sink)
	}()
}

// settle reports the request's final state to the waiting load.
func (e *element) settle(req *imagerequest.ImageRequest, done chan<- loadResult, oc outcome) {
	if err := req.Validate(); err != nil {
		e.svc.invariantLog.Printf("image %s: %v (state=%s)", e.id, err, req.State())
	}
	res := loadResult{state: req.State(), outcome: oc}
	if req.IsAvailable() {
		req.PrepareForPresentation(e)
		if data := req.ImageData(); data != nil {
			res.data = data.Retain()
		}
	}
	done <- res
}
