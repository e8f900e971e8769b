package imgreq

import (
	"fmt"
	"math"
	"sync/atomic"
)

type outcome uint8

const (
	outcomeHit outcome = iota
	outcomeMiss
	outcomeBypass
	outcomeBroken
	outcomeAborted
	outcomeBusy
	numOutcomes
)

func (o outcome) String() string {
	switch o {
	case outcomeHit:
		return "hit"
	case outcomeMiss:
		return "miss"
	case outcomeBypass:
		return "bypass"
	case outcomeBroken:
		return "broken"
	case outcomeAborted:
		return "aborted"
	case outcomeBusy:
		return "busy"
	}
	return "unknown"
}

type statsCollector struct {
	outcomes [numOutcomes]atomic.Uint64

	served     atomic.Uint64
	servedSize atomic.Uint64
	minSize    atomic.Uint64
	maxSize    atomic.Uint64

	released atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minSize.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Outcome(o outcome) {
	if o < numOutcomes {
		s.outcomes[o].Add(1)
	}
}

// Served records the size of an image written to a client.
func (s *statsCollector) Served(size int) {
	if size < 0 {
		size = 0
	}
	n := uint64(size)

	s.served.Add(1)
	s.servedSize.Add(n)

	for {
		cur := s.minSize.Load()
		if n >= cur || s.minSize.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxSize.Load()
		if n <= cur || s.maxSize.CompareAndSwap(cur, n) {
			break
		}
	}
}

// Released counts image data handles whose last holder let go.
func (s *statsCollector) Released() { s.released.Add(1) }

type statsSnapshot struct {
	Outcomes [numOutcomes]uint64
	Served   uint64
	MinSize  uint64
	AvgSize  uint64
	MaxSize  uint64
	Released uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	var ss statsSnapshot
	for i := range s.outcomes {
		ss.Outcomes[i] = s.outcomes[i].Load()
	}
	ss.Released = s.released.Load()
	ss.Served = s.served.Load()
	if ss.Served == 0 {
		return ss
	}
	ss.MinSize = s.minSize.Load()
	if ss.MinSize == math.MaxUint64 {
		ss.MinSize = 0
	}
	ss.MaxSize = s.maxSize.Load()
	ss.AvgSize = s.servedSize.Load() / ss.Served
	return ss
}

func (ss statsSnapshot) String() string {
	return fmt.Sprintf(
		"hit=%d miss=%d bypass=%d broken=%d aborted=%d busy=%d released=%d, Image min/avg/max %s/%s/%s",
		ss.Outcomes[outcomeHit],
		ss.Outcomes[outcomeMiss],
		ss.Outcomes[outcomeBypass],
		ss.Outcomes[outcomeBroken],
		ss.Outcomes[outcomeAborted],
		ss.Outcomes[outcomeBusy],
		ss.Released,
		formatBytes(ss.MinSize),
		formatBytes(ss.AvgSize),
		formatBytes(ss.MaxSize),
	)
}

type procMemory struct {
	RSS       uint64
	Anonymous uint64
	File      uint64
}

func (m procMemory) String() string {
	return fmt.Sprintf("rss=%s anon=%s file=%s", formatBytes(m.RSS), formatBytes(m.Anonymous), formatBytes(m.File))
}
