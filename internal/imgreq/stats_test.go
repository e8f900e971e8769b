package imgreq

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	if ss := s.Snapshot(); ss.Served != 0 || ss.MinSize != 0 {
		t.Errorf("expected empty snapshot, got %+v", ss)
	}

	var wg sync.WaitGroup
	for _, n := range []int{100, 300, 200, -5} {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.Served(n)
		}(n)
	}
	wg.Wait()
	s.Outcome(outcomeHit)
	s.Outcome(outcomeHit)
	s.Outcome(outcomeBroken)
	s.Outcome(numOutcomes)
	s.Released()

	ss := s.Snapshot()
	if ss.Served != 4 || ss.MinSize != 0 || ss.MaxSize != 300 || ss.AvgSize != 150 {
		t.Errorf("unexpected sizes %+v", ss)
	}
	if ss.Outcomes[outcomeHit] != 2 || ss.Outcomes[outcomeBroken] != 1 || ss.Released != 1 {
		t.Errorf("unexpected counters %+v", ss)
	}
	if !strings.Contains(ss.String(), "hit=2") {
		t.Errorf("unexpected summary %q", ss.String())
	}
}

func TestRateLimitedLogger(t *testing.T) {
	var lines []string
	l := newRateLimitedLogger(time.Hour)
	l.printf = func(format string, args ...any) { lines = append(lines, fmt.Sprintf(format, args...)) }

	l.Printf("first %d", 1)
	l.Printf("second")
	l.Printf("third")
	if len(lines) != 1 || lines[0] != "first 1" {
		t.Fatalf("unexpected lines %q", lines)
	}

	l.lastAt = time.Now().Add(-2 * time.Hour)
	l.Printf("again")
	if len(lines) != 2 || lines[1] != "again (2 similar suppressed)" {
		t.Errorf("unexpected lines %q", lines)
	}
}
