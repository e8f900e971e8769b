package imgreq

import (
	"context"
	"errors"
	"testing"
)

func TestTaskQueueRunsInOrder(t *testing.T) {
	q := newTaskQueue()
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Post(nil, func() { got = append(got, i) })
	}
	q.Close()
	if len(got) != 100 {
		t.Fatalf("expected 100 tasks, ran %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order (%d)", i, v)
		}
	}
	if q.Post(nil, func() {}) {
		t.Error("Post after Close must report false")
	}
	q.Close()
}

func TestTaskQueueDiscardsAbortedWork(t *testing.T) {
	q := newTaskQueue()
	ctx, cancel := context.WithCancel(context.Background())
	ctrl := newFetchController(cancel)

	block := make(chan struct{})
	q.Post(nil, func() { <-block })

	ran := false
	q.Post(ctrl, func() { ran = true })
	ctrl.Abort(context.Background(), nil)
	close(block)
	q.Close()

	if ran {
		t.Error("work from an aborted fetch must be discarded")
	}
	if ctx.Err() == nil {
		t.Error("abort must cancel the fetch context")
	}
}

func TestFetchControllerAbortOnce(t *testing.T) {
	calls := 0
	ctrl := newFetchController(func() { calls++ })
	if ctrl.Aborted() || ctrl.Reason() != nil {
		t.Fatal("new controller must not be aborted")
	}

	custom := errors.New("navigated away")
	ctrl.Abort(context.Background(), custom)
	ctrl.Abort(context.Background(), nil)

	if calls != 1 {
		t.Errorf("expected cancel once, got %d", calls)
	}
	if !errors.Is(ctrl.Reason(), custom) {
		t.Errorf("expected first reason kept, got %v", ctrl.Reason())
	}

	var nilCtrl *fetchController
	if nilCtrl.Aborted() {
		t.Error("nil controller is never aborted")
	}

	empty := newFetchController(func() {})
	empty.Abort(context.Background(), nil)
	if !errors.Is(empty.Reason(), errAborted) {
		t.Errorf("expected default reason, got %v", empty.Reason())
	}
}
