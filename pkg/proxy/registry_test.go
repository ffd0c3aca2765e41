package proxy

import (
	"context"
	"testing"
	"time"
)

func TestRegistrySingleOwnerPerFingerprint(t *testing.T) {
	r := NewRegistry(time.Minute)
	now := time.Unix(1000, 0)

	first, owned := r.Begin(7, nil, now)
	if !owned {
		t.Fatal("expected first registration to own the task")
	}
	second, owned := r.Begin(7, nil, now)
	if owned {
		t.Fatal("expected second registration to coalesce")
	}
	if second != first {
		t.Fatal("expected the running task back")
	}

	r.Finish(first)
	if _, ok := r.Lookup(7); ok {
		t.Fatal("expected slot released after finish")
	}
	if _, owned := r.Begin(7, nil, now); !owned {
		t.Fatal("expected ownership after release")
	}
}

func TestTaskWait(t *testing.T) {
	r := NewRegistry(time.Minute)
	task, _ := r.Begin(1, nil, time.Unix(1000, 0))

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.Finish(task)
	}()
	if !task.Wait(context.Background(), time.Second) {
		t.Fatal("expected wait to observe completion")
	}

	task2, _ := r.Begin(2, nil, time.Unix(1000, 0))
	if task2.Wait(context.Background(), 10*time.Millisecond) {
		t.Fatal("expected wait to time out")
	}
	r.Finish(task2)
}

func TestRegistryAgeSweepCancels(t *testing.T) {
	r := NewRegistry(300 * time.Second)
	now := time.Unix(1000, 0)
	cancelled := false
	r.Begin(1, func() { cancelled = true }, now)
	r.Begin(2, nil, now.Add(200*time.Second))

	if n := r.SweepLongRunning(now.Add(301 * time.Second)); n != 1 {
		t.Fatalf("expected 1 cancelled, got %d", n)
	}
	if !cancelled {
		t.Fatal("expected old task's cancel func to run")
	}
	if _, ok := r.Lookup(2); !ok {
		t.Fatal("expected younger task to survive")
	}
}
