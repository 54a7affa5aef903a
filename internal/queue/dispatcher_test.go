package queue

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"

	"noderun/internal/domain"
)

func TestDispatcherCoalescesWhileBusy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	release := make(chan struct{})
	var mu sync.Mutex
	var got []domain.BuildRequest
	d := NewDispatcher(func(_ context.Context, req domain.BuildRequest) {
		mu.Lock()
		got = append(got, req)
		first := len(got) == 1
		mu.Unlock()
		if first {
			<-release
		}
	})
	go func() { _ = d.Run(ctx) }()

	d.Enqueue(domain.BuildRequest{Reason: "initial"})
	waitLen(t, &mu, &got, 1)

	d.Enqueue(domain.BuildRequest{Reason: "change", Paths: []string{"src/a.ts"}})
	d.Enqueue(domain.BuildRequest{Reason: "change", Paths: []string{"src/b.ts", "src/a.ts"}})
	d.Enqueue(domain.BuildRequest{Reason: "change", Paths: []string{"src/c.ts"}})
	close(release)
	waitLen(t, &mu, &got, 2)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("expected 2 builds, got %d: %#v", len(got), got)
	}
	if !reflect.DeepEqual(got[1].Paths, []string{"src/a.ts", "src/b.ts", "src/c.ts"}) {
		t.Fatalf("unexpected merged paths: %#v", got[1].Paths)
	}
}

func TestDispatcherSerial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	running, maxRunning := 0, 0
	var got []domain.BuildRequest
	d := NewDispatcher(func(_ context.Context, req domain.BuildRequest) {
		mu.Lock()
		running++
		if running > maxRunning {
			maxRunning = running
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		running--
		got = append(got, req)
		mu.Unlock()
	})
	go func() { _ = d.Run(ctx) }()

	for i := 0; i < 5; i++ {
		d.Enqueue(domain.BuildRequest{Reason: "tick"})
		time.Sleep(15 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxRunning != 1 {
		t.Fatalf("builds overlapped: %d", maxRunning)
	}
	if len(got) == 0 {
		t.Fatalf("expected builds to run")
	}
}

func TestDispatcherRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(func(context.Context, domain.BuildRequest) {})
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return")
	}
}

func waitLen(t *testing.T, mu *sync.Mutex, got *[]domain.BuildRequest, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		l := len(*got)
		mu.Unlock()
		if l >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d builds", n)
}
