package client

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestExpirerFiresOnSchedule(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	fired := make(map[string]bool)
	e := NewExpirer(newMemStore[string, ExpiryRecord](), func(target string) {
		mu.Lock()
		fired[target] = true
		mu.Unlock()
	})
	if err := e.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	e.Start()
	defer e.Halt()

	if err := e.Set(ctx, "topic-a", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		ok := fired["topic-a"]
		mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expirer did not fire within deadline")
}

func TestExpirerDeleteCancelsPendingFire(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	fired := false
	e := NewExpirer(newMemStore[string, ExpiryRecord](), func(target string) {
		mu.Lock()
		fired = true
		mu.Unlock()
	})
	if err := e.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	e.Start()
	defer e.Halt()

	if err := e.Set(ctx, "topic-b", time.Now().Add(30*time.Millisecond)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := e.Delete(ctx, "topic-b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if fired {
		t.Fatalf("expected cancelled target not to fire")
	}
}

func TestExpirerInitFiresOverdueImmediately(t *testing.T) {
	ctx := context.Background()
	store := newMemStore[string, ExpiryRecord]()
	if err := store.Set(ctx, "topic-c", ExpiryRecord{Target: "topic-c", Expiry: time.Now().Add(-time.Minute).Unix()}, false); err != nil {
		t.Fatalf("seed: %v", err)
	}

	var mu sync.Mutex
	fired := false
	e := NewExpirer(store, func(target string) {
		mu.Lock()
		fired = target == "topic-c"
		mu.Unlock()
	})
	if err := e.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !fired {
		t.Fatalf("expected overdue target to fire during init")
	}
}
