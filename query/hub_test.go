package query

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestHubInProcessDeliversToOtherClients(t *testing.T) {
	hub := NewHub(nil, "", nil)
	origin := NewClient("u1", Options{Hub: hub})
	peer := NewClient("u1", Options{Hub: hub})
	stranger := NewClient("u2", Options{Hub: hub})

	var originCalls, peerCalls, strangerCalls int32
	fetcher := func(n *int32) Fetcher[int32] {
		return func(ctx context.Context) (int32, error) { return atomic.AddInt32(n, 1), nil }
	}
	Register(origin, Key{"tasks"}, fetcher(&originCalls)).Subscribe(func(State[int32]) {})
	Register(peer, Key{"tasks"}, fetcher(&peerCalls)).Subscribe(func(State[int32]) {})
	Register(stranger, Key{"tasks"}, fetcher(&strangerCalls)).Subscribe(func(State[int32]) {})

	if err := origin.Invalidate(context.Background(), Key{"tasks"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if originCalls != 1 {
		t.Fatalf("expected origin to refetch once, got %d", originCalls)
	}
	if peerCalls != 1 {
		t.Fatalf("expected peer to refetch, got %d", peerCalls)
	}
	if strangerCalls != 0 {
		t.Fatalf("other namespace refetched")
	}
	if hub.Clients("u1") != 2 {
		t.Fatalf("expected 2 clients, got %d", hub.Clients("u1"))
	}
	peer.Close()
	if hub.Clients("u1") != 1 {
		t.Fatalf("expected closed client to detach")
	}
}

func TestHubRedisDeliversAcrossInstances(t *testing.T) {
	_, rc := newTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Two hubs on one Redis stand in for two API instances.
	hubA := NewHub(rc, "kuva-invalidations", nil)
	hubB := NewHub(rc, "kuva-invalidations", nil)
	done := make(chan struct{})
	go hubA.Run(ctx)
	go func() {
		hubB.Run(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	a := NewClient("u1", Options{Hub: hubA})
	b := NewClient("u1", Options{Hub: hubB})
	var bCalls int32
	Register(a, Key{"tasks"}, func(ctx context.Context) (int, error) { return 0, nil })
	Register(b, Key{"tasks"}, func(ctx context.Context) (int32, error) {
		return atomic.AddInt32(&bCalls, 1), nil
	}).Subscribe(func(State[int32]) {})

	if err := a.Invalidate(context.Background(), Key{"tasks"}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for atomic.LoadInt32(&bCalls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&bCalls) != 1 {
		t.Fatalf("expected remote client to refetch once, got %d", bCalls)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit")
	}
}
