package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func waitForStats(t *testing.T, s *Scheduler, cond func(Stats) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(s.Stats()) {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("stats condition not met, last = %+v", s.Stats())
}

func TestScheduler_SameContextSerializes(t *testing.T) {
	s := New(Config{MaxPerContext: 1, QueueCap: 10})

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Run(context.Background(), "ctx-serial", func() error {
				cur := active.Add(1)

				// Track the max concurrency observed
				for {
					old := maxActive.Load()
					if cur <= old || maxActive.CompareAndSwap(old, cur) {
						break
					}
				}

				time.Sleep(20 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("dispatch failed: %v", err)
			}
		}()
	}

	wg.Wait()

	if m := maxActive.Load(); m > 1 {
		t.Errorf("same context max active = %d, want 1 (should serialize)", m)
	}
}

func TestScheduler_DifferentContextsParallel(t *testing.T) {
	s := New(Config{MaxPerContext: 1, QueueCap: 10})

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for _, id := range []string{"ctx-a", "ctx-b", "ctx-c", "ctx-d"} {
		wg.Add(1)
		go func(contextID string) {
			defer wg.Done()
			err := s.Run(context.Background(), contextID, func() error {
				cur := active.Add(1)
				for {
					old := maxActive.Load()
					if cur <= old || maxActive.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(80 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("dispatch failed: %v", err)
			}
		}(id)
	}

	wg.Wait()

	if m := maxActive.Load(); m < 2 {
		t.Errorf("different contexts max active = %d, want >= 2 (should parallelize)", m)
	}
}

func TestScheduler_EmptyContextBypasses(t *testing.T) {
	s := New(Config{MaxPerContext: 1, QueueCap: 1, Drop: DropNew})

	ran := false
	if err := s.Run(context.Background(), "", func() error { ran = true; return nil }); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !ran {
		t.Fatal("fn did not run")
	}
	if st := s.Stats(); st.Contexts != 0 {
		t.Errorf("empty contextID should not create a queue, stats = %+v", st)
	}
}

func TestScheduler_DropNewPolicy(t *testing.T) {
	s := New(Config{MaxPerContext: 1, QueueCap: 1, Drop: DropNew})

	started := make(chan struct{})
	blockCh := make(chan struct{})
	holdDone := make(chan error, 1)
	go func() {
		holdDone <- s.Run(context.Background(), "ctx-full", func() error {
			close(started)
			<-blockCh
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch didn't start")
	}

	// Fill the single queue slot.
	queued := make(chan error, 1)
	go func() {
		queued <- s.Run(context.Background(), "ctx-full", func() error { return nil })
	}()
	waitForStats(t, s, func(st Stats) bool { return st.Queued == 1 })

	// The queue is full, so the newcomer is rejected outright.
	if err := s.Run(context.Background(), "ctx-full", func() error { return nil }); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(blockCh)
	if err := <-holdDone; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	if err := <-queued; err != nil {
		t.Fatalf("queued dispatch failed: %v", err)
	}
}

func TestScheduler_DropOldPolicy(t *testing.T) {
	s := New(Config{MaxPerContext: 1, QueueCap: 1, Drop: DropOld})

	started := make(chan struct{})
	blockCh := make(chan struct{})
	holdDone := make(chan error, 1)
	go func() {
		holdDone <- s.Run(context.Background(), "ctx-evict", func() error {
			close(started)
			<-blockCh
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch didn't start")
	}

	var oldRan atomic.Bool
	oldQueued := make(chan error, 1)
	go func() {
		oldQueued <- s.Run(context.Background(), "ctx-evict", func() error {
			oldRan.Store(true)
			return nil
		})
	}()
	waitForStats(t, s, func(st Stats) bool { return st.Queued == 1 })

	// The newcomer evicts the queued dispatch and takes its place.
	newQueued := make(chan error, 1)
	go func() {
		newQueued <- s.Run(context.Background(), "ctx-evict", func() error { return nil })
	}()

	select {
	case err := <-oldQueued:
		if err != ErrQueueDropped {
			t.Errorf("expected ErrQueueDropped, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("evicted dispatch never resolved")
	}
	if oldRan.Load() {
		t.Error("evicted dispatch must not run")
	}

	close(blockCh)
	if err := <-holdDone; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	if err := <-newQueued; err != nil {
		t.Fatalf("replacement dispatch failed: %v", err)
	}
}

func TestScheduler_CancelWhileQueued(t *testing.T) {
	s := New(Config{MaxPerContext: 1, QueueCap: 4})

	started := make(chan struct{})
	blockCh := make(chan struct{})
	holdDone := make(chan error, 1)
	go func() {
		holdDone <- s.Run(context.Background(), "ctx-cancel", func() error {
			close(started)
			<-blockCh
			return nil
		})
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch didn't start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	queued := make(chan error, 1)
	go func() {
		queued <- s.Run(ctx, "ctx-cancel", func() error {
			ran.Store(true)
			return nil
		})
	}()
	waitForStats(t, s, func(st Stats) bool { return st.Queued == 1 })

	cancel()

	select {
	case err := <-queued:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canceled dispatch never resolved")
	}
	if ran.Load() {
		t.Error("canceled dispatch must not run")
	}

	// The slot survives: the holder finishes and a fresh dispatch runs.
	close(blockCh)
	if err := <-holdDone; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	if err := s.Run(context.Background(), "ctx-cancel", func() error { return nil }); err != nil {
		t.Fatalf("follow-up dispatch failed: %v", err)
	}
	if st := s.Stats(); st.Active != 0 || st.Queued != 0 {
		t.Errorf("scheduler not drained, stats = %+v", st)
	}
}

func TestScheduler_ErrorReleasesSlot(t *testing.T) {
	s := New(Config{})

	boom := errors.New("dispatch failed")
	if err := s.Run(context.Background(), "ctx-err", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected fn error back, got %v", err)
	}
	if err := s.Run(context.Background(), "ctx-err", func() error { return nil }); err != nil {
		t.Fatalf("slot not released after error: %v", err)
	}
	if st := s.Stats(); st.Active != 0 {
		t.Errorf("active = %d, want 0", st.Active)
	}
}

func TestScheduler_MaxPerContextTwo(t *testing.T) {
	s := New(Config{MaxPerContext: 2, QueueCap: 10})

	var active atomic.Int32
	var maxActive atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Run(context.Background(), "ctx-pair", func() error {
				cur := active.Add(1)
				for {
					old := maxActive.Load()
					if cur <= old || maxActive.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(30 * time.Millisecond)
				active.Add(-1)
				return nil
			})
			if err != nil {
				t.Errorf("dispatch failed: %v", err)
			}
		}()
	}

	wg.Wait()

	if m := maxActive.Load(); m > 2 {
		t.Errorf("max active = %d, want <= 2", m)
	}
	if m := maxActive.Load(); m < 2 {
		t.Errorf("max active = %d, want 2 (both slots should be used)", m)
	}
}

func TestScheduler_Stats(t *testing.T) {
	s := New(Config{MaxPerContext: 1, QueueCap: 4})

	started := make(chan struct{})
	blockCh := make(chan struct{})
	holdDone := make(chan error, 1)
	go func() {
		holdDone <- s.Run(context.Background(), "ctx-a", func() error {
			close(started)
			<-blockCh
			return nil
		})
	}()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first dispatch didn't start")
	}

	queued := make(chan error, 1)
	go func() {
		queued <- s.Run(context.Background(), "ctx-a", func() error { return nil })
	}()
	waitForStats(t, s, func(st Stats) bool { return st.Queued == 1 })

	if err := s.Run(context.Background(), "ctx-b", func() error { return nil }); err != nil {
		t.Fatalf("ctx-b dispatch failed: %v", err)
	}

	st := s.Stats()
	if st.Contexts != 2 {
		t.Errorf("contexts = %d, want 2", st.Contexts)
	}
	if st.Active != 1 {
		t.Errorf("active = %d, want 1", st.Active)
	}
	if st.Queued != 1 {
		t.Errorf("queued = %d, want 1", st.Queued)
	}

	close(blockCh)
	if err := <-holdDone; err != nil {
		t.Fatalf("holder failed: %v", err)
	}
	if err := <-queued; err != nil {
		t.Fatalf("queued dispatch failed: %v", err)
	}
	if st := s.Stats(); st.Active != 0 || st.Queued != 0 {
		t.Errorf("scheduler not drained, stats = %+v", st)
	}
}

func TestNew_Defaults(t *testing.T) {
	s := New(Config{})
	if s.cfg.MaxPerContext != 1 || s.cfg.QueueCap != 64 || s.cfg.Drop != DropOld {
		t.Errorf("defaults not applied: %+v", s.cfg)
	}

	s = New(Config{Drop: "whatever"})
	if s.cfg.Drop != DropOld {
		t.Errorf("unknown drop policy should fall back to old, got %q", s.cfg.Drop)
	}

	s = New(Config{Drop: DropNew})
	if s.cfg.Drop != DropNew {
		t.Errorf("drop=new not preserved, got %q", s.cfg.Drop)
	}
}
