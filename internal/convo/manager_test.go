package convo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func setupManager(t *testing.T, retentionCap int) (*Manager, *RedisStore) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(store, retentionCap, zap.NewNop()), store
}

func testKey() Key {
	return Key{ProjectID: "prj-1", Step: 3, UserID: "user-1"}
}

func contents(turns []Turn) []string {
	out := make([]string, 0, len(turns))
	for _, turn := range turns {
		out = append(out, turn.Content)
	}
	return out
}

func TestEnqueueIsVisibleBeforeFlush(t *testing.T) {
	manager, _ := setupManager(t, 50)
	ctx := context.Background()
	key := testKey()

	manager.Enqueue(key, RoleUser, "first")
	manager.Enqueue(key, RoleAssistant, "second")

	messages, err := manager.CurrentMessages(ctx, key)
	if err != nil {
		t.Fatalf("CurrentMessages failed: %v", err)
	}
	got := contents(messages)
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected messages before flush: %v", got)
	}
}

func TestFlushPersistsAndClearsBuffer(t *testing.T) {
	manager, store := setupManager(t, 50)
	ctx := context.Background()
	key := testKey()

	manager.Enqueue(key, RoleUser, "hello")
	manager.Enqueue(key, RoleAssistant, "hi there")

	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if n := manager.BufferedCount(key); n != 0 {
		t.Fatalf("buffer should be empty after flush, has %d turns", n)
	}

	durable, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := contents(durable); len(got) != 2 || got[0] != "hello" || got[1] != "hi there" {
		t.Fatalf("unexpected durable turns: %v", got)
	}
}

func TestFlushTwiceIsIdempotent(t *testing.T) {
	manager, store := setupManager(t, 50)
	ctx := context.Background()
	key := testKey()

	manager.Enqueue(key, RoleUser, "only once")
	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("first Flush failed: %v", err)
	}
	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}

	durable, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(durable) != 1 {
		t.Fatalf("turn duplicated by repeated flush: %v", contents(durable))
	}

	messages, err := manager.CurrentMessages(ctx, key)
	if err != nil {
		t.Fatalf("CurrentMessages failed: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected durable-only view after flush, got %v", contents(messages))
	}
}

func TestFlushAppliesRetentionCap(t *testing.T) {
	manager, store := setupManager(t, 3)
	ctx := context.Background()
	key := testKey()

	for _, content := range []string{"a", "b", "c", "d", "e"} {
		manager.Enqueue(key, RoleUser, content)
	}
	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	durable, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := contents(durable); len(got) != 3 || got[0] != "c" || got[2] != "e" {
		t.Fatalf("retention cap should keep newest turns, got %v", got)
	}
}

func TestReplaceAllDropsStaleBuffer(t *testing.T) {
	manager, store := setupManager(t, 50)
	ctx := context.Background()
	key := testKey()

	manager.Enqueue(key, RoleUser, "stale")
	replacement := []Turn{{Role: RoleUser, Content: "edited"}}
	if err := manager.ReplaceAll(ctx, key, replacement); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("Flush after ReplaceAll failed: %v", err)
	}
	durable, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := contents(durable); len(got) != 1 || got[0] != "edited" {
		t.Fatalf("stale buffered turn reappeared: %v", got)
	}
}

func TestClearRemovesDurableAndBuffer(t *testing.T) {
	manager, _ := setupManager(t, 50)
	ctx := context.Background()
	key := testKey()

	manager.Enqueue(key, RoleUser, "gone soon")
	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	manager.Enqueue(key, RoleUser, "buffered")

	if err := manager.Clear(ctx, key); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	messages, err := manager.CurrentMessages(ctx, key)
	if err != nil {
		t.Fatalf("CurrentMessages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty conversation after Clear, got %v", contents(messages))
	}
}

func TestKeysAreIsolated(t *testing.T) {
	manager, _ := setupManager(t, 50)
	ctx := context.Background()
	keyA := Key{ProjectID: "prj-1", Step: 3, UserID: "user-a"}
	keyB := Key{ProjectID: "prj-1", Step: 3, UserID: "user-b"}

	manager.Enqueue(keyA, RoleUser, "for a")
	manager.Enqueue(keyB, RoleUser, "for b")
	if err := manager.Flush(ctx, keyA); err != nil {
		t.Fatalf("Flush keyA failed: %v", err)
	}

	messagesB, err := manager.CurrentMessages(ctx, keyB)
	if err != nil {
		t.Fatalf("CurrentMessages keyB failed: %v", err)
	}
	if got := contents(messagesB); len(got) != 1 || got[0] != "for b" {
		t.Fatalf("keyB state leaked: %v", got)
	}
	if n := manager.BufferedCount(keyB); n != 1 {
		t.Fatalf("keyB buffer should be untouched, has %d turns", n)
	}
}

// stubStore lets tests interleave work with the durable write, in the style
// of the app package's function-field fake store.
type stubStore struct {
	mu     sync.Mutex
	saved  map[Key][]Turn
	saveFn func(ctx context.Context, key Key, turns []Turn) error
	loadFn func(ctx context.Context, key Key) error
}

func newStubStore() *stubStore {
	return &stubStore{saved: make(map[Key][]Turn)}
}

func (s *stubStore) Load(ctx context.Context, key Key) ([]Turn, error) {
	if s.loadFn != nil {
		if err := s.loadFn(ctx, key); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Turn(nil), s.saved[key]...), nil
}

func (s *stubStore) Save(ctx context.Context, key Key, turns []Turn) error {
	if s.saveFn != nil {
		if err := s.saveFn(ctx, key, turns); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[key] = append([]Turn(nil), turns...)
	return nil
}

func (s *stubStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, key)
	return nil
}

func TestFlushKeepsTurnEnqueuedMidFlight(t *testing.T) {
	store := newStubStore()
	manager := NewManager(store, 50, zap.NewNop())
	ctx := context.Background()
	key := testKey()

	manager.Enqueue(key, RoleUser, "captured")

	// Enqueue lands after the flush snapshot but before the durable write.
	store.saveFn = func(context.Context, Key, []Turn) error {
		manager.Enqueue(key, RoleUser, "late arrival")
		return nil
	}

	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if n := manager.BufferedCount(key); n != 1 {
		t.Fatalf("late turn must stay buffered, buffer has %d turns", n)
	}

	store.saveFn = nil
	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("second Flush failed: %v", err)
	}
	durable, _ := store.Load(ctx, key)
	if got := contents(durable); len(got) != 2 || got[0] != "captured" || got[1] != "late arrival" {
		t.Fatalf("mid-flight turn lost or reordered: %v", got)
	}
}

func TestFailedFlushLeavesBufferIntact(t *testing.T) {
	store := newStubStore()
	manager := NewManager(store, 50, zap.NewNop())
	ctx := context.Background()
	key := testKey()

	manager.Enqueue(key, RoleUser, "precious")
	store.saveFn = func(context.Context, Key, []Turn) error {
		return errors.New("store unavailable")
	}

	if err := manager.Flush(ctx, key); err == nil {
		t.Fatal("expected flush error")
	}
	if n := manager.BufferedCount(key); n != 1 {
		t.Fatalf("buffer must survive failed flush, has %d turns", n)
	}

	store.saveFn = nil
	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("retry Flush failed: %v", err)
	}
	durable, _ := store.Load(ctx, key)
	if got := contents(durable); len(got) != 1 || got[0] != "precious" {
		t.Fatalf("turn lost after retry: %v", got)
	}
}

func TestCurrentMessagesSeesEnqueuedTurnDuringConcurrentFlush(t *testing.T) {
	store := newStubStore()
	manager := NewManager(store, 50, zap.NewNop())
	ctx := context.Background()
	key := testKey()

	// The first durable load stalls so that a flush can race the read.
	loadStarted := make(chan struct{})
	releaseLoad := make(chan struct{})
	var loads int32
	store.loadFn = func(context.Context, Key) error {
		if atomic.AddInt32(&loads, 1) == 1 {
			close(loadStarted)
			<-releaseLoad
		}
		return nil
	}

	manager.Enqueue(key, RoleUser, "t1")

	type readResult struct {
		turns []Turn
		err   error
	}
	readCh := make(chan readResult, 1)
	go func() {
		turns, err := manager.CurrentMessages(ctx, key)
		readCh <- readResult{turns: turns, err: err}
	}()
	<-loadStarted

	flushCh := make(chan error, 1)
	go func() { flushCh <- manager.Flush(ctx, key) }()

	// Give the flush time to run; it must not trim the buffer out from under
	// the stalled read.
	time.Sleep(50 * time.Millisecond)
	close(releaseLoad)

	read := <-readCh
	if read.err != nil {
		t.Fatalf("CurrentMessages failed: %v", read.err)
	}
	if got := contents(read.turns); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("enqueued turn invisible during concurrent flush: %v", got)
	}
	if err := <-flushCh; err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
}

func TestIdleKeysRetainNoGates(t *testing.T) {
	manager, _ := setupManager(t, 50)
	ctx := context.Background()
	key := testKey()

	manager.Enqueue(key, RoleUser, "hello")
	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if _, err := manager.CurrentMessages(ctx, key); err != nil {
		t.Fatalf("CurrentMessages failed: %v", err)
	}
	if err := manager.Clear(ctx, key); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	manager.mu.Lock()
	gates := len(manager.gates)
	manager.mu.Unlock()
	if gates != 0 {
		t.Fatalf("idle keys should release their gates, %d retained", gates)
	}
}

func TestConcurrentEnqueueAndFlush(t *testing.T) {
	manager, store := setupManager(t, 1000)
	ctx := context.Background()
	key := testKey()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				manager.Enqueue(key, RoleUser, "turn")
				if j%5 == 0 {
					_ = manager.Flush(ctx, key)
				}
			}
		}()
	}
	wg.Wait()

	if err := manager.Flush(ctx, key); err != nil {
		t.Fatalf("final Flush failed: %v", err)
	}
	durable, err := store.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(durable) != 100 {
		t.Fatalf("expected 100 durable turns, got %d", len(durable))
	}
	if n := manager.BufferedCount(key); n != 0 {
		t.Fatalf("expected empty buffer, has %d turns", n)
	}
}
