// Package convo buffers AI conversation turns in memory per
// (project, workflow step, user) key and batches them into durable storage.
package convo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Key struct {
	ProjectID string
	Step      int
	UserID    string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%d:%s", k.ProjectID, k.Step, k.UserID)
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Store is the durable side of the buffer. Load returns an empty history for
// unknown keys. Save replaces the whole history for a key in one upsert.
type Store interface {
	Load(ctx context.Context, key Key) ([]Turn, error)
	Save(ctx context.Context, key Key, turns []Turn) error
	Delete(ctx context.Context, key Key) error
}

// Manager owns all in-memory buffers for the process. Construct exactly one
// per durable store and inject it; a second instance would hold its own
// buffers and lose turns on flush interleaving.
type Manager struct {
	store  Store
	cap    int
	logger *zap.Logger

	mu      sync.Mutex
	buffers map[Key][]Turn
	// gates serialize capture-persist-trim per key so two flushes cannot
	// both persist the same captured turns, and so reads cannot observe a
	// half-applied flush. Entries are reference-counted and removed when the
	// last holder releases, keeping the map bounded by live keys.
	gates map[Key]*keyGate
}

type keyGate struct {
	mu   sync.Mutex
	refs int
}

func NewManager(store Store, retentionCap int, logger *zap.Logger) *Manager {
	if retentionCap <= 0 {
		retentionCap = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		cap:     retentionCap,
		logger:  logger,
		buffers: make(map[Key][]Turn),
		gates:   make(map[Key]*keyGate),
	}
}

// Enqueue appends a turn with a server-assigned timestamp. It never touches
// durable storage.
func (m *Manager) Enqueue(key Key, role, content string) Turn {
	turn := Turn{Role: role, Content: content, Timestamp: time.Now().UTC()}
	m.mu.Lock()
	m.buffers[key] = append(m.buffers[key], turn)
	m.mu.Unlock()
	return turn
}

// CurrentMessages returns durable history followed by any buffered turns, so
// a caller always sees its own just-sent turns before a flush. The read holds
// the key's gate: a flush cannot trim the buffer between the durable load and
// the buffer snapshot, which would make a just-enqueued turn invisible.
func (m *Manager) CurrentMessages(ctx context.Context, key Key) ([]Turn, error) {
	gate := m.lockKey(key)
	defer m.unlockKey(key, gate)

	durable, err := m.store.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	m.mu.Lock()
	buffered := make([]Turn, len(m.buffers[key]))
	copy(buffered, m.buffers[key])
	m.mu.Unlock()

	return append(durable, buffered...), nil
}

// Flush persists the buffered turns for key. The buffered slice is snapshotted
// but NOT cleared before the durable write: only after the store confirms the
// write are exactly the snapshotted turns trimmed from the buffer. A turn
// enqueued mid-flush stays buffered for the next flush, and a failed write
// leaves the buffer whole so the caller can retry without losing data.
func (m *Manager) Flush(ctx context.Context, key Key) error {
	gate := m.lockKey(key)
	defer m.unlockKey(key, gate)

	m.mu.Lock()
	snapshot := make([]Turn, len(m.buffers[key]))
	copy(snapshot, m.buffers[key])
	m.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	durable, err := m.store.Load(ctx, key)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	merged := append(durable, snapshot...)
	merged = capTurns(merged, m.cap)

	if err := m.store.Save(ctx, key, merged); err != nil {
		m.logger.Warn("conversation flush failed, buffer retained",
			zap.String("key", key.String()),
			zap.Int("buffered", len(snapshot)),
			zap.Error(err))
		return fmt.Errorf("save conversation: %w", err)
	}

	m.mu.Lock()
	m.buffers[key] = trimPrefix(m.buffers[key], len(snapshot))
	if len(m.buffers[key]) == 0 {
		delete(m.buffers, key)
	}
	m.mu.Unlock()
	return nil
}

// ReplaceAll overwrites durable history outright and drops any buffered turns
// so stale ones cannot reappear on a later flush.
func (m *Manager) ReplaceAll(ctx context.Context, key Key, turns []Turn) error {
	gate := m.lockKey(key)
	defer m.unlockKey(key, gate)

	if err := m.store.Save(ctx, key, capTurns(turns, m.cap)); err != nil {
		return fmt.Errorf("replace conversation: %w", err)
	}

	m.mu.Lock()
	delete(m.buffers, key)
	m.mu.Unlock()
	return nil
}

// Clear deletes the durable record and the buffer for key.
func (m *Manager) Clear(ctx context.Context, key Key) error {
	gate := m.lockKey(key)
	defer m.unlockKey(key, gate)

	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("clear conversation: %w", err)
	}

	m.mu.Lock()
	delete(m.buffers, key)
	m.mu.Unlock()
	return nil
}

// FlushAll flushes every key with buffered turns. Used by the background tick
// and the shutdown drain.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.buffers))
	for key := range m.buffers {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, key := range keys {
		key := key
		group.Go(func() error {
			return m.Flush(groupCtx, key)
		})
	}
	return group.Wait()
}

// BufferedCount reports how many turns are awaiting flush for key.
func (m *Manager) BufferedCount(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buffers[key])
}

// lockKey acquires the gate for key, creating it on first use. The refcount
// is taken under m.mu before blocking on the gate itself, so unlockKey never
// removes a gate another goroutine is about to wait on.
func (m *Manager) lockKey(key Key) *keyGate {
	m.mu.Lock()
	gate, ok := m.gates[key]
	if !ok {
		gate = &keyGate{}
		m.gates[key] = gate
	}
	gate.refs++
	m.mu.Unlock()

	gate.mu.Lock()
	return gate
}

func (m *Manager) unlockKey(key Key, gate *keyGate) {
	gate.mu.Unlock()

	m.mu.Lock()
	gate.refs--
	if gate.refs == 0 {
		delete(m.gates, key)
	}
	m.mu.Unlock()
}

func capTurns(turns []Turn, limit int) []Turn {
	if len(turns) <= limit {
		return turns
	}
	return turns[len(turns)-limit:]
}

func trimPrefix(turns []Turn, n int) []Turn {
	if n >= len(turns) {
		return nil
	}
	rest := make([]Turn, len(turns)-n)
	copy(rest, turns[n:])
	return rest
}
