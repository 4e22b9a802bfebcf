package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Store used by tests. It honors TTLs lazily via an
// injectable clock and detects write conflicts with per-key versions, so the
// optimistic-transaction behavior matches the redis implementation closely
// enough to exercise the retry paths.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	// versions are bumped on every write and delete and survive deletion, so
	// a delete between watch and commit is detected as a conflict.
	versions map[string]uint64
	indexes  map[string]map[string]int64

	// Now is the clock used for TTL expiry. Tests may replace it.
	Now func() time.Time

	// BeforeCommit, if set, runs just before a conditional commit verifies
	// its watch. Tests use it to interleave a competing write.
	BeforeCommit func(key string)
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]memEntry),
		versions: make(map[string]uint64),
		indexes:  make(map[string]map[string]int64),
		Now:      time.Now,
	}
}

// live returns the entry if present and unexpired. Caller holds mu.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.Now().Before(e.expiresAt) {
		delete(m.entries, key)
		m.versions[key]++
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.Now().Add(ttl)
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: m.expiry(ttl)}
	m.versions[key]++
	return nil
}

func (m *Memory) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(key); ok {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expiresAt: m.expiry(ttl)}
	m.versions[key]++
	return true, nil
}

func (m *Memory) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if _, ok := m.entries[key]; ok {
			delete(m.entries, key)
			m.versions[key]++
		}
	}
	return nil
}

func (m *Memory) DelIfEquals(_ context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.value != expected {
		return false, nil
	}
	delete(m.entries, key)
	m.versions[key]++
	return true, nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok {
		return false, nil
	}
	e.expiresAt = m.expiry(ttl)
	m.entries[key] = e
	return true, nil
}

func (m *Memory) Watch(ctx context.Context, key string, fn func(tx Tx) error) error {
	m.mu.Lock()
	version := m.versions[key]
	m.mu.Unlock()

	return fn(&memTx{store: m, key: key, version: version})
}

// TTL reports the remaining lifetime of a key, for test assertions.
// The second return is false if the key is absent or has no expiry.
func (m *Memory) TTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(key)
	if !ok || e.expiresAt.IsZero() {
		return 0, false
	}
	return e.expiresAt.Sub(m.Now()), true
}

func (m *Memory) IndexAdd(_ context.Context, index, member string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[index]
	if !ok {
		idx = make(map[string]int64)
		m.indexes[index] = idx
	}
	idx[member] = at.Unix()
	return nil
}

func (m *Memory) IndexOlderThan(_ context.Context, index string, cutoff time.Time, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type scored struct {
		member string
		score  int64
	}
	var hits []scored
	for member, score := range m.indexes[index] {
		if score <= cutoff.Unix() {
			hits = append(hits, scored{member, score})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score < hits[j].score
		}
		return hits[i].member < hits[j].member
	})
	out := make([]string, 0, len(hits))
	for _, h := range hits {
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
		out = append(out, h.member)
	}
	return out, nil
}

func (m *Memory) IndexRemove(_ context.Context, index string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.indexes[index]
	if !ok {
		return nil
	}
	for _, member := range members {
		delete(idx, member)
	}
	return nil
}

type memTx struct {
	store   *Memory
	key     string
	version uint64
}

func (t *memTx) Get(_ context.Context, key string) (string, bool, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	e, ok := t.store.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (t *memTx) Commit(_ context.Context, fn func(p Pipe)) error {
	if hook := t.store.BeforeCommit; hook != nil {
		hook(t.key)
	}

	p := &memPipe{}
	fn(p)

	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if t.store.versions[t.key] != t.version {
		return ErrTxConflict
	}
	for _, op := range p.ops {
		switch op.kind {
		case opSet:
			t.store.entries[op.key] = memEntry{value: op.value, expiresAt: t.store.expiry(op.ttl)}
			t.store.versions[op.key]++
		case opDel:
			if _, ok := t.store.entries[op.key]; ok {
				delete(t.store.entries, op.key)
				t.store.versions[op.key]++
			}
		case opExpire:
			if e, ok := t.store.live(op.key); ok {
				e.expiresAt = t.store.expiry(op.ttl)
				t.store.entries[op.key] = e
			}
		}
	}
	return nil
}

type opKind int

const (
	opSet opKind = iota
	opDel
	opExpire
)

type memOp struct {
	kind  opKind
	key   string
	value string
	ttl   time.Duration
}

type memPipe struct {
	ops []memOp
}

func (p *memPipe) Set(key, value string, ttl time.Duration) {
	p.ops = append(p.ops, memOp{kind: opSet, key: key, value: value, ttl: ttl})
}

func (p *memPipe) Del(key string) {
	p.ops = append(p.ops, memOp{kind: opDel, key: key})
}

func (p *memPipe) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, memOp{kind: opExpire, key: key, ttl: ttl})
}
