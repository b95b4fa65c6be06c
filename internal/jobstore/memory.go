package jobstore

import (
	"context"
	"sort"
	"sync"

	"memecraft-jobsync/internal/jobserr"
	"memecraft-jobsync/internal/models"
)

// MemoryStore is an in-process Store. Deliveries run synchronously on the writer's goroutine.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]map[string]models.JobRecord
	subs     map[string]map[int]*memorySub
	nextSub  int
	version  uint64
	failWith error
	writes   int
}

type memorySub struct {
	mu     sync.Mutex
	fn     OnChange
	last   uint64
	closed bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[string]models.JobRecord),
		subs:    make(map[string]map[int]*memorySub),
	}
}

// FailWith makes every subsequent operation return err until called with nil.
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	m.failWith = err
	m.mu.Unlock()
}

// Writes returns how many Submit and Update calls reached the store.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// Submit implements Store.
func (m *MemoryStore) Submit(ctx context.Context, path string, rec models.JobRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", jobserr.Wrap(jobserr.CodeStoreUnavailable, "submit", err)
	}
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return "", err
	}
	m.writes++
	key := NewKey()
	part := m.partition(path)
	for {
		if _, exists := part[key]; !exists {
			break
		}
		key = NewKey()
	}
	rec.Key = key
	part[key] = rec
	snap, subs, version := m.changedLocked(path)
	m.mu.Unlock()

	deliver(subs, snap, version)
	return key, nil
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, path, key string, patch models.Patch) error {
	if err := ctx.Err(); err != nil {
		return jobserr.Wrap(jobserr.CodeStoreUnavailable, "update", err)
	}
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return err
	}
	m.writes++
	part := m.partition(path)
	rec, ok := part[key]
	if !ok {
		m.mu.Unlock()
		return jobserr.New(jobserr.CodeNotFound, "record "+key+" not found under "+path)
	}
	part[key] = patch.Apply(rec)
	snap, subs, version := m.changedLocked(path)
	m.mu.Unlock()

	deliver(subs, snap, version)
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, path string) (models.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return models.Snapshot{}, jobserr.Wrap(jobserr.CodeStoreUnavailable, "get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return models.Snapshot{}, m.failWith
	}
	return m.snapshotLocked(path), nil
}

// Subscribe implements Store.
func (m *MemoryStore) Subscribe(ctx context.Context, path string, onChange OnChange) (Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, jobserr.Wrap(jobserr.CodeStoreUnavailable, "subscribe", err)
	}
	m.mu.Lock()
	if m.failWith != nil {
		err := m.failWith
		m.mu.Unlock()
		return nil, err
	}
	sub := &memorySub{fn: onChange}
	id := m.nextSub
	m.nextSub++
	if m.subs[path] == nil {
		m.subs[path] = make(map[int]*memorySub)
	}
	m.subs[path][id] = sub
	snap := m.snapshotLocked(path)
	version := m.version
	m.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			sub.mu.Lock()
			sub.closed = true
			sub.mu.Unlock()
			m.mu.Lock()
			delete(m.subs[path], id)
			m.mu.Unlock()
		})
	}
	deliver([]*memorySub{sub}, snap, version)
	return unsubscribe, nil
}

func (m *MemoryStore) partition(path string) map[string]models.JobRecord {
	part, ok := m.records[path]
	if !ok {
		part = make(map[string]models.JobRecord)
		m.records[path] = part
	}
	return part
}

func (m *MemoryStore) changedLocked(path string) (models.Snapshot, []*memorySub, uint64) {
	m.version++
	subs := make([]*memorySub, 0, len(m.subs[path]))
	for _, s := range m.subs[path] {
		subs = append(subs, s)
	}
	return m.snapshotLocked(path), subs, m.version
}

func (m *MemoryStore) snapshotLocked(path string) models.Snapshot {
	part := m.records[path]
	recs := make([]models.JobRecord, 0, len(part))
	for _, r := range part {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	return models.Snapshot{Path: path, Records: recs}
}

// deliver skips subscribers that already saw a newer version.
func deliver(subs []*memorySub, snap models.Snapshot, version uint64) {
	for _, s := range subs {
		s.mu.Lock()
		if s.closed || version < s.last {
			s.mu.Unlock()
			continue
		}
		s.last = version
		fn := s.fn
		s.mu.Unlock()
		fn(snap)
	}
}
