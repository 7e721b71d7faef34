package d3

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// ============================================================================
// Store contract
// ============================================================================

// Partition names a keyspace inside the local store.
type Partition string

const (
	PartitionResponses    Partition = "responses"
	PartitionGroupContext Partition = "group_context"
	PartitionMemberships  Partition = "memberships"
	PartitionPassages     Partition = "passages"
	PartitionDeadLetter   Partition = "deadletter"
	// PartitionWeeks marks weeks whose answers were read from the remote at
	// least once, so an empty week is still served offline.
	PartitionWeeks        Partition = "weeks"
)

// QueueRecord is the persisted form of a queued intent: { kind, createdAt, payload }.
// ID is assigned by the store and never leaves the device.
type QueueRecord struct {
	ID        int64           `json:"-"`
	Kind      string          `json:"kind"`
	CreatedAt int64           `json:"createdAt"`
	Payload   json.RawMessage `json:"payload"`
}

// Entry is one key/value pair returned by List.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the local durable store. Every call is atomic and durable before it
// returns. Backend failures are wrapped with ErrStorageUnavailable.
type Store interface {
	Put(ctx context.Context, p Partition, key string, value []byte) error
	// Get returns (nil, false, nil) when the key is absent.
	Get(ctx context.Context, p Partition, key string) ([]byte, bool, error)
	Delete(ctx context.Context, p Partition, key string) error
	List(ctx context.Context, p Partition) ([]Entry, error)

	AppendQueue(ctx context.Context, rec QueueRecord) (int64, error)
	// ListQueue returns the queue ordered by (CreatedAt, ID).
	ListQueue(ctx context.Context) ([]QueueRecord, error)
	RemoveQueue(ctx context.Context, id int64) error

	Close() error
}

func sortQueue(recs []QueueRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].CreatedAt != recs[j].CreatedAt {
			return recs[i].CreatedAt < recs[j].CreatedAt
		}
		return recs[i].ID < recs[j].ID
	})
}

// ============================================================================
// MemoryStore
// ============================================================================

// MemoryStore is a goroutine-safe in-memory Store. It is not durable across
// restarts and is meant for tests and throwaway sessions.
type MemoryStore struct {
	mu     sync.RWMutex
	parts  map[Partition]map[string][]byte
	queue  map[int64]QueueRecord
	nextID int64
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		parts: make(map[Partition]map[string][]byte),
		queue: make(map[int64]QueueRecord),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return storageError(op, err)
	}
	if s.closed {
		return storageError(op, errStoreClosed)
	}
	return nil
}

func (s *MemoryStore) Put(ctx context.Context, p Partition, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "put"); err != nil {
		return err
	}
	m := s.parts[p]
	if m == nil {
		m = make(map[string][]byte)
		s.parts[p] = m
	}
	m[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, p Partition, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "get"); err != nil {
		return nil, false, err
	}
	v, ok := s.parts[p][key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Delete(ctx context.Context, p Partition, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "delete"); err != nil {
		return err
	}
	delete(s.parts[p], key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, p Partition) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "list"); err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(s.parts[p]))
	for k, v := range s.parts[p] {
		out = append(out, Entry{Key: k, Value: append([]byte(nil), v...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryStore) AppendQueue(ctx context.Context, rec QueueRecord) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "append queue"); err != nil {
		return 0, err
	}
	s.nextID++
	rec.ID = s.nextID
	rec.Payload = append(json.RawMessage(nil), rec.Payload...)
	s.queue[rec.ID] = rec
	return rec.ID, nil
}

func (s *MemoryStore) ListQueue(ctx context.Context) ([]QueueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx, "list queue"); err != nil {
		return nil, err
	}
	out := make([]QueueRecord, 0, len(s.queue))
	for _, rec := range s.queue {
		out = append(out, rec)
	}
	sortQueue(out)
	return out, nil
}

func (s *MemoryStore) RemoveQueue(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, "remove queue"); err != nil {
		return err
	}
	delete(s.queue, id)
	return nil
}

// Close makes every later call fail with ErrStorageUnavailable.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
