package anchor

import (
	"context"
	"sort"
	"sync"

	xerrors "BioProof-Chain/internal/errors"
)

// Store 持久化锚定记录与聚合根。
type Store interface {
	// Get 返回 (proofID, strategy, network) 对应的记录，不存在时返回 nil。
	Get(ctx context.Context, proofID string, strategy Strategy, network string) (*Record, error)
	// Create 写入新记录，重复键返回 CONFLICT。
	Create(ctx context.Context, record *Record) error
	ListByProof(ctx context.Context, proofID string) ([]*Record, error)
	PutAggregate(ctx context.Context, agg *Aggregate) error
	// GetAggregate 不存在时返回 nil。
	GetAggregate(ctx context.Context, root string) (*Aggregate, error)
	// AggregatesContaining 返回包含该证明的聚合根。
	AggregatesContaining(ctx context.Context, proofHash string) ([]string, error)
}

// MemoryStore 是线程安全的内存实现。
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[string]*Record
	aggregates map[string]*Aggregate
	members    map[string][]string
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[string]*Record),
		aggregates: make(map[string]*Aggregate),
		members:    make(map[string][]string),
	}
}

func recordKey(proofID string, strategy Strategy, network string) string {
	return proofID + "|" + string(strategy) + "|" + network
}

// Get 实现 Store。
func (s *MemoryStore) Get(_ context.Context, proofID string, strategy Strategy, network string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.records[recordKey(proofID, strategy, network)].Clone(), nil
}

// Create 实现 Store。
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "锚定记录不能为空")
	}
	key := recordKey(record.ProofID, record.Strategy, record.Network)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[key]; exists {
		return xerrors.New(xerrors.CodeConflict, "锚定记录已存在", xerrors.WithMetadata("key", key))
	}
	s.records[key] = record.Clone()
	return nil
}

// ListByProof 实现 Store，按创建时间排序。
func (s *MemoryStore) ListByProof(_ context.Context, proofID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, r := range s.records {
		if r.ProofID == proofID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// PutAggregate 实现 Store，重复写入同一根是幂等的。
func (s *MemoryStore) PutAggregate(_ context.Context, agg *Aggregate) error {
	if agg == nil || agg.Root == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "聚合根不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.aggregates[agg.Root]; exists {
		return nil
	}
	clone := *agg
	clone.Members = append([]string(nil), agg.Members...)
	s.aggregates[agg.Root] = &clone
	for _, m := range clone.Members {
		s.members[m] = append(s.members[m], agg.Root)
	}
	return nil
}

// GetAggregate 实现 Store。
func (s *MemoryStore) GetAggregate(_ context.Context, root string) (*Aggregate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggregates[root]
	if !ok {
		return nil, nil
	}
	clone := *agg
	clone.Members = append([]string(nil), agg.Members...)
	return &clone, nil
}

// AggregatesContaining 实现 Store。
func (s *MemoryStore) AggregatesContaining(_ context.Context, proofHash string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.members[proofHash]...), nil
}
