package constraint

import (
	"context"
	"sync"
	"time"

	"BioProof-Chain/internal/biometric"
)

// Override 是用户为某项指标持久化的区间覆盖。
type Override struct {
	UserID           string               `json:"user_id"`
	MetricType       biometric.MetricType `json:"metric_type"`
	Unit             string               `json:"unit"`
	MinValue         float64              `json:"min_value"`
	MaxValue         float64              `json:"max_value"`
	OptimalValue     *float64             `json:"optimal_value,omitempty"`
	AdjustmentFactor float64              `json:"adjustment_factor"`
	Generation       int64                `json:"generation"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// OverrideStore 抽象用户覆盖的持久化。Put 必须原子地替换记录并递增 Generation。
type OverrideStore interface {
	Get(ctx context.Context, userID string, metric biometric.MetricType) (*Override, error)
	Put(ctx context.Context, override *Override) (*Override, error)
}

type overrideKey struct {
	user   string
	metric biometric.MetricType
}

// MemoryOverrideStore 是线程安全的内存覆盖存储。
type MemoryOverrideStore struct {
	mu      sync.RWMutex
	records map[overrideKey]*Override
}

// NewMemoryOverrideStore 创建内存覆盖存储。
func NewMemoryOverrideStore() *MemoryOverrideStore {
	return &MemoryOverrideStore{records: make(map[overrideKey]*Override)}
}

// Get 返回覆盖记录，不存在时返回 nil。
func (s *MemoryOverrideStore) Get(_ context.Context, userID string, metric biometric.MetricType) (*Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[overrideKey{user: userID, metric: metric}]
	if !ok {
		return nil, nil
	}
	return cloneOverride(rec), nil
}

// Put 替换覆盖记录并返回带新代数的副本。
func (s *MemoryOverrideStore) Put(_ context.Context, override *Override) (*Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := overrideKey{user: override.UserID, metric: override.MetricType}
	next := cloneOverride(override)
	next.Generation = 1
	if prev, ok := s.records[key]; ok {
		next.Generation = prev.Generation + 1
	}
	s.records[key] = next
	return cloneOverride(next), nil
}

func cloneOverride(o *Override) *Override {
	if o == nil {
		return nil
	}
	out := *o
	if o.OptimalValue != nil {
		v := *o.OptimalValue
		out.OptimalValue = &v
	}
	return &out
}

var _ OverrideStore = (*MemoryOverrideStore)(nil)
