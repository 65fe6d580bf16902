package proofs

import (
	"context"
	"sync"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
)

// Store 抽象证明记录的持久化。记录只追加、不修改。
type Store interface {
	Create(ctx context.Context, record *Record) error
	Get(ctx context.Context, proofHash string) (*Record, error)
	FindByDigest(ctx context.Context, digest string) (*Record, error)
	LatestUsable(ctx context.Context, userID string, metric biometric.MetricType, now time.Time) (*Record, error)
}

// MemoryStore 是线程安全的内存实现。
type MemoryStore struct {
	mu       sync.RWMutex
	records  map[string]*Record
	byDigest map[string]string
}

// NewMemoryStore 创建内存证明存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		byDigest: make(map[string]string),
	}
}

// Create 写入记录，哈希或请求摘要重复时返回冲突错误。
func (s *MemoryStore) Create(_ context.Context, record *Record) error {
	if record == nil || record.ProofHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "证明记录缺少哈希")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ProofHash]; exists {
		return xerrors.New(xerrors.CodeConflict, "证明记录已存在", xerrors.WithMetadata("proof_hash", record.ProofHash))
	}
	if record.RequestDigest != "" {
		if _, exists := s.byDigest[record.RequestDigest]; exists {
			return xerrors.New(xerrors.CodeConflict, "相同请求摘要的证明已存在", xerrors.WithMetadata("proof_hash", record.ProofHash))
		}
	}
	s.records[record.ProofHash] = record.Clone()
	if record.RequestDigest != "" {
		s.byDigest[record.RequestDigest] = record.ProofHash
	}
	return nil
}

// Get 根据哈希获取记录。
func (s *MemoryStore) Get(_ context.Context, proofHash string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[proofHash]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "证明不存在", xerrors.WithMetadata("proof_hash", proofHash))
	}
	return rec.Clone(), nil
}

// FindByDigest 按幂等键查找，未找到时返回 nil。
func (s *MemoryStore) FindByDigest(_ context.Context, digest string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.byDigest[digest]
	if !ok {
		return nil, nil
	}
	return s.records[hash].Clone(), nil
}

// LatestUsable 返回用户某指标最新的可用证明。
func (s *MemoryStore) LatestUsable(_ context.Context, userID string, metric biometric.MetricType, now time.Time) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Record
	for _, rec := range s.records {
		if rec.UserID != userID || rec.MetricType != metric || !rec.Usable(now) {
			continue
		}
		if latest == nil || rec.IssuedAt.After(latest.IssuedAt) ||
			(rec.IssuedAt.Equal(latest.IssuedAt) && rec.ProofHash > latest.ProofHash) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, xerrors.New(xerrors.CodeNotFound, "没有可用的证明",
			xerrors.WithMetadata("user_id", userID), xerrors.WithMetadata("metric", string(metric)))
	}
	return latest.Clone(), nil
}

var _ Store = (*MemoryStore)(nil)
