package verification

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "BioProof-Chain/internal/errors"
)

// Store 持久化验证请求。
type Store interface {
	Create(ctx context.Context, req *Request) error
	// Get 不存在时返回 NOT_FOUND。
	Get(ctx context.Context, id string) (*Request, error)
	// Transition 仅当当前状态为 from 时写入 req，否则返回 CONFLICT。
	Transition(ctx context.Context, req *Request, from Status) error
	// ListPendingBefore 返回在 deadline 前到期的待决请求。
	ListPendingBefore(ctx context.Context, deadline time.Time) ([]*Request, error)
}

// MemoryStore 是线程安全的内存实现。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

// NewMemoryStore 创建内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

// Create 实现 Store。
func (s *MemoryStore) Create(_ context.Context, req *Request) error {
	if req == nil || req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证请求缺少标识")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.requests[req.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "验证请求已存在", xerrors.WithMetadata("request_id", req.ID))
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// Get 实现 Store。
func (s *MemoryStore) Get(_ context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "验证请求不存在", xerrors.WithMetadata("request_id", id))
	}
	return req.Clone(), nil
}

// Transition 实现 Store。
func (s *MemoryStore) Transition(_ context.Context, req *Request, from Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.requests[req.ID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "验证请求不存在", xerrors.WithMetadata("request_id", req.ID))
	}
	if current.Status != from {
		return xerrors.New(xerrors.CodeConflict, "验证请求状态已变化",
			xerrors.WithMetadata("request_id", req.ID),
			xerrors.WithMetadata("status", string(current.Status)))
	}
	s.requests[req.ID] = req.Clone()
	return nil
}

// ListPendingBefore 实现 Store，按到期时间排序。
func (s *MemoryStore) ListPendingBefore(_ context.Context, deadline time.Time) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if req.Status == StatusPending && !deadline.Before(req.ExpiresAt) {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
