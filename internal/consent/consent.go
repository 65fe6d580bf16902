// Package consent 维护用户对证明生成的授权状态。
package consent

import (
	"context"
	"strings"
	"sync"
	"time"

	xerrors "BioProof-Chain/internal/errors"
)

// Manager 判断用户当前是否授权生成证明。
type Manager interface {
	IsConsentValid(ctx context.Context, userID string) (bool, error)
}

// Grant 记录一次授权。ExpiresAt 为零值表示长期有效。
type Grant struct {
	UserID    string    `json:"user_id"`
	Scope     string    `json:"scope"`
	GrantedAt time.Time `json:"granted_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Revoked   bool      `json:"revoked"`
}

// MemoryManager 是内存实现，适合单实例部署与测试。
type MemoryManager struct {
	mu     sync.RWMutex
	grants map[string]Grant
	now    func() time.Time
}

// NewMemoryManager 创建内存授权管理器。
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{grants: make(map[string]Grant), now: time.Now}
}

// Grant 为用户写入授权，ttl<=0 表示不过期。
func (m *MemoryManager) Grant(userID, scope string, ttl time.Duration) (Grant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Grant{}, xerrors.Validation(xerrors.ReasonMalformedInput, "userId 不能为空")
	}
	now := m.now().UTC()
	g := Grant{UserID: userID, Scope: scope, GrantedAt: now}
	if ttl > 0 {
		g.ExpiresAt = now.Add(ttl)
	}
	m.mu.Lock()
	m.grants[userID] = g
	m.mu.Unlock()
	return g, nil
}

// Revoke 撤销用户授权。
func (m *MemoryManager) Revoke(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.grants[userID]; ok {
		g.Revoked = true
		m.grants[userID] = g
	}
}

// IsConsentValid 实现 Manager 接口。
func (m *MemoryManager) IsConsentValid(_ context.Context, userID string) (bool, error) {
	m.mu.RLock()
	g, ok := m.grants[userID]
	m.mu.RUnlock()
	if !ok || g.Revoked {
		return false, nil
	}
	if !g.ExpiresAt.IsZero() && !m.now().Before(g.ExpiresAt) {
		return false, nil
	}
	return true, nil
}

// AllowAll 在未启用授权校验时使用。
type AllowAll struct{}

// IsConsentValid 始终返回 true。
func (AllowAll) IsConsentValid(context.Context, string) (bool, error) { return true, nil }

var (
	_ Manager = (*MemoryManager)(nil)
	_ Manager = AllowAll{}
)
