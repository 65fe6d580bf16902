package consent

import (
	"context"
	"testing"
	"time"
)

func TestGrantRevokeAndExpiry(t *testing.T) {
	m := NewMemoryManager()
	now := time.Unix(1700000000, 0)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	if ok, _ := m.IsConsentValid(ctx, "u1"); ok {
		t.Fatalf("unknown user must not have consent")
	}
	if _, err := m.Grant("u1", "proofs", time.Hour); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, _ := m.IsConsentValid(ctx, "u1"); !ok {
		t.Fatalf("expected consent after grant")
	}
	now = now.Add(2 * time.Hour)
	if ok, _ := m.IsConsentValid(ctx, "u1"); ok {
		t.Fatalf("expired grant must be invalid")
	}

	if _, err := m.Grant("u2", "proofs", 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	m.Revoke("u2")
	if ok, _ := m.IsConsentValid(ctx, "u2"); ok {
		t.Fatalf("revoked grant must be invalid")
	}
}

func TestGrantRejectsEmptyUser(t *testing.T) {
	if _, err := NewMemoryManager().Grant(" ", "proofs", 0); err == nil {
		t.Fatalf("expected validation error")
	}
}
