package proofs_test

import (
	"context"
	"testing"
	"time"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/proofs"
)

func issue(t *testing.T, h *harness) *proofs.Record {
	t.Helper()
	rec, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: heartRate(72, 90), Environment: altitude3000()})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return rec
}

func TestVerifyValidProof(t *testing.T) {
	h := newHarness(t)
	rec := issue(t, h)
	res, err := h.verifier.Verify(context.Background(), rec.ProofHash, rec.VerificationKey, rec.PublicInputs)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.IsValid || !res.StructurallyValid || !res.CryptographicallyValid {
		t.Fatalf("expected valid proof, got %+v", res)
	}
	if res.CryptographicallySound {
		t.Fatalf("fallback proofs must be reported as unsound")
	}
}

func TestVerifyRejectsInvertedBandRegardlessOfProof(t *testing.T) {
	h := newHarness(t)
	rec := issue(t, h)
	in := rec.PublicInputs
	in.ConstraintMax = in.ConstraintMin
	res, err := h.verifier.Verify(context.Background(), rec.ProofHash, rec.VerificationKey, in)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsValid || res.StructurallyValid {
		t.Fatalf("max <= min must be structurally invalid: %+v", res)
	}
}

func TestVerifyStructuralChecks(t *testing.T) {
	h := newHarness(t)
	rec := issue(t, h)
	cases := map[string]func(*proofs.PublicInputs) string{
		"hash":      func(*proofs.PublicInputs) string { return "ABC" },
		"count":     func(in *proofs.PublicInputs) string { in.DataPointCount = 1001; return rec.ProofHash },
		"zeroCount": func(in *proofs.PublicInputs) string { in.DataPointCount = 0; return rec.ProofHash },
		"timestamp": func(in *proofs.PublicInputs) string { in.Timestamp = 0; return rec.ProofHash },
	}
	for name, mutate := range cases {
		in := rec.PublicInputs
		hash := mutate(&in)
		res, err := h.verifier.Verify(context.Background(), hash, rec.VerificationKey, in)
		if err != nil {
			t.Fatalf("%s: verify: %v", name, err)
		}
		if res.IsValid || len(res.Details) == 0 {
			t.Fatalf("%s: expected structural failure, got %+v", name, res)
		}
	}
}

func TestVerifyDetectsTamperedInputs(t *testing.T) {
	h := newHarness(t)
	rec := issue(t, h)
	in := rec.PublicInputs
	in.ConstraintMax += 100
	res, err := h.verifier.Verify(context.Background(), rec.ProofHash, rec.VerificationKey, in)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsValid || res.CryptographicallyValid {
		t.Fatalf("tampered inputs must fail cryptographic verification: %+v", res)
	}
}

func TestVerifyExpiredProof(t *testing.T) {
	h := newHarness(t)
	rec := issue(t, h)
	h.now = rec.ExpiresAt
	res, err := h.verifier.Verify(context.Background(), rec.ProofHash, rec.VerificationKey, rec.PublicInputs)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsValid || !res.Expired {
		t.Fatalf("expired proof must be unusable: %+v", res)
	}
	if _, err := h.verifier.VerifyAttribute(context.Background(), rec.ProofHash, proofs.AttrWithinRange); xerrors.CodeOf(err) != xerrors.CodeExpired {
		t.Fatalf("expected expired error, got %v", err)
	}
}

type anchorStub map[string]bool

func (a anchorStub) IsAnchored(_ context.Context, id string) (bool, error) { return a[id], nil }

func TestVerifyRequiresAnchorWhenConfigured(t *testing.T) {
	h := newHarness(t)
	rec := issue(t, h)
	anchors := anchorStub{}
	v := proofs.NewVerifier(h.store, []proofs.Backend{h.fallback},
		proofs.WithAnchorRequirement(anchors),
		proofs.WithVerifierClock(func() time.Time { return h.now }))

	res, err := v.VerifyRecord(context.Background(), rec)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.IsValid || res.Anchored == nil || *res.Anchored {
		t.Fatalf("unanchored proof must be unusable: %+v", res)
	}
	anchors[rec.ProofHash] = true
	res, _ = v.VerifyRecord(context.Background(), rec)
	if !res.IsValid {
		t.Fatalf("anchored proof must be valid: %+v", res)
	}
}

func TestVerifyAttributeDisclosesOnlyNamedValue(t *testing.T) {
	h := newHarness(t)
	rec := issue(t, h)
	d, err := h.verifier.VerifyAttribute(context.Background(), rec.ProofHash, proofs.AttrWithinRange)
	if err != nil {
		t.Fatalf("attribute: %v", err)
	}
	if d.Value != true || d.Name != proofs.AttrWithinRange {
		t.Fatalf("unexpected disclosure %+v", d)
	}
	d, err = h.verifier.VerifyAttribute(context.Background(), rec.ProofHash, proofs.AttrConstraintMax)
	if err != nil || d.Value != int64(11500) {
		t.Fatalf("unexpected constraintMax disclosure %+v err=%v", d, err)
	}
	if _, err := h.verifier.VerifyAttribute(context.Background(), rec.ProofHash, "readings"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("raw readings are not an attribute, got %v", err)
	}
}

func TestVerifyUnknownProof(t *testing.T) {
	h := newHarness(t)
	rec := issue(t, h)
	other := "0000000000000000000000000000000000000000000000000000000000000000"
	if _, err := h.verifier.Verify(context.Background(), other, rec.VerificationKey, rec.PublicInputs); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
