package hashfallback

import (
	"context"
	"testing"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/proofs"
)

func sampleInputs() proofs.CircuitInputs {
	return proofs.CircuitInputs{
		Readings:            []int64{7200, 7500, 8000},
		ConstraintMin:       5700,
		ConstraintMax:       11500,
		EnvironmentalFactor: 1000,
		DataPointCount:      3,
		Timestamp:           1700000100,
	}
}

func TestComputeIsDeterministicAndVerifies(t *testing.T) {
	b, err := New([]byte("k"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx := context.Background()
	a, err := b.Compute(ctx, sampleInputs())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	c, err := b.Compute(ctx, sampleInputs())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if string(a.Proof) != string(c.Proof) {
		t.Fatalf("fallback output must be deterministic")
	}
	if len(a.Proof) != 64 {
		t.Fatalf("unexpected proof size %d", len(a.Proof))
	}
	ok, err := b.Verify(ctx, a.VerificationKey, a.PublicSignals, a.Proof)
	if err != nil || !ok {
		t.Fatalf("expected proof to verify: ok=%v err=%v", ok, err)
	}
	if b.CryptographicallySound() {
		t.Fatalf("fallback must never claim soundness")
	}
}

func TestVerifyRejectsTamperedSignals(t *testing.T) {
	b, _ := New([]byte("k"))
	ctx := context.Background()
	out, err := b.Compute(ctx, sampleInputs())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	tampered := append([]string(nil), out.PublicSignals...)
	tampered[1] = "20000"
	ok, err := b.Verify(ctx, out.VerificationKey, tampered, out.Proof)
	if err != nil || ok {
		t.Fatalf("tampered signals must not verify: ok=%v err=%v", ok, err)
	}
	ok, _ = b.Verify(ctx, "range_v1:deadbeef", out.PublicSignals, out.Proof)
	if ok {
		t.Fatalf("foreign verification key must not verify")
	}
}

func TestComputeRejectsOutOfRange(t *testing.T) {
	b, _ := New(nil)
	in := sampleInputs()
	in.Readings[0] = 12000
	if _, err := b.Compute(context.Background(), in); xerrors.CodeOf(err) != xerrors.CodeConstraintViolation {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestDifferentKeysCommitDifferently(t *testing.T) {
	a, _ := New([]byte("a"))
	b, _ := New([]byte("b"))
	pa, _ := a.Compute(context.Background(), sampleInputs())
	pb, _ := b.Compute(context.Background(), sampleInputs())
	if string(pa.Proof[:32]) == string(pb.Proof[:32]) {
		t.Fatalf("commitment must depend on the key")
	}
	if ok, _ := a.Verify(context.Background(), pb.VerificationKey, pb.PublicSignals, pb.Proof); !ok {
		t.Fatalf("verification must not require the commitment key")
	}
}
