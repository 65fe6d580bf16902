package proofs_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/consent"
	"BioProof-Chain/internal/constraint"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/plausibility"
	"BioProof-Chain/internal/proofs"
	"BioProof-Chain/internal/proofs/circuit"
	"BioProof-Chain/internal/proofs/hashfallback"
)

var fixedNow = time.Date(2025, 3, 1, 12, 2, 30, 0, time.UTC)

type harness struct {
	store    *proofs.MemoryStore
	consent  *consent.MemoryManager
	gen      *proofs.Generator
	verifier *proofs.Verifier
	fallback *hashfallback.Backend
	now      time.Time
}

func newHarness(t *testing.T, opts ...proofs.GeneratorOption) *harness {
	t.Helper()
	h := &harness{store: proofs.NewMemoryStore(), consent: consent.NewMemoryManager(), now: fixedNow}
	fb, err := hashfallback.New([]byte("test-key"))
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	h.fallback = fb
	if _, err := h.consent.Grant("alice", "proofs", 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	clock := func() time.Time { return h.now }
	base := []proofs.GeneratorOption{
		proofs.WithPrimaryBackend(circuit.New(t.TempDir(), "range_v1")),
		proofs.WithFallbackBackend(fb),
		proofs.WithConsent(h.consent),
		proofs.WithClock(clock),
	}
	gen, err := proofs.NewGenerator(proofs.Config{Secret: []byte("s")}, h.store, constraint.NewResolver(nil), append(base, opts...)...)
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	h.gen = gen
	h.verifier = proofs.NewVerifier(h.store, []proofs.Backend{fb}, proofs.WithVerifierClock(clock))
	return h
}

func heartRate(values ...float64) []biometric.Reading {
	out := make([]biometric.Reading, len(values))
	for i, v := range values {
		out[i] = biometric.Reading{MetricType: biometric.MetricHeartRate, Value: v, Unit: "bpm", Timestamp: fixedNow}
	}
	return out
}

func altitude3000() biometric.EnvironmentalContext {
	return biometric.EnvironmentalContext{Altitude: 3000, Temperature: 12, Pressure: 1000}
}

func TestGenerateFallsBackWhenArtifactsMissing(t *testing.T) {
	h := newHarness(t)
	rec, err := h.gen.Generate(context.Background(), proofs.Request{
		UserID:      "alice",
		Readings:    heartRate(72, 88, 112),
		Environment: altitude3000(),
	})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rec.CryptographicallySound || rec.CircuitID != hashfallback.CircuitID {
		t.Fatalf("expected labelled fallback record, got %+v", rec)
	}
	if !rec.Verified || !proofs.ValidProofHash(rec.ProofHash) {
		t.Fatalf("record must be self-verified with a valid hash: %+v", rec)
	}
	in := rec.PublicInputs
	if in.ConstraintMin != 5700 || in.ConstraintMax != 11500 || in.EnvironmentalFactor != 1000 || in.DataPointCount != 3 {
		t.Fatalf("unexpected public inputs %+v", in)
	}
	if in.Timestamp != time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC).Unix() {
		t.Fatalf("timestamp must be the bucket start, got %d", in.Timestamp)
	}
	if !in.EnvironmentallyAdjusted || in.RiskLevel != biometric.RiskMedium || rec.PrivacyLevel != biometric.PrivacyMinimal {
		t.Fatalf("unexpected derived attributes %+v", in)
	}
	if !rec.ExpiresAt.Equal(fixedNow.Add(24 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", rec.ExpiresAt)
	}
}

func TestGenerateRejectsOutOfBandWithoutPersisting(t *testing.T) {
	h := newHarness(t)
	_, err := h.gen.Generate(context.Background(), proofs.Request{
		UserID:      "alice",
		Readings:    heartRate(72, 130),
		Environment: altitude3000(),
	})
	if xerrors.CodeOf(err) != xerrors.CodeConstraintViolation {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	if _, err := h.store.LatestUsable(context.Background(), "alice", biometric.MetricHeartRate, fixedNow); xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("no record may be written on rejection, got %v", err)
	}
}

func TestGenerateIsIdempotentWithinBucket(t *testing.T) {
	h := newHarness(t)
	req := proofs.Request{UserID: "alice", Readings: heartRate(72, 80), Environment: altitude3000()}
	first, err := h.gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	h.now = fixedNow.Add(time.Minute)
	second, err := h.gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first.ProofHash != second.ProofHash {
		t.Fatalf("resubmission within one bucket must return the same record")
	}
	h.now = fixedNow.Add(10 * time.Minute)
	third, err := h.gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if third.ProofHash == first.ProofHash {
		t.Fatalf("a new bucket must yield a new hash")
	}
}

func TestGenerateRequiresConsent(t *testing.T) {
	h := newHarness(t)
	h.consent.Revoke("alice")
	_, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: heartRate(72)})
	if xerrors.MetadataOf(err)["reason"] != xerrors.ReasonConsentRequired {
		t.Fatalf("expected consent_required, got %v", err)
	}
}

func TestGenerateRejectsMixedMetrics(t *testing.T) {
	h := newHarness(t)
	readings := heartRate(72)
	readings = append(readings, biometric.Reading{MetricType: biometric.MetricSteps, Value: 9000, Unit: "steps"})
	_, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: readings})
	if xerrors.MetadataOf(err)["reason"] != xerrors.ReasonMixedMetrics {
		t.Fatalf("expected mixed_metrics, got %v", err)
	}
}

func TestGenerateRejectsMalformedReading(t *testing.T) {
	h := newHarness(t)
	_, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: heartRate(-3)})
	if xerrors.MetadataOf(err)["reason"] != xerrors.ReasonMalformedInput {
		t.Fatalf("expected malformed_input, got %v", err)
	}
}

func TestGenerateNarrowsToCallerBand(t *testing.T) {
	h := newHarness(t)
	band := &biometric.ConstraintParameters{
		MinValue:                65,
		MaxValue:                90,
		Unit:                    "bpm",
		EnvironmentallyAdjusted: true,
		RiskLevel:               biometric.RiskHigh,
		EnvironmentalFactors:    []string{biometric.FactorHighAltitude},
	}
	rec, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: heartRate(70, 80), Constraints: band})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	in := rec.PublicInputs
	if in.ConstraintMin != 6500 || in.ConstraintMax != 9000 {
		t.Fatalf("caller band not used: %+v", in)
	}
	if in.EnvironmentallyAdjusted || in.RiskLevel != biometric.RiskLow || len(in.EnvironmentalFactors) != 0 {
		t.Fatalf("environment attributes must come from the resolver, got %+v", in)
	}
}

func TestGenerateRejectsCallerBandWiderThanResolved(t *testing.T) {
	h := newHarness(t)
	band := &biometric.ConstraintParameters{MinValue: 0, MaxValue: 1000, EnvironmentallyAdjusted: true}
	_, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: heartRate(250), Constraints: band})
	if xerrors.CodeOf(err) != xerrors.CodeConstraintViolation {
		t.Fatalf("expected constraint violation, got %v", err)
	}
	meta := xerrors.MetadataOf(err)
	if meta["min"] != "60" || meta["max"] != "100" {
		t.Fatalf("expected resolved bounds in metadata, got %v", meta)
	}
	if rec, _ := h.store.LatestUsable(context.Background(), "alice", biometric.MetricHeartRate, h.now); rec != nil {
		t.Fatalf("no record may be stored, got %s", rec.ProofHash)
	}
}

func TestGenerateRejectsUnencodableCallerBand(t *testing.T) {
	h := newHarness(t)
	band := &biometric.ConstraintParameters{MinValue: -10, MaxValue: 90}
	_, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: heartRate(72), Constraints: band})
	if xerrors.MetadataOf(err)["reason"] != xerrors.ReasonMalformedInput {
		t.Fatalf("expected malformed_input, got %v", err)
	}
}

func TestMaxAdjustmentFactorFitsCircuit(t *testing.T) {
	if proofs.ScaleFactor(constraint.MaxAdjustmentFactor) != circuit.MaxEnvironmentalFactor {
		t.Fatalf("adjustment factor limit %v does not match circuit limit %d", constraint.MaxAdjustmentFactor, circuit.MaxEnvironmentalFactor)
	}
}

// racingStore 模拟另一个请求在查重之后、写入之前抢先写入同一摘要。
type racingStore struct {
	*proofs.MemoryStore
	misses int
}

func (s *racingStore) FindByDigest(ctx context.Context, digest string) (*proofs.Record, error) {
	if s.misses > 0 {
		s.misses--
		return nil, nil
	}
	return s.MemoryStore.FindByDigest(ctx, digest)
}

func TestGenerateReturnsWinnerOnDigestConflict(t *testing.T) {
	mem := proofs.NewMemoryStore()
	fb, err := hashfallback.New([]byte("test-key"))
	if err != nil {
		t.Fatalf("fallback: %v", err)
	}
	readings := heartRate(72)
	bucket := proofs.Bucket(fixedNow, 5*time.Minute)
	inputs := proofs.BuildInputs(readings, biometric.ConstraintParameters{MinValue: 60, MaxValue: 100, AdjustmentFactor: 1}, bucket)
	winner := &proofs.Record{
		ProofHash:     strings.Repeat("ab", 32),
		UserID:        "alice",
		MetricType:    biometric.MetricHeartRate,
		RequestDigest: proofs.RequestDigest([]byte("s"), "alice", biometric.MetricHeartRate, inputs),
		IssuedAt:      fixedNow,
		ExpiresAt:     fixedNow.Add(time.Hour),
		Verified:      true,
	}
	if err := mem.Create(context.Background(), winner); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store := &racingStore{MemoryStore: mem, misses: 1}
	gen, err := proofs.NewGenerator(proofs.Config{Secret: []byte("s")}, store, constraint.NewResolver(nil),
		proofs.WithFallbackBackend(fb), proofs.WithClock(func() time.Time { return fixedNow }))
	if err != nil {
		t.Fatalf("generator: %v", err)
	}
	rec, err := gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: readings})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if rec.ProofHash != winner.ProofHash {
		t.Fatalf("expected the stored proof %s, got %s", winner.ProofHash, rec.ProofHash)
	}
}

type stubPlausibility struct {
	result plausibility.Result
}

func (s stubPlausibility) Validate(context.Context, biometric.MetricType, float64, plausibility.UserContext) (plausibility.Result, error) {
	return s.result, nil
}

func TestGeneratePlausibilityGate(t *testing.T) {
	h := newHarness(t, proofs.WithPlausibility(stubPlausibility{result: plausibility.Result{IsValid: false, Confidence: 0.9}}))
	_, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: heartRate(72)})
	if xerrors.MetadataOf(err)["reason"] != xerrors.ReasonImplausibleReading {
		t.Fatalf("expected implausible_reading, got %v", err)
	}

	h = newHarness(t, proofs.WithPlausibility(stubPlausibility{result: plausibility.Result{IsValid: false, Confidence: 0.5}}))
	if _, err := h.gen.Generate(context.Background(), proofs.Request{UserID: "alice", Readings: heartRate(72)}); err != nil {
		t.Fatalf("low-confidence rejections are advisory only: %v", err)
	}
}

func TestPrivacyLevelBands(t *testing.T) {
	cases := map[int]biometric.PrivacyLevel{1: biometric.PrivacyMinimal, 5: biometric.PrivacyMinimal, 6: biometric.PrivacyStandard, 20: biometric.PrivacyStandard, 21: biometric.PrivacyMaximum}
	for n, want := range cases {
		if got := biometric.PrivacyLevelFor(n); got != want {
			t.Fatalf("count %d: expected %s, got %s", n, want, got)
		}
	}
}

func TestScalingNeverNarrowsBand(t *testing.T) {
	if proofs.ScaleMax(115) != 11500 || proofs.ScaleMin(57) != 5700 {
		t.Fatalf("exact bounds must scale exactly")
	}
	if proofs.ScaleMin(92.625) != 9262 || proofs.ScaleMax(97.505) != 9751 {
		t.Fatalf("fractional bounds must round outward")
	}
	if proofs.ScaleFactor(0.975) != 975 {
		t.Fatalf("unexpected factor scaling")
	}
}
