package anchor_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"BioProof-Chain/internal/anchor"
	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/ledger"
	"BioProof-Chain/internal/ledger/inmemory"
	"BioProof-Chain/internal/ledger/provider"
	"BioProof-Chain/internal/merkle"
	"BioProof-Chain/internal/observability/alerting"
	"BioProof-Chain/internal/proofs"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingAlerts struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerts) Notify(_ context.Context, e alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type harness struct {
	svc     *anchor.Service
	proofs  *proofs.MemoryStore
	store   *anchor.MemoryStore
	ledgers map[string]*inmemory.Ledger
	alerts  *recordingAlerts
}

func newHarness(t *testing.T, cfg anchor.Config) *harness {
	t.Helper()
	ledgers := map[string]*inmemory.Ledger{
		"alpha": inmemory.New("alpha", ledger.Layer1, 2),
		"beta":  inmemory.New("beta", ledger.Layer1, 3),
		"gamma": inmemory.New("gamma", ledger.Layer1, 4),
		"l2":    inmemory.New("l2", ledger.Layer2, 0.5),
	}
	clients := make(map[string]ledger.Client, len(ledgers))
	for name, l := range ledgers {
		clients[name] = l
	}
	reg, err := provider.New("alpha", clients)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	h := &harness{
		proofs:  proofs.NewMemoryStore(),
		store:   anchor.NewMemoryStore(),
		ledgers: ledgers,
		alerts:  &recordingAlerts{},
	}
	h.svc = anchor.NewService(cfg, reg, h.proofs, h.store,
		anchor.WithAlerts(h.alerts),
		anchor.WithClock(func() time.Time { return fixedNow }))
	return h
}

func (h *harness) addProof(t *testing.T, seed string, expiresAt time.Time) string {
	t.Helper()
	sum := sha256.Sum256([]byte(seed))
	hash := hex.EncodeToString(sum[:])
	err := h.proofs.Create(context.Background(), &proofs.Record{
		ProofHash:       hash,
		UserID:          "user-1",
		MetricType:      biometric.MetricHeartRate,
		PublicSignals:   []string{"6000", "10000", "1000", "3", "1740830400"},
		Proof:           []byte("proof-bytes-" + seed),
		VerificationKey: "hash_fallback_v1:test",
		CircuitID:       "hash_fallback_v1",
		IssuedAt:        fixedNow.Add(-time.Hour),
		ExpiresAt:       expiresAt,
		Verified:        true,
	})
	if err != nil {
		t.Fatalf("create proof: %v", err)
	}
	return hash
}

func (h *harness) totalWrites() int {
	n := 0
	for _, l := range h.ledgers {
		n += l.Writes()
	}
	return n
}

func TestOnChainWritesProofHash(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	id := h.addProof(t, "p1", fixedNow.Add(24*time.Hour))

	res, err := h.svc.Anchor(context.Background(), id, anchor.StrategyOnChain, anchor.Options{})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if len(res.Records) != 1 {
		t.Fatalf("expected one record, got %d", len(res.Records))
	}
	rec := res.Records[0]
	if rec.Network != "alpha" || rec.Strategy != anchor.StrategyOnChain || rec.Status != anchor.StatusConfirmed {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ID == "" || rec.TransactionHash == "" || rec.BlockNumber != 1 || rec.Cost <= 0 {
		t.Fatalf("record missing ledger data %+v", rec)
	}
	raw, _ := hex.DecodeString(id)
	if got := h.ledgers["alpha"].Entries()[0].Payload; !bytes.Equal(got, raw) {
		t.Fatalf("on_chain must write the proof hash")
	}
}

func TestHybridIsIdempotent(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	id := h.addProof(t, "p1", fixedNow.Add(24*time.Hour))

	first, err := h.svc.Anchor(context.Background(), id, anchor.StrategyHybrid, anchor.Options{})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	second, err := h.svc.Anchor(context.Background(), id, anchor.StrategyHybrid, anchor.Options{})
	if err != nil {
		t.Fatalf("re-anchor: %v", err)
	}
	if *first.Records[0] != *second.Records[0] {
		t.Fatalf("expected identical record, got %+v and %+v", first.Records[0], second.Records[0])
	}
	if h.totalWrites() != 1 {
		t.Fatalf("expected a single ledger write, got %d", h.totalWrites())
	}

	rec := first.Records[0]
	wantRoot, err := merkle.Aggregate([]string{id, rec.ContentHash})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if rec.MerkleRoot != wantRoot || !strings.HasPrefix(rec.ContentHash, "Qm") {
		t.Fatalf("unexpected hybrid commitment %+v", rec)
	}
}

func TestConcurrentAnchorsWriteOnce(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	id := h.addProof(t, "p1", fixedNow.Add(24*time.Hour))

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Anchor(context.Background(), id, anchor.StrategyOnChain, anchor.Options{})
			if err != nil {
				t.Errorf("anchor: %v", err)
				return
			}
			ids[i] = res.Records[0].ID
		}(i)
	}
	wg.Wait()
	for _, got := range ids {
		if got != ids[0] {
			t.Fatalf("expected one shared record, got %v", ids)
		}
	}
	if h.totalWrites() != 1 {
		t.Fatalf("expected one ledger write, got %d", h.totalWrites())
	}
}

func TestStrategyCostModel(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	id := h.addProof(t, "p1", fixedNow.Add(24*time.Hour))
	ctx := context.Background()

	onChain, err := h.svc.Anchor(ctx, id, anchor.StrategyOnChain, anchor.Options{})
	if err != nil {
		t.Fatalf("on_chain: %v", err)
	}
	hybrid, err := h.svc.Anchor(ctx, id, anchor.StrategyHybrid, anchor.Options{})
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	quantum, err := h.svc.Anchor(ctx, id, anchor.StrategyQuantumResistant, anchor.Options{})
	if err != nil {
		t.Fatalf("quantum: %v", err)
	}
	base := onChain.Records[0].Cost
	if math.Abs(hybrid.Records[0].Cost-base*0.3) > 1e-9 {
		t.Fatalf("hybrid cost %v, want %v", hybrid.Records[0].Cost, base*0.3)
	}
	if math.Abs(quantum.Records[0].Cost-base*0.3*1.5) > 1e-9 {
		t.Fatalf("quantum cost %v, want %v", quantum.Records[0].Cost, base*0.45)
	}
	q := quantum.Records[0]
	if len(q.Commitment) != 128 || q.MerkleRoot != hybrid.Records[0].MerkleRoot {
		t.Fatalf("unexpected quantum record %+v", q)
	}
	entries := h.ledgers["alpha"].Entries()
	if len(entries[len(entries)-1].Payload) != 64 {
		t.Fatalf("quantum_resistant must anchor a 64-byte commitment")
	}
}

func TestLayer2UsesSecondaryNetwork(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	id := h.addProof(t, "p1", fixedNow.Add(24*time.Hour))

	res, err := h.svc.Anchor(context.Background(), id, anchor.StrategyLayer2, anchor.Options{})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if res.Records[0].Network != "l2" || h.ledgers["l2"].Writes() != 1 {
		t.Fatalf("expected write on l2, got %+v", res.Records[0])
	}
	if _, err := h.svc.Anchor(context.Background(), id, anchor.StrategyLayer2, anchor.Options{Network: "alpha"}); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error for a layer1 network, got %v", err)
	}
}

func TestCrossChainStopsAtFirstFailure(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	id := h.addProof(t, "p1", fixedNow.Add(24*time.Hour))
	h.ledgers["beta"].FailWith(errors.New("rpc unavailable"))

	res, err := h.svc.Anchor(context.Background(), id, anchor.StrategyCrossChain,
		anchor.Options{Networks: []string{"alpha", "beta", "gamma"}})
	if xerrors.CodeOf(err) != xerrors.CodeExternalService {
		t.Fatalf("expected external service error, got %v", err)
	}
	if res == nil || len(res.Records) != 1 || res.Records[0].Network != "alpha" {
		t.Fatalf("expected partial result with alpha, got %+v", res)
	}
	if h.ledgers["gamma"].Writes() != 0 {
		t.Fatalf("no write may happen after the failing network")
	}
	if len(h.alerts.events) != 1 || h.alerts.events[0].Metadata["network"] != "beta" {
		t.Fatalf("expected one alert for beta, got %+v", h.alerts.events)
	}
	if xerrors.MetadataOf(err)["strategy"] != string(anchor.StrategyCrossChain) {
		t.Fatalf("expected strategy metadata")
	}
}

func TestCrossChainDefaultsToLayer1Networks(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	id := h.addProof(t, "p1", fixedNow.Add(24*time.Hour))

	res, err := h.svc.Anchor(context.Background(), id, anchor.StrategyCrossChain, anchor.Options{})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	var networks []string
	for _, r := range res.Records {
		networks = append(networks, r.Network)
	}
	if strings.Join(networks, ",") != "alpha,beta,gamma" {
		t.Fatalf("unexpected networks %v", networks)
	}
}

func TestOptimizedSelection(t *testing.T) {
	h := newHarness(t, anchor.Config{SmallPayloadBytes: 1024, LargePayloadBytes: 4096})
	cases := []struct {
		size     int
		priority anchor.Priority
		want     anchor.Strategy
	}{
		{100, anchor.PriorityCost, anchor.StrategyLayer2},
		{100, anchor.PrioritySecurity, anchor.StrategyQuantumResistant},
		{5000, anchor.PrioritySecurity, anchor.StrategyQuantumResistant},
		{5000, anchor.PriorityCost, anchor.StrategyCrossChain},
		{2000, anchor.PriorityCost, anchor.StrategyHybrid},
		{100, anchor.PriorityBalanced, anchor.StrategyHybrid},
	}
	for _, tc := range cases {
		if got := h.svc.Select(tc.size, tc.priority); got != tc.want {
			t.Fatalf("Select(%d, %s) = %s, want %s", tc.size, tc.priority, got, tc.want)
		}
	}
}

func TestOptimizedAnchorReportsSelectedStrategy(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	id := h.addProof(t, "p1", fixedNow.Add(24*time.Hour))

	res, err := h.svc.Anchor(context.Background(), id, "", anchor.Options{Priority: anchor.PriorityCost})
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if res.Requested != anchor.StrategyOptimized || res.Strategy != anchor.StrategyLayer2 {
		t.Fatalf("unexpected strategies %s -> %s", res.Requested, res.Strategy)
	}
	if res.Records[0].Strategy != anchor.StrategyLayer2 {
		t.Fatalf("records carry the concrete strategy")
	}
}

func TestAnchorRejectsExpiredAndUnknownProofs(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	expired := h.addProof(t, "old", fixedNow)

	_, err := h.svc.Anchor(context.Background(), expired, anchor.StrategyOnChain, anchor.Options{})
	if xerrors.CodeOf(err) != xerrors.CodeExpired {
		t.Fatalf("expected expired error, got %v", err)
	}
	sum := sha256.Sum256([]byte("missing"))
	_, err = h.svc.Anchor(context.Background(), hex.EncodeToString(sum[:]), anchor.StrategyOnChain, anchor.Options{})
	if xerrors.CodeOf(err) != xerrors.CodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	_, err = h.svc.Anchor(context.Background(), "not-a-hash", anchor.StrategyOnChain, anchor.Options{})
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.totalWrites() != 0 {
		t.Fatalf("rejected anchors must not write")
	}
}

func TestAnchorAggregateMarksMembersAnchored(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	a := h.addProof(t, "a", fixedNow.Add(24*time.Hour))
	b := h.addProof(t, "b", fixedNow.Add(24*time.Hour))
	c := h.addProof(t, "c", fixedNow.Add(24*time.Hour))
	ctx := context.Background()

	res, err := h.svc.AnchorAggregate(ctx, []string{b, a}, anchor.StrategyOnChain, anchor.Options{})
	if err != nil {
		t.Fatalf("anchor aggregate: %v", err)
	}
	root, _ := merkle.Aggregate([]string{a, b})
	if res.ProofID != root {
		t.Fatalf("expected aggregate root %s, got %s", root, res.ProofID)
	}
	for _, id := range []string{a, b, root} {
		ok, err := h.svc.IsAnchored(ctx, id)
		if err != nil || !ok {
			t.Fatalf("expected %s anchored (err=%v)", id, err)
		}
	}
	if ok, _ := h.svc.IsAnchored(ctx, c); ok {
		t.Fatalf("proof outside the aggregate must not be anchored")
	}

	again, err := h.svc.Anchor(ctx, root, anchor.StrategyOnChain, anchor.Options{})
	if err != nil {
		t.Fatalf("re-anchor root: %v", err)
	}
	if again.Records[0].ID != res.Records[0].ID {
		t.Fatalf("aggregate re-anchor must reuse the record")
	}
}

func TestAnchorAggregateRejectsEmpty(t *testing.T) {
	h := newHarness(t, anchor.Config{})
	if _, err := h.svc.AnchorAggregate(context.Background(), nil, anchor.StrategyOnChain, anchor.Options{}); xerrors.CodeOf(err) != xerrors.CodeAggregation {
		t.Fatalf("expected aggregation error, got %v", err)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := anchor.ParseStrategy(""); err != nil || s != anchor.StrategyOptimized {
		t.Fatalf("empty strategy must default to optimized")
	}
	if s, err := anchor.ParseStrategy(" Hybrid "); err != nil || s != anchor.StrategyHybrid {
		t.Fatalf("expected hybrid, got %s (%v)", s, err)
	}
	if _, err := anchor.ParseStrategy("carrier_pigeon"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error")
	}
}
