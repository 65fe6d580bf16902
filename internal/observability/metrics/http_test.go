package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.ObserveHTTPRequest("/api/v1/proofs", "POST", 500, 20*time.Millisecond)
	m.ObserveProof("range_v1", "stored", 40*time.Millisecond)
	m.ObserveAnchor("hybrid", "local", "written", 12.5)
	m.ObserveRequest("pending")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)

	for _, want := range []string{
		`bioproof_http_requests_total{code="500",handler="/api/v1/proofs",method="POST"} 1`,
		`bioproof_http_request_errors_total{handler="/api/v1/proofs",method="POST"} 1`,
		`bioproof_proofs_generated_total{circuit="range_v1",outcome="stored"} 1`,
		`bioproof_anchor_cost_total{network="local",strategy="hybrid"} 12.5`,
		`bioproof_verification_requests_total{status="pending"} 1`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveHTTPRequest("/", "GET", 200, time.Millisecond)
	m.ObserveJob("generate_proof", "succeeded")
	if m.Registry() != nil {
		t.Fatalf("nil metrics must not expose a registry")
	}
}

func TestIndependentRegistries(t *testing.T) {
	a := New()
	b := New()
	a.ObserveJob("anchor_proof", "failed")
	if a.Registry() == b.Registry() {
		t.Fatalf("each Metrics must own its registry")
	}
}
