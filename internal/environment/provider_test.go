package environment

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
)

func TestOpenMeteoResolve(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"elevation":3640,"timezone":"America/La_Paz","current":{"temperature_2m":8.5,"relative_humidity_2m":40,"surface_pressure":648.2}}`))
	}))
	defer srv.Close()

	client := NewOpenMeteoClient(Config{BaseURL: srv.URL, Timeout: time.Second})
	envCtx, err := client.Resolve(context.Background(), -16.5, -68.15)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if envCtx.Altitude != 3640 || envCtx.Pressure != 648.2 || envCtx.Timezone != "America/La_Paz" {
		t.Fatalf("unexpected context %+v", envCtx)
	}
	if envCtx.Estimated || envCtx.Source != biometric.SourceOpenMeteo {
		t.Fatalf("live context must not be flagged as estimate")
	}
	if gotQuery == "" {
		t.Fatalf("expected query parameters to be sent")
	}
}

func TestOpenMeteoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewOpenMeteoClient(Config{BaseURL: srv.URL, Timeout: time.Second})
	_, err := client.Resolve(context.Background(), 10, 10)
	if xerrors.CodeOf(err) != xerrors.CodeExternalService {
		t.Fatalf("expected external service error, got %v", err)
	}
}

func TestFallbackUsesEstimate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	provider := NewFallbackProvider(NewOpenMeteoClient(Config{BaseURL: srv.URL, Timeout: time.Second}))
	envCtx, err := provider.Resolve(context.Background(), 45, 120)
	if err != nil {
		t.Fatalf("fallback must not fail: %v", err)
	}
	if !envCtx.Estimated || envCtx.Source != biometric.SourceEstimate {
		t.Fatalf("expected estimate, got %+v", envCtx)
	}
	if envCtx.Altitude != 0 || envCtx.Pressure != 1013.25 {
		t.Fatalf("estimate should be conservative: %+v", envCtx)
	}
	if envCtx.Timezone != "UTC+08:00" {
		t.Fatalf("unexpected timezone %s", envCtx.Timezone)
	}
	if envCtx.Temperature != 9 {
		t.Fatalf("unexpected estimated temperature %v", envCtx.Temperature)
	}
}

func TestFallbackRejectsInvalidCoordinates(t *testing.T) {
	provider := NewFallbackProvider(nil)
	if _, err := provider.Resolve(context.Background(), 120, 0); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestEstimateIsDeterministic(t *testing.T) {
	now := time.Unix(1700000000, 0)
	a := Estimate(-33.9, 18.4, now)
	b := Estimate(-33.9, 18.4, now)
	if a != b {
		t.Fatalf("estimate must be deterministic: %+v vs %+v", a, b)
	}
	if a.Timezone != "UTC+01:00" {
		t.Fatalf("unexpected timezone %s", a.Timezone)
	}
}
