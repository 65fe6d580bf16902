package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"BioProof-Chain/internal/config"
	"BioProof-Chain/internal/consent"
)

func TestConsentGateIsOnByDefault(t *testing.T) {
	cfg := config.Default(t.TempDir())
	registry := consent.NewMemoryManager()
	gate := newConsentGate(cfg.Proofs, registry, slog.Default())

	ok, err := gate.IsConsentValid(context.Background(), "carol")
	if err != nil {
		t.Fatalf("consent check: %v", err)
	}
	if ok {
		t.Fatalf("users without a grant must be rejected by default")
	}
	if _, err := registry.Grant("carol", "proofs", 0); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if ok, _ := gate.IsConsentValid(context.Background(), "carol"); !ok {
		t.Fatalf("granted user must pass the gate")
	}
}

func TestShippedConfigKeepsConsentGate(t *testing.T) {
	cfg, err := config.Load(filepath.Join("..", "..", "configs", "bioproof.json"))
	if err != nil {
		t.Fatalf("load shipped config: %v", err)
	}
	if cfg.Proofs.InsecureSkipConsent {
		t.Fatalf("shipped config must not disable consent")
	}
	gate := newConsentGate(cfg.Proofs, consent.NewMemoryManager(), slog.Default())
	if _, ok := gate.(*consent.MemoryManager); !ok {
		t.Fatalf("expected the consent registry, got %T", gate)
	}
}

func TestConsentGateExplicitOptOut(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.Proofs.InsecureSkipConsent = true
	gate := newConsentGate(cfg.Proofs, consent.NewMemoryManager(), slog.Default())
	if ok, err := gate.IsConsentValid(context.Background(), "anyone"); err != nil || !ok {
		t.Fatalf("opt-out must allow everyone: ok=%v err=%v", ok, err)
	}
}
