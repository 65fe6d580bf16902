package risk

import (
	"context"
	"testing"

	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/config"
)

func TestRuleScorerAdmitsWellFormedRequest(t *testing.T) {
	s := NewRuleScorer(config.VerificationConfig{AllowedJurisdictions: []string{"eu", "US"}})
	got, err := s.Score(context.Background(), Subject{
		RequesterID:        "insurer-1",
		UserID:             "u1",
		RequiredAttributes: []string{"withinRange"},
		Purpose:            "annual wellness premium discount",
		Jurisdiction:       "EU",
	})
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if !got.IsLegitimate || got.RiskLevel != biometric.RiskLow {
		t.Fatalf("expected legitimate low risk, got %+v", got)
	}
}

func TestRuleScorerRejections(t *testing.T) {
	s := NewRuleScorer(config.VerificationConfig{
		AllowedJurisdictions: []string{"EU"},
		AllowedAttributes:    []string{"withinRange", "riskLevel"},
		BlockedRequesters:    []string{"broker-x"},
	})
	cases := map[string]Subject{
		"blocked":      {RequesterID: "broker-x", UserID: "u1", RequiredAttributes: []string{"withinRange"}, Purpose: "p q r", Jurisdiction: "EU"},
		"jurisdiction": {RequesterID: "a", UserID: "u1", RequiredAttributes: []string{"withinRange"}, Purpose: "p q r", Jurisdiction: "CN"},
		"attribute":    {RequesterID: "a", UserID: "u1", RequiredAttributes: []string{"constraintMin"}, Purpose: "p q r", Jurisdiction: "EU"},
		"purpose":      {RequesterID: "a", UserID: "u1", RequiredAttributes: []string{"withinRange"}, Jurisdiction: "EU"},
		"self":         {RequesterID: "u1", UserID: "u1", RequiredAttributes: []string{"withinRange"}, Purpose: "p q r", Jurisdiction: "EU"},
	}
	for name, subject := range cases {
		got, err := s.Score(context.Background(), subject)
		if err != nil {
			t.Fatalf("%s: score: %v", name, err)
		}
		if got.IsLegitimate || got.RiskLevel != biometric.RiskHigh || len(got.Reasons) == 0 {
			t.Fatalf("%s: expected rejection, got %+v", name, got)
		}
	}
}

func TestRuleScorerBroadDisclosureIsMedium(t *testing.T) {
	s := NewRuleScorer(config.VerificationConfig{})
	got, _ := s.Score(context.Background(), Subject{
		RequesterID:        "clinic",
		UserID:             "u1",
		RequiredAttributes: []string{"withinRange", "riskLevel", "constraintMin", "constraintMax"},
		Purpose:            "clinical trial eligibility screening",
	})
	if !got.IsLegitimate || got.RiskLevel != biometric.RiskMedium {
		t.Fatalf("expected medium risk, got %+v", got)
	}
}
