// Package risk 在第三方验证请求入场前评估其合法性与风险。
package risk

import (
	"context"
	"strings"

	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/config"
)

// Subject 是被评估的验证请求摘要。
type Subject struct {
	RequesterID        string
	UserID             string
	MetricType         biometric.MetricType
	RequiredAttributes []string
	Purpose            string
	Jurisdiction       string
}

// Assessment 是评估结果。
type Assessment struct {
	IsLegitimate bool                `json:"is_legitimate"`
	RiskLevel    biometric.RiskLevel `json:"risk_level"`
	Reasons      []string            `json:"reasons,omitempty"`
}

// Scorer 评估验证请求。
type Scorer interface {
	Score(ctx context.Context, subject Subject) (Assessment, error)
}

// RuleScorer 基于静态规则评估请求。
type RuleScorer struct {
	jurisdictions map[string]struct{}
	attributes    map[string]struct{}
	blocked       map[string]struct{}
}

// NewRuleScorer 从配置构造规则评估器。空白名单表示不限制。
func NewRuleScorer(cfg config.VerificationConfig) *RuleScorer {
	return &RuleScorer{
		jurisdictions: toSet(cfg.AllowedJurisdictions, strings.ToUpper),
		attributes:    toSet(cfg.AllowedAttributes, nil),
		blocked:       toSet(cfg.BlockedRequesters, nil),
	}
}

// Score 实现 Scorer 接口。
func (s *RuleScorer) Score(_ context.Context, subject Subject) (Assessment, error) {
	out := Assessment{IsLegitimate: true, RiskLevel: biometric.RiskLow}
	reject := func(reason string) {
		out.IsLegitimate = false
		out.RiskLevel = biometric.RiskHigh
		out.Reasons = append(out.Reasons, reason)
	}

	if strings.TrimSpace(subject.RequesterID) == "" {
		reject("requester_missing")
	}
	if _, ok := s.blocked[subject.RequesterID]; ok {
		reject("requester_blocked")
	}
	if subject.RequesterID != "" && subject.RequesterID == subject.UserID {
		reject("self_request")
	}
	if len(strings.TrimSpace(subject.Purpose)) == 0 {
		reject("purpose_missing")
	}
	if len(s.jurisdictions) > 0 {
		if _, ok := s.jurisdictions[strings.ToUpper(subject.Jurisdiction)]; !ok {
			reject("jurisdiction_not_allowed")
		}
	}
	if len(subject.RequiredAttributes) == 0 {
		reject("attributes_missing")
	}
	for _, attr := range subject.RequiredAttributes {
		if len(s.attributes) == 0 {
			break
		}
		if _, ok := s.attributes[attr]; !ok {
			reject("attribute_not_allowed:" + attr)
		}
	}
	if !out.IsLegitimate {
		return out, nil
	}

	if len(subject.RequiredAttributes) > 3 {
		out.RiskLevel = biometric.RiskMedium
		out.Reasons = append(out.Reasons, "broad_disclosure")
	}
	if len(strings.Fields(subject.Purpose)) < 3 {
		out.RiskLevel = out.RiskLevel.AtLeast(biometric.RiskMedium)
		out.Reasons = append(out.Reasons, "vague_purpose")
	}
	return out, nil
}

func toSet(values []string, normalize func(string) string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if normalize != nil {
			v = normalize(v)
		}
		set[v] = struct{}{}
	}
	return set
}

var _ Scorer = (*RuleScorer)(nil)
