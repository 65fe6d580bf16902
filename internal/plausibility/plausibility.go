// Package plausibility 判断读数在生理上是否可信。它只是证明生成的补充校验，
// 区间约束仍由 constraint 包负责。
package plausibility

import (
	"context"

	"BioProof-Chain/internal/biometric"
)

// UserContext 是可选的用户背景信息。
type UserContext struct {
	AgeYears    int      `json:"age_years,omitempty"`
	Medications []string `json:"medications,omitempty"`
	Conditions  []string `json:"conditions,omitempty"`
}

// Result 是校验结论。Confidence 取值 [0,1]。
type Result struct {
	IsValid    bool    `json:"is_valid"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
	Source     string  `json:"source,omitempty"`
}

// Validator 校验单个读数。
type Validator interface {
	Validate(ctx context.Context, metric biometric.MetricType, value float64, user UserContext) (Result, error)
}

type limits struct {
	min, max float64
}

// 人体可能出现的极限值，超出即视为传感器或录入错误。
var hardLimits = map[biometric.MetricType]limits{
	biometric.MetricHeartRate:        {min: 20, max: 250},
	biometric.MetricSteps:            {min: 0, max: 150000},
	biometric.MetricBloodPressure:    {min: 40, max: 260},
	biometric.MetricSleep:            {min: 0, max: 24},
	biometric.MetricOxygenSaturation: {min: 50, max: 100},
	biometric.MetricBodyTemperature:  {min: 30, max: 45},
	biometric.MetricRespiratoryRate:  {min: 4, max: 70},
	biometric.MetricBloodGlucose:     {min: 20, max: 600},
}

// RuleValidator 使用生理极限规则校验。
type RuleValidator struct{}

// Validate 实现 Validator 接口。
func (RuleValidator) Validate(_ context.Context, metric biometric.MetricType, value float64, user UserContext) (Result, error) {
	lim, ok := hardLimits[metric]
	if !ok {
		return Result{IsValid: true, Confidence: 0, Reason: "no_rule", Source: "rules"}, nil
	}
	if value < lim.min || value > lim.max {
		return Result{IsValid: false, Confidence: 0.95, Reason: "outside_physiological_limits", Source: "rules"}, nil
	}
	if metric == biometric.MetricHeartRate && user.AgeYears > 0 && value > float64(220-user.AgeYears)*1.1 {
		return Result{IsValid: false, Confidence: 0.6, Reason: "above_age_predicted_max", Source: "rules"}, nil
	}
	return Result{IsValid: true, Confidence: 0.9, Source: "rules"}, nil
}

var _ Validator = RuleValidator{}
