// Package biometric holds the data model shared by the constraint, proof and
// verification layers.
package biometric

import (
	"sort"
	"time"
)

// MetricType 标识一种生理指标。
type MetricType string

const (
	MetricHeartRate        MetricType = "heart_rate"
	MetricSteps            MetricType = "steps"
	MetricBloodPressure    MetricType = "blood_pressure"
	MetricSleep            MetricType = "sleep"
	MetricOxygenSaturation MetricType = "oxygen_saturation"
	MetricBodyTemperature  MetricType = "body_temperature"
	MetricRespiratoryRate  MetricType = "respiratory_rate"
	MetricBloodGlucose     MetricType = "blood_glucose"
)

// RiskLevel 描述约束区间所处环境的风险等级。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Rank 返回风险等级的序数，便于比较。
func (r RiskLevel) Rank() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 0
	}
}

// AtLeast 返回 r 与 floor 中较高的风险等级。
func (r RiskLevel) AtLeast(floor RiskLevel) RiskLevel {
	if floor.Rank() > r.Rank() {
		return floor
	}
	if r == "" {
		return RiskLow
	}
	return r
}

// 环境因子标签。
const (
	FactorHighAltitude       = "high_altitude"
	FactorExtremeTemperature = "extreme_temperature"
	FactorLowPressure        = "low_pressure"
)

// Reading 是一次带时间戳的生理测量，只在内存中存在。
type Reading struct {
	MetricType MetricType `json:"metric_type"`
	Value      float64    `json:"value"`
	Unit       string     `json:"unit"`
	Timestamp  time.Time  `json:"timestamp"`
}

// EnvironmentalContext 描述测量时所处的环境。
type EnvironmentalContext struct {
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	Altitude    float64   `json:"altitude"`
	Timezone    string    `json:"timezone"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Pressure    float64   `json:"pressure"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source,omitempty"`
	Estimated   bool      `json:"estimated"`
}

// 环境上下文来源。
const (
	SourceOpenMeteo = "open-meteo"
	SourceEstimate  = "estimate"
	SourceCaller    = "caller"
)

// ConstraintParameters 是某指标在给定环境下的有效区间。
// 不变式：MinValue < MaxValue。
type ConstraintParameters struct {
	MetricType              MetricType `json:"metric_type"`
	Unit                    string     `json:"unit"`
	MinValue                float64    `json:"min_value"`
	MaxValue                float64    `json:"max_value"`
	OptimalValue            *float64   `json:"optimal_value,omitempty"`
	AdjustmentFactor        float64    `json:"adjustment_factor"`
	EnvironmentalFactors    []string   `json:"environmental_factors"`
	RiskLevel               RiskLevel  `json:"risk_level"`
	EnvironmentallyAdjusted bool       `json:"environmentally_adjusted"`
	Source                  string     `json:"source,omitempty"`
}

// 约束来源。
const (
	ConstraintSourceCatalog  = "catalog"
	ConstraintSourceOverride = "user_override"
	ConstraintSourceCaller   = "caller"
)

// HasFactor 判断是否包含指定环境因子。
func (c ConstraintParameters) HasFactor(tag string) bool {
	for _, f := range c.EnvironmentalFactors {
		if f == tag {
			return true
		}
	}
	return false
}

// Clone 返回深拷贝。
func (c ConstraintParameters) Clone() ConstraintParameters {
	out := c
	if c.OptimalValue != nil {
		v := *c.OptimalValue
		out.OptimalValue = &v
	}
	if c.EnvironmentalFactors != nil {
		out.EnvironmentalFactors = append([]string(nil), c.EnvironmentalFactors...)
	}
	return out
}

// AddFactor 以有序、去重的方式追加环境因子。
func (c *ConstraintParameters) AddFactor(tag string) {
	if c.HasFactor(tag) {
		return
	}
	c.EnvironmentalFactors = append(c.EnvironmentalFactors, tag)
	sort.Strings(c.EnvironmentalFactors)
}

// ProofType 描述证明的语义类别。
type ProofType string

const (
	ProofTypeRange ProofType = "range"
)

// PrivacyLevel 按数据点数量粗分，仅影响审计日志的详细程度。
type PrivacyLevel string

const (
	PrivacyMinimal  PrivacyLevel = "minimal"
	PrivacyStandard PrivacyLevel = "standard"
	PrivacyMaximum  PrivacyLevel = "maximum"
)

// PrivacyLevelFor 根据数据点数量返回隐私等级。
func PrivacyLevelFor(count int) PrivacyLevel {
	switch {
	case count <= 5:
		return PrivacyMinimal
	case count <= 20:
		return PrivacyStandard
	default:
		return PrivacyMaximum
	}
}
