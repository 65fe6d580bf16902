package proofs

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
)

// MaxDataPoints 是单个证明允许的最大读数数量。
const MaxDataPoints = 1000

// SignalCount 是公开信号的数量，顺序固定为
// constraintMin, constraintMax, environmentalFactor, dataPointCount, timestamp。
const SignalCount = 5

// CircuitInputs 是按定点数缩放后的电路输入。Readings 为私有输入。
type CircuitInputs struct {
	Readings            []int64
	ConstraintMin       int64
	ConstraintMax       int64
	EnvironmentalFactor int64
	DataPointCount      int64
	Timestamp           int64
}

// PublicSignals 返回十进制字符串形式的公开信号。
func (in CircuitInputs) PublicSignals() []string {
	return []string{
		strconv.FormatInt(in.ConstraintMin, 10),
		strconv.FormatInt(in.ConstraintMax, 10),
		strconv.FormatInt(in.EnvironmentalFactor, 10),
		strconv.FormatInt(in.DataPointCount, 10),
		strconv.FormatInt(in.Timestamp, 10),
	}
}

// ParsePublicSignals 将公开信号解析回 CircuitInputs（不含私有读数）。
func ParsePublicSignals(signals []string) (CircuitInputs, error) {
	if len(signals) != SignalCount {
		return CircuitInputs{}, xerrors.Validation(xerrors.ReasonMalformedInput,
			fmt.Sprintf("公开信号数量应为 %d，实际 %d", SignalCount, len(signals)))
	}
	values := make([]int64, SignalCount)
	for i, s := range signals {
		n, ok := new(big.Int).SetString(s, 10)
		if !ok || !n.IsInt64() {
			return CircuitInputs{}, xerrors.Validation(xerrors.ReasonMalformedInput, "公开信号不是合法整数",
				xerrors.WithMetadata("index", strconv.Itoa(i)))
		}
		values[i] = n.Int64()
	}
	return CircuitInputs{
		ConstraintMin:       values[0],
		ConstraintMax:       values[1],
		EnvironmentalFactor: values[2],
		DataPointCount:      values[3],
		Timestamp:           values[4],
	}, nil
}

// Output 是后端计算的结果。
type Output struct {
	Proof           []byte
	PublicSignals   []string
	VerificationKey string
}

// Backend 是可插拔的证明后端。
type Backend interface {
	CircuitID() string
	CryptographicallySound() bool
	Compute(ctx context.Context, inputs CircuitInputs) (*Output, error)
	Verify(ctx context.Context, verificationKey string, publicSignals []string, proof []byte) (bool, error)
}

// ErrBackendUnavailable 构造后端不可用错误，生成器会据此退化到备用后端。
func ErrBackendUnavailable(circuitID, message string) error {
	return xerrors.New(xerrors.CodeBackendUnavailable, message, xerrors.WithMetadata("circuit_id", circuitID))
}

// PublicInputs 是证明的公开派生属性，不包含任何原始读数。
type PublicInputs struct {
	ConstraintMin           int64                  `json:"constraintMin"`
	ConstraintMax           int64                  `json:"constraintMax"`
	EnvironmentalFactor     int64                  `json:"environmentalFactor"`
	DataPointCount          int64                  `json:"dataPointCount"`
	Timestamp               int64                  `json:"timestamp"`
	MetricType              biometric.MetricType   `json:"metricType"`
	Unit                    string                 `json:"unit"`
	PrivacyLevel            biometric.PrivacyLevel `json:"privacyLevel"`
	WithinRange             bool                   `json:"withinRange"`
	EnvironmentallyAdjusted bool                   `json:"environmentallyAdjusted"`
	RiskLevel               biometric.RiskLevel    `json:"riskLevel"`
	EnvironmentalFactors    []string               `json:"environmentalFactors"`
}

// Signals 返回与公开输入对应的公开信号。
func (p PublicInputs) Signals() []string {
	return CircuitInputs{
		ConstraintMin:       p.ConstraintMin,
		ConstraintMax:       p.ConstraintMax,
		EnvironmentalFactor: p.EnvironmentalFactor,
		DataPointCount:      p.DataPointCount,
		Timestamp:           p.Timestamp,
	}.PublicSignals()
}

// 可选择性披露的属性名。
const (
	AttrConstraintMin           = "constraintMin"
	AttrConstraintMax           = "constraintMax"
	AttrEnvironmentalFactor     = "environmentalFactor"
	AttrDataPointCount          = "dataPointCount"
	AttrTimestamp               = "timestamp"
	AttrMetricType              = "metricType"
	AttrUnit                    = "unit"
	AttrPrivacyLevel            = "privacyLevel"
	AttrWithinRange             = "withinRange"
	AttrEnvironmentallyAdjusted = "environmentallyAdjusted"
	AttrRiskLevel               = "riskLevel"
)

// Attribute 返回单个命名属性。
func (p PublicInputs) Attribute(name string) (any, error) {
	switch name {
	case AttrConstraintMin:
		return p.ConstraintMin, nil
	case AttrConstraintMax:
		return p.ConstraintMax, nil
	case AttrEnvironmentalFactor:
		return p.EnvironmentalFactor, nil
	case AttrDataPointCount:
		return p.DataPointCount, nil
	case AttrTimestamp:
		return p.Timestamp, nil
	case AttrMetricType:
		return p.MetricType, nil
	case AttrUnit:
		return p.Unit, nil
	case AttrPrivacyLevel:
		return p.PrivacyLevel, nil
	case AttrWithinRange:
		return p.WithinRange, nil
	case AttrEnvironmentallyAdjusted:
		return p.EnvironmentallyAdjusted, nil
	case AttrRiskLevel:
		return p.RiskLevel, nil
	default:
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "未知的公开属性",
			xerrors.WithMetadata("attribute", name))
	}
}

// IsAttribute 判断 name 是否为可披露的属性名。
func IsAttribute(name string) bool {
	_, err := PublicInputs{}.Attribute(name)
	return err == nil
}

// Record 是持久化的证明记录，创建后不可变。
type Record struct {
	ProofHash              string                 `json:"proofHash"`
	UserID                 string                 `json:"userId"`
	MetricType             biometric.MetricType   `json:"metricType"`
	ProofType              biometric.ProofType    `json:"proofType"`
	PublicInputs           PublicInputs           `json:"publicInputs"`
	PublicSignals          []string               `json:"publicSignals"`
	Proof                  []byte                 `json:"proof"`
	VerificationKey        string                 `json:"verificationKey"`
	CircuitID              string                 `json:"circuitId"`
	CryptographicallySound bool                   `json:"cryptographicallySound"`
	RequestDigest          string                 `json:"-"`
	PrivacyLevel           biometric.PrivacyLevel `json:"privacyLevel"`
	IssuedAt               time.Time              `json:"issuedAt"`
	ExpiresAt              time.Time              `json:"expiresAt"`
	Verified               bool                   `json:"verified"`
}

// Expired 判断证明在 now 时刻是否已过期。
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Usable 要求证明已自验证且尚未过期。
func (r *Record) Usable(now time.Time) bool {
	return r != nil && r.Verified && !r.Expired(now)
}

// Clone 返回深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.PublicSignals = append([]string(nil), r.PublicSignals...)
	out.Proof = append([]byte(nil), r.Proof...)
	out.PublicInputs.EnvironmentalFactors = append([]string(nil), r.PublicInputs.EnvironmentalFactors...)
	return &out
}

// ExpiredError 构造过期资源错误。
func ExpiredError(proofHash string, expiresAt time.Time) error {
	return xerrors.New(xerrors.CodeExpired, "证明已过期",
		xerrors.WithMetadata("proof_hash", proofHash),
		xerrors.WithMetadata("expires_at", expiresAt.UTC().Format(time.RFC3339)))
}
