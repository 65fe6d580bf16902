package proofs

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"BioProof-Chain/internal/biometric"
)

// 定点缩放系数。
const (
	ValueScale  = 100
	FactorScale = 1000
)

var proofHashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ValidProofHash 判断是否为 64 位小写十六进制。
func ValidProofHash(hash string) bool {
	return proofHashPattern.MatchString(hash)
}

// ScaleReading 将读数放大 100 倍并四舍五入。
func ScaleReading(v float64) int64 {
	return int64(math.Round(v * ValueScale))
}

// ScaleMin 对区间下界向下取整，保证缩放后区间不收窄。
func ScaleMin(v float64) int64 {
	return int64(math.Floor(trim(v * ValueScale)))
}

// ScaleMax 对区间上界向上取整。
func ScaleMax(v float64) int64 {
	return int64(math.Ceil(trim(v * ValueScale)))
}

// ScaleFactor 将调整系数放大 1000 倍。
func ScaleFactor(f float64) int64 {
	return int64(math.Round(f * FactorScale))
}

// trim 去掉浮点乘法引入的尾差，避免 115*100 被取整为 11501。
func trim(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// BuildInputs 从读数与区间构造电路输入，bucket 为时间桶起点。
func BuildInputs(readings []biometric.Reading, params biometric.ConstraintParameters, bucket time.Time) CircuitInputs {
	scaled := make([]int64, len(readings))
	for i, r := range readings {
		scaled[i] = ScaleReading(r.Value)
	}
	factor := params.AdjustmentFactor
	if factor <= 0 {
		factor = 1
	}
	return CircuitInputs{
		Readings:            scaled,
		ConstraintMin:       ScaleMin(params.MinValue),
		ConstraintMax:       ScaleMax(params.MaxValue),
		EnvironmentalFactor: ScaleFactor(factor),
		DataPointCount:      int64(len(readings)),
		Timestamp:           bucket.Unix(),
	}
}

// Bucket 返回 now 所在时间桶的起点。
func Bucket(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return now.UTC().Truncate(window)
}

// ProofHash 计算 sha256(proof ∥ publicSignals ∥ bucket)。
func ProofHash(proof []byte, publicSignals []string, bucket time.Time) string {
	h := sha256.New()
	h.Write(proof)
	h.Write([]byte(strings.Join(publicSignals, ",")))
	h.Write([]byte(strconv.FormatInt(bucket.Unix(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// RequestDigest 是同一时间桶内重复提交的幂等键。
func RequestDigest(secret []byte, userID string, metric biometric.MetricType, inputs CircuitInputs) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(userID))
	mac.Write([]byte{0})
	mac.Write([]byte(metric))
	mac.Write([]byte{0})
	for _, r := range inputs.Readings {
		mac.Write([]byte(strconv.FormatInt(r, 10)))
		mac.Write([]byte{','})
	}
	mac.Write([]byte{0})
	mac.Write([]byte(strings.Join(inputs.PublicSignals(), ",")))
	return hex.EncodeToString(mac.Sum(nil))
}
