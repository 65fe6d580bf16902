package constraint

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/pkg/logger"
)

// Resolver 推导指标在给定用户与环境下的有效区间。
type Resolver struct {
	catalog   map[biometric.MetricType]Band
	overrides OverrideStore
	cache     Cache
	policy    Policy
	logger    *slog.Logger
	now       func() time.Time
}

// Option 自定义 Resolver。
type Option func(*Resolver)

// WithCache 设置约束缓存。
func WithCache(cache Cache) Option {
	return func(r *Resolver) {
		r.cache = cache
	}
}

// WithPolicy 设置调整策略。
func WithPolicy(policy Policy) Option {
	return func(r *Resolver) {
		r.policy = policy
	}
}

// WithCatalog 替换默认目录。
func WithCatalog(catalog map[biometric.MetricType]Band) Option {
	return func(r *Resolver) {
		if len(catalog) > 0 {
			r.catalog = catalog
		}
	}
}

// NewResolver 创建 Resolver；overrides 为 nil 时使用内存存储。
func NewResolver(overrides OverrideStore, opts ...Option) *Resolver {
	if overrides == nil {
		overrides = NewMemoryOverrideStore()
	}
	r := &Resolver{
		catalog:   DefaultCatalog(),
		overrides: overrides,
		policy:    DefaultPolicy(),
		logger:    logger.Named("constraint"),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Policy 返回当前调整策略。
func (r *Resolver) Policy() Policy {
	return r.policy
}

// SelectConstraints 返回用户覆盖或目录默认值经过环境调整后的区间。
func (r *Resolver) SelectConstraints(ctx context.Context, userID string, metric biometric.MetricType, env biometric.EnvironmentalContext) (biometric.ConstraintParameters, error) {
	if strings.TrimSpace(userID) == "" {
		return biometric.ConstraintParameters{}, xerrors.Validation(xerrors.ReasonMalformedInput, "userId 不能为空")
	}
	band, ok := r.catalog[metric]
	if !ok {
		return biometric.ConstraintParameters{}, xerrors.Validation(xerrors.ReasonMalformedInput, "不支持的指标类型",
			xerrors.WithMetadata("metric", string(metric)))
	}

	override, err := r.overrides.Get(ctx, userID, metric)
	if err != nil {
		return biometric.ConstraintParameters{}, err
	}
	var generation int64
	if override != nil {
		generation = override.Generation
	}

	key := cacheKey(userID, metric, generation, r.policy.Bucket(metric, env))
	if r.cache != nil {
		if cached, hit, err := r.cache.Get(ctx, key); err != nil {
			r.logger.Warn("读取约束缓存失败", slog.Any("error", err))
		} else if hit {
			return cached, nil
		}
	}

	base := band.parameters(metric)
	userFactor := 1.0
	if override != nil {
		base.MinValue = override.MinValue
		base.MaxValue = override.MaxValue
		base.OptimalValue = override.OptimalValue
		if override.Unit != "" {
			base.Unit = override.Unit
		}
		base.Source = biometric.ConstraintSourceOverride
		if override.AdjustmentFactor > 0 {
			userFactor = override.AdjustmentFactor
		}
	}

	params := r.policy.Adjust(base, env, userFactor)
	if !(params.MinValue < params.MaxValue) {
		return biometric.ConstraintParameters{}, xerrors.New(xerrors.CodeConstraintViolation, "调整后的区间无效",
			xerrors.WithMetadata("metric", string(metric)))
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, key, params); err != nil {
			r.logger.Warn("写入约束缓存失败", slog.Any("error", err))
		}
	}
	return params, nil
}

// UpdateUserConstraints 原子地替换用户覆盖，旧缓存代数随之失效。
func (r *Resolver) UpdateUserConstraints(ctx context.Context, userID string, metric biometric.MetricType, params biometric.ConstraintParameters) (*Override, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "userId 不能为空")
	}
	band, ok := r.catalog[metric]
	if !ok {
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "不支持的指标类型",
			xerrors.WithMetadata("metric", string(metric)))
	}
	if err := CheckBand(params); err != nil {
		return nil, err
	}
	unit := params.Unit
	if unit == "" {
		unit = band.Unit
	}
	if unit != band.Unit {
		return nil, xerrors.Validation(xerrors.ReasonUnitMismatch, "单位与指标不一致",
			xerrors.WithMetadata("expected", band.Unit), xerrors.WithMetadata("actual", unit))
	}
	factor := params.AdjustmentFactor
	if factor == 0 {
		factor = 1
	}
	stored, err := r.overrides.Put(ctx, &Override{
		UserID:           userID,
		MetricType:       metric,
		Unit:             unit,
		MinValue:         params.MinValue,
		MaxValue:         params.MaxValue,
		OptimalValue:     params.OptimalValue,
		AdjustmentFactor: factor,
		UpdatedAt:        r.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("用户约束已更新",
		slog.String("user_id", userID),
		slog.String("metric", string(metric)),
		slog.Int64("generation", stored.Generation))
	return stored, nil
}

// MaxAdjustmentFactor 是电路能够编码的最大调整系数。
const MaxAdjustmentFactor = 10.0

// CheckBand 校验区间能否被证明后端编码：下界非负、下界小于上界、系数在 [0, MaxAdjustmentFactor] 内。
// 系数为 0 表示未设置。
func CheckBand(params biometric.ConstraintParameters) error {
	if !finite(params.MinValue) || !finite(params.MaxValue) || !(params.MinValue < params.MaxValue) {
		return xerrors.Validation(xerrors.ReasonMalformedInput, "区间下界必须小于上界")
	}
	if params.MinValue < 0 {
		return xerrors.Validation(xerrors.ReasonMalformedInput, "区间下界不能为负",
			xerrors.WithMetadata("min_value", formatFloat(params.MinValue)))
	}
	if !finite(params.AdjustmentFactor) || params.AdjustmentFactor < 0 || params.AdjustmentFactor > MaxAdjustmentFactor {
		return xerrors.Validation(xerrors.ReasonMalformedInput, "adjustmentFactor 超出可编码范围",
			xerrors.WithMetadata("adjustment_factor", formatFloat(params.AdjustmentFactor)),
			xerrors.WithMetadata("max", formatFloat(MaxAdjustmentFactor)))
	}
	return nil
}

// ValidateReading 对读数执行闭区间校验。
func ValidateReading(reading biometric.Reading, params biometric.ConstraintParameters) error {
	if !finite(reading.Value) || reading.Value < 0 {
		return xerrors.Validation(xerrors.ReasonMalformedInput, "读数必须是非负有限数",
			xerrors.WithMetadata("metric", string(reading.MetricType)))
	}
	if reading.MetricType != "" && params.MetricType != "" && reading.MetricType != params.MetricType {
		return xerrors.Validation(xerrors.ReasonMixedMetrics, "读数指标与约束不一致",
			xerrors.WithMetadata("metric", string(reading.MetricType)))
	}
	if reading.Unit != "" && params.Unit != "" && reading.Unit != params.Unit {
		return xerrors.Validation(xerrors.ReasonUnitMismatch, "读数单位与约束不一致",
			xerrors.WithMetadata("expected", params.Unit), xerrors.WithMetadata("actual", reading.Unit))
	}
	if !Within(reading.Value, params) {
		return xerrors.New(xerrors.CodeConstraintViolation,
			fmt.Sprintf("读数 %s 超出区间 [%s, %s]", formatFloat(reading.Value), formatFloat(params.MinValue), formatFloat(params.MaxValue)),
			xerrors.WithMetadata("metric", string(params.MetricType)),
			xerrors.WithMetadata("value", formatFloat(reading.Value)),
			xerrors.WithMetadata("min", formatFloat(params.MinValue)),
			xerrors.WithMetadata("max", formatFloat(params.MaxValue)),
			xerrors.WithMetadata("risk_level", string(params.RiskLevel)))
	}
	return nil
}

// Within 判断数值是否落在闭区间内。
func Within(value float64, params biometric.ConstraintParameters) bool {
	if !finite(value) {
		return false
	}
	return value >= params.MinValue && value <= params.MaxValue
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
