package proofs

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/consent"
	"BioProof-Chain/internal/constraint"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/observability/metrics"
	"BioProof-Chain/internal/plausibility"
	"BioProof-Chain/pkg/logger"
)

// Stage 是证明生成的状态。
type Stage string

const (
	StageRequested            Stage = "REQUESTED"
	StageConstraintsValidated Stage = "CONSTRAINTS_VALIDATED"
	StageInputsPrepared       Stage = "INPUTS_PREPARED"
	StageProofComputed        Stage = "PROOF_COMPUTED"
	StageStored               Stage = "STORED"
	StageRejected             Stage = "REJECTED"
)

// 高置信度的合理性否决才会拒绝请求。
const implausibleConfidence = 0.8

// Request 描述一次证明生成请求。区间总由 ConstraintSelector 解析，Constraints 只能在其内收窄。
type Request struct {
	UserID      string                          `json:"userId"`
	Readings    []biometric.Reading             `json:"readings"`
	Constraints *biometric.ConstraintParameters `json:"constraints,omitempty"`
	Environment biometric.EnvironmentalContext  `json:"environmentalContext"`
	ProofType   biometric.ProofType             `json:"proofType,omitempty"`
	UserContext plausibility.UserContext        `json:"userContext,omitempty"`
}

// ConstraintSelector 解析有效区间，通常由 constraint.Resolver 实现。
type ConstraintSelector interface {
	SelectConstraints(ctx context.Context, userID string, metric biometric.MetricType, env biometric.EnvironmentalContext) (biometric.ConstraintParameters, error)
}

// Config 控制生成器行为。
type Config struct {
	ValidityPeriod time.Duration
	BucketWindow   time.Duration
	Timeout        time.Duration
	Secret         []byte
}

func (c *Config) applyDefaults() {
	if c.ValidityPeriod <= 0 {
		c.ValidityPeriod = 24 * time.Hour
	}
	if c.BucketWindow <= 0 {
		c.BucketWindow = 5 * time.Minute
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
}

// Generator 执行 校验 → 构造输入 → 计算证明 → 自验证 → 持久化 的流程。
type Generator struct {
	cfg          Config
	store        Store
	selector     ConstraintSelector
	primary      Backend
	fallback     Backend
	consent      consent.Manager
	plausibility plausibility.Validator
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// GeneratorOption 自定义生成器。
type GeneratorOption func(*Generator)

// WithPrimaryBackend 设置首选后端。
func WithPrimaryBackend(b Backend) GeneratorOption {
	return func(g *Generator) { g.primary = b }
}

// WithFallbackBackend 设置备用后端，仅在首选后端不可用时使用。
func WithFallbackBackend(b Backend) GeneratorOption {
	return func(g *Generator) { g.fallback = b }
}

// WithConsent 启用授权校验。
func WithConsent(m consent.Manager) GeneratorOption {
	return func(g *Generator) { g.consent = m }
}

// WithPlausibility 启用生理合理性校验。
func WithPlausibility(v plausibility.Validator) GeneratorOption {
	return func(g *Generator) { g.plausibility = v }
}

// WithMetrics 注入指标收集器。
func WithMetrics(m *metrics.Metrics) GeneratorOption {
	return func(g *Generator) { g.metrics = m }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) GeneratorOption {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGenerator 创建生成器。
func NewGenerator(cfg Config, store Store, selector ConstraintSelector, opts ...GeneratorOption) (*Generator, error) {
	if store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "证明存储未配置")
	}
	cfg.applyDefaults()
	g := &Generator{
		cfg:      cfg,
		store:    store,
		selector: selector,
		logger:   logger.Named("proofs"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.primary == nil && g.fallback == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何证明后端")
	}
	if len(g.cfg.Secret) == 0 {
		g.logger.Warn("未配置幂等密钥，使用进程内默认值")
		g.cfg.Secret = []byte("bioproof-dev-secret")
	}
	return g, nil
}

// Generate 生成证明并持久化。任一读数越界时不写入任何记录。
func (g *Generator) Generate(ctx context.Context, req Request) (*Record, error) {
	started := g.now()
	log := g.logger.With(slog.String("user_id", req.UserID), slog.Int("data_points", len(req.Readings)))
	log.Info("收到证明请求", slog.String("stage", string(StageRequested)))

	metric, params, err := g.admit(ctx, req)
	if err != nil {
		g.reject(log, req, metric, err)
		return nil, err
	}
	log = log.With(slog.String("metric", string(metric)))

	for _, reading := range req.Readings {
		if reading.MetricType == "" {
			reading.MetricType = metric
		}
		if err := constraint.ValidateReading(reading, params); err != nil {
			g.reject(log, req, metric, err)
			return nil, err
		}
	}
	if err := g.checkPlausibility(ctx, log, metric, req); err != nil {
		g.reject(log, req, metric, err)
		return nil, err
	}
	log.Info("读数校验通过", slog.String("stage", string(StageConstraintsValidated)),
		slog.Float64("min", params.MinValue), slog.Float64("max", params.MaxValue))

	bucket := Bucket(started, g.cfg.BucketWindow)
	inputs := BuildInputs(req.Readings, params, bucket)
	digest := RequestDigest(g.cfg.Secret, req.UserID, metric, inputs)
	if existing, err := g.store.FindByDigest(ctx, digest); err != nil {
		return nil, err
	} else if existing != nil && existing.Usable(started) {
		log.Info("同一时间桶内重复提交，返回已有证明", slog.String("proof_hash", existing.ProofHash))
		return existing, nil
	}
	log.Info("电路输入已构造", slog.String("stage", string(StageInputsPrepared)))

	computeCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	backend, out, err := g.compute(computeCtx, log, inputs)
	if err != nil {
		g.metrics.ObserveProof(circuitOf(backend), "failed", g.now().Sub(started))
		return nil, err
	}
	log.Info("证明已计算", slog.String("stage", string(StageProofComputed)),
		slog.String("circuit_id", backend.CircuitID()),
		slog.Bool("cryptographically_sound", backend.CryptographicallySound()))

	verified, err := backend.Verify(computeCtx, out.VerificationKey, out.PublicSignals, out.Proof)
	if err != nil {
		return nil, timeoutOr(computeCtx, err, xerrors.CodeProofGeneration, "证明自验证失败")
	}
	if !verified {
		return nil, xerrors.New(xerrors.CodeProofGeneration, "证明自验证未通过",
			xerrors.WithMetadata("circuit_id", backend.CircuitID()))
	}

	level := biometric.PrivacyLevelFor(len(req.Readings))
	issued := g.now().UTC()
	record := &Record{
		ProofHash:  ProofHash(out.Proof, out.PublicSignals, bucket),
		UserID:     req.UserID,
		MetricType: metric,
		ProofType:  biometric.ProofTypeRange,
		PublicInputs: PublicInputs{
			ConstraintMin:           inputs.ConstraintMin,
			ConstraintMax:           inputs.ConstraintMax,
			EnvironmentalFactor:     inputs.EnvironmentalFactor,
			DataPointCount:          inputs.DataPointCount,
			Timestamp:               inputs.Timestamp,
			MetricType:              metric,
			Unit:                    params.Unit,
			PrivacyLevel:            level,
			WithinRange:             true,
			EnvironmentallyAdjusted: params.EnvironmentallyAdjusted,
			RiskLevel:               params.RiskLevel,
			EnvironmentalFactors:    append([]string{}, params.EnvironmentalFactors...),
		},
		PublicSignals:          out.PublicSignals,
		Proof:                  out.Proof,
		VerificationKey:        out.VerificationKey,
		CircuitID:              backend.CircuitID(),
		CryptographicallySound: backend.CryptographicallySound(),
		RequestDigest:          digest,
		PrivacyLevel:           level,
		IssuedAt:               issued,
		ExpiresAt:              issued.Add(g.cfg.ValidityPeriod),
		Verified:               verified,
	}

	if err := g.store.Create(ctx, record); err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeConflict {
			// 并发请求可能以不同的证明哈希先写入同一摘要。
			existing, findErr := g.store.FindByDigest(ctx, digest)
			if findErr != nil {
				return nil, findErr
			}
			if existing != nil && existing.Usable(g.now()) {
				log.Info("并发请求已写入同一摘要，返回已有证明", slog.String("proof_hash", existing.ProofHash))
				return existing, nil
			}
		}
		return nil, err
	}
	g.metrics.ObserveProof(record.CircuitID, "stored", g.now().Sub(started))
	log.Info("证明已保存", slog.String("stage", string(StageStored)), slog.String("proof_hash", record.ProofHash))
	g.audit(record, params)
	return record.Clone(), nil
}

func (g *Generator) admit(ctx context.Context, req Request) (biometric.MetricType, biometric.ConstraintParameters, error) {
	var params biometric.ConstraintParameters
	if strings.TrimSpace(req.UserID) == "" {
		return "", params, xerrors.Validation(xerrors.ReasonMalformedInput, "userId 不能为空")
	}
	if len(req.Readings) == 0 || len(req.Readings) > MaxDataPoints {
		return "", params, xerrors.Validation(xerrors.ReasonMalformedInput, "读数数量必须在 1 到 1000 之间",
			xerrors.WithMetadata("count", strconv.Itoa(len(req.Readings))))
	}
	if req.ProofType != "" && req.ProofType != biometric.ProofTypeRange {
		return "", params, xerrors.Validation(xerrors.ReasonMalformedInput, "不支持的证明类型",
			xerrors.WithMetadata("proof_type", string(req.ProofType)))
	}

	if g.consent != nil {
		ok, err := g.consent.IsConsentValid(ctx, req.UserID)
		if err != nil {
			return "", params, xerrors.Wrap(xerrors.CodeExternalService, err, "授权校验失败")
		}
		if !ok {
			return "", params, xerrors.Validation(xerrors.ReasonConsentRequired, "用户未授权生成证明",
				xerrors.WithMetadata("user_id", req.UserID))
		}
	}

	metric := req.Readings[0].MetricType
	if req.Constraints != nil && req.Constraints.MetricType != "" && metric == "" {
		metric = req.Constraints.MetricType
	}
	if metric == "" {
		return "", params, xerrors.Validation(xerrors.ReasonMalformedInput, "缺少指标类型")
	}
	for _, r := range req.Readings {
		if r.MetricType != "" && r.MetricType != metric {
			return metric, params, xerrors.Validation(xerrors.ReasonMixedMetrics, "单个证明只能包含一种指标")
		}
	}

	if g.selector == nil {
		return metric, params, xerrors.New(xerrors.CodeInitializationFailure, "未配置约束解析器")
	}
	resolved, err := g.selector.SelectConstraints(ctx, req.UserID, metric, req.Environment)
	if err != nil {
		return metric, params, err
	}
	if req.Constraints == nil {
		return metric, resolved, nil
	}
	narrowed, err := narrow(metric, resolved, *req.Constraints)
	if err != nil {
		return metric, params, err
	}
	return metric, narrowed, nil
}

// narrow 允许调用方在解析区间内收窄证明区间。环境标记、风险等级与调整系数始终取自解析结果。
func narrow(metric biometric.MetricType, resolved, caller biometric.ConstraintParameters) (biometric.ConstraintParameters, error) {
	if caller.MetricType != "" && caller.MetricType != metric {
		return resolved, xerrors.Validation(xerrors.ReasonMixedMetrics, "约束指标与读数不一致")
	}
	if caller.Unit != "" && caller.Unit != resolved.Unit {
		return resolved, xerrors.Validation(xerrors.ReasonUnitMismatch, "约束单位与指标不一致",
			xerrors.WithMetadata("expected", resolved.Unit), xerrors.WithMetadata("actual", caller.Unit))
	}
	caller.AdjustmentFactor = 0
	if err := constraint.CheckBand(caller); err != nil {
		return resolved, err
	}
	if caller.MinValue < resolved.MinValue || caller.MaxValue > resolved.MaxValue {
		return resolved, xerrors.New(xerrors.CodeConstraintViolation, "调用方区间超出解析区间",
			xerrors.WithMetadata("metric", string(metric)),
			xerrors.WithMetadata("min", strconv.FormatFloat(resolved.MinValue, 'f', -1, 64)),
			xerrors.WithMetadata("max", strconv.FormatFloat(resolved.MaxValue, 'f', -1, 64)),
			xerrors.WithMetadata("risk_level", string(resolved.RiskLevel)))
	}
	out := resolved.Clone()
	out.MinValue = caller.MinValue
	out.MaxValue = caller.MaxValue
	out.Source = biometric.ConstraintSourceCaller
	return out, nil
}

func (g *Generator) checkPlausibility(ctx context.Context, log *slog.Logger, metric biometric.MetricType, req Request) error {
	if g.plausibility == nil {
		return nil
	}
	for i, r := range req.Readings {
		res, err := g.plausibility.Validate(ctx, metric, r.Value, req.UserContext)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeExternalService, err, "合理性校验失败")
		}
		if res.IsValid {
			continue
		}
		if res.Confidence >= implausibleConfidence {
			return xerrors.Validation(xerrors.ReasonImplausibleReading, "读数不符合生理常识",
				xerrors.WithMetadata("index", strconv.Itoa(i)),
				xerrors.WithMetadata("confidence", strconv.FormatFloat(res.Confidence, 'f', 2, 64)),
				xerrors.WithMetadata("detail", res.Reason))
		}
		logger.Audit().Info("低置信度合理性告警",
			slog.String("user_id", req.UserID),
			slog.String("metric", string(metric)),
			slog.Int("index", i),
			slog.Float64("confidence", res.Confidence),
			slog.String("reason", res.Reason))
		log.Debug("忽略低置信度合理性否决", slog.Int("index", i))
	}
	return nil
}

func (g *Generator) compute(ctx context.Context, log *slog.Logger, inputs CircuitInputs) (Backend, *Output, error) {
	backend := g.primary
	if backend == nil {
		log.Warn("未配置电路后端，使用非密码学备用后端", slog.String("circuit_id", g.fallback.CircuitID()))
		backend = g.fallback
	}
	out, err := backend.Compute(ctx, inputs)
	if err != nil && xerrors.HasCode(err, xerrors.CodeBackendUnavailable) && g.fallback != nil && backend != g.fallback {
		log.Warn("电路后端不可用，退化为非密码学备用后端",
			slog.Any("error", err),
			slog.String("fallback", g.fallback.CircuitID()))
		backend = g.fallback
		out, err = backend.Compute(ctx, inputs)
	}
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeValidation) {
			return backend, nil, err
		}
		return backend, nil, timeoutOr(ctx, err, xerrors.CodeProofGeneration, "证明计算失败")
	}
	return backend, out, nil
}

func (g *Generator) reject(log *slog.Logger, req Request, metric biometric.MetricType, err error) {
	log.Warn("证明请求被拒绝", slog.String("stage", string(StageRejected)),
		slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
	logger.Audit().Info("proof_rejected",
		slog.String("user_id", req.UserID),
		slog.String("metric", string(metric)),
		slog.String("code", string(xerrors.CodeOf(err))))
	g.metrics.ObserveProof("", "rejected", 0)
}

// audit 按隐私等级决定审计日志记录的属性数量，等级越高记录越少。
func (g *Generator) audit(record *Record, params biometric.ConstraintParameters) {
	attrs := []any{
		slog.String("proof_hash", record.ProofHash),
		slog.String("metric", string(record.MetricType)),
		slog.String("circuit_id", record.CircuitID),
		slog.Bool("cryptographically_sound", record.CryptographicallySound),
		slog.String("privacy_level", string(record.PrivacyLevel)),
	}
	switch record.PrivacyLevel {
	case biometric.PrivacyMinimal:
		attrs = append(attrs,
			slog.String("user_id", record.UserID),
			slog.Int64("data_points", record.PublicInputs.DataPointCount),
			slog.Float64("min", params.MinValue),
			slog.Float64("max", params.MaxValue),
			slog.String("risk_level", string(params.RiskLevel)),
			slog.Any("environmental_factors", params.EnvironmentalFactors))
	case biometric.PrivacyStandard:
		attrs = append(attrs,
			slog.String("user_id", record.UserID),
			slog.Int64("data_points", record.PublicInputs.DataPointCount))
	}
	logger.Audit().Info("proof_issued", attrs...)
}

func circuitOf(b Backend) string {
	if b == nil {
		return ""
	}
	return b.CircuitID()
}

func timeoutOr(ctx context.Context, err error, code xerrors.Code, message string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "证明计算超时")
	}
	return xerrors.Wrap(code, err, message)
}
