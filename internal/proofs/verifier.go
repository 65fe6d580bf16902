package proofs

import (
	"context"
	"log/slog"
	"time"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/observability/metrics"
	"BioProof-Chain/pkg/logger"
)

// AnchorChecker 判断证明是否已经锚定，由 anchor 包实现。
type AnchorChecker interface {
	IsAnchored(ctx context.Context, proofID string) (bool, error)
}

// Result 是验证结论。IsValid 为 true 表示证明当前可用。
type Result struct {
	ProofHash              string   `json:"proofHash"`
	IsValid                bool     `json:"isValid"`
	StructurallyValid      bool     `json:"structurallyValid"`
	CryptographicallyValid bool     `json:"cryptographicallyValid"`
	CryptographicallySound bool     `json:"cryptographicallySound"`
	Expired                bool     `json:"expired"`
	Anchored               *bool    `json:"anchored,omitempty"`
	CircuitID              string   `json:"circuitId,omitempty"`
	Details                []string `json:"details,omitempty"`
}

// Disclosure 是单个属性的选择性披露结果。
type Disclosure struct {
	ProofHash              string    `json:"proofHash"`
	Name                   string    `json:"name"`
	Value                  any       `json:"value"`
	CryptographicallySound bool      `json:"cryptographicallySound"`
	ExpiresAt              time.Time `json:"expiresAt"`
}

// Verifier 检查证明的结构与密码学有效性。
type Verifier struct {
	store         Store
	backends      map[string]Backend
	anchors       AnchorChecker
	requireAnchor bool
	metrics       *metrics.Metrics
	logger        *slog.Logger
	now           func() time.Time
}

// VerifierOption 自定义验证器。
type VerifierOption func(*Verifier)

// WithAnchorRequirement 要求证明已锚定才视为可用。
func WithAnchorRequirement(checker AnchorChecker) VerifierOption {
	return func(v *Verifier) {
		v.anchors = checker
		v.requireAnchor = checker != nil
	}
}

// WithVerifierMetrics 注入指标收集器。
func WithVerifierMetrics(m *metrics.Metrics) VerifierOption {
	return func(v *Verifier) { v.metrics = m }
}

// WithVerifierClock 替换时间源。
func WithVerifierClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier 创建验证器，backends 按 CircuitID 注册。
func NewVerifier(store Store, backends []Backend, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:    store,
		backends: make(map[string]Backend, len(backends)),
		logger:   logger.Named("verifier"),
		now:      time.Now,
	}
	for _, b := range backends {
		if b != nil {
			v.backends[b.CircuitID()] = b
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// CheckStructure 返回公开输入的结构性问题，空切片表示结构合法。
func CheckStructure(proofHash string, in PublicInputs) []string {
	var problems []string
	if !ValidProofHash(proofHash) {
		problems = append(problems, "proof hash must be 64 lowercase hex characters")
	}
	if in.ConstraintMin >= in.ConstraintMax {
		problems = append(problems, "constraintMin must be below constraintMax")
	}
	if in.DataPointCount < 1 || in.DataPointCount > MaxDataPoints {
		problems = append(problems, "dataPointCount must be between 1 and 1000")
	}
	if in.Timestamp <= 0 {
		problems = append(problems, "timestamp must be positive")
	}
	return problems
}

// Verify 先校验结构，再交给匹配的后端做密码学验证，最后检查有效期与锚定。
// 结构或密码学失败以 IsValid=false 返回，不作为错误。
func (v *Verifier) Verify(ctx context.Context, proofHash, verificationKey string, publicInputs PublicInputs) (*Result, error) {
	res := &Result{ProofHash: proofHash}
	if problems := CheckStructure(proofHash, publicInputs); len(problems) > 0 {
		res.Details = problems
		v.metrics.ObserveVerification("", false)
		return res, nil
	}
	res.StructurallyValid = true

	record, err := v.store.Get(ctx, proofHash)
	if err != nil {
		return nil, err
	}
	res.CircuitID = record.CircuitID
	res.CryptographicallySound = record.CryptographicallySound

	backend, ok := v.backends[record.CircuitID]
	if !ok {
		res.Details = append(res.Details, "no backend registered for circuit "+record.CircuitID)
		v.metrics.ObserveVerification(record.CircuitID, false)
		return res, nil
	}
	key := verificationKey
	if key == "" {
		key = record.VerificationKey
	}
	cryptoOK, err := backend.Verify(ctx, key, publicInputs.Signals(), record.Proof)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeBackendUnavailable) {
			return nil, err
		}
		res.Details = append(res.Details, "backend rejected proof: "+err.Error())
	} else if !cryptoOK {
		res.Details = append(res.Details, "proof does not verify against the supplied public inputs")
	}
	res.CryptographicallyValid = err == nil && cryptoOK

	now := v.now()
	if record.Expired(now) {
		res.Expired = true
		res.Details = append(res.Details, "proof expired")
	}
	if !record.Verified {
		res.Details = append(res.Details, "proof was never self-verified")
	}
	res.IsValid = res.CryptographicallyValid && !res.Expired && record.Verified

	if v.requireAnchor && res.IsValid {
		anchored, err := v.anchors.IsAnchored(ctx, proofHash)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "查询锚定状态失败")
		}
		res.Anchored = &anchored
		if !anchored {
			res.IsValid = false
			res.Details = append(res.Details, "proof is not anchored")
		}
	}

	if !record.CryptographicallySound {
		res.Details = append(res.Details, "non-cryptographic fallback proof: no privacy guarantee")
	}
	v.metrics.ObserveVerification(record.CircuitID, res.IsValid)
	v.logger.Info("证明验证完成",
		slog.String("proof_hash", proofHash),
		slog.Bool("valid", res.IsValid),
		slog.Bool("cryptographically_sound", res.CryptographicallySound))
	return res, nil
}

// VerifyRecord 使用记录自身的验证密钥与公开输入验证。
func (v *Verifier) VerifyRecord(ctx context.Context, record *Record) (*Result, error) {
	return v.Verify(ctx, record.ProofHash, record.VerificationKey, record.PublicInputs)
}

// VerifyAttribute 仅披露一个公开属性。过期证明返回 ExpiredResourceError。
func (v *Verifier) VerifyAttribute(ctx context.Context, proofHash, name string) (*Disclosure, error) {
	if !ValidProofHash(proofHash) {
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "证明哈希格式错误")
	}
	record, err := v.store.Get(ctx, proofHash)
	if err != nil {
		return nil, err
	}
	if record.Expired(v.now()) {
		return nil, ExpiredError(proofHash, record.ExpiresAt)
	}
	if !record.Verified {
		return nil, xerrors.New(xerrors.CodeValidation, "证明未通过自验证", xerrors.WithMetadata("proof_hash", proofHash))
	}
	value, err := record.PublicInputs.Attribute(name)
	if err != nil {
		return nil, err
	}
	return &Disclosure{
		ProofHash:              proofHash,
		Name:                   name,
		Value:                  value,
		CryptographicallySound: record.CryptographicallySound,
		ExpiresAt:              record.ExpiresAt,
	}, nil
}
