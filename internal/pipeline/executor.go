package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"BioProof-Chain/internal/anchor"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/proofs"
)

// Executor 执行一个已领取的作业，返回值会被序列化为作业结果。
type Executor interface {
	Execute(ctx context.Context, job *Job) (any, error)
}

// ProofGenerator 由 proofs.Generator 实现。
type ProofGenerator interface {
	Generate(ctx context.Context, req proofs.Request) (*proofs.Record, error)
}

// Anchorer 由 anchor.Service 实现。
type Anchorer interface {
	Anchor(ctx context.Context, proofID string, strategy anchor.Strategy, opts anchor.Options) (*anchor.Result, error)
	AnchorAggregate(ctx context.Context, hashes []string, strategy anchor.Strategy, opts anchor.Options) (*anchor.Result, error)
}

// AnchorPayload 是 anchor_proof 作业的参数。ProofID 与 ProofHashes 二选一，
// 后者会先聚合为 Merkle 根再锚定。
type AnchorPayload struct {
	ProofID     string         `json:"proofId,omitempty"`
	ProofHashes []string       `json:"proofHashes,omitempty"`
	Strategy    string         `json:"strategy,omitempty"`
	Options     anchor.Options `json:"options,omitempty"`
}

// GenerateResult 是 generate_proof 作业的结果摘要，不含证明字节。
type GenerateResult struct {
	ProofHash              string    `json:"proofHash"`
	CircuitID              string    `json:"circuitId"`
	CryptographicallySound bool      `json:"cryptographicallySound"`
	WithinRange            bool      `json:"withinRange"`
	ExpiresAt              time.Time `json:"expiresAt"`
}

// ValidatePayload 在入队前检查作业参数，避免注定失败的作业占用重试次数。
func ValidatePayload(kind Kind, payload json.RawMessage) error {
	switch kind {
	case KindGenerateProof:
		_, err := decodeGenerate(payload)
		return err
	case KindAnchorProof:
		_, _, err := decodeAnchor(payload)
		return err
	default:
		return xerrors.New(CodeJobValidation, "未知的作业类型", xerrors.WithMetadata("kind", string(kind)))
	}
}

func decodeGenerate(payload json.RawMessage) (proofs.Request, error) {
	var req proofs.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return req, xerrors.Wrap(CodeJobValidation, err, "generate_proof 参数格式错误")
	}
	if strings.TrimSpace(req.UserID) == "" {
		return req, xerrors.New(CodeJobValidation, "generate_proof 需要 userId")
	}
	if len(req.Readings) == 0 {
		return req, xerrors.New(CodeJobValidation, "generate_proof 需要至少一个读数")
	}
	return req, nil
}

func decodeAnchor(payload json.RawMessage) (AnchorPayload, anchor.Strategy, error) {
	var p AnchorPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return p, "", xerrors.Wrap(CodeJobValidation, err, "anchor_proof 参数格式错误")
	}
	p.ProofID = strings.TrimSpace(p.ProofID)
	if (p.ProofID == "") == (len(p.ProofHashes) == 0) {
		return p, "", xerrors.New(CodeJobValidation, "anchor_proof 需要 proofId 或 proofHashes 其中之一")
	}
	strategy, err := anchor.ParseStrategy(p.Strategy)
	if err != nil {
		return p, "", xerrors.Wrap(CodeJobValidation, err, "anchor_proof 策略无效")
	}
	return p, strategy, nil
}

// JobExecutor 将作业路由到证明生成器与锚定服务。
type JobExecutor struct {
	generator ProofGenerator
	anchors   Anchorer
}

// NewJobExecutor 构造 JobExecutor。
func NewJobExecutor(generator ProofGenerator, anchors Anchorer) *JobExecutor {
	return &JobExecutor{generator: generator, anchors: anchors}
}

// Execute 实现 Executor 接口。
func (e *JobExecutor) Execute(ctx context.Context, job *Job) (any, error) {
	if job == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	switch job.Kind {
	case KindGenerateProof:
		if e.generator == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置证明生成器")
		}
		req, err := decodeGenerate(job.Payload)
		if err != nil {
			return nil, err
		}
		record, err := e.generator.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
		return GenerateResult{
			ProofHash:              record.ProofHash,
			CircuitID:              record.CircuitID,
			CryptographicallySound: record.CryptographicallySound,
			WithinRange:            record.PublicInputs.WithinRange,
			ExpiresAt:              record.ExpiresAt,
		}, nil
	case KindAnchorProof:
		if e.anchors == nil {
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置锚定服务")
		}
		p, strategy, err := decodeAnchor(job.Payload)
		if err != nil {
			return nil, err
		}
		if len(p.ProofHashes) > 0 {
			return e.anchors.AnchorAggregate(ctx, p.ProofHashes, strategy, p.Options)
		}
		return e.anchors.Anchor(ctx, p.ProofID, strategy, p.Options)
	default:
		return nil, xerrors.New(CodeJobValidation, "未知的作业类型", xerrors.WithMetadata("kind", string(job.Kind)))
	}
}
