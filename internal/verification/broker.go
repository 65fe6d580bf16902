package verification

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/observability/metrics"
	"BioProof-Chain/internal/proofs"
	"BioProof-Chain/internal/risk"
	"BioProof-Chain/pkg/logger"

	"github.com/google/uuid"
)

// ProofFinder 查找用户最新的可用证明，proofs.Store 实现该接口。
type ProofFinder interface {
	LatestUsable(ctx context.Context, userID string, metric biometric.MetricType, now time.Time) (*proofs.Record, error)
}

// ProofVerifier 复核并选择性披露证明，proofs.Verifier 实现该接口。
type ProofVerifier interface {
	VerifyRecord(ctx context.Context, record *proofs.Record) (*proofs.Result, error)
	VerifyAttribute(ctx context.Context, proofHash, name string) (*proofs.Disclosure, error)
}

// Broker 管理第三方验证请求的生命周期。
type Broker struct {
	store      Store
	scorer     risk.Scorer
	finder     ProofFinder
	verifier   ProofVerifier
	expiration time.Duration
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// Option 自定义 Broker。
type Option func(*Broker)

// WithExpiration 设置请求有效期。
func WithExpiration(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.expiration = d
		}
	}
}

// WithMetrics 注入指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// NewBroker 创建 Broker，默认请求有效期为 72 小时。
func NewBroker(store Store, scorer risk.Scorer, finder ProofFinder, verifier ProofVerifier, opts ...Option) *Broker {
	b := &Broker{
		store:      store,
		scorer:     scorer,
		finder:     finder,
		verifier:   verifier,
		expiration: 72 * time.Hour,
		logger:     logger.Named("verification"),
		now:        time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Submit 经风险评估后创建待决请求。
func (b *Broker) Submit(ctx context.Context, in Submission) (*Request, error) {
	attrs, err := normalizeAttributes(in.RequiredAttributes)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.UserID) == "" || strings.TrimSpace(string(in.MetricType)) == "" {
		return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "验证请求缺少用户或指标")
	}

	assessment, err := b.scorer.Score(ctx, risk.Subject{
		RequesterID:        in.RequesterID,
		UserID:             in.UserID,
		MetricType:         in.MetricType,
		RequiredAttributes: attrs,
		Purpose:            in.Purpose,
		Jurisdiction:       in.Jurisdiction,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeExternalService, err, "风险评估失败",
			xerrors.WithMetadata("requester_id", in.RequesterID))
	}
	if !assessment.IsLegitimate {
		b.metrics.ObserveRequest("refused")
		b.logger.Warn("验证请求未通过风险评估",
			slog.String("requester_id", in.RequesterID),
			slog.String("user_id", in.UserID),
			slog.Any("reasons", assessment.Reasons))
		return nil, xerrors.Validation("risk_rejected", "验证请求未通过风险评估",
			xerrors.WithMetadata("risk_level", string(assessment.RiskLevel)),
			xerrors.WithMetadata("reasons", strings.Join(assessment.Reasons, ",")))
	}

	now := b.now().UTC()
	req := &Request{
		ID:                 uuid.NewString(),
		RequesterID:        strings.TrimSpace(in.RequesterID),
		UserID:             strings.TrimSpace(in.UserID),
		MetricType:         in.MetricType,
		RequiredAttributes: attrs,
		Purpose:            strings.TrimSpace(in.Purpose),
		Jurisdiction:       strings.ToUpper(strings.TrimSpace(in.Jurisdiction)),
		Status:             StatusPending,
		RiskLevel:          assessment.RiskLevel,
		RiskReasons:        assessment.Reasons,
		CreatedAt:          now,
		ExpiresAt:          now.Add(b.expiration),
	}
	if err := b.store.Create(ctx, req); err != nil {
		return nil, err
	}
	b.metrics.ObserveRequest(string(StatusPending))
	b.logger.Info("验证请求已创建",
		slog.String("request_id", req.ID),
		slog.String("requester_id", req.RequesterID),
		slog.String("risk_level", string(req.RiskLevel)))
	return req, nil
}

// Get 返回请求。
func (b *Broker) Get(ctx context.Context, id string) (*Request, error) {
	return b.store.Get(ctx, id)
}

// Decide 处理用户决定。批准时绑定用户最新的可用证明并披露所需属性，不会触发证明生成；
// 没有可用证明时请求保持待决并返回 NOT_FOUND。
func (b *Broker) Decide(ctx context.Context, id string, decision Decision) (*Outcome, error) {
	req, err := b.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := b.now().UTC()

	if req.Status == StatusPending && !now.Before(req.ExpiresAt) {
		if err := b.expire(ctx, req, now); err != nil && !xerrors.HasCode(err, xerrors.CodeConflict) {
			return nil, err
		}
		req.Status = StatusExpired
	}
	switch req.Status {
	case StatusPending:
	case StatusExpired:
		return nil, xerrors.New(xerrors.CodeExpired, "验证请求已过期",
			xerrors.WithMetadata("request_id", id),
			xerrors.WithMetadata("expires_at", req.ExpiresAt.Format(time.RFC3339)))
	default:
		return nil, xerrors.New(xerrors.CodeConflict, "验证请求已处理",
			xerrors.WithMetadata("request_id", id),
			xerrors.WithMetadata("status", string(req.Status)))
	}

	if !decision.Approve {
		next := req.Clone()
		next.Status = StatusRejected
		next.DecisionReason = strings.TrimSpace(decision.Reason)
		next.DecidedAt = &now
		if err := b.store.Transition(ctx, next, StatusPending); err != nil {
			return nil, err
		}
		b.metrics.ObserveRequest(string(StatusRejected))
		b.logger.Info("验证请求已拒绝", slog.String("request_id", id))
		return &Outcome{Request: next}, nil
	}

	record, err := b.finder.LatestUsable(ctx, req.UserID, req.MetricType, now)
	if err != nil {
		return nil, err
	}
	result, err := b.verifier.VerifyRecord(ctx, record)
	if err != nil {
		return nil, err
	}
	if !result.IsValid {
		return nil, xerrors.New(xerrors.CodeNotFound, "没有通过复核的可用证明",
			xerrors.WithMetadata("request_id", id),
			xerrors.WithMetadata("proof_hash", record.ProofHash),
			xerrors.WithMetadata("details", strings.Join(result.Details, "; ")))
	}

	disclosures := make([]*proofs.Disclosure, 0, len(req.RequiredAttributes))
	for _, name := range req.RequiredAttributes {
		d, err := b.verifier.VerifyAttribute(ctx, record.ProofHash, name)
		if err != nil {
			return nil, err
		}
		disclosures = append(disclosures, d)
	}

	next := req.Clone()
	next.Status = StatusApproved
	next.BoundProofID = record.ProofHash
	next.DecisionReason = strings.TrimSpace(decision.Reason)
	next.DecidedAt = &now
	if err := b.store.Transition(ctx, next, StatusPending); err != nil {
		return nil, err
	}
	b.metrics.ObserveRequest(string(StatusApproved))
	b.logger.Info("验证请求已批准",
		slog.String("request_id", id),
		slog.String("proof_hash", record.ProofHash),
		slog.Int("disclosed", len(disclosures)))
	return &Outcome{
		Request: next,
		Proof: &ProofReference{
			ProofHash:              record.ProofHash,
			CircuitID:              record.CircuitID,
			CryptographicallySound: record.CryptographicallySound,
			ExpiresAt:              record.ExpiresAt,
		},
		Disclosures: disclosures,
	}, nil
}

// SweepExpired 将 now 时刻已过期的待决请求标记为 expired，返回处理数量。
func (b *Broker) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	pending, err := b.store.ListPendingBefore(ctx, now)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range pending {
		if err := b.expire(ctx, req, now); err != nil {
			if xerrors.HasCode(err, xerrors.CodeConflict) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		b.logger.Info("过期验证请求已清理", slog.Int("count", expired))
	}
	return expired, nil
}

// RunSweeper 按 interval 周期执行 SweepExpired，直到 ctx 结束。
func (b *Broker) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.SweepExpired(ctx, b.now().UTC()); err != nil {
				b.logger.Error("清理过期验证请求失败", slog.Any("error", err))
			}
		}
	}
}

func (b *Broker) expire(ctx context.Context, req *Request, now time.Time) error {
	next := req.Clone()
	next.Status = StatusExpired
	next.DecidedAt = &now
	if err := b.store.Transition(ctx, next, StatusPending); err != nil {
		return err
	}
	b.metrics.ObserveRequest(string(StatusExpired))
	return nil
}

func normalizeAttributes(names []string) ([]string, error) {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !proofs.IsAttribute(name) {
			return nil, xerrors.Validation(xerrors.ReasonMalformedInput, "未知的公开属性",
				xerrors.WithMetadata("attribute", name))
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}
