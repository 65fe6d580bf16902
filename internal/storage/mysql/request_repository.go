package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/verification"
)

// RequestRepository 实现 verification.Store。
type RequestRepository struct {
	db *sql.DB
}

const requestColumns = `id, requester_id, user_id, metric_type, required_attributes, purpose, jurisdiction, status,
    risk_level, risk_reasons, bound_proof_id, decision_reason, created_at, expires_at, decided_at`

// Create 写入新请求。
func (r *RequestRepository) Create(ctx context.Context, req *verification.Request) error {
	if req == nil || req.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "验证请求缺少标识")
	}
	attrs, reasons, err := encodeRequestLists(req)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO verification_requests (`+requestColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID,
		req.RequesterID,
		req.UserID,
		string(req.MetricType),
		attrs,
		req.Purpose,
		req.Jurisdiction,
		string(req.Status),
		string(req.RiskLevel),
		reasons,
		req.BoundProofID,
		req.DecisionReason,
		toNanos(req.CreatedAt),
		toNanos(req.ExpiresAt),
		nullNanos(req.DecidedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "验证请求已存在", xerrors.WithMetadata("request_id", req.ID))
		}
		return storageError(err, "写入验证请求失败")
	}
	return nil
}

// Get 不存在时返回 NOT_FOUND。
func (r *RequestRepository) Get(ctx context.Context, id string) (*verification.Request, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM verification_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "验证请求不存在", xerrors.WithMetadata("request_id", id))
	}
	return req, err
}

// Transition 以 status 作为条件更新，实现比较并交换。
func (r *RequestRepository) Transition(ctx context.Context, req *verification.Request, from verification.Status) error {
	res, err := r.db.ExecContext(ctx, `UPDATE verification_requests SET status = ?, bound_proof_id = ?, decision_reason = ?, decided_at = ?
    WHERE id = ? AND status = ?`,
		string(req.Status),
		req.BoundProofID,
		req.DecisionReason,
		nullNanos(req.DecidedAt),
		req.ID,
		string(from),
	)
	if err != nil {
		return storageError(err, "更新验证请求失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageError(err, "获取影响行数失败")
	}
	if affected > 0 {
		return nil
	}
	current, err := r.Get(ctx, req.ID)
	if err != nil {
		return err
	}
	return xerrors.New(xerrors.CodeConflict, "验证请求状态已变化",
		xerrors.WithMetadata("request_id", req.ID),
		xerrors.WithMetadata("status", string(current.Status)))
}

// ListPendingBefore 返回在 deadline 前到期的待决请求。
func (r *RequestRepository) ListPendingBefore(ctx context.Context, deadline time.Time) ([]*verification.Request, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+requestColumns+` FROM verification_requests
    WHERE status = ? AND expires_at <= ? ORDER BY expires_at ASC`,
		string(verification.StatusPending), deadline.UnixNano())
	if err != nil {
		return nil, storageError(err, "查询待过期请求失败")
	}
	defer rows.Close()
	var out []*verification.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历验证请求失败")
	}
	return out, nil
}

func encodeRequestLists(req *verification.Request) (string, string, error) {
	attrs, err := json.Marshal(nonNil(req.RequiredAttributes))
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码请求属性失败")
	}
	reasons, err := json.Marshal(nonNil(req.RiskReasons))
	if err != nil {
		return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码风险原因失败")
	}
	return string(attrs), string(reasons), nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func scanRequest(row rowScanner) (*verification.Request, error) {
	var (
		req                  verification.Request
		metric, status, risk string
		attrs, reasons       string
		createdAt, expiresAt int64
		decidedAt            sql.NullInt64
	)
	if err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&req.UserID,
		&metric,
		&attrs,
		&req.Purpose,
		&req.Jurisdiction,
		&status,
		&risk,
		&reasons,
		&req.BoundProofID,
		&req.DecisionReason,
		&createdAt,
		&expiresAt,
		&decidedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError(err, "解析验证请求失败")
	}
	if err := json.Unmarshal([]byte(attrs), &req.RequiredAttributes); err != nil {
		return nil, storageError(err, "解析请求属性失败")
	}
	if err := json.Unmarshal([]byte(reasons), &req.RiskReasons); err != nil {
		return nil, storageError(err, "解析风险原因失败")
	}
	if len(req.RiskReasons) == 0 {
		req.RiskReasons = nil
	}
	req.MetricType = biometric.MetricType(metric)
	req.Status = verification.Status(status)
	req.RiskLevel = biometric.RiskLevel(risk)
	req.CreatedAt = fromNanos(createdAt)
	req.ExpiresAt = fromNanos(expiresAt)
	if decidedAt.Valid {
		t := fromNanos(decidedAt.Int64)
		req.DecidedAt = &t
	}
	return &req, nil
}

var _ verification.Store = (*RequestRepository)(nil)
