package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	"BioProof-Chain/internal/biometric"
	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/proofs"
)

// ProofRepository 实现 proofs.Store。
type ProofRepository struct {
	db *sql.DB
}

const proofColumns = `proof_hash, user_id, metric_type, proof_type, request_digest, public_inputs, public_signals, proof,
    verification_key, circuit_id, cryptographically_sound, privacy_level, issued_at, expires_at, verified`

// Create 写入证明，哈希或幂等键重复时返回 CONFLICT。
func (r *ProofRepository) Create(ctx context.Context, record *proofs.Record) error {
	if record == nil || record.ProofHash == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "证明记录缺少哈希")
	}
	inputs, err := json.Marshal(record.PublicInputs)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码公开输入失败")
	}
	signals, err := json.Marshal(record.PublicSignals)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码公开信号失败")
	}
	var digest sql.NullString
	if record.RequestDigest != "" {
		digest = sql.NullString{String: record.RequestDigest, Valid: true}
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO proofs (`+proofColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ProofHash,
		record.UserID,
		string(record.MetricType),
		string(record.ProofType),
		digest,
		string(inputs),
		string(signals),
		record.Proof,
		record.VerificationKey,
		record.CircuitID,
		record.CryptographicallySound,
		string(record.PrivacyLevel),
		toNanos(record.IssuedAt),
		toNanos(record.ExpiresAt),
		record.Verified,
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "证明记录已存在", xerrors.WithMetadata("proof_hash", record.ProofHash))
		}
		return storageError(err, "写入证明失败")
	}
	return nil
}

// Get 根据哈希获取记录。
func (r *ProofRepository) Get(ctx context.Context, proofHash string) (*proofs.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE proof_hash = ?`, proofHash)
	rec, err := scanProof(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "证明不存在", xerrors.WithMetadata("proof_hash", proofHash))
	}
	return rec, err
}

// FindByDigest 按幂等键查找，未找到时返回 nil。
func (r *ProofRepository) FindByDigest(ctx context.Context, digest string) (*proofs.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proofs WHERE request_digest = ?`, digest)
	rec, err := scanProof(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// LatestUsable 返回用户某指标最新的已验证且未过期的证明。
func (r *ProofRepository) LatestUsable(ctx context.Context, userID string, metric biometric.MetricType, now time.Time) (*proofs.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+proofColumns+` FROM proofs
    WHERE user_id = ? AND metric_type = ? AND verified = 1 AND expires_at > ?
    ORDER BY issued_at DESC, proof_hash DESC LIMIT 1`, userID, string(metric), now.UnixNano())
	rec, err := scanProof(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, xerrors.New(xerrors.CodeNotFound, "没有可用的证明",
			xerrors.WithMetadata("user_id", userID), xerrors.WithMetadata("metric", string(metric)))
	}
	return rec, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProof(row rowScanner) (*proofs.Record, error) {
	var (
		rec                      proofs.Record
		metric, proofType, level string
		digest                   sql.NullString
		inputs, signals          string
		issuedAt, expiresAt      int64
	)
	if err := row.Scan(
		&rec.ProofHash,
		&rec.UserID,
		&metric,
		&proofType,
		&digest,
		&inputs,
		&signals,
		&rec.Proof,
		&rec.VerificationKey,
		&rec.CircuitID,
		&rec.CryptographicallySound,
		&level,
		&issuedAt,
		&expiresAt,
		&rec.Verified,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError(err, "解析证明记录失败")
	}
	if err := json.Unmarshal([]byte(inputs), &rec.PublicInputs); err != nil {
		return nil, storageError(err, "解析公开输入失败")
	}
	if err := json.Unmarshal([]byte(signals), &rec.PublicSignals); err != nil {
		return nil, storageError(err, "解析公开信号失败")
	}
	rec.MetricType = biometric.MetricType(metric)
	rec.ProofType = biometric.ProofType(proofType)
	rec.PrivacyLevel = biometric.PrivacyLevel(level)
	rec.RequestDigest = digest.String
	rec.IssuedAt = fromNanos(issuedAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	return &rec, nil
}

var _ proofs.Store = (*ProofRepository)(nil)
