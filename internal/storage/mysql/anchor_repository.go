package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"BioProof-Chain/internal/anchor"
	xerrors "BioProof-Chain/internal/errors"
)

// AnchorRepository 实现 anchor.Store。
type AnchorRepository struct {
	db *sql.DB
}

const anchorColumns = `id, proof_id, strategy, network, tx_hash, block_number, merkle_root, content_hash, commitment, cost, fee, status, created_at`

// Get 返回 (proofID, strategy, network) 对应的记录，不存在时返回 nil。
func (r *AnchorRepository) Get(ctx context.Context, proofID string, strategy anchor.Strategy, network string) (*anchor.Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE proof_id = ? AND strategy = ? AND network = ?`,
		proofID, string(strategy), network)
	rec, err := scanAnchor(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// Create 写入新记录，重复键返回 CONFLICT。
func (r *AnchorRepository) Create(ctx context.Context, record *anchor.Record) error {
	if record == nil || record.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "锚定记录缺少标识")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO anchors (`+anchorColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ProofID,
		string(record.Strategy),
		record.Network,
		record.TransactionHash,
		record.BlockNumber,
		record.MerkleRoot,
		record.ContentHash,
		record.Commitment,
		record.Cost,
		record.Fee,
		record.Status,
		toNanos(record.CreatedAt),
	)
	if err != nil {
		if isDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "锚定记录已存在",
				xerrors.WithMetadata("proof_id", record.ProofID),
				xerrors.WithMetadata("strategy", string(record.Strategy)),
				xerrors.WithMetadata("network", record.Network))
		}
		return storageError(err, "写入锚定记录失败")
	}
	return nil
}

// ListByProof 按写入时间返回证明的全部锚定记录。
func (r *AnchorRepository) ListByProof(ctx context.Context, proofID string) ([]*anchor.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+anchorColumns+` FROM anchors WHERE proof_id = ? ORDER BY created_at ASC, id ASC`, proofID)
	if err != nil {
		return nil, storageError(err, "查询锚定记录失败")
	}
	defer rows.Close()

	var out []*anchor.Record
	for rows.Next() {
		rec, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历锚定记录失败")
	}
	return out, nil
}

// PutAggregate 幂等写入聚合根及其成员。
func (r *AnchorRepository) PutAggregate(ctx context.Context, agg *anchor.Aggregate) error {
	if agg == nil || agg.Root == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "聚合缺少根哈希")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "开启聚合事务失败")
	}
	if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO anchor_aggregates (root, created_at) VALUES (?, ?)`,
		agg.Root, toNanos(agg.CreatedAt)); err != nil {
		tx.Rollback()
		return storageError(err, "写入聚合根失败")
	}
	for i, member := range agg.Members {
		if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO anchor_aggregate_members (root, proof_hash, position) VALUES (?, ?, ?)`,
			agg.Root, member, i); err != nil {
			tx.Rollback()
			return storageError(err, "写入聚合成员失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return storageError(err, "提交聚合事务失败")
	}
	return nil
}

// GetAggregate 不存在时返回 nil。
func (r *AnchorRepository) GetAggregate(ctx context.Context, root string) (*anchor.Aggregate, error) {
	var createdAt int64
	err := r.db.QueryRowContext(ctx, `SELECT created_at FROM anchor_aggregates WHERE root = ?`, root).Scan(&createdAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageError(err, "查询聚合根失败")
	}

	rows, err := r.db.QueryContext(ctx, `SELECT proof_hash FROM anchor_aggregate_members WHERE root = ? ORDER BY position ASC`, root)
	if err != nil {
		return nil, storageError(err, "查询聚合成员失败")
	}
	defer rows.Close()
	agg := &anchor.Aggregate{Root: root, CreatedAt: fromNanos(createdAt)}
	for rows.Next() {
		var member string
		if err := rows.Scan(&member); err != nil {
			return nil, storageError(err, "解析聚合成员失败")
		}
		agg.Members = append(agg.Members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历聚合成员失败")
	}
	return agg, nil
}

// AggregatesContaining 返回包含该证明的聚合根。
func (r *AnchorRepository) AggregatesContaining(ctx context.Context, proofHash string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT root FROM anchor_aggregate_members WHERE proof_hash = ? ORDER BY root ASC`, proofHash)
	if err != nil {
		return nil, storageError(err, "查询证明所属聚合失败")
	}
	defer rows.Close()
	var roots []string
	for rows.Next() {
		var root string
		if err := rows.Scan(&root); err != nil {
			return nil, storageError(err, "解析聚合根失败")
		}
		roots = append(roots, root)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历聚合根失败")
	}
	return roots, nil
}

func scanAnchor(row rowScanner) (*anchor.Record, error) {
	var (
		rec       anchor.Record
		strategy  string
		createdAt int64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.ProofID,
		&strategy,
		&rec.Network,
		&rec.TransactionHash,
		&rec.BlockNumber,
		&rec.MerkleRoot,
		&rec.ContentHash,
		&rec.Commitment,
		&rec.Cost,
		&rec.Fee,
		&rec.Status,
		&createdAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError(err, "解析锚定记录失败")
	}
	rec.Strategy = anchor.Strategy(strategy)
	rec.CreatedAt = fromNanos(createdAt)
	return &rec, nil
}

var _ anchor.Store = (*AnchorRepository)(nil)
