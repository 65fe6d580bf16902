package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"

	"BioProof-Chain/internal/biometric"
	"BioProof-Chain/internal/constraint"
	xerrors "BioProof-Chain/internal/errors"
)

// OverrideRepository 实现 constraint.OverrideStore。
type OverrideRepository struct {
	db *sql.DB
}

const overrideColumns = `user_id, metric_type, unit, min_value, max_value, optimal_value, adjustment_factor, generation, updated_at`

// Get 返回覆盖记录，不存在时返回 nil。
func (r *OverrideRepository) Get(ctx context.Context, userID string, metric biometric.MetricType) (*constraint.Override, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM constraint_overrides WHERE user_id = ? AND metric_type = ?`,
		userID, string(metric))
	o, err := scanOverride(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

// Put 在事务中替换覆盖记录，代数自增。
func (r *OverrideRepository) Put(ctx context.Context, override *constraint.Override) (*constraint.Override, error) {
	if override == nil || override.UserID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "覆盖记录缺少用户")
	}
	var optimal sql.NullFloat64
	if override.OptimalValue != nil {
		optimal = sql.NullFloat64{Float64: *override.OptimalValue, Valid: true}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageError(err, "开启覆盖事务失败")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO constraint_overrides (`+overrideColumns+`)
    VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
    ON DUPLICATE KEY UPDATE unit = VALUES(unit), min_value = VALUES(min_value), max_value = VALUES(max_value),
    optimal_value = VALUES(optimal_value), adjustment_factor = VALUES(adjustment_factor),
    generation = generation + 1, updated_at = VALUES(updated_at)`,
		override.UserID,
		string(override.MetricType),
		override.Unit,
		override.MinValue,
		override.MaxValue,
		optimal,
		override.AdjustmentFactor,
		toNanos(override.UpdatedAt),
	); err != nil {
		tx.Rollback()
		return nil, storageError(err, "写入约束覆盖失败")
	}
	row := tx.QueryRowContext(ctx, `SELECT `+overrideColumns+` FROM constraint_overrides WHERE user_id = ? AND metric_type = ?`,
		override.UserID, string(override.MetricType))
	stored, err := scanOverride(row)
	if err != nil {
		tx.Rollback()
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, storageError(err, "约束覆盖写入后不可见")
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageError(err, "提交覆盖事务失败")
	}
	return stored, nil
}

func scanOverride(row rowScanner) (*constraint.Override, error) {
	var (
		o         constraint.Override
		metric    string
		optimal   sql.NullFloat64
		updatedAt int64
	)
	if err := row.Scan(&o.UserID, &metric, &o.Unit, &o.MinValue, &o.MaxValue, &optimal, &o.AdjustmentFactor, &o.Generation, &updatedAt); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError(err, "解析约束覆盖失败")
	}
	o.MetricType = biometric.MetricType(metric)
	if optimal.Valid {
		v := optimal.Float64
		o.OptimalValue = &v
	}
	o.UpdatedAt = fromNanos(updatedAt)
	return &o, nil
}

var _ constraint.OverrideStore = (*OverrideRepository)(nil)
