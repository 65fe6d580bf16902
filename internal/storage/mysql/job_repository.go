package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "BioProof-Chain/internal/errors"
	"BioProof-Chain/internal/pipeline"
)

// JobRepository 实现 pipeline.Store。
type JobRepository struct {
	db *sql.DB
}

const jobColumns = `id, kind, payload, status, attempts, max_retries, last_error, error_code, result, created_at, updated_at`

// Create 插入新的作业记录。
func (r *JobRepository) Create(ctx context.Context, job *pipeline.Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "作业 ID 不能为空")
	}
	now := time.Now().Unix()
	if job.CreatedAt == 0 {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `INSERT INTO jobs (id, kind, payload, status, attempts, max_retries, last_error, error_code, created_at, updated_at)
    VALUES (?, ?, ?, ?, ?, ?, '', '', ?, ?)`,
		job.ID,
		string(job.Kind),
		string(job.Payload),
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		if isDuplicate(err) {
			return pipeline.ErrJobConflict
		}
		return storageError(err, "插入作业失败")
	}
	return nil
}

// Get 查询指定作业。
func (r *JobRepository) Get(ctx context.Context, id string) (*pipeline.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, pipeline.ErrJobNotFound
	}
	return job, err
}

// Claim 将作业标记为运行中并返回最新状态。
func (r *JobRepository) Claim(ctx context.Context, id string) (*pipeline.Job, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
    WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`,
		string(pipeline.StatusRunning),
		time.Now().Unix(),
		id,
		string(pipeline.StatusPending),
		string(pipeline.StatusFailed),
	)
	if err != nil {
		return nil, storageError(err, "更新作业状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, storageError(err, "获取影响行数失败")
	}
	job, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch job.Status {
	case pipeline.StatusSucceeded:
		return job, pipeline.ErrJobCompleted
	case pipeline.StatusRunning:
		return job, pipeline.ErrJobConflict
	default:
		if job.Attempts >= job.MaxRetries {
			return job, pipeline.ErrJobExhausted
		}
		return job, pipeline.ErrJobConflict
	}
}

// MarkSucceeded 将作业标记为成功。
func (r *JobRepository) MarkSucceeded(ctx context.Context, id string, result json.RawMessage) error {
	res, err := r.db.ExecContext(ctx, `UPDATE jobs SET status = ?, result = ?, updated_at = ?, last_error = '', error_code = '' WHERE id = ?`,
		string(pipeline.StatusSucceeded),
		nullJSON(result),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return storageError(err, "标记作业成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// MarkFailed 将作业标记为失败；terminal 时把尝试次数推到上限，阻止再次领取。
func (r *JobRepository) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	stmt := `UPDATE jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ? WHERE id = ?`
	if terminal {
		stmt = `UPDATE jobs SET status = ?, last_error = ?, error_code = ?, updated_at = ?, attempts = GREATEST(attempts, max_retries) WHERE id = ?`
	}
	res, err := r.db.ExecContext(ctx, stmt,
		string(pipeline.StatusFailed),
		lastError,
		string(code),
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return storageError(err, "标记作业失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return pipeline.ErrJobNotFound
	}
	return nil
}

// List 返回符合过滤条件的作业。
func (r *JobRepository) List(ctx context.Context, opts pipeline.ListOptions) ([]*pipeline.Job, error) {
	opts.ApplyDefaults()

	query := `SELECT ` + jobColumns + ` FROM jobs`
	clause, args := buildJobFilter(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == pipeline.SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, id DESC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageError(err, "查询作业列表失败")
	}
	defer rows.Close()

	jobs := make([]*pipeline.Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(err, "遍历作业失败")
	}
	return jobs, nil
}

// Close 由 DB 统一关闭连接池。
func (r *JobRepository) Close() error { return nil }

func buildJobFilter(opts pipeline.ListOptions) (string, []any) {
	var (
		conditions []string
		args       []any
	)
	if len(opts.Statuses) > 0 {
		conditions = append(conditions, "status IN ("+placeholders(len(opts.Statuses))+")")
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if len(opts.Kinds) > 0 {
		conditions = append(conditions, "kind IN ("+placeholders(len(opts.Kinds))+")")
		for _, kind := range opts.Kinds {
			args = append(args, string(kind))
		}
	}
	return strings.Join(conditions, " AND "), args
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func scanJob(row rowScanner) (*pipeline.Job, error) {
	var (
		job          pipeline.Job
		kind, status string
		payload      string
		result       sql.NullString
	)
	if err := row.Scan(
		&job.ID,
		&kind,
		&payload,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&job.LastError,
		&job.ErrorCode,
		&result,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storageError(err, "解析作业记录失败")
	}
	job.Kind = pipeline.Kind(kind)
	job.Status = pipeline.Status(status)
	job.Payload = json.RawMessage(payload)
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	return &job, nil
}

var _ pipeline.Store = (*JobRepository)(nil)
