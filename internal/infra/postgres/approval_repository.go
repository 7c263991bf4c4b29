package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/mo"

	"github.com/jinford/voc-coordinator/internal/core/approval"
)

// ApprovalRepository は approval.Repository を実装する PostgreSQL リポジトリです
type ApprovalRepository struct {
	pool *pgxpool.Pool
}

// NewApprovalRepository は新しい ApprovalRepository を作成します
func NewApprovalRepository(pool *pgxpool.Pool) *ApprovalRepository {
	return &ApprovalRepository{pool: pool}
}

// コンパイル時の型チェック
var _ approval.Repository = (*ApprovalRepository)(nil)

const approvalColumns = `id, job_id, tenant_id, reason, conditions, budget_used, payload, status, decider, note, requested_at, decided_at`

func (r *ApprovalRepository) Create(ctx context.Context, req *approval.Request) error {
	conditions := req.Conditions
	if conditions == nil {
		conditions = []string{}
	}
	_, err := r.pool.Exec(ctx, `INSERT INTO approval_requests (`+approvalColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		UUIDToPgtype(req.ID),
		req.JobID,
		req.TenantID,
		req.Reason,
		conditions,
		req.BudgetUsed,
		req.Payload,
		string(req.Status),
		StringToNullableText(req.Decider),
		StringToNullableText(req.Note),
		TimeToPgtype(req.RequestedAt),
		TimePtrToPgtype(req.DecidedAt),
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", approval.ErrDuplicatePending, req.JobID)
		}
		return fmt.Errorf("failed to create approval request: %w", err)
	}
	return nil
}

func (r *ApprovalRepository) Get(ctx context.Context, id uuid.UUID) (mo.Option[*approval.Request], error) {
	row := r.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, UUIDToPgtype(id))
	return scanOptionalApproval(row)
}

func (r *ApprovalRepository) FindPendingByJob(ctx context.Context, jobID string) (mo.Option[*approval.Request], error) {
	row := r.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE job_id = $1 AND status = 'pending'`, jobID)
	return scanOptionalApproval(row)
}

func (r *ApprovalRepository) ListPending(ctx context.Context) ([]*approval.Request, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+approvalColumns+` FROM approval_requests WHERE status = 'pending' ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list approval requests: %w", err)
	}
	reqs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*approval.Request, error) {
		return scanApproval(row)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval requests: %w", err)
	}
	return reqs, nil
}

// Decide は未判定の依頼だけを更新します。判定済みなら approval.ErrAlreadyDecided を返します
func (r *ApprovalRepository) Decide(ctx context.Context, id uuid.UUID, decision approval.Decision) (*approval.Request, error) {
	if !decision.Status.Decided() {
		return nil, approval.ErrInvalidDecision
	}

	row := r.pool.QueryRow(ctx, `UPDATE approval_requests
SET status = $2, decider = $3, note = $4, decided_at = $5
WHERE id = $1 AND status = 'pending'
RETURNING `+approvalColumns,
		UUIDToPgtype(id),
		string(decision.Status),
		StringToNullableText(decision.Decider),
		StringToNullableText(decision.Note),
		TimeToPgtype(decision.At),
	)
	req, err := scanApproval(row)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to decide approval request: %w", err)
	}

	// 更新対象が無い: 存在しないか判定済み
	existing, getErr := r.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if existing.IsAbsent() {
		return nil, approval.ErrNotFound
	}
	return nil, approval.ErrAlreadyDecided
}

func scanOptionalApproval(row pgx.Row) (mo.Option[*approval.Request], error) {
	req, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mo.None[*approval.Request](), nil
		}
		return mo.None[*approval.Request](), fmt.Errorf("failed to get approval request: %w", err)
	}
	return mo.Some(req), nil
}

func scanApproval(row pgx.Row) (*approval.Request, error) {
	var (
		req           approval.Request
		id            pgtype.UUID
		status        string
		decider, note pgtype.Text
		requestedAt   pgtype.Timestamptz
		decidedAt     pgtype.Timestamptz
	)
	if err := row.Scan(
		&id,
		&req.JobID,
		&req.TenantID,
		&req.Reason,
		&req.Conditions,
		&req.BudgetUsed,
		&req.Payload,
		&status,
		&decider,
		&note,
		&requestedAt,
		&decidedAt,
	); err != nil {
		return nil, err
	}
	req.ID = PgtypeToUUID(id)
	req.Status = approval.Status(status)
	req.Decider = PgtextToString(decider)
	req.Note = PgtextToString(note)
	req.RequestedAt = requestedAt.Time
	req.DecidedAt = PgtypeToTimePtr(decidedAt)
	return &req, nil
}
