package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jinford/voc-coordinator/internal/core/ledger"
	"github.com/jinford/voc-coordinator/internal/platform/database"
)

// CostJournal は ledger.Journal を実装する PostgreSQL の追記専用ジャーナルです。
// 書き込みはスコープ単位のアドバイザリロックで直列化されます
type CostJournal struct {
	txProvider *database.TransactionProvider
	scope      string
	lockID     int64
}

// NewCostJournal は新しい CostJournal を作成します。scope はテナントなど台帳を共有する単位です
func NewCostJournal(txProvider *database.TransactionProvider, scope string) *CostJournal {
	return &CostJournal{
		txProvider: txProvider,
		scope:      scope,
		lockID:     database.GenerateLockID("cost_ledger", scope),
	}
}

// コンパイル時の型チェック
var _ ledger.Journal = (*CostJournal)(nil)

func (j *CostJournal) Append(ctx context.Context, entry ledger.Entry) error {
	_, err := database.Transact(ctx, j.txProvider, func(tx pgx.Tx) (struct{}, error) {
		if err := database.AcquireXactLock(ctx, tx, j.lockID); err != nil {
			return struct{}{}, err
		}
		_, err := tx.Exec(ctx, `INSERT INTO cost_entries (scope, job_id, category, amount, recorded_at) VALUES ($1, $2, $3, $4, $5)`,
			j.scope, entry.JobID, string(entry.Category), entry.Amount, TimeToPgtype(entry.RecordedAt))
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to insert cost entry: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// Snapshot は世代番号と記録を同じロックの下で読み出します
func (j *CostJournal) Snapshot(ctx context.Context) (ledger.Snapshot, error) {
	return database.Transact(ctx, j.txProvider, func(tx pgx.Tx) (ledger.Snapshot, error) {
		if err := database.AcquireXactLock(ctx, tx, j.lockID); err != nil {
			return ledger.Snapshot{}, err
		}

		var generation int64
		err := tx.QueryRow(ctx, `SELECT generation FROM cost_resets WHERE scope = $1`, j.scope).Scan(&generation)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return ledger.Snapshot{}, fmt.Errorf("failed to get cost generation: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT job_id, category, amount, recorded_at FROM cost_entries WHERE scope = $1 ORDER BY id`, j.scope)
		if err != nil {
			return ledger.Snapshot{}, fmt.Errorf("failed to list cost entries: %w", err)
		}
		entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Entry, error) {
			var (
				e        ledger.Entry
				category string
			)
			err := row.Scan(&e.JobID, &category, &e.Amount, &e.RecordedAt)
			e.Category = ledger.Category(category)
			return e, err
		})
		if err != nil {
			return ledger.Snapshot{}, fmt.Errorf("failed to scan cost entries: %w", err)
		}

		return ledger.Snapshot{Generation: generation, Entries: entries}, nil
	})
}

// Reset は記録を削除し、スコープの世代番号を進めます
func (j *CostJournal) Reset(ctx context.Context) (int64, error) {
	return database.Transact(ctx, j.txProvider, func(tx pgx.Tx) (int64, error) {
		if err := database.AcquireXactLock(ctx, tx, j.lockID); err != nil {
			return 0, err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM cost_entries WHERE scope = $1`, j.scope); err != nil {
			return 0, fmt.Errorf("failed to reset cost entries: %w", err)
		}

		var generation int64
		err := tx.QueryRow(ctx, `
INSERT INTO cost_resets (scope, generation, reset_at) VALUES ($1, 1, now())
ON CONFLICT (scope) DO UPDATE SET generation = cost_resets.generation + 1, reset_at = now()
RETURNING generation`, j.scope).Scan(&generation)
		if err != nil {
			return 0, fmt.Errorf("failed to advance cost generation: %w", err)
		}
		return generation, nil
	})
}
