package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/samber/mo"
)

// Ledger はプロセス全体のコストを集計します
// 変更は mu で直列化され、journal への追記が成功した後にのみ集計値を更新します
type Ledger struct {
	mu      sync.RWMutex
	cap     float64
	journal Journal
	now     func() time.Time
	logger  *slog.Logger

	// generation は最後に取り込んだ journal の世代番号
	generation int64
	total      float64
	jobs       map[string]*jobState
	categories map[Category]float64
}

type jobState struct {
	total      float64
	startedAt  time.Time
	byCategory map[Category]float64
	entries    []Entry
}

type ledgerOptions struct {
	journal Journal
	now     func() time.Time
	logger  *slog.Logger
}

// LedgerOption は Ledger のオプション設定
type LedgerOption func(*ledgerOptions)

// WithLedgerJournal は永続化先を設定します
func WithLedgerJournal(journal Journal) LedgerOption {
	return func(o *ledgerOptions) {
		o.journal = journal
	}
}

// WithLedgerClock は記録時刻の取得元を差し替えます
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(o *ledgerOptions) {
		o.now = now
	}
}

// WithLedgerLogger はロガーを設定します
func WithLedgerLogger(logger *slog.Logger) LedgerOption {
	return func(o *ledgerOptions) {
		o.logger = logger
	}
}

// New は予算上限 budgetCap の Ledger を作成します
func New(budgetCap float64, opts ...LedgerOption) *Ledger {
	options := ledgerOptions{
		journal: NewMemoryJournal(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Ledger{
		cap:        budgetCap,
		journal:    options.journal,
		now:        options.now,
		logger:     options.logger,
		jobs:       make(map[string]*jobState),
		categories: make(map[Category]float64),
	}
}

// Cap は予算上限を返します
func (l *Ledger) Cap() float64 {
	return l.cap
}

// AddCost はジョブのコストを記録し、そのジョブの新しい累計を返します
func (l *Ledger) AddCost(ctx context.Context, jobID string, category Category, amount float64) (float64, error) {
	if jobID == "" {
		return 0, ErrEmptyJobID
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	if amount < 0 {
		return 0, fmt.Errorf("%w: %v", ErrNegativeCost, amount)
	}

	entry := Entry{
		JobID:      jobID,
		Category:   NormalizeCategory(category),
		Amount:     amount,
		RecordedAt: l.now(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.journal.Append(ctx, entry); err != nil {
		return 0, fmt.Errorf("コスト記録の永続化に失敗: %w", err)
	}

	jobTotal := l.apply(entry)

	l.logger.Debug("コストを記録",
		"jobID", jobID,
		"category", entry.Category,
		"amount", amount,
		"jobTotal", jobTotal,
		"total", l.total)

	return jobTotal, nil
}

// apply は mu を保持した状態で呼び出すこと
func (l *Ledger) apply(entry Entry) float64 {
	state, ok := l.jobs[entry.JobID]
	if !ok {
		state = &jobState{
			startedAt:  entry.RecordedAt,
			byCategory: make(map[Category]float64),
		}
		l.jobs[entry.JobID] = state
	}

	state.total += entry.Amount
	state.byCategory[entry.Category] += entry.Amount
	state.entries = append(state.entries, entry)

	l.categories[entry.Category] += entry.Amount
	l.total += entry.Amount

	return state.total
}

// WouldExceed は amount を追加すると上限を超えるかを返します
func (l *Ledger) WouldExceed(amount float64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total+amount > l.cap
}

// Total は全体の累計を返します
func (l *Ledger) Total() float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// JobTotal はジョブの累計を返します。未知のジョブは 0
func (l *Ledger) JobTotal(jobID string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if state, ok := l.jobs[jobID]; ok {
		return state.total
	}
	return 0
}

// JobDetails はジョブのコスト内訳を返します
func (l *Ledger) JobDetails(jobID string) mo.Option[JobDetails] {
	l.mu.RLock()
	defer l.mu.RUnlock()

	state, ok := l.jobs[jobID]
	if !ok {
		return mo.None[JobDetails]()
	}

	byCategory := make(map[Category]float64, len(state.byCategory))
	for k, v := range state.byCategory {
		byCategory[k] = v
	}
	entries := make([]Entry, len(state.entries))
	copy(entries, state.entries)

	return mo.Some(JobDetails{
		JobID:      jobID,
		Total:      state.total,
		StartedAt:  state.startedAt,
		ByCategory: byCategory,
		Entries:    entries,
	})
}

// Report は現在の集計からレポートを作成します
func (l *Ledger) Report() Report {
	l.mu.RLock()
	defer l.mu.RUnlock()

	report := Report{
		TotalCost:       l.total,
		BudgetCap:       l.cap,
		RemainingBudget: l.cap - l.total,
		JobCount:        len(l.jobs),
		OperationsCost:  make(map[Category]float64, len(l.categories)),
		OperationsPct:   make(map[Category]float64, len(l.categories)),
	}
	if l.cap > 0 {
		report.BudgetUtilizationPct = l.total / l.cap * 100
	}

	for category, cost := range l.categories {
		report.OperationsCost[category] = cost
		if l.total > 0 {
			report.OperationsPct[category] = cost / l.total * 100
		} else {
			report.OperationsPct[category] = 0
		}
	}

	return report
}

// Reset はすべての集計を 0 に戻します（管理操作）
func (l *Ledger) Reset(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	generation, err := l.journal.Reset(ctx)
	if err != nil {
		return fmt.Errorf("コスト記録のリセットに失敗: %w", err)
	}

	l.clear()
	l.generation = generation
	l.logger.Info("コスト台帳をリセット", "generation", generation)

	return nil
}

// Load は journal の内容から集計を再構築します
func (l *Ledger) Load(ctx context.Context) error {
	snapshot, err := l.journal.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("コスト記録の読み込みに失敗: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.clear()
	l.generation = snapshot.Generation
	for _, entry := range snapshot.Entries {
		entry.Category = NormalizeCategory(entry.Category)
		l.apply(entry)
	}

	l.logger.Info("コスト台帳を読み込み", "entries", len(snapshot.Entries), "total", l.total, "generation", l.generation)

	return nil
}

// Sync は共有 journal から集計を取り込みます。
// 同じ世代で journal 側の累計が手元より小さい場合は手元の集計を維持します。
// 世代が進んでいれば別プロセスがリセットしたものとして journal 側に合わせます
func (l *Ledger) Sync(ctx context.Context) error {
	snapshot, err := l.journal.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("コスト記録の同期に失敗: %w", err)
	}

	fresh := New(l.cap, WithLedgerJournal(NewMemoryJournal()), WithLedgerClock(l.now), WithLedgerLogger(l.logger))
	for _, entry := range snapshot.Entries {
		entry.Category = NormalizeCategory(entry.Category)
		fresh.apply(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case snapshot.Generation < l.generation:
		l.logger.Warn("共有台帳の世代が手元より古いため同期をスキップ",
			"shared", snapshot.Generation,
			"local", l.generation)
		return nil
	case snapshot.Generation == l.generation && fresh.total < l.total:
		l.logger.Warn("共有台帳の累計が手元より小さいため同期をスキップ",
			"shared", fresh.total,
			"local", l.total)
		return nil
	case snapshot.Generation > l.generation:
		l.logger.Info("共有台帳のリセットを検出",
			"generation", snapshot.Generation,
			"previousTotal", l.total,
			"total", fresh.total)
	}

	l.generation = snapshot.Generation
	l.total = fresh.total
	l.jobs = fresh.jobs
	l.categories = fresh.categories

	return nil
}

func (l *Ledger) clear() {
	l.total = 0
	l.jobs = make(map[string]*jobState)
	l.categories = make(map[Category]float64)
}
