package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(cap float64, opts ...LedgerOption) *Ledger {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]LedgerOption{WithLedgerLogger(logger)}, opts...)
	return New(cap, opts...)
}

type failingJournal struct {
	MemoryJournal
	appendErr error
	resetErr  error
}

func (j *failingJournal) Append(ctx context.Context, entry Entry) error {
	if j.appendErr != nil {
		return j.appendErr
	}
	return j.MemoryJournal.Append(ctx, entry)
}

func (j *failingJournal) Reset(ctx context.Context) (int64, error) {
	if j.resetErr != nil {
		return 0, j.resetErr
	}
	return j.MemoryJournal.Reset(ctx)
}

func TestLedger_AddCostUpdatesAllViews(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(100)

	total, err := l.AddCost(ctx, "j1", CategoryAcquisition, 0.02)
	require.NoError(t, err)
	assert.InDelta(t, 0.02, total, 1e-9)

	total, err = l.AddCost(ctx, "j1", CategoryEnrichment, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 0.07, total, 1e-9)

	_, err = l.AddCost(ctx, "j2", CategoryGraphUpdate, 0.01)
	require.NoError(t, err)

	assert.InDelta(t, 0.08, l.Total(), 1e-9)
	assert.InDelta(t, 0.07, l.JobTotal("j1"), 1e-9)
	assert.InDelta(t, 0.01, l.JobTotal("j2"), 1e-9)

	report := l.Report()
	assert.Equal(t, 2, report.JobCount)

	// 総計 == ジョブ合計 == カテゴリ合計
	var categorySum float64
	for _, v := range report.OperationsCost {
		categorySum += v
	}
	assert.InDelta(t, report.TotalCost, categorySum, 1e-9)
	assert.InDelta(t, report.TotalCost, l.JobTotal("j1")+l.JobTotal("j2"), 1e-9)
}

func TestLedger_AddCostRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(100)

	_, err := l.AddCost(ctx, "j1", CategoryOther, -0.01)
	assert.ErrorIs(t, err, ErrNegativeCost)

	_, err = l.AddCost(ctx, "j1", CategoryOther, math.NaN())
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.AddCost(ctx, "j1", CategoryOther, math.Inf(1))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.AddCost(ctx, "", CategoryOther, 1)
	assert.ErrorIs(t, err, ErrEmptyJobID)

	// 拒否された呼び出しは集計に影響しない
	assert.Zero(t, l.Total())
	assert.Zero(t, l.Report().JobCount)
}

func TestLedger_UnknownCategoryCoercedToOther(t *testing.T) {
	l := newTestLedger(100)

	_, err := l.AddCost(context.Background(), "j1", Category("serp"), 0.5)
	require.NoError(t, err)

	report := l.Report()
	assert.InDelta(t, 0.5, report.OperationsCost[CategoryOther], 1e-9)
	_, ok := report.OperationsCost[Category("serp")]
	assert.False(t, ok)
}

func TestLedger_ZeroAmountIsAccepted(t *testing.T) {
	l := newTestLedger(100)

	total, err := l.AddCost(context.Background(), "j1", CategoryGraphUpdate, 0)
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Equal(t, 1, l.Report().JobCount)
}

func TestLedger_NoDeduplication(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(100)

	_, err := l.AddCost(ctx, "j1", CategoryAcquisition, 0.02)
	require.NoError(t, err)
	_, err = l.AddCost(ctx, "j1", CategoryAcquisition, 0.02)
	require.NoError(t, err)

	assert.InDelta(t, 0.04, l.JobTotal("j1"), 1e-9)
}

func TestLedger_WouldExceed(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(1)

	_, err := l.AddCost(ctx, "j1", CategoryOther, 0.6)
	require.NoError(t, err)

	assert.False(t, l.WouldExceed(0.4))
	assert.True(t, l.WouldExceed(0.41))
}

func TestLedger_JobTotalUnknownIsZero(t *testing.T) {
	l := newTestLedger(1)
	assert.Zero(t, l.JobTotal("missing"))
	assert.False(t, l.JobDetails("missing").IsPresent())
}

func TestLedger_JobDetails(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	l := newTestLedger(10, WithLedgerClock(func() time.Time { return now }))

	_, err := l.AddCost(ctx, "j1", CategoryAcquisition, 0.02)
	require.NoError(t, err)
	_, err = l.AddCost(ctx, "j1", CategoryEnrichment, 0.05)
	require.NoError(t, err)

	details := l.JobDetails("j1")
	require.True(t, details.IsPresent())
	d := details.MustGet()
	assert.Equal(t, now, d.StartedAt)
	assert.Len(t, d.Entries, 2)
	assert.InDelta(t, 0.05, d.ByCategory[CategoryEnrichment], 1e-9)

	// 返された内訳を変更しても台帳には影響しない
	d.ByCategory[CategoryEnrichment] = 99
	assert.InDelta(t, 0.05, l.JobDetails("j1").MustGet().ByCategory[CategoryEnrichment], 1e-9)
}

func TestLedger_ReportPercentages(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(10)

	empty := l.Report()
	assert.Zero(t, empty.BudgetUtilizationPct)
	assert.InDelta(t, 10, empty.RemainingBudget, 1e-9)

	_, err := l.AddCost(ctx, "j1", CategoryAcquisition, 1)
	require.NoError(t, err)
	_, err = l.AddCost(ctx, "j1", CategoryEnrichment, 3)
	require.NoError(t, err)

	report := l.Report()
	assert.InDelta(t, 40, report.BudgetUtilizationPct, 1e-9)
	assert.InDelta(t, 6, report.RemainingBudget, 1e-9)
	assert.InDelta(t, 25, report.OperationsPct[CategoryAcquisition], 1e-9)
	assert.InDelta(t, 75, report.OperationsPct[CategoryEnrichment], 1e-9)
}

func TestLedger_ReportZeroCap(t *testing.T) {
	l := newTestLedger(0)
	_, err := l.AddCost(context.Background(), "j1", CategoryOther, 1)
	require.NoError(t, err)

	report := l.Report()
	assert.Zero(t, report.BudgetUtilizationPct)
	assert.InDelta(t, -1, report.RemainingBudget, 1e-9)
}

func TestLedger_Reset(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()
	l := newTestLedger(10, WithLedgerJournal(journal))

	_, err := l.AddCost(ctx, "j1", CategoryAcquisition, 1)
	require.NoError(t, err)

	require.NoError(t, l.Reset(ctx))

	assert.Zero(t, l.Total())
	assert.Zero(t, l.JobTotal("j1"))
	report := l.Report()
	assert.Zero(t, report.JobCount)
	assert.Empty(t, report.OperationsCost)

	snapshot, err := journal.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snapshot.Entries)
	assert.Equal(t, int64(1), snapshot.Generation)
}

func TestLedger_JournalFailureLeavesViewsUntouched(t *testing.T) {
	ctx := context.Background()
	journal := &failingJournal{appendErr: errors.New("disk full")}
	l := newTestLedger(10, WithLedgerJournal(journal))

	_, err := l.AddCost(ctx, "j1", CategoryAcquisition, 1)
	require.Error(t, err)
	assert.Zero(t, l.Total())
	assert.Zero(t, l.JobTotal("j1"))

	journal.appendErr = nil
	_, err = l.AddCost(ctx, "j1", CategoryAcquisition, 1)
	require.NoError(t, err)

	journal.resetErr = errors.New("locked")
	require.Error(t, l.Reset(ctx))
	assert.InDelta(t, 1, l.Total(), 1e-9)
}

func TestLedger_LoadRebuildsFromJournal(t *testing.T) {
	ctx := context.Background()
	journal := NewMemoryJournal()

	first := newTestLedger(10, WithLedgerJournal(journal))
	_, err := first.AddCost(ctx, "j1", CategoryAcquisition, 0.02)
	require.NoError(t, err)
	_, err = first.AddCost(ctx, "j2", CategoryEnrichment, 0.05)
	require.NoError(t, err)

	second := newTestLedger(10, WithLedgerJournal(journal))
	require.NoError(t, second.Load(ctx))

	assert.InDelta(t, first.Total(), second.Total(), 1e-9)
	assert.Equal(t, first.Report().JobCount, second.Report().JobCount)
}

func TestLedger_SyncNeverDecreasesTotal(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryJournal()

	a := newTestLedger(10, WithLedgerJournal(shared))
	b := newTestLedger(10, WithLedgerJournal(shared))

	_, err := a.AddCost(ctx, "j1", CategoryAcquisition, 1)
	require.NoError(t, err)
	_, err = b.AddCost(ctx, "j2", CategoryAcquisition, 2)
	require.NoError(t, err)

	require.NoError(t, a.Sync(ctx))
	assert.InDelta(t, 3, a.Total(), 1e-9)

	// 同じ世代のまま journal 側が小さくなっても手元の累計は減らない
	lagging := &staleJournal{MemoryJournal: shared}
	c := newTestLedger(10, WithLedgerJournal(lagging))
	require.NoError(t, c.Load(ctx))
	_, err = c.AddCost(ctx, "j3", CategoryOther, 1)
	require.NoError(t, err)
	lagging.hide = 1
	require.NoError(t, c.Sync(ctx))
	assert.InDelta(t, 4, c.Total(), 1e-9)
}

// staleJournal は末尾 hide 件を返さない、遅れた読み取りを再現する Journal です
type staleJournal struct {
	*MemoryJournal
	hide int
}

func (j *staleJournal) Snapshot(ctx context.Context) (Snapshot, error) {
	snapshot, err := j.MemoryJournal.Snapshot(ctx)
	if err != nil {
		return snapshot, err
	}
	snapshot.Entries = snapshot.Entries[:len(snapshot.Entries)-j.hide]
	return snapshot, nil
}

func TestLedger_SyncAppliesResetFromAnotherLedger(t *testing.T) {
	ctx := context.Background()
	shared := NewMemoryJournal()

	worker := newTestLedger(1, WithLedgerJournal(shared))
	_, err := worker.AddCost(ctx, "j1", CategoryAcquisition, 1)
	require.NoError(t, err)
	require.True(t, worker.WouldExceed(0.01))

	admin := newTestLedger(1, WithLedgerJournal(shared))
	require.NoError(t, admin.Load(ctx))
	require.NoError(t, admin.Reset(ctx))

	require.NoError(t, worker.Sync(ctx))
	assert.Zero(t, worker.Total())
	assert.Zero(t, worker.JobTotal("j1"))
	assert.False(t, worker.WouldExceed(0.01))

	// リセット後の支出は journal と一致する
	_, err = admin.AddCost(ctx, "j2", CategoryEnrichment, 0.5)
	require.NoError(t, err)
	require.NoError(t, worker.Sync(ctx))
	assert.InDelta(t, 0.5, worker.Total(), 1e-9)
	assert.InDelta(t, 0.5, worker.Report().OperationsCost[CategoryEnrichment], 1e-9)

	// 手元での追記も同期後に保たれる
	_, err = worker.AddCost(ctx, "j3", CategoryOther, 0.25)
	require.NoError(t, err)
	require.NoError(t, worker.Sync(ctx))
	assert.InDelta(t, 0.75, worker.Total(), 1e-9)
}

func TestLedger_ConcurrentAddCost(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(1000)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 20; k++ {
				_, err := l.AddCost(ctx, "shared", CategoryOther, 0.5)
				assert.NoError(t, err)
			}
		}()
	}

	// 読み取り側は累計の減少を観測しない
	done := make(chan struct{})
	go func() {
		defer close(done)
		last := 0.0
		for i := 0; i < 200; i++ {
			current := l.Total()
			assert.GreaterOrEqual(t, current, last)
			last = current
		}
	}()

	wg.Wait()
	<-done

	assert.InDelta(t, 500, l.Total(), 1e-6)
	assert.InDelta(t, 500, l.JobTotal("shared"), 1e-6)
}

func TestNormalizeCategory(t *testing.T) {
	for _, c := range Categories() {
		assert.Equal(t, c, NormalizeCategory(c))
	}
	assert.Equal(t, CategoryOther, NormalizeCategory(""))
	assert.Equal(t, CategoryOther, NormalizeCategory("graph"))
}
