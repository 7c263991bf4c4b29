package ledger

import (
	"context"
	"sync"
)

// Snapshot は journal のある時点の内容です。
// Generation はリセットのたびに増え、別プロセスによるリセットの検出に使います
type Snapshot struct {
	Generation int64
	Entries    []Entry
}

// Journal はコスト記録の永続化先です
// Append が成功した記録は、次のリセットまで Snapshot で必ず返されなければなりません
type Journal interface {
	Append(ctx context.Context, entry Entry) error
	Snapshot(ctx context.Context) (Snapshot, error)
	// Reset は記録を消去し、新しい世代番号を返します
	Reset(ctx context.Context) (int64, error)
}

// MemoryJournal はプロセス内にのみ記録を保持する Journal です
type MemoryJournal struct {
	mu         sync.Mutex
	generation int64
	entries    []Entry
}

// NewMemoryJournal は新しいMemoryJournalを作成します
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (j *MemoryJournal) Append(_ context.Context, entry Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	return nil
}

func (j *MemoryJournal) Snapshot(_ context.Context) (Snapshot, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return Snapshot{Generation: j.generation, Entries: out}, nil
}

func (j *MemoryJournal) Reset(_ context.Context) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = nil
	j.generation++
	return j.generation, nil
}

// インターフェース実装の確認
var _ Journal = (*MemoryJournal)(nil)
