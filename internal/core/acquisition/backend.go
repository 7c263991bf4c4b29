package acquisition

import (
	"context"
	"errors"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

// ErrNoBackend はジョブを扱える取得バックエンドが無い場合のエラー
var ErrNoBackend = errors.New("no acquisition backend suits the job")

// Request は取得バックエンドへの入力
type Request struct {
	URL        string
	Keywords   []string
	SourceType coordinator.SourceType
}

// KeywordOnly はキーワードのみで URL が無いリクエストかを返します
func (r Request) KeywordOnly() bool {
	return r.URL == "" && len(r.Keywords) > 0
}

// DomainAnalysis は URL をドメイン分析として扱うリクエストかを返します
func (r Request) DomainAnalysis() bool {
	return r.URL != "" && (r.SourceType == coordinator.SourceTypeSEO || r.SourceType == coordinator.SourceTypeDomainAnalysis)
}

// Content はバックエンドが取得した本文
type Content struct {
	URL      string
	Title    string
	Text     string
	Metadata map[string]string
	// Calls は課金対象となった外部呼び出しの回数
	Calls int
}

// Backend はコンテンツ取得の実装
type Backend interface {
	Name() string
	// Suitable はリクエストを扱えるかを返します
	Suitable(req Request) bool
	Fetch(ctx context.Context, req Request) (*Content, error)
}
