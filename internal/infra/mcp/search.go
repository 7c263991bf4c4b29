package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/jinford/voc-coordinator/internal/core/acquisition"
)

// 検索ツール名
const (
	ToolSERPOrganic        = "serp-google-organic-live-advanced"
	ToolRankedKeywords     = "datalabs_google_ranked_keywords"
	ToolDomainRankOverview = "datalabs_google_domain_rank_overview"
	ToolSERPCompetitors    = "datalabs_google_serp_competitors"
)

const (
	DefaultLocation = "United States"
	DefaultLanguage = "en"
	DefaultDepth    = 100
)

// SearchBackend は MCP ツールサーバー経由で検索結果・ドメイン情報を取得する取得バックエンド
type SearchBackend struct {
	client   *Client
	location string
	language string
	depth    int
}

// SearchOption は SearchBackend のオプション設定
type SearchOption func(*SearchBackend)

// WithLocale は検索地域と言語を設定します
func WithLocale(location, language string) SearchOption {
	return func(b *SearchBackend) {
		b.location = location
		b.language = language
	}
}

// WithDepth は取得件数を設定します
func WithDepth(depth int) SearchOption {
	return func(b *SearchBackend) {
		b.depth = depth
	}
}

// NewSearchBackend は新しいSearchBackendを作成します
func NewSearchBackend(client *Client, opts ...SearchOption) *SearchBackend {
	b := &SearchBackend{
		client:   client,
		location: DefaultLocation,
		language: DefaultLanguage,
		depth:    DefaultDepth,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name はバックエンド名を返します
func (b *SearchBackend) Name() string {
	return "serp"
}

// Suitable はキーワードのみのジョブと、SEO・ドメイン分析のジョブを扱います
func (b *SearchBackend) Suitable(req acquisition.Request) bool {
	return req.KeywordOnly() || req.DomainAnalysis()
}

// Fetch は入力に応じてツールを呼び分けます。
// キーワードのみなら検索結果、URLのみならドメイン分析、両方なら競合分析
func (b *SearchBackend) Fetch(ctx context.Context, req acquisition.Request) (*acquisition.Content, error) {
	switch {
	case req.URL == "" && len(req.Keywords) > 0:
		return b.fetchSERP(ctx, req.Keywords)
	case req.URL != "" && len(req.Keywords) == 0:
		return b.fetchDomain(ctx, req.URL)
	case req.URL != "":
		return b.fetchCompetitors(ctx, req.URL, req.Keywords)
	default:
		return nil, fmt.Errorf("either url or keywords are required")
	}
}

type serpItem struct {
	Type        string `json:"type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

func (b *SearchBackend) fetchSERP(ctx context.Context, keywords []string) (*acquisition.Content, error) {
	var sb strings.Builder
	calls := 0
	for _, kw := range keywords {
		raw, err := b.client.CallTool(ctx, ToolSERPOrganic, map[string]any{
			"location_name": b.location,
			"language_code": b.language,
			"keyword":       kw,
			"depth":         b.depth,
		})
		calls++
		if err != nil {
			return nil, err
		}

		fmt.Fprintf(&sb, "# %s\n", kw)
		for _, item := range serpItems(raw) {
			if item.Title == "" && item.Description == "" {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s (%s)\n", item.Title, item.Description, item.URL)
		}
	}

	return &acquisition.Content{
		Title:    "Search results: " + strings.Join(keywords, ", "),
		Text:     strings.TrimSpace(sb.String()),
		Metadata: b.metadata("serp"),
		Calls:    calls,
	}, nil
}

func (b *SearchBackend) fetchDomain(ctx context.Context, rawURL string) (*acquisition.Content, error) {
	domain := ExtractDomain(rawURL)

	ranked, err := b.client.CallTool(ctx, ToolRankedKeywords, map[string]any{
		"target":        domain,
		"location_name": b.location,
		"language_code": b.language,
		"limit":         b.depth,
	})
	if err != nil {
		return nil, err
	}
	overview, err := b.client.CallTool(ctx, ToolDomainRankOverview, map[string]any{
		"target":        domain,
		"location_name": b.location,
		"language_code": b.language,
	})
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Domain: %s\n", domain)
	var keywords struct {
		RankedKeywords []struct {
			Keyword  string `json:"keyword"`
			Position int    `json:"position"`
		} `json:"ranked_keywords"`
	}
	if err := json.Unmarshal(ranked, &keywords); err == nil {
		for _, k := range keywords.RankedKeywords {
			fmt.Fprintf(&sb, "- ranks #%d for %q\n", k.Position, k.Keyword)
		}
	}
	var ov struct {
		Metrics map[string]any `json:"metrics"`
	}
	if err := json.Unmarshal(overview, &ov); err == nil && len(ov.Metrics) > 0 {
		metrics, _ := json.Marshal(ov.Metrics)
		fmt.Fprintf(&sb, "Rank overview: %s\n", metrics)
	}

	meta := b.metadata("domain")
	meta["domain"] = domain
	return &acquisition.Content{
		URL:      rawURL,
		Title:    "Domain analysis: " + domain,
		Text:     strings.TrimSpace(sb.String()),
		Metadata: meta,
		Calls:    2,
	}, nil
}

func (b *SearchBackend) fetchCompetitors(ctx context.Context, rawURL string, keywords []string) (*acquisition.Content, error) {
	domain := ExtractDomain(rawURL)
	raw, err := b.client.CallTool(ctx, ToolSERPCompetitors, map[string]any{
		"keywords":      keywords,
		"location_name": b.location,
		"language_code": b.language,
		"limit":         b.depth,
	})
	if err != nil {
		return nil, err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Competitors of %s for %s\n", domain, strings.Join(keywords, ", "))
	var result struct {
		Competitors []struct {
			Domain string  `json:"domain"`
			Rating float64 `json:"rating"`
		} `json:"competitors"`
	}
	if err := json.Unmarshal(raw, &result); err == nil {
		for _, c := range result.Competitors {
			fmt.Fprintf(&sb, "- %s (rating %.1f)\n", c.Domain, c.Rating)
		}
	}

	meta := b.metadata("competitive")
	meta["domain"] = domain
	return &acquisition.Content{
		URL:      rawURL,
		Title:    "Competitive analysis: " + domain,
		Text:     strings.TrimSpace(sb.String()),
		Metadata: meta,
		Calls:    1,
	}, nil
}

func (b *SearchBackend) metadata(mode string) map[string]string {
	return map[string]string{
		"mode":     mode,
		"location": b.location,
		"language": b.language,
	}
}

// serpItems は検索ツールの結果から自然検索の項目を取り出します。
// result が {"items": [...]} でも {"tasks":[{"result":[{"items":[...]}]}]} でも読めます
func serpItems(raw json.RawMessage) []serpItem {
	var direct struct {
		Items []serpItem `json:"items"`
	}
	if err := json.Unmarshal(raw, &direct); err == nil && len(direct.Items) > 0 {
		return direct.Items
	}

	var wrapped struct {
		Tasks []struct {
			Result []struct {
				Items []serpItem `json:"items"`
			} `json:"result"`
		} `json:"tasks"`
	}
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		return nil
	}
	var items []serpItem
	for _, task := range wrapped.Tasks {
		for _, r := range task.Result {
			items = append(items, r.Items...)
		}
	}
	return items
}

// ExtractDomain は URL からホスト名を取り出します。スキームが無い場合も扱います
func ExtractDomain(rawURL string) string {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

// インターフェース実装の確認
var _ acquisition.Backend = (*SearchBackend)(nil)
