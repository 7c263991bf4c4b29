package mcp

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/voc-coordinator/internal/core/acquisition"
)

type toolCall struct {
	tool string
	args map[string]any
}

// newToolServer は tool 名ごとに固定の result を返すテスト用 MCP サーバーを起動する
func newToolServer(t *testing.T, results map[string]string) (*httptest.Server, func() []toolCall) {
	t.Helper()

	var (
		mu    sync.Mutex
		calls []toolCall
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tool := strings.TrimPrefix(r.URL.Path, "/mcp/tools/")
		body, _ := io.ReadAll(r.Body)
		var args map[string]any
		_ = json.Unmarshal(body, &args)

		mu.Lock()
		calls = append(calls, toolCall{tool: tool, args: args})
		mu.Unlock()

		result, ok := results[tool]
		if !ok {
			http.Error(w, "unknown tool", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"result":` + result + `}`))
	}))
	t.Cleanup(srv.Close)

	return srv, func() []toolCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]toolCall(nil), calls...)
	}
}

func TestClient_CallTool(t *testing.T) {
	srv, calls := newToolServer(t, map[string]string{"echo": `{"ok":true}`})
	client := NewClient(srv.URL+"/", nil)

	raw, err := client.CallTool(context.Background(), "echo", map[string]any{"keyword": "widget"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))

	got := calls()
	require.Len(t, got, 1)
	assert.Equal(t, "echo", got[0].tool)
	assert.Equal(t, "widget", got[0].args["keyword"])
}

func TestClient_CallToolErrorStatus(t *testing.T) {
	srv, _ := newToolServer(t, nil)
	client := NewClient(srv.URL, nil)

	_, err := client.CallTool(context.Background(), "missing", nil)
	assert.ErrorContains(t, err, "404")
}

func TestSearchBackend_Suitable(t *testing.T) {
	b := NewSearchBackend(NewClient("http://unused", nil))

	assert.True(t, b.Suitable(acquisition.Request{Keywords: []string{"widget"}}))
	assert.True(t, b.Suitable(acquisition.Request{URL: "https://acme.com", SourceType: "seo"}))
	assert.False(t, b.Suitable(acquisition.Request{URL: "https://acme.com", SourceType: "web"}))
	assert.False(t, b.Suitable(acquisition.Request{}))
}

func TestSearchBackend_FetchKeywords(t *testing.T) {
	srv, calls := newToolServer(t, map[string]string{
		ToolSERPOrganic: `{"tasks":[{"result":[{"items":[
			{"type":"organic","title":"Widget review","description":"Battery is weak","url":"https://r.example/1"},
			{"type":"organic","title":"","description":""}
		]}]}]}`,
	})
	b := NewSearchBackend(NewClient(srv.URL, nil), WithLocale("Japan", "ja"), WithDepth(10))

	content, err := b.Fetch(context.Background(), acquisition.Request{Keywords: []string{"widget", "gadget"}})
	require.NoError(t, err)

	assert.Equal(t, 2, content.Calls)
	assert.Contains(t, content.Text, "# widget")
	assert.Contains(t, content.Text, "- Widget review: Battery is weak (https://r.example/1)")
	assert.Equal(t, "serp", content.Metadata["mode"])

	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, "Japan", got[0].args["location_name"])
	assert.Equal(t, "ja", got[0].args["language_code"])
	assert.EqualValues(t, 10, got[0].args["depth"])
	assert.Equal(t, "gadget", got[1].args["keyword"])
}

func TestSearchBackend_FetchDomain(t *testing.T) {
	srv, calls := newToolServer(t, map[string]string{
		ToolRankedKeywords:     `{"ranked_keywords":[{"keyword":"acme widget","position":3}]}`,
		ToolDomainRankOverview: `{"metrics":{"organic_count":120}}`,
	})
	b := NewSearchBackend(NewClient(srv.URL, nil))

	content, err := b.Fetch(context.Background(), acquisition.Request{URL: "https://www.acme.com/about", SourceType: "seo"})
	require.NoError(t, err)

	assert.Equal(t, 2, content.Calls)
	assert.Equal(t, "acme.com", content.Metadata["domain"])
	assert.Contains(t, content.Text, `ranks #3 for "acme widget"`)
	assert.Contains(t, content.Text, "organic_count")

	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, "acme.com", got[0].args["target"])
}

func TestSearchBackend_FetchCompetitors(t *testing.T) {
	srv, calls := newToolServer(t, map[string]string{
		ToolSERPCompetitors: `{"competitors":[{"domain":"rival.com","rating":4.2}]}`,
	})
	b := NewSearchBackend(NewClient(srv.URL, nil))

	content, err := b.Fetch(context.Background(), acquisition.Request{
		URL:        "acme.com",
		Keywords:   []string{"widget"},
		SourceType: "domain_analysis",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, content.Calls)
	assert.Contains(t, content.Text, "rival.com (rating 4.2)")
	require.Len(t, calls(), 1)
}

func TestSearchBackend_ToolFailure(t *testing.T) {
	srv, _ := newToolServer(t, nil)
	b := NewSearchBackend(NewClient(srv.URL, nil))

	_, err := b.Fetch(context.Background(), acquisition.Request{Keywords: []string{"widget"}})
	assert.Error(t, err)
}

func TestExtractDomain(t *testing.T) {
	assert.Equal(t, "acme.com", ExtractDomain("https://www.acme.com/path?q=1"))
	assert.Equal(t, "acme.com", ExtractDomain("acme.com"))
	assert.Equal(t, "shop.acme.com", ExtractDomain("http://shop.acme.com:8080"))
}
