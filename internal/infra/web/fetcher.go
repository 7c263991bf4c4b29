package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/jinford/voc-coordinator/internal/core/acquisition"
)

const (
	// DefaultTimeout はページ取得のタイムアウト
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent は取得時に送る User-Agent
	DefaultUserAgent = "voc-coordinator/1.0"
	// maxBodyBytes は読み込むレスポンスの上限
	maxBodyBytes = 5 << 20
)

// ErrUnsupportedContent はHTMLでもテキストでもないレスポンス
var ErrUnsupportedContent = errors.New("unsupported content type")

// Fetcher はURLのページを取得して本文テキストを取り出す取得バックエンド
type Fetcher struct {
	client    *http.Client
	userAgent string
}

// FetcherOption は Fetcher のオプション設定
type FetcherOption func(*Fetcher)

// WithHTTPClient は利用する HTTP クライアントを差し替えます
func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

// WithUserAgent は User-Agent を設定します
func WithUserAgent(ua string) FetcherOption {
	return func(f *Fetcher) {
		if ua != "" {
			f.userAgent = ua
		}
	}
}

// NewFetcher は新しいFetcherを作成します
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: DefaultTimeout},
		userAgent: DefaultUserAgent,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name はバックエンド名を返します
func (f *Fetcher) Name() string {
	return "web"
}

// Suitable は URL があれば取得できます
func (f *Fetcher) Suitable(req acquisition.Request) bool {
	return req.URL != ""
}

// Fetch はページを取得します
func (f *Fetcher) Fetch(ctx context.Context, req acquisition.Request) (*acquisition.Content, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", req.URL, err)
	}
	httpReq.Header.Set("User-Agent", f.userAgent)
	httpReq.Header.Set("Accept", "text/html,text/plain;q=0.9,*/*;q=0.1")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("failed to fetch %s: status %d", req.URL, resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxBodyBytes)
	contentType := resp.Header.Get("Content-Type")
	finalURL := resp.Request.URL.String()

	switch {
	case contentType == "" || strings.Contains(contentType, "html"):
		title, text, err := ExtractText(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", req.URL, err)
		}
		return &acquisition.Content{
			URL:      finalURL,
			Title:    title,
			Text:     text,
			Metadata: map[string]string{"content_type": contentType, "status": fmt.Sprint(resp.StatusCode)},
			Calls:    1,
		}, nil
	case strings.HasPrefix(contentType, "text/"):
		raw, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", req.URL, err)
		}
		return &acquisition.Content{
			URL:      finalURL,
			Text:     strings.TrimSpace(string(raw)),
			Metadata: map[string]string{"content_type": contentType, "status": fmt.Sprint(resp.StatusCode)},
			Calls:    1,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContent, contentType)
	}
}

// skipped は本文として扱わない要素
var skipped = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Noscript: true,
	atom.Template: true,
	atom.Svg:      true,
	atom.Head:     true,
	atom.Nav:      true,
	atom.Footer:   true,
	atom.Iframe:   true,
}

// block は前後で改行する要素
var block = map[atom.Atom]bool{
	atom.P: true, atom.Div: true, atom.Br: true, atom.Li: true, atom.Tr: true,
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Article: true, atom.Section: true, atom.Blockquote: true, atom.Pre: true,
}

// ExtractText はHTMLからタイトルと本文テキストを取り出します
func ExtractText(r io.Reader) (string, string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", "", err
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipped[n.DataAtom] {
			return
		}
		if n.Type == html.TextNode {
			if text := strings.Join(strings.Fields(n.Data), " "); text != "" {
				if sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode && block[n.DataAtom] && sb.Len() > 0 && !strings.HasSuffix(sb.String(), "\n") {
			sb.WriteByte('\n')
		}
	}
	walk(doc)

	return findTitle(doc), strings.TrimSpace(sb.String()), nil
}

func findTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.DataAtom == atom.Title {
		if n.FirstChild != nil {
			return strings.TrimSpace(n.FirstChild.Data)
		}
		return ""
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if t := findTitle(c); t != "" {
			return t
		}
	}
	return ""
}

// インターフェース実装の確認
var _ acquisition.Backend = (*Fetcher)(nil)
