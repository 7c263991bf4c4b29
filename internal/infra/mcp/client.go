package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout はツール呼び出しのタイムアウト
const DefaultTimeout = 60 * time.Second

// Client は MCP ツールサーバーの HTTP クライアント
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient は新しいClientを作成します。httpClient が nil なら既定のタイムアウトで作ります
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

type toolResponse struct {
	Result json.RawMessage `json:"result"`
}

// CallTool はツールを呼び出し、レスポンスの result を返します
func (c *Client) CallTool(ctx context.Context, tool string, args map[string]any) (json.RawMessage, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments for %s: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mcp/tools/"+tool, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", tool, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("MCP tool %s failed: %w", tool, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response of %s: %w", tool, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("MCP tool %s failed: %d - %s", tool, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded toolResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("failed to decode response of %s: %w", tool, err)
	}
	if len(decoded.Result) == 0 {
		return json.RawMessage("{}"), nil
	}
	return decoded.Result, nil
}
