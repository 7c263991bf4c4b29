package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/voc-coordinator/internal/core/tagging"
)

const (
	// DefaultModel はデフォルトで使用するOpenAIモデル
	DefaultModel = "gpt-4o-mini"

	// DefaultTimeout はAPI呼び出しのデフォルトタイムアウト
	DefaultTimeout = 60 * time.Second

	// MaxRetries はレート制限・一時的なサーバーエラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second

	// JSONParseMaxRetries はJSON解析エラー時の最大リトライ回数
	JSONParseMaxRetries = 1
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("OpenAI API key not set: please set OPENAI_API_KEY environment variable")

	// ErrInvalidResponseFormat は不正なレスポンス形式のエラー
	ErrInvalidResponseFormat = errors.New("invalid response format")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Client は OpenAI API を使用した LLM クライアント実装
type Client struct {
	client      openai.Client
	model       string
	timeout     time.Duration
	baseBackoff time.Duration
	maxBackoff  time.Duration
	logger      *slog.Logger
}

type clientOptions struct {
	model          string
	timeout        time.Duration
	baseBackoff    time.Duration
	maxBackoff     time.Duration
	requestOptions []option.RequestOption
	logger         *slog.Logger
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithClientModel はモデル名を上書きします
func WithClientModel(model string) ClientOption {
	return func(o *clientOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithClientTimeout はAPIコールのタイムアウトを設定します
func WithClientTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithClientBackoff はリトライ間隔を設定します
func WithClientBackoff(base, max time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.baseBackoff = base
		o.maxBackoff = max
	}
}

// WithClientRequestOptions は SDK のリクエストオプションを追加します
func WithClientRequestOptions(opts ...option.RequestOption) ClientOption {
	return func(o *clientOptions) {
		o.requestOptions = append(o.requestOptions, opts...)
	}
}

// WithClientLogger はロガーを設定します
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// NewClient は新しい Client を作成します
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := clientOptions{
		model:       DefaultModel,
		timeout:     DefaultTimeout,
		baseBackoff: BaseBackoff,
		maxBackoff:  MaxBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	// リトライはこのクライアントで制御する
	requestOptions := append([]option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}, options.requestOptions...)

	return &Client{
		client:      openai.NewClient(requestOptions...),
		model:       options.model,
		timeout:     options.timeout,
		baseBackoff: options.baseBackoff,
		maxBackoff:  options.maxBackoff,
		logger:      options.logger,
	}, nil
}

// ModelName はモデル名を返します
func (c *Client) ModelName() string {
	return c.model
}

// GenerateCompletion は OpenAI API を使用してテキストを生成します
func (c *Client) GenerateCompletion(ctx context.Context, req tagging.CompletionRequest) (tagging.CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	var jsonParseRetries int
	for {
		resp, err := c.generateWithRetry(ctx, model, req)
		if err != nil {
			return tagging.CompletionResponse{}, err
		}

		if req.ResponseFormat == "json" && !isValidJSON(resp.Content) {
			jsonParseRetries++
			if jsonParseRetries > JSONParseMaxRetries {
				return tagging.CompletionResponse{}, fmt.Errorf("%w: JSON parse failed after %d retries", ErrInvalidResponseFormat, JSONParseMaxRetries)
			}
			c.logger.Warn("JSONとして解析できない応答のため再生成します", "model", model, "attempt", jsonParseRetries)
			continue
		}

		return resp, nil
	}
}

func (c *Client) generateWithRetry(ctx context.Context, model string, req tagging.CompletionRequest) (tagging.CompletionResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(req.Prompt),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat == "json" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{
				Type: "json_object",
			},
		}
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.baseBackoff
	eb.MaxInterval = c.maxBackoff
	eb.MaxElapsedTime = 0

	var (
		resp    tagging.CompletionResponse
		lastErr error
		retries int
	)
	operation := func() error {
		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRetryableError(err) {
				retries++
				return err
			}
			return backoff.Permanent(fmt.Errorf("OpenAI API call failed: %w", err))
		}

		if len(completion.Choices) == 0 {
			return backoff.Permanent(errors.New("no completion choices returned"))
		}

		resp = tagging.CompletionResponse{
			Content:          completion.Choices[0].Message.Content,
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			Model:            string(completion.Model),
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("OpenAI API を再試行します", "model", model, "wait", wait, "error", err)
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(eb, MaxRetries), ctx), notify)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return tagging.CompletionResponse{}, ctx.Err()
	}
	if retries > MaxRetries {
		return tagging.CompletionResponse{}, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
	}
	return tagging.CompletionResponse{}, err
}

// isRetryableError はレート制限と一時的なサーバーエラーを判定します
func isRetryableError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= http.StatusInternalServerError
	}
	return false
}

func isValidJSON(s string) bool {
	var js json.RawMessage
	return json.Unmarshal([]byte(s), &js) == nil
}

// インターフェース実装の確認
var _ tagging.LLMClient = (*Client)(nil)
