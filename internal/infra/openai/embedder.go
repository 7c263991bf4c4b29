package openai

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jinford/voc-coordinator/internal/core/tagging"
)

const (
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "text-embedding-3-small"
	// DefaultEmbeddingDimension はOpenAI推奨のデフォルト次元
	DefaultEmbeddingDimension = 1536
	// maxEmbeddingBatch は1リクエストで送る入力の上限
	maxEmbeddingBatch = 100
)

// Embedder は OpenAI API を使用してテキストをベクトルに変換します
type Embedder struct {
	client    openai.Client
	model     string
	dimension int
}

type embedderOptions struct {
	model          string
	dimension      int
	requestOptions []option.RequestOption
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel はモデル名を上書きします
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		if model != "" {
			o.model = model
		}
	}
}

// WithEmbeddingDimension はベクトル次元を上書きします
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// WithEmbedderRequestOptions は SDK のリクエストオプションを追加します
func WithEmbedderRequestOptions(opts ...option.RequestOption) EmbedderOption {
	return func(o *embedderOptions) {
		o.requestOptions = append(o.requestOptions, opts...)
	}
}

// NewEmbedder は新しい Embedder を作成します
func NewEmbedder(apiKey string, opts ...EmbedderOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := embedderOptions{
		model:     DefaultEmbeddingModel,
		dimension: DefaultEmbeddingDimension,
	}
	for _, opt := range opts {
		opt(&options)
	}

	requestOptions := append([]option.RequestOption{option.WithAPIKey(apiKey)}, options.requestOptions...)

	return &Embedder{
		client:    openai.NewClient(requestOptions...),
		model:     options.model,
		dimension: options.dimension,
	}, nil
}

// BatchEmbed はバッチで Embedding を生成する（最大100件）
func (e *Embedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided")
	}
	if len(texts) > maxEmbeddingBatch {
		return nil, fmt.Errorf("batch size exceeds maximum of %d", maxEmbeddingBatch)
	}

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}
	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embeddings: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	embeddings := make([][]float32, len(data))
	for i, d := range data {
		vector := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			vector[j] = float32(v)
		}
		embeddings[i] = vector
	}

	return embeddings, nil
}

// ModelName はモデル名を返します
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension はベクトル次元数を返します
func (e *Embedder) Dimension() int {
	return e.dimension
}

// MaxBatchSize はバッチ処理の最大サイズを返します
func (e *Embedder) MaxBatchSize() int {
	return maxEmbeddingBatch
}

// インターフェース実装の確認
var _ tagging.Embedder = (*Embedder)(nil)
