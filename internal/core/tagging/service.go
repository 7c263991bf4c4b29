package tagging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

const (
	// MinContentLength は解析対象とする本文の最小文字数
	MinContentLength = 10
	// DefaultMaxAnalysisTokens は解析プロンプトに含める本文の上限
	DefaultMaxAnalysisTokens = 6000
	analysisTemperature      = 0.1
	analysisMaxTokens        = 1024
)

var (
	docNamespace    = uuid.NewSHA1(uuid.NameSpaceURL, []byte("voc-coordinator/document"))
	entityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("voc-coordinator/entity"))
)

// DocumentID はテナントとジョブから文書IDを決めます
func DocumentID(tenantID, jobID string) uuid.UUID {
	return uuid.NewSHA1(docNamespace, []byte(tenantID+"/"+jobID))
}

// EntityID はテナント内で同じ種別・名前のエンティティに同じIDを割り当てます
func EntityID(tenantID string, typ coordinator.EntityType, name string) uuid.UUID {
	return uuid.NewSHA1(entityNamespace, []byte(tenantID+"/"+string(typ)+"/"+strings.ToLower(strings.TrimSpace(name))))
}

// Tagger は本文を解析し、感情・緊急度・トピック・エンティティと埋め込みを付与します
type Tagger struct {
	llm               LLMClient
	embedder          Embedder
	tokenizer         Tokenizer
	chunker           *Chunker
	pricing           Pricing
	tenantID          string
	model             string
	maxAnalysisTokens int
	logger            *slog.Logger
}

type taggerOptions struct {
	pricing           Pricing
	chunkSize         int
	chunkOverlap      int
	model             string
	maxAnalysisTokens int
	logger            *slog.Logger
}

// TaggerOption は Tagger のオプション設定
type TaggerOption func(*taggerOptions)

// WithTaggerLogger はロガーを設定します
func WithTaggerLogger(logger *slog.Logger) TaggerOption {
	return func(o *taggerOptions) {
		o.logger = logger
	}
}

// WithTaggerPricing はトークン単価を設定します
func WithTaggerPricing(p Pricing) TaggerOption {
	return func(o *taggerOptions) {
		o.pricing = p
	}
}

// WithTaggerChunking はチャンクサイズと重なりを設定します
func WithTaggerChunking(size, overlap int) TaggerOption {
	return func(o *taggerOptions) {
		o.chunkSize = size
		o.chunkOverlap = overlap
	}
}

// WithTaggerModel は解析に使うモデルを上書きします
func WithTaggerModel(model string) TaggerOption {
	return func(o *taggerOptions) {
		o.model = model
	}
}

// WithTaggerMaxAnalysisTokens は解析プロンプトに含める本文の上限を設定します
func WithTaggerMaxAnalysisTokens(n int) TaggerOption {
	return func(o *taggerOptions) {
		o.maxAnalysisTokens = n
	}
}

// NewTagger は新しいTaggerを作成します
func NewTagger(llm LLMClient, embedder Embedder, tokenizer Tokenizer, tenantID string, opts ...TaggerOption) (*Tagger, error) {
	options := taggerOptions{
		pricing:           DefaultPricing(),
		chunkSize:         DefaultChunkSize,
		chunkOverlap:      DefaultChunkOverlap,
		maxAnalysisTokens: DefaultMaxAnalysisTokens,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	chunker, err := NewChunker(tokenizer, options.chunkSize, options.chunkOverlap)
	if err != nil {
		return nil, err
	}

	return &Tagger{
		llm:               llm,
		embedder:          embedder,
		tokenizer:         tokenizer,
		chunker:           chunker,
		pricing:           options.pricing,
		tenantID:          tenantID,
		model:             options.model,
		maxAnalysisTokens: options.maxAnalysisTokens,
		logger:            options.logger,
	}, nil
}

// Enrich は取得結果を解析します。解析と埋め込み生成は並行して行います
func (t *Tagger) Enrich(ctx context.Context, job coordinator.Job, acquired *coordinator.AcquisitionResult) (*coordinator.EnrichmentResult, float64, error) {
	if acquired == nil {
		return nil, 0, fmt.Errorf("%w: enrichment requires acquisition", coordinator.ErrOutOfOrder)
	}
	content := strings.TrimSpace(acquired.Content)
	if len([]rune(content)) < MinContentLength {
		return nil, 0, fmt.Errorf("%w: content shorter than %d characters", coordinator.ErrEmptyContent, MinContentLength)
	}

	docID := DocumentID(t.tenantID, job.ID)
	textChunks := t.chunker.Split(content)

	t.logger.Info("本文の解析を開始", "jobID", job.ID, "docID", docID, "chunks", len(textChunks))

	var (
		result          analysis
		usage           CompletionResponse
		vectors         [][]float32
		embeddingTokens int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		prompt := buildAnalysisPrompt(job, acquired, t.chunker.Truncate(content, t.maxAnalysisTokens))
		resp, err := t.llm.GenerateCompletion(gctx, CompletionRequest{
			Prompt:         prompt,
			Temperature:    analysisTemperature,
			MaxTokens:      analysisMaxTokens,
			ResponseFormat: "json",
			Model:          t.model,
		})
		if err != nil {
			return fmt.Errorf("本文の解析に失敗: %w", err)
		}
		parsed, err := parseAnalysis(resp.Content)
		if err != nil {
			return err
		}
		result, usage = parsed, resp
		return nil
	})
	g.Go(func() error {
		v, tokens, err := t.embedChunks(gctx, textChunks)
		if err != nil {
			return err
		}
		vectors, embeddingTokens = v, tokens
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}

	chunks := make([]coordinator.Chunk, len(textChunks))
	for i, c := range textChunks {
		chunks[i] = coordinator.Chunk{
			ID:         uuid.NewSHA1(docID, []byte(strconv.Itoa(c.Ordinal))),
			Ordinal:    c.Ordinal,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Embedding:  vectors[i],
		}
	}

	entities := make([]coordinator.Entity, len(result.Entities))
	for i, e := range result.Entities {
		entities[i] = coordinator.Entity{
			ID:         EntityID(t.tenantID, e.Type, e.Name),
			Type:       e.Type,
			Name:       e.Name,
			Confidence: e.Confidence,
		}
	}

	cost := t.pricing.Cost(usage.PromptTokens, usage.CompletionTokens, embeddingTokens)

	t.logger.Info("本文の解析が完了",
		"jobID", job.ID,
		"sentiment", result.Sentiment,
		"urgency", result.Urgency,
		"entities", len(entities),
		"promptTokens", usage.PromptTokens,
		"completionTokens", usage.CompletionTokens,
		"embeddingTokens", embeddingTokens,
		"cost", cost)

	return &coordinator.EnrichmentResult{
		DocID:          docID,
		TenantID:       t.tenantID,
		SourceType:     job.SourceType,
		URL:            acquired.URL,
		Title:          acquired.Title,
		Sentiment:      result.Sentiment,
		Urgency:        result.Urgency,
		Topics:         result.Topics,
		Entities:       entities,
		Chunks:         chunks,
		EmbeddingModel: t.embedder.ModelName(),
	}, cost, nil
}

func (t *Tagger) embedChunks(ctx context.Context, chunks []TextChunk) ([][]float32, int, error) {
	batchSize := t.embedder.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = 1
	}

	vectors := make([][]float32, 0, len(chunks))
	tokens := 0
	for start := 0; start < len(chunks); start += batchSize {
		end := min(start+batchSize, len(chunks))
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Text)
			tokens += t.tokenizer.CountTokens(c.Text)
		}

		batch, err := t.embedder.BatchEmbed(ctx, texts)
		if err != nil {
			return nil, 0, fmt.Errorf("埋め込みの生成に失敗: %w", err)
		}
		if len(batch) != len(texts) {
			return nil, 0, errors.New("埋め込みの件数がチャンク数と一致しません")
		}
		vectors = append(vectors, batch...)
	}

	return vectors, tokens, nil
}

// インターフェース実装の確認
var _ coordinator.EnrichmentGateway = (*Tagger)(nil)
