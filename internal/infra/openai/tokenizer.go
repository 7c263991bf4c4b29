package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/voc-coordinator/internal/core/tagging"
)

// DefaultEncoding は gpt-4o-mini / text-embedding-3 系と互換のエンコーディング
const DefaultEncoding = "cl100k_base"

// Tokenizer は tiktoken によるトークン化を提供します
type Tokenizer struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenizer は新しいTokenizerを作成します
func NewTokenizer(encodingName string) (*Tokenizer, error) {
	if encodingName == "" {
		encodingName = DefaultEncoding
	}
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}
	return &Tokenizer{encoding: encoding}, nil
}

// Encode はテキストをトークン列に変換します
func (t *Tokenizer) Encode(text string) []int {
	return t.encoding.Encode(text, nil, nil)
}

// Decode はトークン列をテキストに戻します
func (t *Tokenizer) Decode(tokens []int) string {
	return t.encoding.Decode(tokens)
}

// CountTokens はテキストのトークン数をカウントします
func (t *Tokenizer) CountTokens(text string) int {
	return len(t.Encode(text))
}

// インターフェース実装の確認
var _ tagging.Tokenizer = (*Tokenizer)(nil)
