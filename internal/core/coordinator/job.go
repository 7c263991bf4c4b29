package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SourceType はジョブの取得元種別。値は呼び出し側が自由に指定できます
type SourceType string

const (
	SourceTypeUnknown        SourceType = "unknown"
	SourceTypeWeb            SourceType = "web"
	SourceTypeSEO            SourceType = "seo"
	SourceTypeDomainAnalysis SourceType = "domain_analysis"
)

// DefaultPriority は priority 未指定時の値
const DefaultPriority Priority = "medium"

// Priority はジョブの優先度。文字列と数値の両方を受け付けます
type Priority string

// UnmarshalJSON は数値の優先度を10進文字列として取り込みます
func (p *Priority) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = Priority(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("priority must be a string or number: %w", err)
	}
	*p = Priority(n.String())
	return nil
}

// Job はキューから受け取る作業単位
type Job struct {
	ID             string     `json:"id"`
	SourceType     SourceType `json:"source_type"`
	URL            string     `json:"url,omitempty"`
	Keywords       []string   `json:"keywords,omitempty"`
	Priority       Priority   `json:"priority"`
	DomainVerified bool       `json:"domain_verified"`
}

// HasTarget は取得対象（URL またはキーワード）を持つかを返します
func (j Job) HasTarget() bool {
	return strings.TrimSpace(j.URL) != "" || len(j.Keywords) > 0
}

// ErrMalformedJob はジョブメッセージの形式が不正な場合のエラー
var ErrMalformedJob = errors.New("malformed job message")

const jobSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "id": {"type": "string"},
    "source_type": {"type": "string"},
    "url": {"type": "string"},
    "keywords": {"type": "array", "items": {"type": "string"}},
    "priority": {"type": ["string", "integer"]},
    "domain_verified": {"type": "boolean"}
  }
}`

// JobDecoder はジョブメッセージを検証してデコードします
type JobDecoder struct {
	schema *jsonschema.Schema
}

// NewJobDecoder は新しいJobDecoderを作成します
func NewJobDecoder() (*JobDecoder, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("job.json", strings.NewReader(jobSchema)); err != nil {
		return nil, fmt.Errorf("add job schema: %w", err)
	}
	schema, err := compiler.Compile("job.json")
	if err != nil {
		return nil, fmt.Errorf("compile job schema: %w", err)
	}
	return &JobDecoder{schema: schema}, nil
}

// Decode はメッセージ本文を Job に変換します
// id が無い場合は新規に採番し、source_type と priority にはデフォルト値を補います
func (d *JobDecoder) Decode(body []byte) (Job, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}
	if err := d.schema.Validate(raw); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, fmt.Errorf("%w: %v", ErrMalformedJob, err)
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.SourceType == "" {
		job.SourceType = SourceTypeUnknown
	}
	if job.Priority == "" {
		job.Priority = DefaultPriority
	}

	keywords := job.Keywords[:0]
	for _, kw := range job.Keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	job.Keywords = keywords
	if len(job.Keywords) == 0 {
		job.Keywords = nil
	}

	return job, nil
}

// EncodeJob はジョブをメッセージ本文に変換します
func EncodeJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

// priorityRank はログ出力用に優先度を数値化します
func priorityRank(p Priority) int {
	switch strings.ToLower(string(p)) {
	case "critical":
		return 4
	case "high":
		return 3
	case "medium", "":
		return 2
	case "low":
		return 1
	}
	if n, err := strconv.Atoi(string(p)); err == nil {
		return n
	}
	return 0
}
