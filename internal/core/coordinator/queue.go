package coordinator

import (
	"context"
	"time"

	"github.com/samber/mo"
)

// トピック名
const (
	TopicScrapeJobs    = "scrape.jobs"
	TopicScrapeResults = "scrape.results"
	TopicTagComplete   = "tag.complete"
	TopicAnalysisJobs  = "analysis.jobs"
	TopicDeadLetter    = "scrape.jobs.dlq"
)

// Delivery は受信したメッセージ
type Delivery struct {
	ID         string
	Topic      string
	Body       []byte
	Attempt    int
	ReceivedAt time.Time
	// Handle は transport 固有の確認応答用の値
	Handle string
}

// Consumer はジョブキューからメッセージを受け取ります
type Consumer interface {
	// Receive は timeout まで待ってメッセージを1件返します。無ければ None
	Receive(ctx context.Context, timeout time.Duration) (mo.Option[*Delivery], error)
	// Ack は処理完了を通知し、再配送されないようにします
	Ack(ctx context.Context, d *Delivery) error
	// Nack は処理を放棄し、再配送可能な状態に戻します
	Nack(ctx context.Context, d *Delivery) error
}

// Extender は処理中のメッセージを他の受信者から隠す期間を延長できる Consumer です。
// 長時間の承認待ちやステージ処理の間に再配送されないよう、処理中は定期的に呼び出されます
type Extender interface {
	Extend(ctx context.Context, d *Delivery) error
}

// Publisher はトピックへメッセージを送ります
type Publisher interface {
	Publish(ctx context.Context, topic string, body []byte) error
}
