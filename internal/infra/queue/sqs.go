package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/samber/mo"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

const (
	// maxSQSWaitSeconds は SQS のロングポーリング上限
	maxSQSWaitSeconds = 20
	// DefaultVisibilityTimeout は受信したメッセージを他の受信者から隠す時間
	DefaultVisibilityTimeout = 5 * time.Minute
)

// SQSAPI は利用する SQS クライアントのメソッド
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSQueue はトピックごとに SQS キューを割り当てたキュー
type SQSQueue struct {
	client     SQSAPI
	queueURLs  map[string]string
	visibility time.Duration
	now        func() time.Time
}

// NewSQSQueue は新しいSQSQueueを作成します。queueURLs はトピック名からキューURLへの対応
func NewSQSQueue(client SQSAPI, queueURLs map[string]string) *SQSQueue {
	return &SQSQueue{
		client:     client,
		queueURLs:  queueURLs,
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
	}
}

// TopicEnvKey はトピックのキューURLを指定する環境変数名を返す（scrape.jobs → SQS_QUEUE_URL_SCRAPE_JOBS）
func TopicEnvKey(topic string) string {
	return "SQS_QUEUE_URL_" + strings.ToUpper(strings.ReplaceAll(topic, ".", "_"))
}

func (q *SQSQueue) queueURL(topic string) (string, error) {
	url, ok := q.queueURLs[topic]
	if !ok || url == "" {
		return "", fmt.Errorf("no SQS queue configured for topic %s (set %s)", topic, TopicEnvKey(topic))
	}
	return url, nil
}

// Publish はトピックのキューへメッセージを送ります
func (q *SQSQueue) Publish(ctx context.Context, topic string, body []byte) error {
	url, err := q.queueURL(topic)
	if err != nil {
		return err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", topic, err)
	}
	return nil
}

// Consumer はトピックを購読する Consumer を返します
func (q *SQSQueue) Consumer(topic string) (*SQSConsumer, error) {
	url, err := q.queueURL(topic)
	if err != nil {
		return nil, err
	}
	return &SQSConsumer{queue: q, topic: topic, url: url}, nil
}

// SQSConsumer は SQSQueue の1トピックを購読します
type SQSConsumer struct {
	queue *SQSQueue
	topic string
	url   string
}

func (c *SQSConsumer) Receive(ctx context.Context, timeout time.Duration) (mo.Option[*coordinator.Delivery], error) {
	wait := min(int32(timeout/time.Second), maxSQSWaitSeconds)
	out, err := c.queue.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.url),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     wait,
		VisibilityTimeout:   int32(c.queue.visibility / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return mo.None[*coordinator.Delivery](), ctx.Err()
		}
		return mo.None[*coordinator.Delivery](), fmt.Errorf("failed to receive from %s: %w", c.topic, err)
	}
	if len(out.Messages) == 0 {
		return mo.None[*coordinator.Delivery](), nil
	}

	msg := out.Messages[0]
	attempt := 1
	if v, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			attempt = n
		}
	}

	return mo.Some(&coordinator.Delivery{
		ID:         aws.ToString(msg.MessageId),
		Topic:      c.topic,
		Body:       []byte(aws.ToString(msg.Body)),
		Attempt:    attempt,
		ReceivedAt: c.queue.now(),
		Handle:     aws.ToString(msg.ReceiptHandle),
	}), nil
}

func (c *SQSConsumer) Ack(ctx context.Context, d *coordinator.Delivery) error {
	_, err := c.queue.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.url),
		ReceiptHandle: aws.String(d.Handle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", d.ID, err)
	}
	return nil
}

// Nack は可視性タイムアウトを0にして即座に再配送可能にします
func (c *SQSConsumer) Nack(ctx context.Context, d *coordinator.Delivery) error {
	_, err := c.queue.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.url),
		ReceiptHandle:     aws.String(d.Handle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to release message %s: %w", d.ID, err)
	}
	return nil
}

// Extend は可視性タイムアウトを現在時刻から延長し、処理中のメッセージが再配送されないようにします
func (c *SQSConsumer) Extend(ctx context.Context, d *coordinator.Delivery) error {
	_, err := c.queue.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.url),
		ReceiptHandle:     aws.String(d.Handle),
		VisibilityTimeout: int32(c.queue.visibility / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to extend visibility of %s: %w", d.ID, err)
	}
	return nil
}

// インターフェース実装の確認
var (
	_ coordinator.Publisher = (*SQSQueue)(nil)
	_ coordinator.Consumer  = (*SQSConsumer)(nil)
	_ coordinator.Extender  = (*SQSConsumer)(nil)
)
