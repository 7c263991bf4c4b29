package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/samber/mo"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

const (
	// DefaultLockTTL は処理中メッセージのロック有効期間です。Extend で延長されます
	DefaultLockTTL = 5 * time.Minute
	// DefaultReapGrace はロックの無い処理中メッセージを回収するまでの猶予です
	DefaultReapGrace = 30 * time.Second

	fieldData      = "data"
	fieldAttempts  = "attempts"
	fieldTimestamp = "timestamp"
)

// RedisQueue は Redis のリストを使った信頼性のあるキュー。
// 受信したメッセージはワーカーごとの processing リストに移され、Ack で削除、Nack で wait リストに戻ります
type RedisQueue struct {
	client    *redis.Client
	prefix    string
	workerID  string
	lockTTL   time.Duration
	reapGrace time.Duration
	now       func() time.Time
}

// NewRedisQueue は新しいRedisQueueを作成します
func NewRedisQueue(client *redis.Client, prefix, workerID string) *RedisQueue {
	return &RedisQueue{
		client:    client,
		prefix:    prefix,
		workerID:  workerID,
		lockTTL:   DefaultLockTTL,
		reapGrace: DefaultReapGrace,
		now:       time.Now,
	}
}

// Publish はメッセージを保存し、トピックの wait リストに積みます
func (q *RedisQueue) Publish(ctx context.Context, topic string, body []byte) error {
	id := uuid.NewString()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.messageKey(topic, id),
			fieldData, body,
			fieldAttempts, 0,
			fieldTimestamp, q.now().UnixMilli(),
		)
		pipe.LPush(ctx, q.queueKey(topic, "wait"), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Consumer はトピックを購読する Consumer を返します
func (q *RedisQueue) Consumer(topic string) *RedisConsumer {
	return &RedisConsumer{queue: q, topic: topic}
}

// Recover は processing リストに残ったメッセージを wait リストに戻します。
// 前回のプロセスが Ack 前に停止した場合に使います
func (q *RedisQueue) Recover(ctx context.Context, topic string) (int, error) {
	processing := q.processingKey(topic)
	wait := q.queueKey(topic, "wait")

	moved := 0
	for {
		id, err := q.client.LMove(ctx, processing, wait, "LEFT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to recover %s: %w", topic, err)
		}
		q.client.Del(ctx, q.lockKey(topic, id))
		moved++
	}
}

// reapScript はロックの切れた処理中メッセージを wait リストに戻します。
// 受信直後はロックの設定前なので、初めて見つけた時刻を suspects に記録し、猶予を過ぎても
// ロックが無い場合に限って戻します
//
// KEYS: processing, wait, lock, suspects
// ARGV: id, 現在時刻(ms), 猶予(ms)
var reapScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  redis.call('HDEL', KEYS[4], ARGV[1])
  return 0
end
local seen = redis.call('HGET', KEYS[4], ARGV[1])
if not seen then
  redis.call('HSET', KEYS[4], ARGV[1], ARGV[2])
  return 0
end
if tonumber(ARGV[2]) - tonumber(seen) < tonumber(ARGV[3]) then
  return 0
end
redis.call('HDEL', KEYS[4], ARGV[1])
if redis.call('LREM', KEYS[1], 1, ARGV[1]) > 0 then
  redis.call('RPUSH', KEYS[2], ARGV[1])
  return 1
end
return 0
`)

// RequeueExpired は全ワーカーの processing リストを走査し、ロックの切れたメッセージを
// wait リストに戻します。停止したまま復帰しないワーカーのメッセージを回収するために使います
func (q *RedisQueue) RequeueExpired(ctx context.Context, topic string) (int, error) {
	wait := q.queueKey(topic, "wait")
	suspects := q.queueKey(topic, "suspects")
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	grace := strconv.FormatInt(q.reapGrace.Milliseconds(), 10)

	requeued := 0
	iter := q.client.Scan(ctx, 0, q.queueKey(topic, "processing:*"), 100).Iterator()
	for iter.Next(ctx) {
		processing := iter.Val()
		ids, err := q.client.LRange(ctx, processing, 0, -1).Result()
		if err != nil {
			return requeued, fmt.Errorf("failed to list %s: %w", processing, err)
		}
		for _, id := range ids {
			n, err := reapScript.Run(ctx, q.client,
				[]string{processing, wait, q.lockKey(topic, id), suspects},
				id, now, grace,
			).Int()
			if err != nil {
				return requeued, fmt.Errorf("failed to requeue %s: %w", id, err)
			}
			requeued += n
		}
	}
	if err := iter.Err(); err != nil {
		return requeued, fmt.Errorf("failed to scan processing lists of %s: %w", topic, err)
	}
	return requeued, nil
}

func (q *RedisQueue) queueKey(topic, suffix string) string {
	return fmt.Sprintf("%s:%s:%s", q.prefix, topic, suffix)
}

func (q *RedisQueue) processingKey(topic string) string {
	return q.queueKey(topic, "processing:"+q.workerID)
}

func (q *RedisQueue) messageKey(topic, id string) string {
	return q.queueKey(topic, "msg:"+id)
}

func (q *RedisQueue) lockKey(topic, id string) string {
	return q.queueKey(topic, id+":lock")
}

// RedisConsumer は RedisQueue の1トピックを購読します
type RedisConsumer struct {
	queue *RedisQueue
	topic string
}

func (c *RedisConsumer) Receive(ctx context.Context, timeout time.Duration) (mo.Option[*coordinator.Delivery], error) {
	q := c.queue
	id, err := q.client.BLMove(ctx, q.queueKey(c.topic, "wait"), q.processingKey(c.topic), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return mo.None[*coordinator.Delivery](), nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return mo.None[*coordinator.Delivery](), ctx.Err()
		}
		return mo.None[*coordinator.Delivery](), fmt.Errorf("failed to receive from %s: %w", c.topic, err)
	}

	msgKey := q.messageKey(c.topic, id)
	var (
		dataCmd     *redis.StringCmd
		attemptsCmd *redis.IntCmd
	)
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		attemptsCmd = pipe.HIncrBy(ctx, msgKey, fieldAttempts, 1)
		dataCmd = pipe.HGet(ctx, msgKey, fieldData)
		pipe.Set(ctx, q.lockKey(c.topic, id), q.workerID, q.lockTTL)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return mo.None[*coordinator.Delivery](), fmt.Errorf("failed to load message %s: %w", id, err)
	}

	// 本文が失われたメッセージは空の本文で返し、不正メッセージとして扱わせる
	body, _ := dataCmd.Bytes()

	return mo.Some(&coordinator.Delivery{
		ID:         id,
		Topic:      c.topic,
		Body:       body,
		Attempt:    int(attemptsCmd.Val()),
		ReceivedAt: q.now(),
		Handle:     id,
	}), nil
}

func (c *RedisConsumer) Ack(ctx context.Context, d *coordinator.Delivery) error {
	q := c.queue
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(c.topic), 1, d.Handle)
		pipe.Del(ctx, q.messageKey(c.topic, d.Handle), q.lockKey(c.topic, d.Handle))
		pipe.HDel(ctx, q.queueKey(c.topic, "suspects"), d.Handle)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", d.Handle, err)
	}
	return nil
}

// Nack はメッセージを wait リストの取り出し側に戻し、次に再配送されるようにします
func (c *RedisConsumer) Nack(ctx context.Context, d *coordinator.Delivery) error {
	q := c.queue
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(c.topic), 1, d.Handle)
		pipe.RPush(ctx, q.queueKey(c.topic, "wait"), d.Handle)
		pipe.Del(ctx, q.lockKey(c.topic, d.Handle))
		pipe.HDel(ctx, q.queueKey(c.topic, "suspects"), d.Handle)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to nack %s: %w", d.Handle, err)
	}
	return nil
}

// Extend は処理中メッセージのロックを張り直し、RequeueExpired による回収を防ぎます
func (c *RedisConsumer) Extend(ctx context.Context, d *coordinator.Delivery) error {
	q := c.queue
	if err := q.client.Set(ctx, q.lockKey(c.topic, d.Handle), q.workerID, q.lockTTL).Err(); err != nil {
		return fmt.Errorf("failed to extend lock of %s: %w", d.Handle, err)
	}
	return nil
}

// インターフェース実装の確認
var (
	_ coordinator.Publisher = (*RedisQueue)(nil)
	_ coordinator.Consumer  = (*RedisConsumer)(nil)
	_ coordinator.Extender  = (*RedisConsumer)(nil)
)
