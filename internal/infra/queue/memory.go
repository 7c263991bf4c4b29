package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/voc-coordinator/internal/core/coordinator"
)

type memoryMessage struct {
	id       string
	body     []byte
	attempts int
}

// MemoryBroker はプロセス内のトピック付きキュー。ローカル実行とテスト向け
type MemoryBroker struct {
	mu       sync.Mutex
	ready    map[string][]*memoryMessage
	inflight map[string]*memoryMessage
	notify   chan struct{}
	now      func() time.Time
}

// NewMemoryBroker は新しいMemoryBrokerを作成します
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		ready:    make(map[string][]*memoryMessage),
		inflight: make(map[string]*memoryMessage),
		notify:   make(chan struct{}),
		now:      time.Now,
	}
}

// Publish はトピックの末尾にメッセージを追加します
func (b *MemoryBroker) Publish(ctx context.Context, topic string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready[topic] = append(b.ready[topic], &memoryMessage{id: uuid.NewString(), body: append([]byte(nil), body...)})
	b.wakeLocked()
	return nil
}

// Len はトピックで配送待ちのメッセージ数を返します
func (b *MemoryBroker) Len(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready[topic])
}

// Drain はトピックの配送待ちメッセージ本文を取り出します
func (b *MemoryBroker) Drain(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.ready[topic]
	delete(b.ready, topic)
	out := make([][]byte, len(msgs))
	for i, m := range msgs {
		out[i] = m.body
	}
	return out
}

// Consumer はトピックを購読する Consumer を返します
func (b *MemoryBroker) Consumer(topic string) *MemoryConsumer {
	return &MemoryConsumer{broker: b, topic: topic}
}

// wakeLocked は待機中の受信者を起こします。呼び出し側でロックを取得していること
func (b *MemoryBroker) wakeLocked() {
	close(b.notify)
	b.notify = make(chan struct{})
}

// MemoryConsumer は MemoryBroker の1トピックを購読します
type MemoryConsumer struct {
	broker *MemoryBroker
	topic  string
}

func (c *MemoryConsumer) Receive(ctx context.Context, timeout time.Duration) (mo.Option[*coordinator.Delivery], error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		b := c.broker
		b.mu.Lock()
		if msgs := b.ready[c.topic]; len(msgs) > 0 {
			msg := msgs[0]
			b.ready[c.topic] = msgs[1:]
			msg.attempts++
			b.inflight[msg.id] = msg
			b.mu.Unlock()
			return mo.Some(&coordinator.Delivery{
				ID:         msg.id,
				Topic:      c.topic,
				Body:       msg.body,
				Attempt:    msg.attempts,
				ReceivedAt: b.now(),
				Handle:     msg.id,
			}), nil
		}
		wait := b.notify
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return mo.None[*coordinator.Delivery](), ctx.Err()
		case <-timer.C:
			return mo.None[*coordinator.Delivery](), nil
		case <-wait:
		}
	}
}

func (c *MemoryConsumer) Ack(_ context.Context, d *coordinator.Delivery) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inflight, d.Handle)
	return nil
}

// Nack はメッセージを先頭に戻し、次の Receive で再配送します
func (c *MemoryConsumer) Nack(_ context.Context, d *coordinator.Delivery) error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	msg, ok := b.inflight[d.Handle]
	if !ok {
		return nil
	}
	delete(b.inflight, d.Handle)
	b.ready[c.topic] = append([]*memoryMessage{msg}, b.ready[c.topic]...)
	b.wakeLocked()
	return nil
}

// インターフェース実装の確認
var (
	_ coordinator.Publisher = (*MemoryBroker)(nil)
	_ coordinator.Consumer  = (*MemoryConsumer)(nil)
)
