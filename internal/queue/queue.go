package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/redis"
)

// Stream names used by the billing core. Readings feed the billing
// consumer, wallet events feed the threshold controller, notifications
// feed the delivery workers.
const (
	StreamReadings      = "billing:readings"
	StreamWalletEvents  = "billing:wallet-events"
	StreamNotifications = "billing:notifications"
)

// Message is one entry delivered from a stream. Attempts counts prior
// deliveries; it only grows when a message is reclaimed after a consumer
// died or timed out.
type Message struct {
	ID        string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
	Attempts  int
}

// Handler processes one message. Returning nil acknowledges the message;
// returning an error leaves it pending so the reclaim pass retries it.
type Handler func(ctx context.Context, msg *Message) error

type Config struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxDeliveries     int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

// Queue is a Redis stream with a consumer group. Delivery is at-least-once;
// consumers are expected to be idempotent.
type Queue struct {
	adapter redis.RedisAdapter
	cfg     Config
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Stats struct {
	Length    int64
	Pending   int64
	Consumers int64
}

func New(adapter redis.RedisAdapter, cfg Config) (*Queue, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = cfg.Name + ":group"
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 3
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		adapter: adapter,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
	}

	// BUSYGROUP on restart is expected.
	_ = q.adapter.XGroupCreateMkStream(cfg.Name, cfg.ConsumerGroup, "0")

	return q, nil
}

// Publish appends one message to the stream.
func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().Unix(),
		"attempts":  0,
	}
	for k, v := range metadata {
		values["meta_"+k] = v
	}

	id, err := q.adapter.XAdd(q.cfg.Name, values)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", q.cfg.Name, err)
	}

	if q.cfg.MaxLen > 0 {
		_ = q.adapter.XTrimApprox(q.cfg.Name, q.cfg.MaxLen)
	}
	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, payload interface{}, metadata map[string]string) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return q.Publish(ctx, data, metadata)
}

// Consume starts the polling loop. One goroutine per queue; concurrency
// inside the handler is the consumer's business.
func (q *Queue) Consume(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}
	q.handler = handler
	q.wg.Add(1)
	go q.loop()
	return nil
}

func (q *Queue) loop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.poll()
			q.reclaim()
		}
	}
}

func (q *Queue) poll() {
	messages, err := q.adapter.XReadGroup(
		q.cfg.ConsumerGroup, q.cfg.ConsumerName, q.cfg.Name, ">", q.cfg.BatchSize)
	if err != nil {
		if err != redis.NilError {
			logger.Warn("queue: read failed", "queue", q.cfg.Name, "error", err.Error())
		}
		return
	}

	for _, raw := range messages {
		q.deliver(q.decode(raw))
	}
}

// reclaim takes over messages another consumer read but never acked.
func (q *Queue) reclaim() {
	pending, err := q.adapter.XPending(q.cfg.Name, q.cfg.ConsumerGroup)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}

	entries, err := q.adapter.XPendingExt(q.cfg.Name, q.cfg.ConsumerGroup, "-", "+", 100)
	if err != nil || len(entries) == 0 {
		return
	}

	var stale []string
	for _, e := range entries {
		if e.Idle >= q.cfg.VisibilityTimeout {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) == 0 {
		return
	}

	claimed, err := q.adapter.XClaim(
		q.cfg.Name, q.cfg.ConsumerGroup, q.cfg.ConsumerName, q.cfg.VisibilityTimeout, stale...)
	if err != nil {
		return
	}

	for _, raw := range claimed {
		msg := q.decode(raw)
		msg.Attempts++
		q.deliver(msg)
	}
}

func (q *Queue) deliver(msg *Message) {
	if msg.Attempts >= q.cfg.MaxDeliveries {
		q.deadLetter(msg)
		_ = q.ack(msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.cfg.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, msg); err != nil {
		// Stays pending; the reclaim pass retries after the timeout.
		logger.Warn("queue: handler failed",
			"queue", q.cfg.Name, "message_id", msg.ID, "attempts", msg.Attempts, "error", err.Error())
		return
	}
	_ = q.ack(msg.ID)
}

func (q *Queue) ack(id string) error {
	return q.adapter.XAck(q.cfg.Name, q.cfg.ConsumerGroup, id)
}

func (q *Queue) deadLetter(msg *Message) {
	if !q.cfg.EnableDLQ {
		return
	}

	values := map[string]interface{}{
		"data":           string(msg.Data),
		"original_id":    msg.ID,
		"attempts":       msg.Attempts,
		"failed_at":      time.Now().Unix(),
		"original_queue": q.cfg.Name,
	}
	for k, v := range msg.Metadata {
		values["meta_"+k] = v
	}
	if _, err := q.adapter.XAdd(q.cfg.Name+":dlq", values); err != nil {
		logger.Error("queue: dead letter write failed", "queue", q.cfg.Name, "message_id", msg.ID)
	}
}

func (q *Queue) decode(raw redis.StreamMessage) *Message {
	msg := &Message{
		ID:       raw.ID,
		Metadata: make(map[string]string),
	}

	for k, v := range raw.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "data":
			msg.Data = []byte(s)
		case "timestamp":
			if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
				msg.Timestamp = time.Unix(unix, 0)
			}
		case "attempts":
			msg.Attempts, _ = strconv.Atoi(s)
		default:
			if len(k) > 5 && k[:5] == "meta_" {
				msg.Metadata[k[5:]] = s
			}
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

// Stop cancels the consume loop and waits for in-flight handlers.
func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue %s to stop", q.cfg.Name)
	}
}

func (q *Queue) GetStats() (*Stats, error) {
	length, err := q.adapter.XLen(q.cfg.Name)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Length: length}
	if pending, err := q.adapter.XPending(q.cfg.Name, q.cfg.ConsumerGroup); err == nil && pending != nil {
		stats.Pending = pending.Count
		stats.Consumers = int64(len(pending.Consumers))
	}
	return stats, nil
}
