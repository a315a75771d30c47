package processor

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/redis"
)

var (
	ErrAlreadyProcessed  = errors.New("event already processed")
	ErrLockAcquireFailed = errors.New("failed to acquire processing lock")
	ErrTooManyAttempts   = errors.New("too many processing attempts")
)

type IdempotencyConfig struct {
	LockTTL      time.Duration
	ProcessedTTL time.Duration
	MaxAttempts  int
	KeyPrefix    string
}

func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		LockTTL:      30 * time.Second,
		ProcessedTTL: 24 * time.Hour,
		MaxAttempts:  3,
		KeyPrefix:    "billing:",
	}
}

// IdempotencyGuard keeps a stream event from being applied twice when the
// queue redelivers it. The database constraints are the hard guarantee;
// this keeps redeliveries from even reaching them.
type IdempotencyGuard struct {
	redis redis.RedisAdapter
	cfg   IdempotencyConfig
}

func NewIdempotencyGuard(adapter redis.RedisAdapter, cfg IdempotencyConfig) *IdempotencyGuard {
	return &IdempotencyGuard{redis: adapter, cfg: cfg}
}

// Token is a held processing claim on one event.
type Token struct {
	EventID  string
	Attempts int
	held     bool
	guard    *IdempotencyGuard
}

// Acquire claims the event for this consumer. ErrAlreadyProcessed means a
// previous run finished it; ErrLockAcquireFailed means another consumer
// holds it right now.
func (g *IdempotencyGuard) Acquire(ctx context.Context, eventID string) (*Token, error) {
	exists, err := g.redis.Exist(g.processedKey(eventID))
	if err != nil {
		// Better to risk a duplicate attempt than to stall the queue; the
		// database catches true duplicates.
		logger.Warn("idempotency: processed check failed", "event_id", eventID, "error", err.Error())
	} else if exists > 0 {
		return nil, ErrAlreadyProcessed
	}

	attempts := 0
	if raw, err := g.redis.Get(g.attemptsKey(eventID)); err == nil && len(raw) > 0 {
		attempts, _ = strconv.Atoi(string(raw))
	}
	if attempts >= g.cfg.MaxAttempts {
		return nil, fmt.Errorf("%w: event_id=%s attempts=%d", ErrTooManyAttempts, eventID, attempts)
	}

	acquired, err := g.redis.SetNX(g.lockKey(eventID),
		[]byte(strconv.FormatInt(time.Now().UnixNano(), 10)), g.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLockAcquireFailed, err)
	}
	if !acquired {
		return nil, ErrLockAcquireFailed
	}

	return &Token{EventID: eventID, Attempts: attempts, held: true, guard: g}, nil
}

// MarkSuccess records the long-term processed marker and drops the lock.
func (g *IdempotencyGuard) MarkSuccess(ctx context.Context, tok *Token) error {
	if err := g.redis.Set(g.processedKey(tok.EventID), []byte("1"), g.cfg.ProcessedTTL); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	_ = g.redis.Del(g.lockKey(tok.EventID))
	_ = g.redis.Del(g.attemptsKey(tok.EventID))
	tok.held = false
	return nil
}

// MarkFailure bumps the attempt counter and releases the lock so the next
// delivery can retry.
func (g *IdempotencyGuard) MarkFailure(ctx context.Context, tok *Token, reason error) {
	next := strconv.Itoa(tok.Attempts + 1)
	if err := g.redis.Set(g.attemptsKey(tok.EventID), []byte(next), g.cfg.ProcessedTTL); err != nil {
		logger.Warn("idempotency: attempt counter update failed", "event_id", tok.EventID, "error", err.Error())
	}
	g.Release(ctx, tok)

	logger.Warn("idempotency: processing failed, will retry",
		"event_id", tok.EventID, "attempts", next, "reason", reason.Error())
}

// Release drops the lock without recording an outcome.
func (g *IdempotencyGuard) Release(ctx context.Context, tok *Token) {
	if tok == nil || !tok.held {
		return
	}
	if err := g.redis.Del(g.lockKey(tok.EventID)); err != nil {
		logger.Warn("idempotency: lock release failed", "event_id", tok.EventID, "error", err.Error())
	}
	tok.held = false
}

func (g *IdempotencyGuard) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	exists, err := g.redis.Exist(g.processedKey(eventID))
	if err != nil {
		return false, err
	}
	return exists > 0, nil
}

func (g *IdempotencyGuard) processedKey(id string) string { return g.cfg.KeyPrefix + "processed:" + id }
func (g *IdempotencyGuard) lockKey(id string) string      { return g.cfg.KeyPrefix + "lock:" + id }
func (g *IdempotencyGuard) attemptsKey(id string) string  { return g.cfg.KeyPrefix + "attempts:" + id }
