package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/estatemeter/prepay-core/internal/queue"
	"github.com/estatemeter/prepay-core/pkg/logger"
	"github.com/estatemeter/prepay-core/pkg/redis"
	"github.com/estatemeter/prepay-core/pkg/worker"
)

const ProcessingTimeout = 10 * time.Second
const HealthInterval = 30 * time.Second
const ShutdownTimeout = time.Minute

// Processor handles one decoded stream message.
type Processor interface {
	Process(ctx context.Context, msg *queue.Message) error
	GetType() string
}

type ServiceConfig struct {
	Queue     queue.Config
	Consumers int // parallel stream readers, default 4
	Workers   int // goroutines applying messages, default 32
}

// Service reads one stream through multiple consumers and fans the messages
// out over a worker pool. One Service per stream; the api process runs one
// for wallet events, the billing process one for readings.
type Service struct {
	adapter   redis.RedisAdapter
	cfg       ServiceConfig
	queues    []*queue.Queue
	processor Processor
	metrics   *RunMetrics
	worker    *worker.WorkerManager
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewService(adapter redis.RedisAdapter, cfg ServiceConfig, processor Processor) *Service {
	if cfg.Consumers == 0 {
		cfg.Consumers = 4
	}
	if cfg.Workers == 0 {
		cfg.Workers = 32
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		adapter:   adapter,
		cfg:       cfg,
		queues:    make([]*queue.Queue, 0, cfg.Consumers),
		processor: processor,
		metrics:   NewRunMetrics(),
		worker:    worker.NewWorkerManager(10_000, cfg.Workers, nil),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (s *Service) Start() error {
	logger.Info("processor: starting",
		"type", s.processor.GetType(), "stream", s.cfg.Queue.Name,
		"consumers", s.cfg.Consumers, "workers", s.cfg.Workers)

	s.worker.SetWorker(s.workerHandler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Error("processor: worker pool stopped", "error", err.Error())
		}
	}()

	for i := 0; i < s.cfg.Consumers; i++ {
		cfg := s.cfg.Queue
		cfg.ConsumerName = fmt.Sprintf("%s-%d", s.processor.GetType(), i)

		q, err := queue.New(s.adapter, cfg)
		if err != nil {
			return fmt.Errorf("create consumer %d: %w", i, err)
		}
		if err := q.Consume(s.enqueue); err != nil {
			return fmt.Errorf("start consumer %d: %w", i, err)
		}
		s.queues = append(s.queues, q)
	}

	s.wg.Add(2)
	go s.reportLoop()
	go s.healthLoop()
	return nil
}

type job struct {
	msg    *queue.Message
	result chan error
	ctx    context.Context
}

// enqueue bridges the queue callback onto the worker pool and blocks for
// the outcome, so an error propagates back as an unacked message.
func (s *Service) enqueue(ctx context.Context, msg *queue.Message) error {
	jobCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout)
	defer cancel()

	j := &job{msg: msg, result: make(chan error, 1), ctx: jobCtx}
	s.worker.Enqueue(j)

	select {
	case err := <-j.result:
		return err
	case <-jobCtx.Done():
		return fmt.Errorf("worker timed out: %w", jobCtx.Err())
	}
}

func (s *Service) workerHandler(workerIndex int, raw interface{}) {
	j, ok := raw.(*job)
	if !ok {
		logger.Error("processor: unexpected job type", "worker", workerIndex)
		return
	}

	select {
	case <-j.ctx.Done():
		return
	default:
	}

	start := time.Now()
	err := s.processor.Process(j.ctx, j.msg)
	if err != nil {
		s.metrics.RecordFailure()
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	select {
	case j.result <- err:
	case <-j.ctx.Done():
	}
}

func (s *Service) reportLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.report()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) report() {
	stats := s.metrics.Snapshot()
	logger.Info("processor: stats",
		"type", s.processor.GetType(),
		"processed", stats["processed"],
		"failed", stats["failed"],
		"rate_per_second", stats["rate_per_second"],
		"avg_duration_ms", stats["avg_duration_ms"])

	for i, q := range s.queues {
		if qs, err := q.GetStats(); err == nil {
			logger.Info("processor: queue", "consumer", i, "length", qs.Length, "pending", qs.Pending)
		}
	}
}

func (s *Service) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.healthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Service) healthCheck() {
	if err := s.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("processor: redis unreachable", "error", err.Error())
		return
	}
	for i, q := range s.queues {
		stats, err := q.GetStats()
		if err != nil {
			continue
		}
		if stats.Pending > 10_000 {
			logger.Warn("processor: consumer lagging", "consumer", i, "pending", stats.Pending)
		}
	}
}

// Stop drains the consumers and the worker pool.
func (s *Service) Stop() {
	logger.Info("processor: stopping", "type", s.processor.GetType())
	s.cancel()

	done := make(chan bool, len(s.queues))
	for i, q := range s.queues {
		go func(index int, q *queue.Queue) {
			if err := q.Stop(ShutdownTimeout); err != nil {
				logger.Error("processor: queue stop failed", "consumer", index, "error", err.Error())
			}
			done <- true
		}(i, q)
	}
	for range s.queues {
		select {
		case <-done:
		case <-time.After(ShutdownTimeout + 5*time.Second):
			logger.Warn("processor: timed out waiting for consumers")
		}
	}

	s.worker.Exit()
	s.wg.Wait()
	s.report()
	logger.Info("processor: stopped", "type", s.processor.GetType())
}
