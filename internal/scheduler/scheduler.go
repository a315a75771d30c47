package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/estatemeter/prepay-core/pkg/logger"
)

const defaultTimeout = 2 * time.Minute
const maxAttempts = 3
const retryDelay = 5 * time.Second

// Job is one scheduled unit of work. Run must be safe to retry; the
// scheduler re-invokes it on failure.
type Job struct {
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

type entry struct {
	job      Job
	interval time.Duration // interval jobs
	hour     int           // daily jobs
	minute   int
	daily    bool
}

// Scheduler runs jobs on fixed intervals or at a daily wall clock time.
// Every job run gets a timeout, three attempts and exponential backoff;
// a job that still fails waits for its next slot.
type Scheduler struct {
	loc     *time.Location
	entries []entry
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	now     func() time.Time
}

func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		loc:    loc,
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Every schedules the job on a fixed interval, first run one interval in.
func (s *Scheduler) Every(interval time.Duration, job Job) {
	s.entries = append(s.entries, entry{job: job, interval: interval})
}

// DailyAt schedules the job at the given wall clock time in the
// scheduler's location.
func (s *Scheduler) DailyAt(hour, minute int, job Job) {
	s.entries = append(s.entries, entry{job: job, hour: hour, minute: minute, daily: true})
}

func (s *Scheduler) Start() {
	for _, e := range s.entries {
		s.wg.Add(1)
		if e.daily {
			go s.runDaily(e)
		} else {
			go s.runInterval(e)
		}
	}
	logger.Info("scheduler: started", "jobs", len(s.entries))
}

func (s *Scheduler) Stop() {
	s.cancel()
	s.wg.Wait()
	logger.Info("scheduler: stopped")
}

func (s *Scheduler) runInterval(e entry) {
	defer s.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.execute(e.job)
		}
	}
}

func (s *Scheduler) runDaily(e entry) {
	defer s.wg.Done()

	for {
		wait := time.Until(s.nextDaily(e.hour, e.minute))
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
			s.execute(e.job)
		}
	}
}

func (s *Scheduler) nextDaily(hour, minute int) time.Time {
	now := s.now().In(s.loc)
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, s.loc)
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *Scheduler) execute(job Job) {
	timeout := job.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}

	delay := retryDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		start := time.Now()
		err := job.Run(ctx)
		cancel()

		if err == nil {
			logger.Info("scheduler: job done",
				"job", job.Name, "attempt", attempt, "duration_ms", time.Since(start).Milliseconds())
			return
		}

		logger.Error("scheduler: job failed",
			"job", job.Name, "attempt", attempt, "error", err.Error())

		if attempt < maxAttempts {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
		}
	}

	logger.Error("scheduler: job gave up until next slot", "job", job.Name)
}
