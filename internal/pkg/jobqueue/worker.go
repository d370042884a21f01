package jobqueue

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/gamemarket/gamemarket-api/internal/pkg/metrics"
)

// Handler processes one job. Returning an error retries the job with
// backoff unless it is wrapped with Permanent.
type Handler func(ctx context.Context, job Job) error

// WorkerConfig tunes the pool. JobTimeout bounds a single handler call.
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
}

// Worker claims jobs in batches and runs them on a bounded pool.
type Worker struct {
	queue    Queue
	cfg      WorkerConfig
	mu       sync.RWMutex
	handlers map[string]Handler
	wake     chan struct{}
}

func NewWorker(queue Queue, cfg WorkerConfig) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 60 * time.Second
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Minute
	}
	return &Worker{
		queue:    queue,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		wake:     make(chan struct{}, 1),
	}
}

func (w *Worker) Handle(typ string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[typ] = h
}

// Wake returns the channel used to trigger an immediate poll.
func (w *Worker) Wake() chan<- struct{} {
	return w.wake
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	log.Info().Int("concurrency", w.cfg.Concurrency).Msg("job worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("job worker stopped")
			return nil
		case <-w.wake:
		case <-ticker.C:
		}

		// drain full batches before waiting again
		for {
			n, err := w.RunOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("DB error while claiming jobs")
				break
			}
			if n < w.cfg.Concurrency || ctx.Err() != nil {
				break
			}
		}
	}
}

// RunOnce claims one batch and processes it, returning the batch size.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.Claim(ctx, w.cfg.Concurrency)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g := new(errgroup.Group)
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			w.process(ctx, job)
			return nil
		})
	}
	return len(jobs), g.Wait()
}

func (w *Worker) process(ctx context.Context, job Job) {
	w.mu.RLock()
	h, ok := w.handlers[job.Type]
	w.mu.RUnlock()

	logger := log.With().Str("job_id", job.ID).Str("job_type", job.Type).Int("attempt", job.Attempts).Logger()

	if !ok {
		logger.Error().Msg("no handler registered for job type")
		w.finish(job, "failed", w.queue.Fail(ctx, job.ID, "no handler registered"))
		return
	}

	start := time.Now()
	err := w.call(ctx, h, job)
	if err == nil {
		logger.Info().Dur("took", time.Since(start)).Msg("job done")
		w.finish(job, "done", w.queue.Complete(ctx, job.ID))
		return
	}

	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if IsPermanent(err) || job.Attempts >= maxAttempts {
		logger.Error().Err(err).Msg("job failed permanently")
		w.finish(job, "failed", w.queue.Fail(ctx, job.ID, err.Error()))
		return
	}

	delay := w.Backoff(job.Attempts)
	logger.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, will retry")
	w.finish(job, "retry", w.queue.Retry(ctx, job.ID, err.Error(), time.Now().Add(delay)))
}

func (w *Worker) call(ctx context.Context, h Handler, job Job) (err error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h(ctx, job)
}

func (w *Worker) finish(job Job, outcome string, err error) {
	metrics.JobsProcessed.WithLabelValues(job.Type, outcome).Inc()
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Str("outcome", outcome).Msg("Failed to update job status")
	}
}

// Backoff is exponential in the attempt number, capped at MaxBackoff.
func (w *Worker) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(w.cfg.BaseBackoff) * math.Pow(2, float64(attempt-1))
	if d > float64(w.cfg.MaxBackoff) {
		return w.cfg.MaxBackoff
	}
	return time.Duration(d)
}
