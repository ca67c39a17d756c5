// internal/jobs/jobs.go

// Package jobs runs callback retries and the periodic due-record sweep on River.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/models"
)

var ErrNotAttached = errors.New("job queue not attached")

type RetryArgs struct {
	Provider     string `json:"provider"`
	ProviderTxID string `json:"provider_tx_id"`
}

func (RetryArgs) Kind() string { return "callback_retry" }

func (a RetryArgs) Key() models.CallbackKey {
	return models.CallbackKey{Provider: a.Provider, ProviderTxID: a.ProviderTxID}
}

type SweepArgs struct {
	Limit int `json:"limit"`
}

func (SweepArgs) Kind() string { return "callback_sweep" }

// Processor is the part of the callback handler the workers drive.
type Processor interface {
	Reprocess(ctx context.Context, key models.CallbackKey) callback.AckResult
	SweepDue(ctx context.Context, limit int) (int, error)
}

type RetryWorker struct {
	river.WorkerDefaults[RetryArgs]
	processor Processor
	logger    logrus.FieldLogger
}

func NewRetryWorker(p Processor, logger logrus.FieldLogger) *RetryWorker {
	return &RetryWorker{processor: p, logger: logger}
}

func (w *RetryWorker) Work(ctx context.Context, job *river.Job[RetryArgs]) error {
	res := w.processor.Reprocess(ctx, job.Args.Key())

	// A recorded transient failure schedules its own follow-up job. Only
	// failures that left no outcome on the record are retried by the queue.
	if res.Outcome == callback.OutcomeRetry && res.Status == "" {
		return fmt.Errorf("reprocess %s/%s: outcome not recorded", job.Args.Provider, job.Args.ProviderTxID)
	}

	w.logger.WithFields(logrus.Fields{
		"provider":       job.Args.Provider,
		"provider_tx_id": job.Args.ProviderTxID,
		"outcome":        res.Outcome,
	}).Debug("Callback retry job finished")
	return nil
}

type SweepWorker struct {
	river.WorkerDefaults[SweepArgs]
	processor Processor
	logger    logrus.FieldLogger
}

func NewSweepWorker(p Processor, logger logrus.FieldLogger) *SweepWorker {
	return &SweepWorker{processor: p, logger: logger}
}

func (w *SweepWorker) Work(ctx context.Context, job *river.Job[SweepArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = 100
	}
	n, err := w.processor.SweepDue(ctx, limit)
	if err != nil {
		return fmt.Errorf("sweep due callbacks: %w", err)
	}
	if n > 0 {
		w.logger.WithField("processed", n).Info("Swept due callbacks")
	}
	return nil
}

// Timeout lets a full sweep outlive River's default job timeout.
func (w *SweepWorker) Timeout(*river.Job[SweepArgs]) time.Duration {
	return 5 * time.Minute
}

// InsertFunc enqueues a job.
type InsertFunc func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error

// Scheduler implements callback.RetryScheduler. The insert function is
// attached after the River client exists, since the client's workers need the
// handler that needs the scheduler.
type Scheduler struct {
	mu          sync.RWMutex
	insert      InsertFunc
	maxAttempts int
}

func NewScheduler() *Scheduler {
	return &Scheduler{maxAttempts: 5}
}

func (s *Scheduler) Attach(fn InsertFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insert = fn
}

func (s *Scheduler) AttachClient(client *river.Client[pgx.Tx]) {
	s.Attach(func(ctx context.Context, args river.JobArgs, opts *river.InsertOpts) error {
		_, err := client.Insert(ctx, args, opts)
		return err
	})
}

func (s *Scheduler) ScheduleRetry(ctx context.Context, key models.CallbackKey, at time.Time) error {
	s.mu.RLock()
	insert := s.insert
	s.mu.RUnlock()
	if insert == nil {
		return ErrNotAttached
	}
	return insert(ctx, RetryArgs{Provider: key.Provider, ProviderTxID: key.ProviderTxID}, &river.InsertOpts{
		ScheduledAt: at,
		MaxAttempts: s.maxAttempts,
		Tags:        []string{key.Provider},
	})
}

type ClientOptions struct {
	MaxWorkers     int
	SweepInterval  time.Duration
	SweepBatchSize int
	Logger         logrus.FieldLogger
}

// NewClient builds the River client with both workers and the periodic sweep.
func NewClient(pool *pgxpool.Pool, p Processor, opts ClientOptions) (*river.Client[pgx.Tx], error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 10
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, NewRetryWorker(p, opts.Logger))
	river.AddWorker(workers, NewSweepWorker(p, opts.Logger))

	sweep := river.NewPeriodicJob(
		river.PeriodicInterval(opts.SweepInterval),
		func() (river.JobArgs, *river.InsertOpts) {
			return SweepArgs{Limit: opts.SweepBatchSize}, nil
		},
		&river.PeriodicJobOpts{RunOnStart: true},
	)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: opts.MaxWorkers},
		},
		Workers:      workers,
		PeriodicJobs: []*river.PeriodicJob{sweep},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create job client: %w", err)
	}
	return client, nil
}
