package schedule

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

// Job is a periodic maintenance pass over the import pipeline.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler interface {
	AddJob(job Job, spec string) error
	Start(ctx context.Context)
	Stop()
}

// CronScheduler runs jobs on five field cron specs. A run that is still in
// progress when its next tick fires makes that tick a no-op.
type CronScheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
	ctx     context.Context
}

func NewCronScheduler() *CronScheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &CronScheduler{
		cron:    cron.New(cron.WithParser(parser)),
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

func (c *CronScheduler) AddJob(job Job, spec string) error {
	name := job.Name()
	logger := logutil.GetLogger(context.Background()).With(zap.String("job", name), zap.String("spec", spec))
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[name]; ok {
		return fmt.Errorf("job %s already scheduled", name)
	}
	entryID, err := c.cron.AddFunc(spec, c.wrap(job, spec))
	if err != nil {
		logger.Error("schedule job failed", zap.Error(err))
		return fmt.Errorf("schedule job %s: %w", name, err)
	}
	c.entries[name] = entryID
	logger.Info("job scheduled")
	return nil
}

// Start begins firing jobs. ctx is handed to every run, cancelling it
// interrupts running jobs.
func (c *CronScheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.cron.Start()
}

// Stop waits for running jobs to return.
func (c *CronScheduler) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

func (c *CronScheduler) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *CronScheduler) wrap(job Job, spec string) func() {
	var running atomic.Bool
	return func() {
		ctx := c.runContext()
		logger := logutil.GetLogger(ctx).With(
			zap.String("job", job.Name()),
			zap.String("spec", spec),
		)
		if !running.CompareAndSwap(false, true) {
			logger.Info("job skipped: still running")
			return
		}
		defer running.Store(false)

		start := time.Now()
		logger.Debug("job started")
		err := job.Run(ctx)
		elapsed := time.Since(start)
		if err != nil {
			logger.Error("job finished", zap.Error(err), zap.Duration("duration", elapsed))
			return
		}
		logger.Debug("job finished", zap.Duration("duration", elapsed))
	}
}
