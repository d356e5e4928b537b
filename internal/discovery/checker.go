package discovery

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// Checker hosts the background liveness checker: a periodic task that
// iterates all runs under a set of storage roots and invokes CorrectLiveness
// on each, isolating failures per run so one bad meta.json never stops the
// sweep. Grounded on internal/scheduler's gocron wrapper — one singleton-mode
// job rather than one job per policy, since this worker has no per-entity
// schedule to track.
type Checker struct {
	cron gocron.Scheduler
	log  *zap.Logger

	roots            func() []string
	remoteCacheRoots func() []string
}

// NewChecker creates a Checker. roots returns the current set of storage
// root paths to sweep; remoteCacheRoots returns paths that should never be
// liveness-downgraded (populated remote sync cache trees).
func NewChecker(roots, remoteCacheRoots func() []string, log *zap.Logger) (*Checker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("discovery: create gocron scheduler: %w", err)
	}
	return &Checker{cron: s, log: log.Named("discovery"), roots: roots, remoteCacheRoots: remoteCacheRoots}, nil
}

// Start schedules the sweep to run every interval (spec §4.5 default ~60s)
// and starts the underlying gocron scheduler.
func (c *Checker) Start(interval time.Duration) error {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	_, err := c.cron.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(c.sweep),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("discovery: schedule liveness sweep: %w", err)
	}
	c.cron.Start()
	return nil
}

// Stop gracefully shuts down the checker, waiting for any in-flight sweep to
// finish.
func (c *Checker) Stop() error {
	if err := c.cron.Shutdown(); err != nil {
		return fmt.Errorf("discovery: shutdown: %w", err)
	}
	return nil
}

func (c *Checker) sweep() {
	hostname := Hostname()
	cacheRoots := c.remoteCacheRoots()

	for _, root := range c.roots() {
		runs, err := IterAllRuns(root, false)
		if err != nil {
			c.log.Warn("liveness sweep: failed to enumerate runs", zap.String("root", root), zap.Error(err))
			continue
		}
		for _, run := range runs {
			func() {
				defer func() {
					if r := recover(); r != nil {
						c.log.Error("liveness sweep: panic correcting run", zap.String("run_id", run.RunID), zap.Any("panic", r))
					}
				}()
				corrected, err := CorrectLiveness(run.Dir, hostname, cacheRoots)
				if err != nil {
					c.log.Warn("liveness sweep: failed to correct run", zap.String("run_id", run.RunID), zap.Error(err))
					return
				}
				if corrected {
					c.log.Info("marked dead run as failed", zap.String("run_id", run.RunID))
				}
			}()
		}
	}
}

// RunOnce performs a single sweep synchronously.
func (c *Checker) RunOnce(_ context.Context) {
	c.sweep()
}
