package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

const defaultJobTimeout = time.Minute

// Jobs runs named tasks on cron schedules in a fixed time zone.
type Jobs struct {
	cron    *gocron.Scheduler
	timeout time.Duration
	logger  *slog.Logger
}

// NewJobs creates a job scheduler evaluating cron expressions in loc.
func NewJobs(loc *time.Location, logger *slog.Logger) *Jobs {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := gocron.NewScheduler(loc)
	s.SingletonModeAll()
	return &Jobs{cron: s, timeout: defaultJobTimeout, logger: logger}
}

// Add registers task under name to run on the standard five-field cron
// expression expr.
func (j *Jobs) Add(name, expr string, task func(ctx context.Context) error) error {
	_, err := j.cron.Cron(expr).Tag(name).Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()

		start := time.Now()
		if err := task(ctx); err != nil {
			j.logger.Error("job failed", "job", name, "error", err)
			return
		}
		j.logger.Debug("job finished", "job", name, "took", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	return nil
}

// Len returns the number of registered jobs.
func (j *Jobs) Len() int {
	return j.cron.Len()
}

// NextRun reports when the named job fires next. It is only meaningful once
// the scheduler has started.
func (j *Jobs) NextRun(name string) (time.Time, bool) {
	jobs, err := j.cron.FindJobsByTag(name)
	if err != nil || len(jobs) == 0 {
		return time.Time{}, false
	}
	return jobs[0].NextRun(), true
}

func (j *Jobs) Start() {
	j.cron.StartAsync()
}

func (j *Jobs) Stop() {
	j.cron.Stop()
}
