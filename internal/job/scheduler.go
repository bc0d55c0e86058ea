package job

import (
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler runs registered jobs on cron specs
type Scheduler struct {
	cron   *cron.Cron
	logger *zap.Logger
}

// NewScheduler creates a scheduler whose jobs recover from panics and never overlap
func NewScheduler(logger *zap.Logger) *Scheduler {
	cronLogger := cronLogAdapter{logger: logger}
	return &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		)),
		logger: logger,
	}
}

// Add registers job under spec, e.g. "@every 30s"
func (s *Scheduler) Add(name, spec string, job cron.Job) error {
	id, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("invalid schedule %q for %s: %w", spec, name, err)
	}
	s.logger.Info("Job scheduled", zap.String("job", name), zap.String("spec", spec), zap.Int("entry_id", int(id)))
	return nil
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Len returns the number of registered jobs
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// cronLogAdapter routes cron's logr-style logging to zap
type cronLogAdapter struct {
	logger *zap.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}
