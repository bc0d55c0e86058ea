package job

import (
	"time"

	"go.uber.org/zap"
)

// SessionSweeper closes polling sessions idle for longer than a cutoff
type SessionSweeper interface {
	Sweep(idle time.Duration) int
	Len() int
}

// SweepJob drops polling clients that stopped polling without saying goodbye
type SweepJob struct {
	sessions SessionSweeper
	idle     time.Duration
	logger   *zap.Logger
}

// NewSweepJob creates a new SweepJob instance
func NewSweepJob(sessions SessionSweeper, idle time.Duration, logger *zap.Logger) *SweepJob {
	return &SweepJob{
		sessions: sessions,
		idle:     idle,
		logger:   logger,
	}
}

// Run executes one sweep
func (j *SweepJob) Run() {
	closed := j.sessions.Sweep(j.idle)
	if closed == 0 {
		j.logger.Debug("No idle polling sessions found")
		return
	}

	j.logger.Info("Closed idle polling sessions",
		zap.Int("closed", closed),
		zap.Int("remaining", j.sessions.Len()),
		zap.Duration("idle_cutoff", j.idle),
	)
}
