package jobs

import (
	"context"
	"log/slog"
	"time"

	"personad/internal/chat"
)

// DefaultMaxIdle is how long a persona may stay silent before the eviction
// job puts it to sleep.
const DefaultMaxIdle = 24 * time.Hour

// IdleSleepJob puts personas with no recent activity to sleep so they stop
// evaluating the gate on every channel message.
type IdleSleepJob struct {
	svc     *chat.Service
	maxIdle time.Duration
	log     *slog.Logger
}

func NewIdleSleepJob(svc *chat.Service, maxIdle time.Duration, log *slog.Logger) *IdleSleepJob {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &IdleSleepJob{svc: svc, maxIdle: maxIdle, log: log.With("job", "idle-sleep")}
}

func (j *IdleSleepJob) Run(ctx context.Context) error {
	slept := j.svc.SleepIdle(j.maxIdle)
	if slept > 0 {
		j.log.Info("idle personas put to sleep", "count", slept, "max_idle", j.maxIdle)
	}
	return nil
}
