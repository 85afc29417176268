package jobs

import (
	"context"
	"log/slog"
	"time"

	"personad/internal/session"
)

// RetentionJob deletes session logs older than the configured window.
type RetentionJob struct {
	store *session.Store
	days  int
	log   *slog.Logger
}

func NewRetentionJob(store *session.Store, days int, log *slog.Logger) *RetentionJob {
	if days <= 0 {
		days = 30
	}
	return &RetentionJob{store: store, days: days, log: log.With("job", "retention")}
}

// Run deletes sessions whose last update is past the retention window.
func (j *RetentionJob) Run(ctx context.Context) error {
	cutoff := time.Now().AddDate(0, 0, -j.days)
	deleted, err := j.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if deleted > 0 {
		j.log.Info("retention cleanup", "deleted_sessions", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}
