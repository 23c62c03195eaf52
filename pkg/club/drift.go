package club

import (
	"context"
	"log/slog"
	"time"

	"sophiasocial/pkg/queue"
)

// Drift describes a relationship update whose second step did not apply.
type Drift struct {
	Op      Operation `json:"op"`
	ClubID  string    `json:"clubId"`
	UserIDs []string  `json:"userIds"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// DriftRecorder receives degraded saga outcomes.
type DriftRecorder interface {
	RecordDrift(ctx context.Context, d Drift) error
}

// LogDriftRecorder only logs drift.
type LogDriftRecorder struct {
	Logger *slog.Logger
}

func (r LogDriftRecorder) RecordDrift(_ context.Context, d Drift) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Error("club relationship drift", "op", d.Op, "club_id", d.ClubID, "user_ids", d.UserIDs, "err", d.Error)
	return nil
}

// Enqueuer is the subset of the job queue used to publish drift.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any) (queue.Job, error)
}

// QueueDriftRecorder publishes drift as reconciliation jobs.
type QueueDriftRecorder struct {
	Queue  Enqueuer
	Logger *slog.Logger
}

func (r QueueDriftRecorder) RecordDrift(ctx context.Context, d Drift) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	job, err := r.Queue.Enqueue(ctx, string(d.Op), d)
	if err != nil {
		logger.Error("enqueue drift failed", "op", d.Op, "club_id", d.ClubID, "user_ids", d.UserIDs, "err", err)
		return err
	}
	logger.Warn("club relationship drift queued", "job_id", job.ID, "op", d.Op, "club_id", d.ClubID)
	return nil
}
