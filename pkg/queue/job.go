package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job is one unit of deferred work. Payload is the JSON body given to
// Enqueue; Decode unpacks it.
type Job struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Payload      string    `json:"payload"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (j Job) Decode(v any) error {
	return json.Unmarshal([]byte(j.Payload), v)
}

// Handler processes one job. A non-nil error sends the job back to the
// stream until MaxRetries attempts have been made.
type Handler func(context.Context, Job) error

// streamValues is the stream entry for a job. Status lives in the job hash,
// not in the entry.
func streamValues(job Job) map[string]any {
	return map[string]any{
		"job_id":  job.ID,
		"kind":    job.Kind,
		"payload": job.Payload,
	}
}

func jobFromMessage(msg redis.XMessage) (Job, bool) {
	id, _ := msg.Values["job_id"].(string)
	kind, _ := msg.Values["kind"].(string)
	payload, _ := msg.Values["payload"].(string)
	if id == "" || kind == "" {
		return Job{}, false
	}
	return Job{ID: id, Kind: kind, Payload: payload}, true
}

func hashFields(job Job) map[string]any {
	return map[string]any{
		"kind":      job.Kind,
		"payload":   job.Payload,
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  job.Attempts,
		"createdAt": formatTime(job.CreatedAt),
		"updatedAt": formatTime(job.UpdatedAt),
	}
}

func jobFromHash(id string, h map[string]string) Job {
	job := Job{
		ID:           id,
		Kind:         h["kind"],
		Payload:      h["payload"],
		Status:       h["status"],
		ErrorMessage: h["error"],
		CreatedAt:    parseTime(h["createdAt"]),
		UpdatedAt:    parseTime(h["updatedAt"]),
	}
	job.Attempts, _ = strconv.Atoi(h["attempts"])
	return job
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
