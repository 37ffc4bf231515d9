package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRegistryPrefix = "syncd:jobs:"
	completedListKey      = "syncd:jobs:completed"
	// completedRetention caps the remove-on-complete history.
	completedRetention = 100
	// jobStateTTL guards against registry entries leaking if a worker
	// dies mid-job; a stuck user becomes eligible again after this.
	jobStateTTL = time.Hour
)

// JobRegistry tracks in-flight sync jobs in Redis. The key is the
// deterministic job id, so a second submit for the same user sees the
// first job's state and is rejected.
type JobRegistry struct {
	client *redis.Client
	prefix string
}

func NewJobRegistry(client *redis.Client) *JobRegistry {
	return &JobRegistry{client: client, prefix: defaultRegistryPrefix}
}

func (r *JobRegistry) key(userID uuid.UUID) string {
	return r.prefix + JobID(userID)
}

// TryEnqueue claims the job id for the user. When the id is already
// held it returns false and the holder's state.
func (r *JobRegistry) TryEnqueue(ctx context.Context, userID uuid.UUID) (bool, JobState, error) {
	ok, err := r.client.SetNX(ctx, r.key(userID), string(JobStateWaiting), jobStateTTL).Result()
	if err != nil {
		return false, JobStateNone, fmt.Errorf("claim job id: %w", err)
	}
	if ok {
		return true, JobStateWaiting, nil
	}
	state, err := r.State(ctx, userID)
	if err != nil {
		return false, JobStateNone, err
	}
	if state == JobStateNone {
		// Holder expired between SETNX and GET; treat as busy and let
		// the caller retry.
		state = JobStateWaiting
	}
	return false, state, nil
}

func (r *JobRegistry) State(ctx context.Context, userID uuid.UUID) (JobState, error) {
	val, err := r.client.Get(ctx, r.key(userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return JobStateNone, nil
		}
		return JobStateNone, fmt.Errorf("get job state: %w", err)
	}
	return JobState(val), nil
}

func (r *JobRegistry) MarkActive(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Set(ctx, r.key(userID), string(JobStateActive), jobStateTTL).Err(); err != nil {
		return fmt.Errorf("mark job active: %w", err)
	}
	return nil
}

// MarkDelayed flags the job as waiting out a retry backoff.
func (r *JobRegistry) MarkDelayed(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Set(ctx, r.key(userID), string(JobStateDelayed), jobStateTTL).Err(); err != nil {
		return fmt.Errorf("mark job delayed: %w", err)
	}
	return nil
}

func (r *JobRegistry) Clear(ctx context.Context, userID uuid.UUID) error {
	if err := r.client.Del(ctx, r.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear job state: %w", err)
	}
	return nil
}

type completionRecord struct {
	JobID      string    `json:"job_id"`
	Outcome    string    `json:"outcome"`
	FinishedAt time.Time `json:"finished_at"`
}

// RecordCompletion appends to the capped completion history, keeping
// only the most recent entries.
func (r *JobRegistry) RecordCompletion(ctx context.Context, userID uuid.UUID, outcome string) error {
	record, err := json.Marshal(completionRecord{
		JobID:      JobID(userID),
		Outcome:    outcome,
		FinishedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal completion record: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, completedListKey, record)
	pipe.LTrim(ctx, completedListKey, 0, completedRetention-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record completion: %w", err)
	}
	return nil
}
