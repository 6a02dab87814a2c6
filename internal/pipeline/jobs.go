package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/unifiedcart/aggregator/pkg/model"
)

// JobStatus is the lifecycle of an async batch submission.
type JobStatus string

const (
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
)

// Job tracks one submitted batch.
type Job struct {
	ID          uuid.UUID    `json:"id"`
	Status      JobStatus    `json:"status"`
	SubmittedAt time.Time    `json:"submitted_at"`
	FinishedAt  *time.Time   `json:"finished_at,omitempty"`
	Result      *BatchResult `json:"result,omitempty"`
}

// JobRegistry runs batches in the background and retains finished jobs
// for polling until retention expires.
type JobRegistry struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]*Job
	pipeline  *Pipeline
	retention time.Duration
}

func NewJobRegistry(p *Pipeline, retention time.Duration) *JobRegistry {
	if retention <= 0 {
		retention = time.Hour
	}
	return &JobRegistry{
		jobs:      make(map[uuid.UUID]*Job),
		pipeline:  p,
		retention: retention,
	}
}

// Submit starts processing the batch asynchronously and returns the job
// id immediately. ctx should outlive the HTTP request that submitted
// the batch; pass the service context, not the request context.
func (r *JobRegistry) Submit(ctx context.Context, batch []model.RawProduct) uuid.UUID {
	job := &Job{
		ID:          uuid.New(),
		Status:      JobRunning,
		SubmittedAt: time.Now().UTC(),
	}
	r.mu.Lock()
	r.jobs[job.ID] = job
	r.mu.Unlock()

	go func() {
		result := r.pipeline.Process(ctx, batch)
		now := time.Now().UTC()
		r.mu.Lock()
		job.Status = JobCompleted
		job.FinishedAt = &now
		job.Result = &result
		r.mu.Unlock()
	}()

	return job.ID
}

// StartCleaner evicts finished jobs older than retention.
func (r *JobRegistry) StartCleaner(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.retention)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().Add(-r.retention)
				r.mu.Lock()
				for id, j := range r.jobs {
					if j.FinishedAt != nil && j.FinishedAt.Before(cutoff) {
						delete(r.jobs, id)
					}
				}
				r.mu.Unlock()
			}
		}
	}()
}

// Get returns a copy of the job, or nil when unknown.
func (r *JobRegistry) Get(id uuid.UUID) *Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	return &cp
}
