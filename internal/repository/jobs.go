package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"sitewatch/internal/model"
)

// CreateJobRun records a new job instance in the scheduled state.
func (r *Repo) CreateJobRun(ctx context.Context, j *model.JobRun) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.State == "" {
		j.State = model.JobScheduled
	}
	return r.DB.WithContext(ctx).Create(j).Error
}

// UpdateJobRun applies patch to the job run with the given id.
func (r *Repo) UpdateJobRun(ctx context.Context, id string, patch map[string]any) error {
	return r.DB.WithContext(ctx).Model(&model.JobRun{}).Where("id = ?", id).Updates(patch).Error
}

// DeleteJobRun removes a finished job run.
func (r *Repo) DeleteJobRun(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Where("id = ?", id).Delete(&model.JobRun{}).Error
}

// DueRetries returns job runs waiting for a retry whose time has come.
func (r *Repo) DueRetries(ctx context.Context, now time.Time, limit int) ([]model.JobRun, error) {
	q := r.DB.WithContext(ctx).
		Where("state = ? AND retry_at <= ?", model.JobRetrying, now).
		Order("retry_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.JobRun
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// JobRunsByState lists job runs in state, newest first.
func (r *Repo) JobRunsByState(ctx context.Context, state model.JobState, limit int) ([]model.JobRun, error) {
	q := r.DB.WithContext(ctx).Where("state = ?", state).Order("updated_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.JobRun
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ResetInterrupted moves job runs abandoned mid-flight by a previous process
// back to the retry queue, due immediately. Returns how many were reset.
func (r *Repo) ResetInterrupted(ctx context.Context, now time.Time) (int64, error) {
	res := r.DB.WithContext(ctx).Model(&model.JobRun{}).
		Where("state IN ?", []model.JobState{model.JobScheduled, model.JobDequeued, model.JobExecuting}).
		Updates(map[string]any{"state": model.JobRetrying, "retry_at": now})
	return res.RowsAffected, res.Error
}

// DeleteJobRunsForKey drops pending instances of a removed schedule.
func (r *Repo) DeleteJobRunsForKey(ctx context.Context, key string) error {
	return r.DB.WithContext(ctx).
		Where("key = ? AND state <> ?", key, model.JobFailedTerminal).
		Delete(&model.JobRun{}).Error
}
