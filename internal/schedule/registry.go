// Package schedule is the durable registry of recurring ping jobs. Each
// monitored URL owns exactly one entry, keyed by its query-escaped form, so
// registering the same URL twice replaces the entry instead of adding one.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sitewatch/internal/model"
)

var (
	// ErrRegistry marks a failure of the registry backend. Callers surface it
	// so that an add or delete is reported as failed rather than half-done.
	ErrRegistry = errors.New("schedule registry unavailable")
	// ErrInvalidSpec is returned for expressions the cron parser rejects.
	ErrInvalidSpec = errors.New("invalid schedule expression")
	// ErrNotFound is returned by Get when no entry exists for a URL.
	ErrNotFound = errors.New("schedule not found")
)

// Registry stores schedule entries in the same database as the rest of the
// engine, which lets registration share a transaction with target creation.
type Registry struct {
	db  *gorm.DB
	now func() time.Time
}

func New(db *gorm.DB) *Registry {
	return &Registry{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// WithTx returns a registry bound to an open transaction.
func (r *Registry) WithTx(tx *gorm.DB) *Registry {
	return &Registry{db: tx, now: r.now}
}

// Key derives the stable, reversible job key for a URL.
func Key(rawURL string) string {
	return url.QueryEscape(rawURL)
}

// URLFromKey reverses Key.
func URLFromKey(key string) (string, error) {
	return url.QueryUnescape(key)
}

// Parse validates a five-field cron expression.
func Parse(spec string) (cron.Schedule, error) {
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
	}
	return s, nil
}

// Register upserts the recurring job for rawURL. The first run is the next
// fire time of spec after now.
func (r *Registry) Register(ctx context.Context, targetID, ownerEmail, rawURL, spec string) (*model.ScheduleEntry, error) {
	sched, err := Parse(spec)
	if err != nil {
		return nil, err
	}
	now := r.now()
	entry := &model.ScheduleEntry{
		Key:        Key(rawURL),
		Spec:       spec,
		URL:        rawURL,
		OwnerEmail: ownerEmail,
		TargetID:   targetID,
		NextRunAt:  sched.Next(now).UTC(),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"spec", "url", "owner_email", "target_id", "next_run_at", "updated_at"}),
	}).Create(entry).Error
	if err != nil {
		return nil, fmt.Errorf("%w: register %s: %w", ErrRegistry, rawURL, err)
	}
	return entry, nil
}

// Unregister removes the job for rawURL. It reports whether an entry existed;
// a missing entry is not an error, because user deletion and auto-removal
// may both reach here for the same URL.
func (r *Registry) Unregister(ctx context.Context, rawURL string) (bool, error) {
	entries, err := r.ListAll(ctx)
	if err != nil {
		return false, err
	}
	key := Key(rawURL)
	for _, e := range entries {
		if e.Key != key {
			continue
		}
		if err := r.db.WithContext(ctx).Where("key = ?", key).Delete(&model.ScheduleEntry{}).Error; err != nil {
			return false, fmt.Errorf("%w: unregister %s: %w", ErrRegistry, rawURL, err)
		}
		return true, nil
	}
	return false, nil
}

// ListAll enumerates every registered recurring job.
func (r *Registry) ListAll(ctx context.Context) ([]model.ScheduleEntry, error) {
	var out []model.ScheduleEntry
	if err := r.db.WithContext(ctx).Order("key asc").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: list: %w", ErrRegistry, err)
	}
	return out, nil
}

// Get returns the entry for rawURL or ErrNotFound.
func (r *Registry) Get(ctx context.Context, rawURL string) (*model.ScheduleEntry, error) {
	var e model.ScheduleEntry
	err := r.db.WithContext(ctx).First(&e, "key = ?", Key(rawURL)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %w", ErrRegistry, rawURL, err)
	}
	return &e, nil
}

// Due returns entries whose next run is at or before now, earliest first.
func (r *Registry) Due(ctx context.Context, now time.Time, limit int) ([]model.ScheduleEntry, error) {
	q := r.db.WithContext(ctx).Where("next_run_at <= ?", now.UTC()).Order("next_run_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []model.ScheduleEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("%w: due: %w", ErrRegistry, err)
	}
	return out, nil
}

// Advance moves the entry to its next fire time after now. Missed fire times
// collapse into the single run the caller is about to start.
func (r *Registry) Advance(ctx context.Context, e model.ScheduleEntry, now time.Time) (time.Time, error) {
	sched, err := Parse(e.Spec)
	if err != nil {
		return time.Time{}, err
	}
	now = now.UTC()
	next := sched.Next(now).UTC()
	err = r.db.WithContext(ctx).Model(&model.ScheduleEntry{}).
		Where("key = ?", e.Key).
		Updates(map[string]any{"next_run_at": next, "last_run_at": now}).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: advance %s: %w", ErrRegistry, e.URL, err)
	}
	return next, nil
}
