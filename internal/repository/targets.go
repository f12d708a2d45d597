package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"sitewatch/internal/model"
)

// TargetFilter narrows FindTargets. Zero fields are ignored.
type TargetFilter struct {
	ID           string
	URL          string
	OwnerEmail   string
	Availability model.Availability
	Limit        int
}

// CreateTarget inserts a website. A URL that is already monitored yields ErrDuplicate.
func (r *Repo) CreateTarget(ctx context.Context, w *model.Website) error {
	var count int64
	if err := r.DB.WithContext(ctx).Model(&model.Website{}).Where("url = ?", w.URL).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrDuplicate
	}
	// A create racing past the count lands on the unique index instead.
	err := r.DB.WithContext(ctx).Create(w).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrDuplicate
	}
	return err
}

// FindTargets returns websites matching f, oldest first.
func (r *Repo) FindTargets(ctx context.Context, f TargetFilter) ([]model.Website, error) {
	q := r.DB.WithContext(ctx).Model(&model.Website{})
	if f.ID != "" {
		q = q.Where("id = ?", f.ID)
	}
	if f.URL != "" {
		q = q.Where("url = ?", f.URL)
	}
	if f.OwnerEmail != "" {
		q = q.Where("owner_email = ?", f.OwnerEmail)
	}
	if f.Availability != model.AvailabilityUnknown {
		q = q.Where("availability = ?", f.Availability)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []model.Website
	if err := q.Order("created_at asc, id asc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// FindTarget returns the single website matching f or ErrNotFound.
func (r *Repo) FindTarget(ctx context.Context, f TargetFilter) (*model.Website, error) {
	f.Limit = 1
	list, err := r.FindTargets(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

// UpdateTarget applies patch (column name → value) and returns the fresh record.
func (r *Repo) UpdateTarget(ctx context.Context, id string, patch map[string]any) (*model.Website, error) {
	res := r.DB.WithContext(ctx).Model(&model.Website{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	var w model.Website
	if err := r.DB.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// DeleteTarget removes a website record. Deleting a missing record is not an error.
func (r *Repo) DeleteTarget(ctx context.Context, id string) error {
	return r.DB.WithContext(ctx).Where("id = ?", id).Delete(&model.Website{}).Error
}

// PurgeTarget deletes a website and all of its ping logs in one transaction,
// holding the website's lock so no state update interleaves.
func (r *Repo) PurgeTarget(ctx context.Context, id, url string) error {
	unlock := r.locks.Lock(id)
	defer unlock()
	return r.Transaction(ctx, func(tx *Repo) error {
		if err := tx.DeleteLogsForURL(ctx, url); err != nil {
			return err
		}
		return tx.DeleteTarget(ctx, id)
	})
}

// WithTargetLock loads the website by id inside a transaction, with the row
// locked where the engine supports it, and hands it to fn. Changes fn makes
// through tx commit together. Returns ErrNotFound if the website is gone.
func (r *Repo) WithTargetLock(ctx context.Context, id string, fn func(tx *Repo, w *model.Website) error) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	return r.Transaction(ctx, func(tx *Repo) error {
		var w model.Website
		err := tx.DB.Clauses(clause.Locking{Strength: "UPDATE"}).First(&w, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fn(tx, &w)
	})
}

// SaveTarget writes every column of w. Intended for use inside WithTargetLock.
func (r *Repo) SaveTarget(ctx context.Context, w *model.Website) error {
	return r.DB.WithContext(ctx).Save(w).Error
}
