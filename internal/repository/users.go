package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"sitewatch/internal/model"
)

// FindOwnerByEmail returns the user with the given email or ErrNotFound.
func (r *Repo) FindOwnerByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := r.DB.WithContext(ctx).First(&u, "email = ?", normalizeEmail(email)).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateOwner inserts a user, assigning an ID when missing.
func (r *Repo) CreateOwner(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.Email = normalizeEmail(u.Email)
	return r.DB.WithContext(ctx).Create(u).Error
}

// EnsureOwner returns the user for email, creating one with offline alerts
// enabled if it does not exist yet.
func (r *Repo) EnsureOwner(ctx context.Context, email string) (*model.User, error) {
	u, err := r.FindOwnerByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	u = &model.User{Email: email, WebsiteOfflineAlerts: true}
	err = r.CreateOwner(ctx, u)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a race with a concurrent registration for the same owner.
		return r.FindOwnerByEmail(ctx, email)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpdateOwner applies patch (column name → value) to the user with the given
// email and returns the fresh record.
func (r *Repo) UpdateOwner(ctx context.Context, email string, patch map[string]any) (*model.User, error) {
	email = normalizeEmail(email)
	res := r.DB.WithContext(ctx).Model(&model.User{}).Where("email = ?", email).Updates(patch)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.FindOwnerByEmail(ctx, email)
}

// SetOfflineAlerts updates the owner's notification preference.
func (r *Repo) SetOfflineAlerts(ctx context.Context, email string, enabled bool) error {
	_, err := r.UpdateOwner(ctx, email, map[string]any{"website_offline_alerts": enabled})
	return err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
