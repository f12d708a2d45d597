package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sitewatch/internal/interval"
	"sitewatch/internal/model"
	"sitewatch/internal/repository"
	"sitewatch/internal/schedule"
)

var (
	// ErrInvalidURL is returned when a website URL is not an absolute http(s) URL.
	ErrInvalidURL = errors.New("invalid url")
	// ErrOwnerRequired is returned when a website is registered without an owner email.
	ErrOwnerRequired = errors.New("owner email is required")
)

// registryAttempts bounds retries of registry mutations on backend failure.
const registryAttempts = 3

// NewTarget is the input of OnTargetCreated.
type NewTarget struct {
	URL        string
	Interval   string
	OwnerEmail string
}

// Created is the result of OnTargetCreated.
type Created struct {
	Website model.Website
	Spec    string
	// Effective is the period the schedule really fires at, which can be
	// coarser than the requested interval once it exceeds an hour.
	Effective time.Duration
	Existing  bool
}

// NormalizeURL trims raw, defaults the scheme to https and accepts only
// absolute http and https URLs with a host.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: only http and https are supported", ErrInvalidURL)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	u.Fragment = ""
	return u.String(), nil
}

// OnTargetCreated registers a website and its schedule in one transaction.
// The interval is translated first, so an invalid one creates nothing.
// Calling it again for a URL the same owner already monitors updates the
// interval and re-registers the schedule together, and returns the existing
// website.
func (s *Service) OnTargetCreated(ctx context.Context, in NewTarget) (Created, error) {
	rawURL, err := NormalizeURL(in.URL)
	if err != nil {
		return Created{}, err
	}
	spec, err := interval.ToSchedule(in.Interval)
	if err != nil {
		return Created{}, err
	}
	effective, _ := interval.Effective(spec)
	email := strings.ToLower(strings.TrimSpace(in.OwnerEmail))
	if email == "" {
		return Created{}, ErrOwnerRequired
	}

	owner, err := s.repo.EnsureOwner(ctx, email)
	if err != nil {
		return Created{}, fmt.Errorf("%w: owner %s: %w", ErrPersistence, email, err)
	}

	existing, err := s.repo.FindTarget(ctx, repository.TargetFilter{URL: rawURL})
	switch {
	case err == nil:
		if existing.OwnerEmail != email {
			return Created{}, repository.ErrDuplicate
		}
		var cur model.Website
		err = s.retryRegistry(ctx, func() error {
			cur = *existing
			return s.repo.Transaction(ctx, func(tx *repository.Repo) error {
				if cur.CheckInterval != in.Interval {
					updated, err := tx.UpdateTarget(ctx, cur.ID, map[string]any{"check_interval": in.Interval})
					if err != nil {
						return fmt.Errorf("%w: update interval: %w", ErrPersistence, err)
					}
					cur = *updated
				}
				_, err := s.registry.WithTx(tx.DB).Register(ctx, cur.ID, email, rawURL, spec)
				return err
			})
		})
		if err != nil {
			return Created{}, err
		}
		return Created{Website: cur, Spec: spec, Effective: effective, Existing: true}, nil
	case !errors.Is(err, repository.ErrNotFound):
		return Created{}, fmt.Errorf("%w: lookup %s: %w", ErrPersistence, rawURL, err)
	}

	w := model.Website{
		ID:                  uuid.NewString(),
		URL:                 rawURL,
		OwnerID:             owner.ID,
		OwnerEmail:          email,
		CheckInterval:       in.Interval,
		Availability:        model.AvailabilityUnknown,
		NotifyOnNextOffline: true,
	}
	err = s.retryRegistry(ctx, func() error {
		return s.repo.Transaction(ctx, func(tx *repository.Repo) error {
			if err := tx.CreateTarget(ctx, &w); err != nil {
				return err
			}
			_, err := s.registry.WithTx(tx.DB).Register(ctx, w.ID, email, rawURL, spec)
			return err
		})
	})
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) || errors.Is(err, schedule.ErrRegistry) {
			return Created{}, err
		}
		return Created{}, fmt.Errorf("%w: create %s: %w", ErrPersistence, rawURL, err)
	}

	s.logger.Info("website registered",
		zap.String("url", rawURL), zap.String("interval", in.Interval),
		zap.String("spec", spec), zap.Duration("effective", effective))
	return Created{Website: w, Spec: spec, Effective: effective}, nil
}

// OnTargetDeleted unregisters the website's schedule and then deletes the
// website with its logs. If unregistration fails nothing is deleted and the
// error is returned. Deleting an already deleted website succeeds.
func (s *Service) OnTargetDeleted(ctx context.Context, w model.Website) error {
	err := s.retryRegistry(ctx, func() error {
		_, err := s.registry.Unregister(ctx, w.URL)
		return err
	})
	if err != nil {
		return err
	}
	if err := s.repo.DeleteJobRunsForKey(ctx, schedule.Key(w.URL)); err != nil {
		return fmt.Errorf("%w: drop job runs: %w", ErrPersistence, err)
	}
	if err := s.repo.PurgeTarget(ctx, w.ID, w.URL); err != nil {
		return fmt.Errorf("%w: purge %s: %w", ErrPersistence, w.URL, err)
	}
	s.logger.Info("website deleted", zap.String("url", w.URL))
	return nil
}

// ReconcileReport counts what Reconcile repaired.
type ReconcileReport struct {
	Rescheduled      int
	Purged           int
	DroppedSchedules int
}

// Reconcile repairs half-finished registrations left by a crash. A website
// without a schedule is re-scheduled, unless its failure counter already
// reached the removal threshold, in which case the removal is completed. A
// schedule without a website is dropped.
func (s *Service) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	entries, err := s.registry.ListAll(ctx)
	if err != nil {
		return rep, err
	}
	targets, err := s.repo.FindTargets(ctx, repository.TargetFilter{})
	if err != nil {
		return rep, fmt.Errorf("%w: list websites: %w", ErrPersistence, err)
	}

	scheduled := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		scheduled[e.Key] = struct{}{}
	}
	known := make(map[string]struct{}, len(targets))

	for _, w := range targets {
		key := schedule.Key(w.URL)
		known[key] = struct{}{}
		if _, ok := scheduled[key]; ok {
			continue
		}
		if w.ConsecutiveOfflinePings >= s.policy.AutoRemoveThreshold {
			if err := s.repo.PurgeTarget(ctx, w.ID, w.URL); err != nil {
				return rep, fmt.Errorf("%w: purge %s: %w", ErrPersistence, w.URL, err)
			}
			rep.Purged++
			continue
		}
		spec, err := interval.ToSchedule(w.CheckInterval)
		if err != nil {
			s.logger.Error("cannot reschedule website with invalid interval",
				zap.String("url", w.URL), zap.String("interval", w.CheckInterval), zap.Error(err))
			continue
		}
		if _, err := s.registry.Register(ctx, w.ID, w.OwnerEmail, w.URL, spec); err != nil {
			return rep, err
		}
		rep.Rescheduled++
	}

	for _, e := range entries {
		if _, ok := known[e.Key]; ok {
			continue
		}
		if _, err := s.registry.Unregister(ctx, e.URL); err != nil {
			return rep, err
		}
		rep.DroppedSchedules++
	}

	if rep != (ReconcileReport{}) {
		s.logger.Info("reconciled schedules",
			zap.Int("rescheduled", rep.Rescheduled), zap.Int("purged", rep.Purged),
			zap.Int("dropped_schedules", rep.DroppedSchedules))
	}
	return rep, nil
}

// retryRegistry retries fn while it fails with schedule.ErrRegistry, doubling
// the pause between attempts.
func (s *Service) retryRegistry(ctx context.Context, fn func() error) error {
	backoff := 100 * time.Millisecond
	var err error
	for attempt := 1; attempt <= registryAttempts; attempt++ {
		err = fn()
		if err == nil || !errors.Is(err, schedule.ErrRegistry) {
			return err
		}
		if attempt == registryAttempts {
			break
		}
		s.logger.Warn("schedule registry unavailable, retrying", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}
