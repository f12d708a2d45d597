// Package monitor applies ping outcomes to website availability, decides
// which side effects follow (log entry, alert, auto-removal) and owns the
// registration API that keeps websites and their schedules in step.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitewatch/internal/model"
	"sitewatch/internal/notify"
	"sitewatch/internal/ping"
	"sitewatch/internal/repository"
	"sitewatch/internal/schedule"
)

// DefaultAutoRemoveThreshold is the number of consecutive failed pings after
// which a website is deleted (864 checks at a 10 minute cadence is six days).
const DefaultAutoRemoveThreshold = 864

// ErrPersistence wraps store failures inside the ping pipeline. The runtime
// retries jobs that fail with it.
var ErrPersistence = errors.New("persistence failure")

// Policy holds the tunable parts of the state machine.
type Policy struct {
	AutoRemoveThreshold int
	NotifyRecovery      bool
}

// Pinger is satisfied by *ping.Executor.
type Pinger interface {
	Execute(ctx context.Context, url string) ping.Outcome
}

// Job identifies the website a scheduled ping belongs to. Only the URL and
// owner email travel with the job; everything else is re-read from the store.
type Job struct {
	Key        string
	URL        string
	OwnerEmail string
}

// Transition summarizes what Apply did.
type Transition struct {
	TargetID                string
	From                    model.Availability
	To                      model.Availability
	ConsecutiveOfflinePings int
	Notified                bool
	Recovered               bool
	Removed                 bool
	Skipped                 bool
}

// Service is the availability state machine.
type Service struct {
	repo     *repository.Repo
	registry *schedule.Registry
	pinger   Pinger
	notifier notify.Dispatcher
	policy   Policy
	logger   *zap.Logger
	now      func() time.Time
}

func New(repo *repository.Repo, registry *schedule.Registry, pinger Pinger, notifier notify.Dispatcher, policy Policy, logger *zap.Logger) *Service {
	if policy.AutoRemoveThreshold <= 0 {
		policy.AutoRemoveThreshold = DefaultAutoRemoveThreshold
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		registry: registry,
		pinger:   pinger,
		notifier: notifier,
		policy:   policy,
		logger:   logger.Named("monitor"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// HandleJob is the runtime entry point: ping the job's URL, then apply the
// outcome. Only infrastructure faults are returned; a website being down is
// a normal outcome.
func (s *Service) HandleJob(ctx context.Context, run model.JobRun) error {
	out := s.pinger.Execute(ctx, run.URL)
	_, err := s.Apply(ctx, Job{Key: run.Key, URL: run.URL, OwnerEmail: run.OwnerEmail}, out)
	return err
}

// Apply records out against the website named by job and performs the
// resulting side effects. The website and its owner are re-fetched first so
// decisions are made on current data rather than on the job payload.
func (s *Service) Apply(ctx context.Context, job Job, out ping.Outcome) (Transition, error) {
	var tr Transition

	target, err := s.repo.FindTarget(ctx, repository.TargetFilter{URL: job.URL})
	if errors.Is(err, repository.ErrNotFound) {
		s.dropOrphanSchedule(ctx, job.URL)
		tr.Skipped = true
		return tr, nil
	}
	if err != nil {
		return tr, fmt.Errorf("%w: load website %s: %w", ErrPersistence, job.URL, err)
	}
	if !strings.EqualFold(target.OwnerEmail, job.OwnerEmail) {
		s.logger.Debug("job payload owner differs from stored owner",
			zap.String("url", job.URL), zap.String("payload_owner", job.OwnerEmail), zap.String("owner", target.OwnerEmail))
	}

	owner, err := s.repo.FindOwnerByEmail(ctx, target.OwnerEmail)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return tr, fmt.Errorf("%w: load owner %s: %w", ErrPersistence, target.OwnerEmail, err)
	}
	alertsEnabled := owner != nil && owner.WebsiteOfflineAlerts

	checkedAt := out.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = s.now()
	}

	var offlineSince time.Time
	var snapshot model.Website
	err = s.repo.WithTargetLock(ctx, target.ID, func(tx *repository.Repo, w *model.Website) error {
		prevSince := w.OfflineSince
		tr = s.transition(w, out, checkedAt, alertsEnabled)
		switch {
		case w.OfflineSince != nil:
			offlineSince = *w.OfflineSince
		case prevSince != nil:
			offlineSince = *prevSince
		}
		entry := &model.PingLog{URL: w.URL, CheckedAt: checkedAt}
		if out.Kind == ping.Success {
			entry.StatusCode = out.StatusCode
			entry.LatencyMs = out.LatencyMs()
		}
		if err := tx.AppendLog(ctx, entry); err != nil {
			return err
		}
		snapshot = *w
		return tx.SaveTarget(ctx, w)
	})
	if errors.Is(err, repository.ErrNotFound) {
		// Deleted between the lookup and the lock.
		return Transition{Skipped: true}, nil
	}
	if err != nil {
		return tr, fmt.Errorf("%w: apply outcome to %s: %w", ErrPersistence, job.URL, err)
	}

	s.logTransition(snapshot, tr, out)

	if tr.Notified || tr.Recovered {
		alert := notify.Alert{
			OwnerEmail:     snapshot.OwnerEmail,
			URL:            snapshot.URL,
			LastStatusCode: out.StatusCode,
			OfflineSince:   offlineSince,
		}
		if owner != nil {
			alert.TelegramChatID = owner.TelegramChatID
		}
		if tr.Notified {
			if err := s.notifier.NotifyOfflineEpisode(ctx, alert); err != nil {
				s.logger.Warn("offline alert failed", zap.String("url", snapshot.URL), zap.Error(err))
			}
		}
		if tr.Recovered && s.policy.NotifyRecovery && alertsEnabled {
			alert.RecoveredAt = checkedAt
			if err := s.notifier.NotifyRecovered(ctx, alert); err != nil {
				s.logger.Warn("recovery alert failed", zap.String("url", snapshot.URL), zap.Error(err))
			}
		}
	}

	if tr.Removed {
		if err := s.remove(ctx, snapshot); err != nil {
			return tr, err
		}
		s.logger.Warn("website removed after consecutive failures",
			zap.String("url", snapshot.URL), zap.Int("threshold", s.policy.AutoRemoveThreshold))
	}
	return tr, nil
}

// transition mutates w according to out and reports what changed.
func (s *Service) transition(w *model.Website, out ping.Outcome, at time.Time, alertsEnabled bool) Transition {
	tr := Transition{TargetID: w.ID, From: w.Availability}

	switch out.Kind {
	case ping.Success:
		tr.Recovered = w.Availability == model.AvailabilityOffline
		w.Availability = model.AvailabilityOnline
		w.ConsecutiveOfflinePings = 0
		w.NotifyOnNextOffline = true
		w.OfflineSince = nil
	default:
		if w.Availability == model.AvailabilityOffline {
			w.ConsecutiveOfflinePings++
		} else {
			w.ConsecutiveOfflinePings = 1
			since := at
			w.OfflineSince = &since
		}
		w.Availability = model.AvailabilityOffline
		if w.NotifyOnNextOffline {
			// Cleared even when alerts are off, so re-enabling them later
			// does not fire for an outage that already started.
			tr.Notified = alertsEnabled
			w.NotifyOnNextOffline = false
		}
		tr.Removed = w.ConsecutiveOfflinePings >= s.policy.AutoRemoveThreshold
	}

	w.LastStatusCode = out.StatusCode
	checked := at
	w.LastCheckedAt = &checked

	tr.To = w.Availability
	tr.ConsecutiveOfflinePings = w.ConsecutiveOfflinePings
	return tr
}

// remove unregisters the schedule first so no further instance is enqueued,
// then deletes the record and its logs together. A crash in between leaves a
// website without schedule whose counter is at the threshold; Reconcile
// finishes the removal.
func (s *Service) remove(ctx context.Context, w model.Website) error {
	if _, err := s.registry.Unregister(ctx, w.URL); err != nil {
		return err
	}
	if err := s.repo.DeleteJobRunsForKey(ctx, schedule.Key(w.URL)); err != nil {
		s.logger.Warn("dropping pending job runs failed", zap.String("url", w.URL), zap.Error(err))
	}
	if err := s.repo.PurgeTarget(ctx, w.ID, w.URL); err != nil {
		return fmt.Errorf("%w: purge %s: %w", ErrPersistence, w.URL, err)
	}
	return nil
}

func (s *Service) dropOrphanSchedule(ctx context.Context, url string) {
	removed, err := s.registry.Unregister(ctx, url)
	if err != nil {
		s.logger.Warn("dropping orphan schedule failed", zap.String("url", url), zap.Error(err))
		return
	}
	if removed {
		s.logger.Info("dropped schedule of deleted website", zap.String("url", url))
	}
}

func (s *Service) logTransition(w model.Website, tr Transition, out ping.Outcome) {
	fields := []zap.Field{
		zap.String("url", w.URL),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Int("status_code", out.StatusCode),
		zap.Duration("latency", out.Latency),
		zap.Int("consecutive_offline_pings", tr.ConsecutiveOfflinePings),
	}
	switch {
	case out.Kind == ping.Failure:
		if out.Err != nil {
			fields = append(fields, zap.Error(out.Err))
		}
		s.logger.Warn("site down", fields...)
	case tr.Recovered:
		s.logger.Info("site recovered", fields...)
	default:
		s.logger.Debug("site up", fields...)
	}
}
