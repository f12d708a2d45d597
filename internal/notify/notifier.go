// Package notify delivers availability alerts to website owners over mail
// and Telegram.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Alert carries everything a channel needs to tell an owner about a website.
type Alert struct {
	OwnerEmail     string
	TelegramChatID int64
	URL            string
	LastStatusCode int
	OfflineSince   time.Time
	RecoveredAt    time.Time
}

// Dispatcher is the trigger contract used by the availability state machine.
// Errors are reported to the caller, which logs them; retrying is up to the
// implementation.
type Dispatcher interface {
	NotifyOfflineEpisode(ctx context.Context, a Alert) error
	NotifyRecovered(ctx context.Context, a Alert) error
}

// Nop discards every alert.
type Nop struct{}

func (Nop) NotifyOfflineEpisode(context.Context, Alert) error { return nil }
func (Nop) NotifyRecovered(context.Context, Alert) error      { return nil }

// Multi fans an alert out to every channel and joins their errors.
type Multi []Dispatcher

func (m Multi) NotifyOfflineEpisode(ctx context.Context, a Alert) error {
	var errs []error
	for _, d := range m {
		if err := d.NotifyOfflineEpisode(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) NotifyRecovered(ctx context.Context, a Alert) error {
	var errs []error
	for _, d := range m {
		if err := d.NotifyRecovered(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async hands alerts to background goroutines so slow SMTP or Telegram calls
// never hold a ping worker. Delivery errors are logged. Close waits for
// in-flight deliveries.
type Async struct {
	next    Dispatcher
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsync(next Dispatcher, logger *zap.Logger, timeout time.Duration) *Async {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Async{next: next, logger: logger.Named("notify"), timeout: timeout}
}

func (a *Async) NotifyOfflineEpisode(_ context.Context, al Alert) error {
	a.dispatch("offline", al, a.next.NotifyOfflineEpisode)
	return nil
}

func (a *Async) NotifyRecovered(_ context.Context, al Alert) error {
	a.dispatch("recovered", al, a.next.NotifyRecovered)
	return nil
}

func (a *Async) dispatch(kind string, al Alert, fn func(context.Context, Alert) error) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		if err := fn(ctx, al); err != nil {
			a.logger.Warn("alert delivery failed",
				zap.String("kind", kind), zap.String("url", al.URL),
				zap.String("owner", al.OwnerEmail), zap.Error(err))
			return
		}
		a.logger.Info("alert delivered", zap.String("kind", kind), zap.String("url", al.URL))
	}()
}

// Close waits for pending deliveries.
func (a *Async) Close() { a.wg.Wait() }

func offlineSubject(a Alert) string {
	return fmt.Sprintf("[sitewatch] %s is offline", a.URL)
}

func offlineBody(a Alert) string {
	since := "just now"
	if !a.OfflineSince.IsZero() {
		since = humanize.Time(a.OfflineSince)
	}
	status := "no response"
	if a.LastStatusCode > 0 {
		status = fmt.Sprintf("HTTP %d", a.LastStatusCode)
	}
	return fmt.Sprintf("Your website %s stopped responding (%s). First failed check: %s.\n"+
		"You will not receive another alert until it is back online.", a.URL, status, since)
}

func recoveredSubject(a Alert) string {
	return fmt.Sprintf("[sitewatch] %s is back online", a.URL)
}

func recoveredBody(a Alert) string {
	if a.OfflineSince.IsZero() || a.RecoveredAt.IsZero() {
		return fmt.Sprintf("Your website %s is responding again.", a.URL)
	}
	return fmt.Sprintf("Your website %s is responding again after %s of downtime.",
		a.URL, humanize.RelTime(a.OfflineSince, a.RecoveredAt, "", ""))
}
