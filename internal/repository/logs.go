package repository

import (
	"context"
	"time"

	"sitewatch/internal/model"
)

// AppendLog stores one ping log entry. CheckedAt defaults to now.
func (r *Repo) AppendLog(ctx context.Context, l *model.PingLog) error {
	if l.CheckedAt.IsZero() {
		l.CheckedAt = time.Now().UTC()
	}
	return r.DB.WithContext(ctx).Create(l).Error
}

// DeleteLogsForURL removes every ping log of url and nothing else.
func (r *Repo) DeleteLogsForURL(ctx context.Context, url string) error {
	return r.DB.WithContext(ctx).Where("url = ?", url).Delete(&model.PingLog{}).Error
}

// RecentLogs returns the newest logs of url first. limit <= 0 returns all.
func (r *Repo) RecentLogs(ctx context.Context, url string, limit int) ([]model.PingLog, error) {
	q := r.DB.WithContext(ctx).Where("url = ?", url).Order("checked_at desc, id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var logs []model.PingLog
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
