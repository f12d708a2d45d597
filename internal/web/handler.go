// Package web exposes the JSON API: registering and deleting websites,
// listing availability and ping logs, manual checks, owner alert settings,
// failed job runs and process health.
package web

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sitewatch/internal/config"
	"sitewatch/internal/interval"
	"sitewatch/internal/model"
	"sitewatch/internal/monitor"
	"sitewatch/internal/queue"
	"sitewatch/internal/repository"
	"sitewatch/internal/schedule"
)

const (
	defaultLogLimit = 50
	maxLogLimit     = 1000
)

// Runner is the part of the scheduler runtime the API drives.
type Runner interface {
	Enqueue(ctx context.Context, rawURL, ownerEmail string) (model.JobRun, error)
	FailedRuns(ctx context.Context, limit int) ([]model.JobRun, error)
}

// Handler serves the API.
type Handler struct {
	cfg    *config.Manager
	repo   *repository.Repo
	mon    *monitor.Service
	runner Runner
	level  zap.AtomicLevel
	logger *zap.Logger
	start  time.Time
}

func New(cfg *config.Manager, repo *repository.Repo, mon *monitor.Service, runner Runner, level zap.AtomicLevel, logger *zap.Logger, start time.Time) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, repo: repo, mon: mon, runner: runner, level: level, logger: logger.Named("web"), start: start}
}

// Register mounts every route on r.
func (h *Handler) Register(r gin.IRouter) {
	api := r.Group("/api")
	api.GET("/health", h.health)

	api.POST("/targets", h.createTarget)
	api.GET("/targets", h.listTargets)
	api.GET("/targets/:id", h.getTarget)
	api.DELETE("/targets/:id", h.deleteTarget)
	api.GET("/targets/:id/logs", h.targetLogs)
	api.GET("/targets/:id/export", h.exportLogs)
	api.POST("/targets/:id/ping", h.pingNow)

	api.PUT("/owners/:email/alerts", h.updateAlerts)
	api.GET("/jobs/failed", h.failedJobs)

	api.GET("/settings", h.settings)
	api.PUT("/settings/log-level", h.updateLogLevel)
}

// Router builds a gin engine with recovery and request logging through zap.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	h.Register(r)
	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

type createRequest struct {
	URL        string `json:"url" binding:"required"`
	Interval   string `json:"interval" binding:"required"`
	OwnerEmail string `json:"owner_email" binding:"required"`
}

func (h *Handler) createTarget(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := h.mon.OnTargetCreated(c.Request.Context(), monitor.NewTarget{
		URL:        req.URL,
		Interval:   req.Interval,
		OwnerEmail: req.OwnerEmail,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusCreated
	if created.Existing {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"website":            created.Website,
		"schedule":           created.Spec,
		"effective_interval": created.Effective.String(),
	})
}

func (h *Handler) listTargets(c *gin.Context) {
	f := repository.TargetFilter{
		OwnerEmail:   strings.ToLower(strings.TrimSpace(c.Query("owner"))),
		Availability: model.Availability(c.Query("availability")),
	}
	list, err := h.repo.FindTargets(c.Request.Context(), f)
	if err != nil {
		h.fail(c, err)
		return
	}
	if list == nil {
		list = []model.Website{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handler) getTarget(c *gin.Context) {
	w, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, w)
}

// deleteTarget answers 204 for a website that no longer exists, so retries
// are safe.
func (h *Handler) deleteTarget(c *gin.Context) {
	w, err := h.repo.FindTarget(c.Request.Context(), repository.TargetFilter{ID: c.Param("id")})
	if errors.Is(err, repository.ErrNotFound) {
		c.Status(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	if err := h.mon.OnTargetDeleted(c.Request.Context(), *w); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) targetLogs(c *gin.Context) {
	w, ok := h.lookup(c)
	if !ok {
		return
	}
	limit := defaultLogLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxLogLimit)
	}
	logs, err := h.repo.RecentLogs(c.Request.Context(), w.URL, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if logs == nil {
		logs = []model.PingLog{}
	}
	c.JSON(http.StatusOK, logs)
}

// exportLogs streams every ping log of a website as CSV.
func (h *Handler) exportLogs(c *gin.Context) {
	w, ok := h.lookup(c)
	if !ok {
		return
	}
	logs, err := h.repo.RecentLogs(c.Request.Context(), w.URL, 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", w.ID))
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	out := csv.NewWriter(c.Writer)
	_ = out.Write([]string{"checked_at", "url", "status_code", "latency_ms"})
	for _, l := range logs {
		_ = out.Write([]string{
			l.CheckedAt.UTC().Format(time.RFC3339),
			l.URL,
			strconv.Itoa(l.StatusCode),
			strconv.FormatInt(l.LatencyMs, 10),
		})
	}
	out.Flush()
}

// pingNow runs the website's check immediately, outside its cadence.
func (h *Handler) pingNow(c *gin.Context) {
	w, ok := h.lookup(c)
	if !ok {
		return
	}
	run, err := h.runner.Enqueue(c.Request.Context(), w.URL, w.OwnerEmail)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

type alertsRequest struct {
	Enabled        *bool  `json:"enabled"`
	TelegramChatID *int64 `json:"telegram_chat_id"`
}

func (h *Handler) updateAlerts(c *gin.Context) {
	var req alertsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	patch := map[string]any{}
	if req.Enabled != nil {
		patch["website_offline_alerts"] = *req.Enabled
	}
	if req.TelegramChatID != nil {
		patch["telegram_chat_id"] = *req.TelegramChatID
	}
	if len(patch) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	u, err := h.repo.UpdateOwner(c.Request.Context(), c.Param("email"), patch)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) failedJobs(c *gin.Context) {
	runs, err := h.runner.FailedRuns(c.Request.Context(), 100)
	if err != nil {
		h.fail(c, err)
		return
	}
	if runs == nil {
		runs = []model.JobRun{}
	}
	c.JSON(http.StatusOK, runs)
}

// settings returns the effective configuration with secrets removed.
func (h *Handler) settings(c *gin.Context) {
	cfg := h.cfg.Get()
	cfg.SMTP.Password = ""
	cfg.Telegram.Token = ""
	cfg.Database.DSN = ""
	c.JSON(http.StatusOK, cfg)
}

func (h *Handler) updateLogLevel(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	lvl, err := zapcore.ParseLevel(req.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cfg.Update(func(cfg *model.Config) { cfg.Log.Level = lvl.String() }); err != nil {
		h.fail(c, err)
		return
	}
	h.level.SetLevel(lvl)
	h.logger.Info("log level changed", zap.String("level", lvl.String()))
	c.JSON(http.StatusOK, gin.H{"level": lvl.String()})
}

func (h *Handler) health(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"goroutines": runtime.NumGoroutine(),
		"memory":     humanize.Bytes(m.Alloc),
		"uptime":     time.Since(h.start).Round(time.Second).String(),
		"started":    humanize.Time(h.start),
	})
}

func (h *Handler) lookup(c *gin.Context) (*model.Website, bool) {
	w, err := h.repo.FindTarget(c.Request.Context(), repository.TargetFilter{ID: c.Param("id")})
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return w, true
}

// fail maps domain errors to status codes. Anything unrecognized is a 500
// and is logged.
func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interval.ErrInvalidIntervalFormat),
		errors.Is(err, monitor.ErrInvalidURL),
		errors.Is(err, monitor.ErrOwnerRequired):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, repository.ErrDuplicate), errors.Is(err, queue.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, schedule.ErrRegistry), errors.Is(err, queue.ErrStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
