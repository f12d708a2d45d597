package web

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sitewatch/internal/config"
	"sitewatch/internal/model"
	"sitewatch/internal/monitor"
	"sitewatch/internal/notify"
	"sitewatch/internal/ping"
	"sitewatch/internal/queue"
	"sitewatch/internal/repository"
	"sitewatch/internal/schedule"
)

type fakeRunner struct {
	enqueued []string
	err      error
	failed   []model.JobRun
}

func (f *fakeRunner) Enqueue(_ context.Context, rawURL, ownerEmail string) (model.JobRun, error) {
	if f.err != nil {
		return model.JobRun{}, f.err
	}
	f.enqueued = append(f.enqueued, rawURL)
	return model.JobRun{ID: "run-1", Key: schedule.Key(rawURL), URL: rawURL, OwnerEmail: ownerEmail, State: model.JobScheduled}, nil
}

func (f *fakeRunner) FailedRuns(context.Context, int) ([]model.JobRun, error) {
	return f.failed, nil
}

type stubPinger struct{}

func (stubPinger) Execute(context.Context, string) ping.Outcome {
	return ping.Outcome{Kind: ping.Success, StatusCode: 200, Latency: 42 * time.Millisecond, CheckedAt: time.Now().UTC()}
}

type testServer struct {
	router *gin.Engine
	repo   *repository.Repo
	mon    *monitor.Service
	runner *fakeRunner
	cfg    *config.Manager
	level  zap.AtomicLevel
}

func newServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()

	cfg := config.NewManager(filepath.Join(dir, "config.json"))
	require.NoError(t, cfg.LoadOrDefault())
	require.NoError(t, cfg.Update(func(c *model.Config) { c.SMTP.Password = "hunter2" }))

	repo, err := repository.New(model.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(dir, "web.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	mon := monitor.New(repo, schedule.New(repo.DB), stubPinger{}, notify.Nop{}, monitor.Policy{}, zap.NewNop())
	runner := &fakeRunner{}
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	h := New(cfg, repo, mon, runner, level, zap.NewNop(), time.Now())
	return &testServer{router: h.Router(), repo: repo, mon: mon, runner: runner, cfg: cfg, level: level}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) create(t *testing.T, rawURL string) model.Website {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/targets", gin.H{"url": rawURL, "interval": "15m", "owner_email": "owner@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out struct {
		Website model.Website `json:"website"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Website
}

func TestCreateTarget(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodPost, "/api/targets", gin.H{"url": "https://example.com", "interval": "1h30m", "owner_email": "owner@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "30 */1 * * *", out["schedule"])
	assert.Equal(t, "1h0m0s", out["effective_interval"])

	rec = s.do(t, http.MethodPost, "/api/targets", gin.H{"url": "https://example.com", "interval": "1h30m", "owner_email": "owner@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/targets", gin.H{"url": "https://example.com", "interval": "5m", "owner_email": "else@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCreateTargetValidation(t *testing.T) {
	s := newServer(t)
	cases := []gin.H{
		{"url": "https://example.com", "interval": "whenever", "owner_email": "owner@example.com"},
		{"url": "ftp://example.com", "interval": "5m", "owner_email": "owner@example.com"},
		{"url": "https://example.com", "interval": "5m"},
		{"url": "https://example.com", "interval": "10s", "owner_email": "owner@example.com"},
	}
	for _, body := range cases {
		rec := s.do(t, http.MethodPost, "/api/targets", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}

	list, err := s.repo.FindTargets(context.Background(), repository.TargetFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListAndGetTargets(t *testing.T) {
	s := newServer(t)
	w := s.create(t, "https://a.example.com")
	s.create(t, "https://b.example.com")

	rec := s.do(t, http.MethodGet, "/api/targets?owner=Owner@Example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.Website
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 2)

	rec = s.do(t, http.MethodGet, "/api/targets/"+w.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/targets/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteTargetIsIdempotent(t *testing.T) {
	s := newServer(t)
	w := s.create(t, "https://example.com")

	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/targets/"+w.ID, nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(t, http.MethodDelete, "/api/targets/"+w.ID, nil).Code)

	_, err := s.repo.FindTarget(context.Background(), repository.TargetFilter{ID: w.ID})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestTargetLogs(t *testing.T) {
	s := newServer(t)
	w := s.create(t, "https://example.com")
	for i := 0; i < 3; i++ {
		require.NoError(t, s.mon.HandleJob(context.Background(), model.JobRun{URL: w.URL, OwnerEmail: w.OwnerEmail}))
	}

	rec := s.do(t, http.MethodGet, "/api/targets/"+w.ID+"/logs?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []model.PingLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, 200, logs[0].StatusCode)
	assert.Equal(t, int64(42), logs[0].LatencyMs)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodGet, "/api/targets/"+w.ID+"/logs?limit=x", nil).Code)

	rec = s.do(t, http.MethodGet, "/api/targets/"+w.ID+"/export", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	assert.Len(t, lines, 4)
	assert.Equal(t, "checked_at,url,status_code,latency_ms", lines[0])
}

func TestPingNow(t *testing.T) {
	s := newServer(t)
	w := s.create(t, "https://example.com")

	rec := s.do(t, http.MethodPost, "/api/targets/"+w.ID+"/ping", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"https://example.com"}, s.runner.enqueued)

	s.runner.err = queue.ErrBusy
	rec = s.do(t, http.MethodPost, "/api/targets/"+w.ID+"/ping", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpdateAlerts(t *testing.T) {
	s := newServer(t)
	s.create(t, "https://example.com")

	rec := s.do(t, http.MethodPut, "/api/owners/owner@example.com/alerts", gin.H{"enabled": false, "telegram_chat_id": 99})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	u, err := s.repo.FindOwnerByEmail(context.Background(), "owner@example.com")
	require.NoError(t, err)
	assert.False(t, u.WebsiteOfflineAlerts)
	assert.Equal(t, int64(99), u.TelegramChatID)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/owners/owner@example.com/alerts", gin.H{}).Code)
	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodPut, "/api/owners/nobody@example.com/alerts", gin.H{"enabled": true}).Code)
}

func TestFailedJobs(t *testing.T) {
	s := newServer(t)
	s.runner.failed = []model.JobRun{{ID: "r1", State: model.JobFailedTerminal, Attempts: 3}}

	rec := s.do(t, http.MethodGet, "/api/jobs/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []model.JobRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, model.JobFailedTerminal, runs[0].State)
}

func TestSettingsHideSecretsAndLogLevelUpdates(t *testing.T) {
	s := newServer(t)

	rec := s.do(t, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "hunter2")

	rec = s.do(t, http.MethodPut, "/api/settings/log-level", gin.H{"level": "debug"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, zapcore.DebugLevel, s.level.Level())
	assert.Equal(t, "debug", s.cfg.Get().Log.Level)

	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPut, "/api/settings/log-level", gin.H{"level": "loud"}).Code)
}

func TestHealth(t *testing.T) {
	s := newServer(t)
	rec := s.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestRegistryOutageIsUnavailable(t *testing.T) {
	s := newServer(t)
	w := s.create(t, "https://a.example.com")
	require.NoError(t, s.repo.DB.Migrator().DropTable(&model.ScheduleEntry{}))

	rec := s.do(t, http.MethodPost, "/api/targets", gin.H{"url": "https://b.example.com", "interval": "15m", "owner_email": "owner@example.com"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	rec = s.do(t, http.MethodDelete, "/api/targets/"+w.ID, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())

	list, err := s.repo.FindTargets(context.Background(), repository.TargetFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, w.ID, list[0].ID)

	s.runner.err = queue.ErrStopped
	rec = s.do(t, http.MethodPost, "/api/targets/"+w.ID+"/ping", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
