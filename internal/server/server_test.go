package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/whookdev/inspector/internal/conductor"
	"github.com/whookdev/inspector/internal/config"
	"github.com/whookdev/inspector/internal/database"
	"github.com/whookdev/inspector/internal/handlers"
	"github.com/whookdev/inspector/internal/relay"
	"github.com/whookdev/inspector/internal/storage"
)

type app struct {
	conductor *conductor.Conductor
	srv       *httptest.Server
}

func newApp(t *testing.T, opts ...func(*config.Config)) *app {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = database.Close(db) })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Host:           "127.0.0.1",
		Port:           0,
		RelayTimeout:   time.Second,
		WriteTimeout:   15 * time.Second,
		BackrunLockTTL: time.Minute,
		MaxBodyBytes:   1 << 20,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	projects := storage.NewProjectStorage(db, log)
	requests := storage.NewRequestStorage(db, log)
	c, err := conductor.New(cfg, projects, requests, relay.New(&http.Client{}, cfg.RelayTimeout, log), log)
	require.NoError(t, err)

	s, err := New(cfg, Handlers{
		Capture:  handlers.NewCaptureHandler(cfg, c, log),
		Projects: handlers.NewProjectHandler(projects, log),
		Requests: handlers.NewRequestHandler(cfg, requests, c, log),
	}, log)
	require.NoError(t, err)

	ts := httptest.NewUnstartedServer(s.server.Handler)
	ts.Config.ReadTimeout = s.server.ReadTimeout
	ts.Config.WriteTimeout = s.server.WriteTimeout
	ts.Config.IdleTimeout = s.server.IdleTimeout
	ts.Start()
	t.Cleanup(ts.Close)
	return &app{conductor: c, srv: ts}
}

func (a *app) call(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func (a *app) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.conductor.Wait(ctx))
}

func (a *app) createProject(t *testing.T, name string) string {
	t.Helper()
	resp, body := a.call(t, http.MethodPost, "/api/projects", fmt.Sprintf(`{"name":%q}`, name))
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var p struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(body, &p))
	return p.ID
}

type pageBody struct {
	Items []struct {
		ID        string          `json:"id"`
		Method    string          `json:"method"`
		Query     json.RawMessage `json:"query"`
		Body      json.RawMessage `json:"body"`
		Forwarded bool            `json:"forwarded"`
	} `json:"items"`
	NextCursor     *string `json:"nextCursor"`
	PreviousCursor *string `json:"previousCursor"`
	Total          int64   `json:"total"`
}

func TestCaptureThenPage(t *testing.T) {
	a := newApp(t)
	projectID := a.createProject(t, "hooks")

	resp, body := a.call(t, http.MethodGet, "/api/x/"+projectID+"?a=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":200,"message":"OK"}`, string(body))
	a.drain(t)

	resp, body = a.call(t, http.MethodGet, "/api/projects/"+projectID+"/requests", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var page pageBody
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	item := page.Items[0]
	assert.Equal(t, http.MethodGet, item.Method)
	assert.JSONEq(t, `{"a":"1"}`, string(item.Query))
	assert.Equal(t, "null", string(item.Body))
	assert.False(t, item.Forwarded)
	assert.Nil(t, page.NextCursor)
	require.NotNil(t, page.PreviousCursor)
	assert.Equal(t, item.ID, *page.PreviousCursor)
	assert.Equal(t, int64(1), page.Total)

	future := url.QueryEscape(time.Now().Add(time.Hour).Format(time.RFC3339))
	_, body = a.call(t, http.MethodGet, "/api/projects/"+projectID+"/requests?startDate="+future, "")
	var later pageBody
	require.NoError(t, json.Unmarshal(body, &later))
	assert.Empty(t, later.Items)
	assert.Zero(t, later.Total)

	resp, body = a.call(t, http.MethodGet, "/api/requests/"+item.ID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), item.ID)
}

func TestCaptureVariantsAndMalformedBodies(t *testing.T) {
	a := newApp(t)
	projectID := a.createProject(t, "variants")

	for _, status := range []int{200, 401, 404, 500} {
		resp, body := a.call(t, http.MethodPost, fmt.Sprintf("/api/x/%s/%d", projectID, status), `{"n":1}`)
		assert.Equal(t, status, resp.StatusCode)
		assert.JSONEq(t, fmt.Sprintf(`{"status":%d,"message":%q}`, status, http.StatusText(status)), string(body))
	}

	resp, _ := a.call(t, http.MethodPost, "/api/x/"+projectID, `{"broken":`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = a.call(t, http.MethodPost, "/api/x/"+projectID+"/418", `{}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	a.drain(t)

	_, body := a.call(t, http.MethodGet, "/api/projects/"+projectID+"/requests", "")
	var page pageBody
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 5)
	for _, item := range page.Items {
		assert.Equal(t, http.MethodPost, item.Method)
	}
}

func TestForwardPollSeesOnlyNewCaptures(t *testing.T) {
	a := newApp(t)
	projectID := a.createProject(t, "poll")

	a.call(t, http.MethodPost, "/api/x/"+projectID, `{"seq":1}`)
	a.drain(t)

	_, body := a.call(t, http.MethodGet, "/api/projects/"+projectID+"/requests", "")
	var first pageBody
	require.NoError(t, json.Unmarshal(body, &first))
	require.Len(t, first.Items, 1)
	require.NotNil(t, first.PreviousCursor)

	time.Sleep(5 * time.Millisecond)
	a.call(t, http.MethodPost, "/api/x/"+projectID, `{"seq":2}`)
	a.drain(t)

	_, body = a.call(t, http.MethodGet, "/api/projects/"+projectID+"/requests?direction=forward&cursor="+*first.PreviousCursor, "")
	var next pageBody
	require.NoError(t, json.Unmarshal(body, &next))
	require.Len(t, next.Items, 1)
	assert.JSONEq(t, `{"seq":2}`, string(next.Items[0].Body))
}

func TestBackrunWithoutTargetIsConfigurationError(t *testing.T) {
	a := newApp(t)
	projectID := a.createProject(t, "norelay")

	resp, body := a.call(t, http.MethodPost, "/api/projects/"+projectID+"/backrun", `{"count":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, string(body), `"CONFIGURATION"`)
}

func TestBackrunRelaysToTarget(t *testing.T) {
	a := newApp(t)
	var hits atomic.Int32
	tgt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(tgt.Close)

	projectID := a.createProject(t, "relay")
	a.call(t, http.MethodPost, "/api/x/"+projectID, `{"x":1}`)
	a.drain(t)

	resp, body := a.call(t, http.MethodPatch, "/api/projects/"+projectID, fmt.Sprintf(`{"relayTarget":%q}`, tgt.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = a.call(t, http.MethodPost, "/api/projects/"+projectID+"/backrun", `{"count":5}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, fmt.Sprintf(`{"processedCount":1,"targetUrl":%q}`, tgt.URL), string(body))
	assert.Equal(t, int32(1), hits.Load())

	_, body = a.call(t, http.MethodGet, "/api/projects/"+projectID+"/requests", "")
	var page pageBody
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.True(t, page.Items[0].Forwarded)
}

func TestBackrunOutlivesWriteTimeout(t *testing.T) {
	a := newApp(t, func(cfg *config.Config) { cfg.WriteTimeout = 300 * time.Millisecond })
	var hits atomic.Int32
	tgt := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		time.Sleep(150 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(tgt.Close)

	projectID := a.createProject(t, "slow")
	for i := 0; i < 4; i++ {
		a.call(t, http.MethodPost, "/api/x/"+projectID, fmt.Sprintf(`{"n":%d}`, i))
	}
	a.drain(t)

	resp, body := a.call(t, http.MethodPatch, "/api/projects/"+projectID, fmt.Sprintf(`{"relayTarget":%q}`, tgt.URL))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	start := time.Now()
	resp, body = a.call(t, http.MethodPost, "/api/projects/"+projectID+"/backrun", `{"count":4}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Greater(t, time.Since(start), 300*time.Millisecond)
	assert.JSONEq(t, fmt.Sprintf(`{"processedCount":4,"targetUrl":%q}`, tgt.URL), string(body))
	assert.Equal(t, int32(4), hits.Load())
}

func TestDeleteProjectRemovesRequests(t *testing.T) {
	a := newApp(t)
	projectID := a.createProject(t, "doomed")
	a.call(t, http.MethodPost, "/api/x/"+projectID, `{}`)
	a.drain(t)

	resp, body := a.call(t, http.MethodDelete, "/api/projects/"+projectID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), projectID)

	resp, _ = a.call(t, http.MethodGet, "/api/projects/"+projectID, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body = a.call(t, http.MethodGet, "/api/projects/"+projectID+"/requests", "")
	var page pageBody
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Empty(t, page.Items)
}

func TestHealthz(t *testing.T) {
	a := newApp(t)
	resp, _ := a.call(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRequiresHandlers(t *testing.T) {
	_, err := New(&config.Config{}, Handlers{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
