package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunward-labs/chatpipe/internal/monitoring"
	"github.com/sunward-labs/chatpipe/internal/scheduler"
	"github.com/sunward-labs/chatpipe/internal/store"
)

type fakeStore struct {
	store.Store

	metrics *store.Metrics
}

func (f *fakeStore) Metrics(context.Context, int, time.Duration) (*store.Metrics, error) {
	return f.metrics, nil
}

func noopTask(name string) *scheduler.Task {
	return scheduler.New(name, scheduler.Config{Interval: time.Hour}, func(context.Context) error {
		return nil
	})
}

func testServer(t *testing.T, tasks ...*scheduler.Task) *httptest.Server {
	t.Helper()
	collector := monitoring.NewCollector(&fakeStore{metrics: &store.Metrics{SessionsTotal: 7}}, 3, "claude-haiku-4-5-20251001")
	ts := httptest.NewServer(NewServer(tasks, collector, 24).Router())
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode
}

func postStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestServer_ListTasks(t *testing.T) {
	ts := testServer(t, noopTask("ingest"), noopTask("promote"))

	var tasks []map[string]any
	code := getJSON(t, ts.URL+"/tasks", &tasks)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, tasks, 2)
	assert.Equal(t, "ingest", tasks[0]["name"])
	assert.Equal(t, "stopped", tasks[0]["status"])
	assert.Equal(t, "promote", tasks[1]["name"])
}

func TestServer_HealthReflectsTaskState(t *testing.T) {
	task := noopTask("ingest")
	ts := testServer(t, task)

	// Stopped task is unhealthy.
	var body map[string]any
	code := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["healthy"])

	task.Start()
	defer task.Stop()

	code = getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["healthy"])
}

func TestServer_TaskLifecycleActions(t *testing.T) {
	task := noopTask("enrich-submit")
	ts := testServer(t, task)

	assert.Equal(t, http.StatusOK, postStatus(t, ts.URL+"/tasks/enrich-submit/start"))
	assert.Equal(t, scheduler.StatusRunning, task.Status())

	assert.Equal(t, http.StatusOK, postStatus(t, ts.URL+"/tasks/enrich-submit/pause"))
	assert.Equal(t, scheduler.StatusPaused, task.Status())

	assert.Equal(t, http.StatusOK, postStatus(t, ts.URL+"/tasks/enrich-submit/resume"))
	assert.Equal(t, scheduler.StatusRunning, task.Status())

	assert.Equal(t, http.StatusOK, postStatus(t, ts.URL+"/tasks/enrich-submit/stop"))
	assert.Equal(t, scheduler.StatusStopped, task.Status())
}

func TestServer_TriggerRunsOnce(t *testing.T) {
	ran := make(chan struct{}, 1)
	task := scheduler.New("promote", scheduler.Config{Interval: time.Hour}, func(context.Context) error {
		ran <- struct{}{}
		return nil
	})
	ts := testServer(t, task)

	assert.Equal(t, http.StatusOK, postStatus(t, ts.URL+"/tasks/promote/trigger"))
	select {
	case <-ran:
	default:
		t.Fatal("trigger did not run the task body")
	}
}

func TestServer_TriggerConflictsWhileRunning(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	task := scheduler.New("ingest", scheduler.Config{Interval: time.Hour, Timeout: time.Minute}, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	ts := testServer(t, task)

	go task.Trigger(context.Background()) //nolint:errcheck
	<-started

	assert.Equal(t, http.StatusConflict, postStatus(t, ts.URL+"/tasks/ingest/trigger"))
	close(release)
}

func TestServer_UnknownTask(t *testing.T) {
	ts := testServer(t, noopTask("ingest"))

	assert.Equal(t, http.StatusNotFound, postStatus(t, ts.URL+"/tasks/nope/start"))

	var body map[string]any
	code := getJSON(t, ts.URL+"/tasks/nope/health", &body)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Contains(t, body["error"], "unknown task")
}

func TestServer_TaskHealthAndMetrics(t *testing.T) {
	task := noopTask("ingest")
	task.Start()
	defer task.Stop()
	require.NoError(t, task.Trigger(context.Background()))

	ts := testServer(t, task)

	var health scheduler.Health
	code := getJSON(t, ts.URL+"/tasks/ingest/health", &health)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, health.Healthy)

	var metrics scheduler.Metrics
	code = getJSON(t, ts.URL+"/tasks/ingest/metrics", &metrics)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, int64(1), metrics.TotalRuns)
	assert.Equal(t, int64(1), metrics.SuccessfulRuns)
}

func TestServer_StoreMetrics(t *testing.T) {
	ts := testServer(t, noopTask("ingest"))

	var snap monitoring.MetricsSnapshot
	code := getJSON(t, ts.URL+"/metrics", &snap)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 7, snap.SessionsTotal)
	assert.Equal(t, 24, snap.LookbackHours)
}
