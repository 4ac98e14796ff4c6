package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sigumaa/apexrank/internal/dispatch"
	"github.com/sigumaa/apexrank/internal/panel"
	"github.com/sigumaa/apexrank/internal/scheduler"
	"github.com/sigumaa/apexrank/internal/task"
)

type fixedStats panel.Stats

func (f fixedStats) Stats() panel.Stats { return panel.Stats(f) }

func newTestRouter(t *testing.T) (*gin.Engine, *Collector) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	source := fixedStats{
		Guilds:     2,
		Throttlers: 2,
		Queue:      dispatch.Stats{Keys: 1, Active: 1, Queued: 4, Processed: 9, Failed: 1},
		Scheduler:  scheduler.Stats{TotalTasks: 5, ActiveEntities: 3},
	}
	collector := NewCollector()
	collector.WatchStats(source)
	return newRouter(collector, source, zap.NewNop()), collector
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return rec.Code, string(body)
}

func TestNewValidatesArguments(t *testing.T) {
	_, err := New(" ", NewCollector(), fixedStats{}, nil)
	assert.Error(t, err)
	_, err = New("127.0.0.1:0", nil, fixedStats{}, nil)
	assert.Error(t, err)

	srv, err := New("127.0.0.1:9464", NewCollector(), fixedStats{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:9464", srv.URL())
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	code, body := get(t, router, "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
}

func TestStatsEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	code, body := get(t, router, "/stats")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{
		"guilds": 2,
		"throttlers": 2,
		"queue": {"keys": 1, "active": 1, "queued": 4, "processed": 9, "failed": 1, "superseded": 0},
		"scheduler": {"total_tasks": 5, "active_entities": 3}
	}`, body)
}

func TestMetricsEndpointReportsTasksAndGauges(t *testing.T) {
	router, collector := newTestRouter(t)
	collector.ObserveTask(task.Meta{Component: "dispatch", Key: "1", Name: "rank_panel"}, task.OutcomeOK, 30*time.Millisecond)
	collector.ObserveTask(task.Meta{Component: "dispatch", Key: "1", Name: "rank_panel"}, task.OutcomeTimeout, 2*time.Minute)

	code, body := get(t, router, "/metrics")
	require.Equal(t, http.StatusOK, code)

	for _, want := range []string{
		`apexrank_task_runs_total{component="dispatch",name="rank_panel",outcome="ok"} 1`,
		`apexrank_task_runs_total{component="dispatch",name="rank_panel",outcome="timeout"} 1`,
		`apexrank_task_duration_seconds_count{component="dispatch",name="rank_panel"} 2`,
		"apexrank_scheduler_tasks 5",
		"apexrank_queue_pending 4",
		"apexrank_queue_failed_total 1",
	} {
		assert.True(t, strings.Contains(body, want), "metrics output missing %q", want)
	}
	assert.NotContains(t, body, `key="1"`)
}
