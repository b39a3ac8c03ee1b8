package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type staticChecker struct {
	name   string
	status Status
	delay  time.Duration
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(ctx context.Context) CheckResult {
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
		}
	}
	return CheckResult{Name: c.name, Status: c.status, Timestamp: time.Now()}
}

func TestRegistryAggregatesWorstStatus(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "empty", want: StatusHealthy},
		{name: "all healthy", statuses: []Status{StatusHealthy, StatusHealthy}, want: StatusHealthy},
		{name: "one degraded", statuses: []Status{StatusHealthy, StatusDegraded}, want: StatusDegraded},
		{name: "unhealthy wins", statuses: []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(nil)
			for i, s := range tt.statuses {
				registry.Register(staticChecker{name: string(rune('a' + i)), status: s})
			}

			report := registry.Check(context.Background())
			assert.Equal(t, tt.want, report.Status)
			assert.Len(t, report.Checks, len(tt.statuses))
		})
	}
}

func TestRegistryTimesOutSlowChecks(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	registry := NewRegistry(zap.New(core))
	registry.Register(staticChecker{name: "fast", status: StatusHealthy})
	registry.Register(staticChecker{name: "slow", status: StatusHealthy, delay: time.Second})
	registry.SetMetadata("version", "1.0.0")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report := registry.Check(ctx)
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.Equal(t, StatusUnhealthy, report.Checks["slow"].Status)
	assert.Equal(t, "1.0.0", report.Metadata["version"])
	assert.Equal(t, []string{"fast", "slow"}, registry.Names())
	assert.GreaterOrEqual(t, logs.FilterMessage("health check not passing").Len(), 1)
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name   string
		status Status
		code   int
	}{
		{name: "healthy", status: StatusHealthy, code: http.StatusOK},
		{name: "degraded", status: StatusDegraded, code: http.StatusOK},
		{name: "unhealthy", status: StatusUnhealthy, code: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(nil)
			registry.Register(staticChecker{name: "check", status: tt.status})

			rec := httptest.NewRecorder()
			NewHandler(registry, time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var report Report
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
			assert.Equal(t, tt.status, report.Status)
		})
	}

	t.Run("rejects non-GET", func(t *testing.T) {
		rec := httptest.NewRecorder()
		NewHandler(NewRegistry(nil), time.Second).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alive", rec.Body.String())
}
