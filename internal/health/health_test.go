package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusHealthy, Message: "ok"}
}

func failingCheck(ctx context.Context) CheckResult {
	return CheckResult{Status: StatusUnhealthy, Message: "down"}
}

func TestCheckSweep(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)
	c.RegisterFunc("broker", false, func(ctx context.Context) CheckResult {
		return CheckResult{Status: StatusDegraded, Message: "slow"}
	})

	results := c.Check(context.Background())
	require.Len(t, results, 2)

	assert.Equal(t, StatusHealthy, results["store"].Status)
	assert.Equal(t, StatusDegraded, results["broker"].Status)
	assert.False(t, results["store"].LastChecked.IsZero())
}

func TestOverallStatus(t *testing.T) {
	t.Run("unswept critical reports unknown", func(t *testing.T) {
		c := NewChecker()
		c.RegisterFunc("store", true, healthyCheck)
		assert.Equal(t, StatusUnknown, c.OverallStatus())
	})

	t.Run("critical failure is unhealthy", func(t *testing.T) {
		c := NewChecker()
		c.RegisterFunc("store", true, failingCheck)
		c.Check(context.Background())
		assert.Equal(t, StatusUnhealthy, c.OverallStatus())
	})

	t.Run("non-critical failure only degrades", func(t *testing.T) {
		c := NewChecker()
		c.RegisterFunc("store", true, healthyCheck)
		c.RegisterFunc("broker", false, failingCheck)
		c.Check(context.Background())
		assert.Equal(t, StatusDegraded, c.OverallStatus())
	})

	t.Run("all healthy", func(t *testing.T) {
		c := NewChecker()
		c.RegisterFunc("store", true, healthyCheck)
		c.Check(context.Background())
		assert.Equal(t, StatusHealthy, c.OverallStatus())
	})
}

func TestProbePanicIsolation(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)
	c.RegisterFunc("flaky", false, func(ctx context.Context) CheckResult {
		panic("boom")
	})

	results := c.Check(context.Background())
	require.Len(t, results, 2)

	assert.Equal(t, StatusHealthy, results["store"].Status)
	assert.Equal(t, StatusUnhealthy, results["flaky"].Status)
	assert.Equal(t, "probe panicked", results["flaky"].Message)
	assert.Equal(t, "boom", results["flaky"].Error)
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)
	handler := c.ReadinessHandler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before startup completes")

	c.Check(context.Background())
	c.SetReady(true)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadinessHandlerCriticalFailure(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, failingCheck)
	c.Check(context.Background())
	c.SetReady(true)

	rec := httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivenessHandler(t *testing.T) {
	c := NewChecker()

	rec := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alive", body["status"])
}

func TestHealthHandlerFull(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthyCheck)
	c.SetReady(true)

	rec := httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?full=true", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var report Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, StatusHealthy, report.Status)
	assert.True(t, report.Ready)
	assert.NotEmpty(t, report.Uptime)
	require.Contains(t, report.Components, "store")
	assert.Equal(t, StatusHealthy, report.Components["store"].Status)
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(ctx context.Context) error { return nil })
	res := ok(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	down := DatabaseCheck(func(ctx context.Context) error { return errors.New("connection refused") })
	res = down(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "connection refused", res.Error)
}
