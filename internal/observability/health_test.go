package observability_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpVault/internal/observability"
)

func get(t *testing.T, h http.HandlerFunc) (int, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec.Code, body
}

func TestReadiness(t *testing.T) {
	h := observability.NewHealthChecker()

	code, body := get(t, h.ReadinessHandler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body["status"])
	assert.NotContains(t, body, "sequence")

	h.ReportSequence(func() int64 { return 42 })
	h.SetReady(true)
	code, body = get(t, h.ReadinessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, float64(42), body["sequence"])
}

func TestLiveness(t *testing.T) {
	code, body := get(t, observability.NewHealthChecker().LivenessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alive", body["status"])
}

func TestReadiness_FailingCheck(t *testing.T) {
	h := observability.NewHealthChecker()
	h.SetReady(true)
	down := true
	h.AddCheck("postgres", func(context.Context) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	})

	code, body := get(t, h.ReadinessHandler)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, map[string]interface{}{"postgres": "connection refused"}, body["failed_checks"])

	down = false
	code, body = get(t, h.ReadinessHandler)
	assert.Equal(t, http.StatusOK, code)
	assert.NotContains(t, body, "failed_checks")
}
