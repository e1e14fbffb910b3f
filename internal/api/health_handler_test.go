package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHealthy(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	hc := NewHealthChecker(db, rdb)
	rec := httptest.NewRecorder()
	hc.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var st HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "healthy", st.Status)
	assert.Equal(t, "up", st.Checks["database"].Status)
	assert.Equal(t, "up", st.Checks["redis"].Status)
}

func TestReadinessFailsWithoutDatabase(t *testing.T) {
	hc := NewHealthChecker(nil, nil)
	rec := httptest.NewRecorder()
	hc.HandleReadiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	hc.HandleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var st HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "unhealthy", st.Status)
	assert.Equal(t, "not_configured", st.Checks["redis"].Status)
}

func TestRedisDownDegrades(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	mr.Close()

	checks := NewHealthChecker(db, rdb).runAllChecks(t.Context())
	assert.Equal(t, "down", checks["redis"].Status)
	assert.Equal(t, "degraded", determineOverallStatus(checks))
}

func TestSafeErrorMessage(t *testing.T) {
	cases := map[string]string{
		"dial tcp 10.0.0.1:5432: connection refused": "Service temporarily unavailable",
		"context deadline exceeded":                  "Request timed out",
		"pq: duplicate key value":                    "A database error occurred",
		"something odd":                              "An internal error occurred",
	}
	for in, want := range cases {
		assert.Equal(t, want, safeErrorMessage(http.StatusInternalServerError, errString(in)), in)
	}
	assert.Equal(t, "bad input", safeErrorMessage(http.StatusBadRequest, errString("bad input")))
}

type errString string

func (e errString) Error() string { return string(e) }
