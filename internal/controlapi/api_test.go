package controlapi_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaeljc/bifrost/internal/cache"
	"github.com/rafaeljc/bifrost/internal/controlapi"
	"github.com/rafaeljc/bifrost/internal/recorder"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/rollback"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/service"
	"github.com/rafaeljc/bifrost/internal/testsupport"
)

const testAPIKey = "s3cret-admin-key"

func apiKeyHash(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func seedFlag(id string) *ruleengine.Flag {
	return &ruleengine.Flag{
		ID:           id,
		Name:         id,
		Type:         ruleengine.TypeBoolean,
		Value:        ruleengine.Bool(true),
		DefaultValue: ruleengine.Bool(false),
		Enabled:      true,
		Rollout:      ruleengine.RolloutStrategy{Type: ruleengine.RolloutImmediate, Percentage: 100},
		Monitoring: ruleengine.Monitoring{AutoRollback: ruleengine.AutoRollback{
			Enabled:  true,
			Triggers: []ruleengine.Trigger{{Metric: "error_rate", Condition: ruleengine.TriggerGT, Value: 5}},
		}},
		Environments: []string{"production"},
		Languages:    []string{"en", "fr"},
	}
}

// newTestAPI wires the real engine behind the API.
func newTestAPI(t *testing.T, skipAuth bool, flags ...*ruleengine.Flag) *controlapi.API {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.New(logger)
	for _, f := range flags {
		_, err := reg.Upsert(f)
		require.NoError(t, err)
	}
	evalCache, err := cache.NewEvaluationCache(1000, time.Minute)
	require.NoError(t, err)
	t.Cleanup(evalCache.Close)

	rb := rollback.New(logger, reg, rollback.WithInvalidator(evalCache))
	svc := service.New(logger, service.Config{Environment: "production"}, service.Dependencies{
		Registry: reg,
		Engine:   ruleengine.New(logger),
		Cache:    evalCache,
		Recorder: recorder.New(logger, rb),
		Rollback: rb,
	})

	return controlapi.NewAPIWithConfig(logger, svc, apiKeyHash(testAPIKey), skipAuth)
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(controlapi.APIKeyHeader, testAPIKey)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestNewAPI_Panics(t *testing.T) {
	t.Parallel()

	assert.PanicsWithValue(t, "controlapi: flag service cannot be nil", func() {
		controlapi.NewAPI(nil, nil, "hash")
	})
	assert.PanicsWithValue(t, "controlapi: apiKeyHash cannot be empty when authentication is enabled", func() {
		controlapi.NewAPIWithConfig(nil, &service.Service{}, "", false)
	})
	assert.NotPanics(t, func() {
		controlapi.NewAPIWithConfig(nil, &service.Service{}, "", true)
	})
}

func TestAuthentication(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, false, seedFlag("checkout"))

	tests := []struct {
		name   string
		path   string
		key    string
		status int
	}{
		{name: "health is public", path: "/health", status: http.StatusOK},
		{name: "missing key", path: "/api/v1/flags", status: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/v1/flags", key: "guess", status: http.StatusUnauthorized},
		{name: "valid key", path: "/api/v1/flags", key: testAPIKey, status: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(controlapi.APIKeyHeader, tt.key)
			}
			rr := httptest.NewRecorder()
			api.Router.ServeHTTP(rr, req)
			assert.Equal(t, tt.status, rr.Code)
			if tt.status == http.StatusUnauthorized {
				assert.Equal(t, "ERR_UNAUTHORIZED", decode[controlapi.ErrorResponse](t, rr).Code)
			}
		})
	}
}

func TestFlagsEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("GET /flags - Pagination", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true, seedFlag("c"), seedFlag("a"), seedFlag("b"))

		rr := do(t, api.Router, http.MethodGet, "/api/v1/flags?page=2&page_size=2", "")
		require.Equal(t, http.StatusOK, rr.Code)

		var resp struct {
			Data       []ruleengine.Flag      `json:"data"`
			Pagination controlapi.Pagination `json:"pagination"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
		require.Len(t, resp.Data, 1)
		assert.Equal(t, "c", resp.Data[0].ID)
		assert.Equal(t, controlapi.Pagination{TotalItems: 3, TotalPages: 2, CurrentPage: 2, PageSize: 2}, resp.Pagination)

		rr = do(t, api.Router, http.MethodGet, "/api/v1/flags?page=banana", "")
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("GET /flags - Pages past the end are empty", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true, seedFlag("c"), seedFlag("a"), seedFlag("b"))

		tests := []struct {
			name string
			page string
		}{
			{name: "next page", page: "3"},
			{name: "huge page", page: "9223372036854775807"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				t.Parallel()
				rr := do(t, api.Router, http.MethodGet, "/api/v1/flags?page_size=2&page="+tt.page, "")
				require.Equal(t, http.StatusOK, rr.Code)

				var resp struct {
					Data       []ruleengine.Flag      `json:"data"`
					Pagination controlapi.Pagination `json:"pagination"`
				}
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.Empty(t, resp.Data)
				assert.Equal(t, 3, resp.Pagination.TotalItems)
			})
		}
	})

	t.Run("GET /flags/{id} - Found and Not Found", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true, seedFlag("checkout"))

		rr := do(t, api.Router, http.MethodGet, "/api/v1/flags/checkout", "")
		require.Equal(t, http.StatusOK, rr.Code)
		flag := decode[ruleengine.Flag](t, rr)
		assert.Equal(t, "checkout", flag.ID)
		assert.EqualValues(t, 1, flag.Version)

		rr = do(t, api.Router, http.MethodGet, "/api/v1/flags/missing", "")
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "ERR_NOT_FOUND", decode[controlapi.ErrorResponse](t, rr).Code)
	})

	t.Run("PUT /flags/{id} - Create then Update", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true)

		body, err := json.Marshal(seedFlag("ignored-in-body"))
		require.NoError(t, err)
		payload := strings.Replace(string(body), `"id":"ignored-in-body"`, `"id":""`, 1)

		rr := do(t, api.Router, http.MethodPut, "/api/v1/flags/banner", payload)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		assert.EqualValues(t, 1, decode[ruleengine.Flag](t, rr).Version)

		rr = do(t, api.Router, http.MethodPut, "/api/v1/flags/banner", payload)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.EqualValues(t, 2, decode[ruleengine.Flag](t, rr).Version)
	})

	t.Run("PUT /flags/{id} - Validation", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true)

		valid, err := json.Marshal(seedFlag("banner"))
		require.NoError(t, err)

		tests := []struct {
			name string
			path string
			body string
			code string
		}{
			{name: "broken json", path: "/api/v1/flags/banner", body: `{invalid`, code: "ERR_INVALID_JSON"},
			{name: "mismatched id", path: "/api/v1/flags/other", body: string(valid), code: "ERR_INVALID_INPUT"},
			{name: "invalid id", path: "/api/v1/flags/bad%20id", body: string(valid), code: "ERR_INVALID_INPUT"},
			{
				name: "percentage above 100",
				path: "/api/v1/flags/banner",
				body: strings.Replace(string(valid), `"percentage":100`, `"percentage":140`, 1),
				code: "ERR_INVALID_FLAG",
			},
			{
				name: "unknown rollout type",
				path: "/api/v1/flags/banner",
				body: strings.Replace(string(valid), `"type":"immediate"`, `"type":"yolo"`, 1),
				code: "ERR_INVALID_FLAG",
			},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rr := do(t, api.Router, http.MethodPut, tt.path, tt.body)
				assert.Equal(t, http.StatusBadRequest, rr.Code)
				assert.Equal(t, tt.code, decode[controlapi.ErrorResponse](t, rr).Code)
			})
		}
	})
}

func TestRollbackEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("POST /flags/{id}/rollback - Manual rollback and repeat", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true, seedFlag("checkout"))

		rr := do(t, api.Router, http.MethodPost, "/api/v1/flags/checkout/rollback", `{"reason":"policy violation","language":"fr"}`)
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		ev := decode[rollback.Event](t, rr)
		assert.False(t, ev.Automatic)
		assert.Equal(t, "fr", ev.Language)
		assert.Equal(t, "policy violation", ev.Reason)

		rr = do(t, api.Router, http.MethodPost, "/api/v1/flags/checkout/rollback", `{"reason":"again","language":"fr"}`)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		repeat := decode[rollback.Event](t, rr)
		assert.True(t, repeat.Data.Repeated)
		assert.Equal(t, "again", repeat.Reason)
		assert.Equal(t, ev.Data.FlagVersion, repeat.Data.FlagVersion)

		history := decode[controlapi.HistoryResponse](t, do(t, api.Router, http.MethodGet, "/api/v1/rollbacks?flag_id=checkout", ""))
		assert.Len(t, history.Data, 2)

		rr = do(t, api.Router, http.MethodPost, "/api/v1/flags/missing/rollback", `{"reason":"x"}`)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("GET /rollbacks - History filter", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true, seedFlag("a"), seedFlag("b"))
		require.Equal(t, http.StatusCreated, do(t, api.Router, http.MethodPost, "/api/v1/flags/a/rollback", `{}`).Code)
		require.Equal(t, http.StatusCreated, do(t, api.Router, http.MethodPost, "/api/v1/flags/b/rollback", `{"reason":"b"}`).Code)

		all := decode[controlapi.HistoryResponse](t, do(t, api.Router, http.MethodGet, "/api/v1/rollbacks", ""))
		assert.Len(t, all.Data, 2)

		onlyB := decode[controlapi.HistoryResponse](t, do(t, api.Router, http.MethodGet, "/api/v1/rollbacks?flag_id=b", ""))
		require.Len(t, onlyB.Data, 1)
		assert.Equal(t, "b", onlyB.Data[0].FlagID)
	})
}

func TestMetricsAndEvaluateEndpoints(t *testing.T) {
	t.Parallel()

	t.Run("POST /flags/{id}/metrics - Breach triggers an automatic rollback", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true, seedFlag("checkout"))

		rr := do(t, api.Router, http.MethodPost, "/api/v1/flags/checkout/metrics", `{"metric":"error_rate","value":6}`)
		require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

		history := decode[controlapi.HistoryResponse](t, do(t, api.Router, http.MethodGet, "/api/v1/rollbacks?flag_id=checkout", ""))
		require.Len(t, history.Data, 1)
		assert.True(t, history.Data[0].Automatic)

		rr = do(t, api.Router, http.MethodGet, "/api/v1/flags/checkout/metrics", "")
		require.Equal(t, http.StatusOK, rr.Code)
		metrics := decode[controlapi.MetricsResponse](t, rr)
		require.Len(t, metrics.Series["error_rate:global"], 1)
		assert.Equal(t, 6.0, metrics.Series["error_rate:global"][0].Value)
	})

	t.Run("POST /flags/{id}/metrics - Validation", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true, seedFlag("checkout"))

		rr := do(t, api.Router, http.MethodPost, "/api/v1/flags/checkout/metrics", `{"metric":""}`)
		require.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Len(t, decode[controlapi.ErrorResponse](t, rr).Details, 2)

		rr = do(t, api.Router, http.MethodPost, "/api/v1/flags/ghost/metrics", `{"metric":"error_rate","value":1}`)
		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("POST /flags/{id}/evaluate - Value and decision", func(t *testing.T) {
		t.Parallel()
		api := newTestAPI(t, true, seedFlag("checkout"))

		rr := do(t, api.Router, http.MethodPost, "/api/v1/flags/checkout/evaluate", `{"context":{"user_id":"alice","language":"fr"}}`)
		require.Equal(t, http.StatusOK, rr.Code)
		ev := decode[service.Evaluation](t, rr)
		assert.Equal(t, ruleengine.Bool(true), ev.Value)
		assert.True(t, ev.Enabled)
		assert.Equal(t, ruleengine.ReasonRollout, ev.Reason)

		rr = do(t, api.Router, http.MethodPost, "/api/v1/flags/unknown/evaluate", `{"context":{"language":"fr"},"default":"blue"}`)
		require.Equal(t, http.StatusOK, rr.Code)
		ev = decode[service.Evaluation](t, rr)
		assert.Equal(t, ruleengine.String("blue"), ev.Value)
		assert.Equal(t, ruleengine.ReasonNotFound, ev.Reason)
	})
}

// Metrics are global, so this test does not run in parallel.
func TestRequestMetrics(t *testing.T) {
	api := newTestAPI(t, true, seedFlag("checkout"))
	handler := api.Handler()

	t.Run("records the route pattern, not the raw path", func(t *testing.T) {
		labels := map[string]string{"method": "GET", "route": "/api/v1/flags/{id}", "code": "404"}
		testsupport.AssertMetricDelta(t, "bifrost_control_plane_http_requests_total", labels, 1, func() {
			rr := do(t, handler, http.MethodGet, "/api/v1/flags/missing-key-123", "")
			require.Equal(t, http.StatusNotFound, rr.Code)
		})
		testsupport.AssertHistogramRecorded(t, "bifrost_control_plane_http_handling_seconds",
			map[string]string{"method": "GET", "route": "/api/v1/flags/{id}"})
	})

	t.Run("collapses unknown paths to not_found", func(t *testing.T) {
		labels := map[string]string{"method": "GET", "route": "not_found", "code": "404"}
		testsupport.AssertMetricDelta(t, "bifrost_control_plane_http_requests_total", labels, 1, func() {
			rr := do(t, handler, http.MethodGet, "/admin.php", "")
			require.Equal(t, http.StatusNotFound, rr.Code)
		})
	})

	t.Run("counts bad requests", func(t *testing.T) {
		labels := map[string]string{"method": "POST", "route": "/api/v1/flags/{id}/rollback", "code": "400"}
		testsupport.AssertMetricDelta(t, "bifrost_control_plane_http_requests_total", labels, 1, func() {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/flags/checkout/rollback", bytes.NewBufferString(`{invalid`))
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			require.Equal(t, http.StatusBadRequest, rr.Code)
		})
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, false)

	rr := httptest.NewRecorder()
	api.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil).WithContext(context.Background()))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
}
