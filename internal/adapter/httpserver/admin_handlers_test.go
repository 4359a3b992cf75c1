package httpserver_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	httpserver "github.com/danieloza/backoffice/internal/adapter/httpserver"
	"github.com/danieloza/backoffice/internal/config"
	"github.com/danieloza/backoffice/internal/domain"
	"github.com/danieloza/backoffice/internal/usecase"
)

func TestRequireAdmin(t *testing.T) {
	e := newTestEnv(t)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	h := e.srv.RequireAdmin(ok)

	t.Run("no token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ops/metrics", nil))
		require.Equal(t, http.StatusForbidden, rr.Code)
		require.Equal(t, "FORBIDDEN", apiErrorCode(t, rr))
	})

	t.Run("wrong token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/ops/metrics", nil)
		req.Header.Set("x-admin-token", "guess")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusForbidden, rr.Code)
	})

	t.Run("header token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/ops/metrics", nil)
		req.Header.Set("x-admin-token", "admin-secret")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		require.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("query token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/ops/metrics?token=admin-secret", nil))
		require.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("unset secret disables the surface", func(t *testing.T) {
		bare := httpserver.NewServer(config.Config{}, usecase.AuthService{}, usecase.LedgerService{},
			usecase.BillingService{}, usecase.JobService{}, usecase.GuardrailsService{}, nil)
		req := httptest.NewRequest(http.MethodGet, "/api/ops/metrics", nil)
		req.Header.Set("x-admin-token", "")
		rr := httptest.NewRecorder()
		bare.RequireAdmin(ok).ServeHTTP(rr, req)
		require.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestAdjustCreditsHandler(t *testing.T) {
	e := newTestEnv(t)
	u := e.seedUser(t, "user@example.com", "s3cret-pass", 0)
	h := e.srv.AdjustCreditsHandler()

	t.Run("user_id required", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h(rr, httptest.NewRequest(http.MethodPost, "/api/ops/credits/adjust",
			strings.NewReader(`{"amount":10,"reason":"support"}`)))
		require.Equal(t, http.StatusBadRequest, rr.Code)
		require.Equal(t, "INVALID_ARGUMENT", apiErrorCode(t, rr))
	})

	t.Run("reason required", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h(rr, httptest.NewRequest(http.MethodPost, "/api/ops/credits/adjust",
			strings.NewReader(`{"user_id":1,"amount":10,"reason":"  "}`)))
		require.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("applies once per idempotency key", func(t *testing.T) {
		post := func() *httptest.ResponseRecorder {
			rr := httptest.NewRecorder()
			h(rr, httptest.NewRequest(http.MethodPost, "/api/ops/credits/adjust",
				strings.NewReader(`{"user_id":1,"amount":25,"reason":"goodwill","idempotency_key":"adj-1"}`)))
			return rr
		}

		first := post()
		require.Equal(t, http.StatusOK, first.Code, first.Body.String())
		body := decodeBody(t, first)
		require.Equal(t, true, body["applied"])
		require.Equal(t, float64(25), body["balance_after"])

		second := post()
		require.Equal(t, http.StatusOK, second.Code)
		require.Equal(t, false, decodeBody(t, second)["applied"])
		require.Equal(t, int64(25), e.state.balance(u.ID))
	})

	t.Run("unknown user", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h(rr, httptest.NewRequest(http.MethodPost, "/api/ops/credits/adjust",
			strings.NewReader(`{"user_id":404,"amount":10,"reason":"support"}`)))
		require.Equal(t, http.StatusNotFound, rr.Code)
		require.Equal(t, "NOT_FOUND", apiErrorCode(t, rr))
	})
}

func TestDeadLettersHandler(t *testing.T) {
	e := newTestEnv(t)
	h := e.srv.DeadLettersHandler()

	t.Run("empty list is an array", func(t *testing.T) {
		rr := httptest.NewRecorder()
		h(rr, httptest.NewRequest(http.MethodGet, "/api/ops/dead-letters", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		require.Contains(t, rr.Body.String(), `"dead_letters":[]`)
	})

	t.Run("newest first", func(t *testing.T) {
		for i := int64(1); i <= 2; i++ {
			_, err := stubDead{e.state}.Insert(nil, domain.DeadLetter{JobID: i, UserID: 1, Reason: "max_attempts_exhausted"})
			require.NoError(t, err)
		}
		rr := httptest.NewRecorder()
		h(rr, httptest.NewRequest(http.MethodGet, "/api/ops/dead-letters", nil))
		deads, ok := decodeBody(t, rr)["dead_letters"].([]any)
		require.True(t, ok)
		require.Len(t, deads, 2)
		require.Equal(t, float64(2), deads[0].(map[string]any)["job_id"])
	})
}

func TestOpsMetricsHandler_MergesWorkerCounters(t *testing.T) {
	e := newTestEnv(t)
	e.ops.snap = domain.OpsSnapshot{
		JobsByStatus:      map[string]int64{"queued": 2, "running": 1},
		JobFailures1h:     3,
		WebhookFailures1h: 1,
		DeadLetters24h:    4,
		JobDurationP95s:   1.5,
	}
	hb := time.Now().Add(-3 * time.Second)
	e.srv.Worker = func() httpserver.WorkerStatus {
		return httpserver.WorkerStatus{Required: true, Running: true, LastHeartbeat: hb, Processed: 7, Failures: 2}
	}

	rr := httptest.NewRecorder()
	e.srv.OpsMetricsHandler()(rr, httptest.NewRequest(http.MethodGet, "/api/ops/metrics", nil))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	body := decodeBody(t, rr)
	require.Equal(t, true, body["ok"])
	depth, ok := body["queue_depth"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(2), depth["queued"])
	require.Equal(t, float64(3), body["jobs_failed_last_hour"])
	require.Equal(t, float64(4), body["dead_letters_last_24h"])

	worker, ok := body["worker"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, worker["running"])
	require.Equal(t, float64(7), worker["processed_total"])
	require.Equal(t, float64(2), worker["failures_total"])
	require.NotNil(t, worker["heartbeat_age_s"])
}
