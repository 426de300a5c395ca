package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/medrex/dlt-keyx/pkg/monitoring"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	recipient = types.Identity("0x5ea0000000000000000000000000000000000002")
	owner     = types.Identity("0x5ea0000000000000000000000000000000000001")
)

type mockRecords struct {
	mock.Mock
}

func (m *mockRecords) SharedWithMe(ctx context.Context, r types.Identity) ([]types.SharedRecord, error) {
	args := m.Called(ctx, r)
	records, _ := args.Get(0).([]types.SharedRecord)
	return records, args.Error(1)
}

func (m *mockRecords) GrantStatus(ctx context.Context, tuple types.GrantTuple) (types.GrantState, error) {
	args := m.Called(ctx, tuple)
	return args.Get(0).(types.GrantState), args.Error(1)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newTestService(t *testing.T, cfg Config) (*Service, *mockRecords, *monitoring.Metrics) {
	t.Helper()
	records := new(mockRecords)
	metrics := monitoring.NewMetrics("keyx-test")
	health := monitoring.NewHealthManager("keyx", "test")
	health.RegisterChecker("ledger", monitoring.NewPingHealthChecker(pingFunc(func(ctx context.Context) error { return nil })))
	monitor := monitoring.NewMonitoringMiddleware(metrics, nil, nil)
	return NewService(cfg, records, health, monitor, nil), records, metrics
}

func do(t *testing.T, s *Service, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestService_Health(t *testing.T) {
	s, _, _ := newTestService(t, Config{})
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var report monitoring.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, monitoring.HealthStatusHealthy, report.Status)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "ledger", report.Checks[0].Name)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestService_Metrics(t *testing.T) {
	s, records, metrics := newTestService(t, Config{})
	records.On("SharedWithMe", mock.Anything, recipient).Return([]types.SharedRecord{}, nil)

	do(t, s, http.MethodGet, "/v1/shared/"+recipient.String(), "")
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")

	count, err := testutil.GatherAndCount(metrics.Registry(), "http_requests_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)
}

func TestService_SharedWith(t *testing.T) {
	grantedAt := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	t.Run("lists records", func(t *testing.T) {
		s, records, _ := newTestService(t, Config{})
		records.On("SharedWithMe", mock.Anything, recipient).Return([]types.SharedRecord{
			{Owner: owner, DocumentID: "D1", GrantedAt: grantedAt},
		}, nil)

		rec := do(t, s, http.MethodGet, "/v1/shared/0x5EA0000000000000000000000000000000000002", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body sharedResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, recipient, body.Recipient)
		require.Len(t, body.Records, 1)
		assert.Equal(t, "D1", body.Records[0].DocumentID)
		records.AssertExpectations(t)
	})

	t.Run("empty list is an array", func(t *testing.T) {
		s, records, _ := newTestService(t, Config{})
		records.On("SharedWithMe", mock.Anything, recipient).Return(nil, nil)

		rec := do(t, s, http.MethodGet, "/v1/shared/"+recipient.String(), "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"recipient":"`+recipient.String()+`","records":[]}`, rec.Body.String())
	})

	t.Run("invalid address", func(t *testing.T) {
		s, records, _ := newTestService(t, Config{})
		rec := do(t, s, http.MethodGet, "/v1/shared/not-an-address", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		records.AssertNotCalled(t, "SharedWithMe", mock.Anything, mock.Anything)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, types.KindInvalidIdentity, body.Kind)
	})

	t.Run("ledger unavailable", func(t *testing.T) {
		s, records, _ := newTestService(t, Config{})
		records.On("SharedWithMe", mock.Anything, recipient).
			Return(nil, types.NewErrorWithCause(types.KindCollaboratorUnavailable, "ledger call failed", errors.New("timeout")))

		rec := do(t, s, http.MethodGet, "/v1/shared/"+recipient.String(), "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}

func TestService_Authentication(t *testing.T) {
	cfg := Config{JWTSecret: "agent-secret", Issuer: "medrex-portal"}
	issuer := NewTokenValidator("agent-secret", "medrex-portal")

	t.Run("token required", func(t *testing.T) {
		s, _, _ := newTestService(t, cfg)
		rec := do(t, s, http.MethodGet, "/v1/shared/"+recipient.String(), "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = do(t, s, http.MethodGet, "/v1/shared/"+recipient.String(), "garbage")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("health stays open", func(t *testing.T) {
		s, _, _ := newTestService(t, cfg)
		rec := do(t, s, http.MethodGet, "/health", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("own listing", func(t *testing.T) {
		s, records, _ := newTestService(t, cfg)
		records.On("SharedWithMe", mock.Anything, recipient).Return([]types.SharedRecord{}, nil)
		token, err := issuer.Issue(recipient, time.Minute)
		require.NoError(t, err)

		rec := do(t, s, http.MethodGet, "/v1/shared/"+recipient.String(), token)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("someone else's listing", func(t *testing.T) {
		s, records, _ := newTestService(t, cfg)
		token, err := issuer.Issue(owner, time.Minute)
		require.NoError(t, err)

		rec := do(t, s, http.MethodGet, "/v1/shared/"+recipient.String(), token)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		records.AssertNotCalled(t, "SharedWithMe", mock.Anything, mock.Anything)
	})
}

func TestService_GrantStatus(t *testing.T) {
	tuple := types.GrantTuple{Owner: owner, Recipient: recipient, DocumentID: "D1"}
	path := "/v1/grants/" + owner.String() + "/D1/" + recipient.String()

	t.Run("state", func(t *testing.T) {
		s, records, _ := newTestService(t, Config{})
		records.On("GrantStatus", mock.Anything, tuple).Return(types.GrantStateRevoked, nil)

		rec := do(t, s, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code)
		var body grantResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, types.GrantStateRevoked, body.State)
	})

	t.Run("third party is forbidden", func(t *testing.T) {
		s, _, _ := newTestService(t, Config{JWTSecret: "agent-secret"})
		token, err := NewTokenValidator("agent-secret", "").Issue(types.Identity("0x5ea0000000000000000000000000000000000009"), time.Minute)
		require.NoError(t, err)

		rec := do(t, s, http.MethodGet, path, token)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
}

func TestService_RateLimit(t *testing.T) {
	s, records, _ := newTestService(t, Config{RateLimit: 2, RatePeriod: time.Hour})
	records.On("SharedWithMe", mock.Anything, recipient).Return([]types.SharedRecord{}, nil)

	path := "/v1/shared/" + recipient.String()
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, s, http.MethodGet, path, "").Code)
	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/health", "").Code)
}
