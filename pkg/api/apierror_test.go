package api_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/xdomain/pkg/api"
	"github.com/Mindburn-Labs/xdomain/pkg/authorization"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
)

func decodeProblem(t *testing.T, w *httptest.ResponseRecorder) api.ProblemDetail {
	t.Helper()
	var p api.ProblemDetail
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	return p
}

func TestWriteError_ContentType(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, http.StatusBadRequest, "Bad Request", "field is missing")

	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	p := decodeProblem(t, w)
	assert.Equal(t, 400, p.Status)
	assert.Equal(t, "field is missing", p.Detail)
}

func TestWriteInternal_SanitizesError(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, errors.New("pq: connection refused to host=10.0.0.1"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, decodeProblem(t, w).Detail, "10.0.0.1")
}

func TestWriteTooManyRequests_RetryAfterHeader(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteTooManyRequests(w, 30)

	assert.Equal(t, "30", w.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestWriteErrorR_EnrichesWithRequestContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/executions/9", nil)
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-ID", "req-123")

	api.WriteErrorR(w, req, http.StatusBadRequest, "Bad Request", "bad input")

	p := decodeProblem(t, w)
	assert.Equal(t, "/v1/executions/9", p.Instance)
	assert.Equal(t, "req-123", p.TraceID)
}

func TestWriteDomainError_Mapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("wrap: %w", authorization.ErrUnauthorized), http.StatusForbidden},
		{policy.ErrNotFound, http.StatusNotFound},
		{ledger.ErrNotFound, http.StatusNotFound},
		{policy.ErrDuplicateLabel, http.StatusConflict},
		{authorization.ErrNotRetriable, http.StatusConflict},
		{authorization.ErrInvalidRequest, http.StatusBadRequest},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		api.WriteDomainError(w, httptest.NewRequest(http.MethodPost, "/x", nil), tc.err)
		assert.Equal(t, tc.status, w.Code, tc.err.Error())
	}
}
