package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/xdomain/pkg/api"
	"github.com/Mindburn-Labs/xdomain/pkg/authorization"
	"github.com/Mindburn-Labs/xdomain/pkg/backend"
	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/credential"
	"github.com/Mindburn-Labs/xdomain/pkg/evaluator"
	"github.com/Mindburn-Labs/xdomain/pkg/observability"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
	"github.com/Mindburn-Labs/xdomain/pkg/processor"
	"github.com/Mindburn-Labs/xdomain/pkg/routing"
	"github.com/Mindburn-Labs/xdomain/pkg/store/archive"
	"github.com/Mindburn-Labs/xdomain/pkg/store/ledger"
	"github.com/Mindburn-Labs/xdomain/pkg/zk"
)

const secret = "test-secret"

type fixture struct {
	srv  *httptest.Server
	auth *api.Authenticator
	host *backend.MemoryHost
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	host := backend.NewMemoryHost(backend.FlavorWasm)
	require.NoError(t, host.Deploy("vault", backend.Contract{Handlers: map[string]backend.Handler{
		"withdraw": func(cc *backend.CallContext, msg contracts.Message) ([]byte, error) {
			cc.Set(fmt.Sprintf("withdrawn/%d", cc.ExecutionID()), []byte(fmt.Sprint(msg.Params["amount"])))
			return nil, nil
		},
	}}))

	clock := contracts.NewManualClock(contracts.BlockInfo{Height: 10, Time: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)})
	router := routing.New("authorization", nil, clock)
	engine := processor.NewQueueingEngine("main", host, router.LocalSink("main", "main-processor"), processor.WithClock(clock))
	proc := processor.NewProcessor(engine, "authorization")
	require.NoError(t, router.AddLocal(proc))

	timeline := observability.NewTimeline()
	blobs, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	archiver := archive.NewArchiver(blobs)
	orch, err := authorization.New(ctx, "owner", authorization.Deps{
		Policies:    policy.NewMemoryStore(),
		Credentials: credential.NewMemoryStore(),
		Ledger:      ledger.NewMemoryLedger(),
		Router:      router,
		ZK:          zk.NewRegistry(),
	}, authorization.WithClock(clock), authorization.WithObserver(timeline, archiver))
	require.NoError(t, err)
	orch.TrustCallbacks("main", "main-processor")
	router.SetResultHandler(orch)

	auth := api.NewAuthenticator(secret, "xdomain")
	server := api.NewServer(orch, auth,
		api.WithProcessors(proc),
		api.WithTimeline(timeline),
		api.WithArchive(archiver),
		api.WithTickLimiter(api.NewRateLimiter(100, 100)),
	)
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, auth: auth, host: host}
}

func (f *fixture) do(t *testing.T, method, path, as string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if as != "" {
		token, err := f.auth.Issue(as, time.Minute)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func read[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func openLabel() policy.Authorization {
	return policy.Authorization{
		Label: "open",
		Mode:  policy.Permissionless,
		Subroutine: contracts.Subroutine{Kind: contracts.Atomic, Functions: []contracts.FunctionSpec{{
			Domain:   "main",
			Contract: "vault",
			Message:  contracts.MessageConstraint{Kind: contracts.MessageStructured, Name: "withdraw"},
		}}},
	}
}

func TestSendTickAndLookup(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "", nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodPost, "/v1/authorizations", "", []policy.Authorization{openLabel()}).StatusCode)
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/authorizations", "alice", []policy.Authorization{openLabel()}).StatusCode)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/authorizations", "owner", []policy.Authorization{openLabel()}).StatusCode)

	resp := f.do(t, http.MethodPost, "/v1/authorizations/open/send", "alice", map[string]any{"messages": []contracts.Message{}})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, string(evaluator.MessageCountMismatch), read[api.ProblemDetail](t, resp).Code)

	msgs := []contracts.Message{contracts.Structured("withdraw", map[string]any{"amount": 5})}
	resp = f.do(t, http.MethodPost, "/v1/authorizations/open/send", "alice", map[string]any{"messages": msgs})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, uint64(1), read[struct {
		ExecutionID uint64 `json:"execution_id"`
	}](t, resp).ExecutionID)

	status := read[processor.Status](t, f.do(t, http.MethodGet, "/v1/processors/main", "", nil))
	assert.Equal(t, 1, status.Medium)
	queue := read[[]contracts.MessageBatch](t, f.do(t, http.MethodGet, "/v1/processors/main/queue/medium", "", nil))
	require.Len(t, queue, 1)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/processors/main/queue/low", "", nil).StatusCode)

	rep := read[processor.TickReport](t, f.do(t, http.MethodPost, "/v1/processors/main/tick", "", nil))
	assert.Equal(t, processor.OutcomeCompleted, rep.Outcome)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/processors/other/tick", "", nil).StatusCode)

	rec := read[ledger.Record](t, f.do(t, http.MethodGet, "/v1/executions/1", "alice", nil))
	assert.Equal(t, contracts.ResultSuccess, rec.Result.Kind)
	assert.Equal(t, "alice", rec.Initiator)
	v, ok := f.host.Get("vault", "withdrawn/1")
	require.True(t, ok)
	assert.Equal(t, "5", string(v))

	recs := read[[]ledger.Record](t, f.do(t, http.MethodGet, "/v1/executions?label=open", "alice", nil))
	assert.Len(t, recs, 1)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/executions/42", "alice", nil).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/v1/executions/zero", "alice", nil).StatusCode)

	entries := read[[]observability.TimelineEntry](t, f.do(t, http.MethodGet, "/v1/executions/1/timeline", "alice", nil))
	require.Len(t, entries, 2)
	assert.Equal(t, observability.EntryResult, entries[1].Type)

	archived := read[struct {
		Hash   string        `json:"hash"`
		Record ledger.Record `json:"record"`
	}](t, f.do(t, http.MethodGet, "/v1/executions/1/archive", "alice", nil))
	assert.Equal(t, contracts.ResultSuccess, archived.Record.Result.Kind)
	assert.Contains(t, archived.Hash, "sha256:")
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/executions/42/archive", "alice", nil).StatusCode)
}

func TestAdminRoutes(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/authorizations", "owner", []policy.Authorization{openLabel()}).StatusCode)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPut, "/v1/sub-owners/ops", "owner", nil).StatusCode)
	owner := read[map[string]any](t, f.do(t, http.MethodGet, "/v1/owner", "ops", nil))
	assert.Equal(t, "owner", owner["owner"])
	assert.Equal(t, authorization.RoleSubOwner.String(), owner["role"])

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/authorizations/open/disable", "ops", nil).StatusCode)
	resp := f.do(t, http.MethodPost, "/v1/authorizations/open/check", "alice", map[string]any{
		"messages": []contracts.Message{contracts.Structured("withdraw", nil)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := read[evaluator.Decision](t, resp)
	assert.False(t, d.Allowed)
	assert.Equal(t, evaluator.LabelDisabled, d.Code)

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/authorizations/open/enable", "ops", nil).StatusCode)
	resp = f.do(t, http.MethodPatch, "/v1/authorizations/open", "ops", map[string]any{"max_concurrent_executions": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, read[policy.Authorization](t, resp).MaxConcurrentExecutions)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/v1/authorizations/open/mint", "ops", map[string]any{
		"grants": []policy.Grant{{Holder: "alice", Amount: 1}},
	}).StatusCode, "permissionless labels carry no credentials")

	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/domains/main/pause", "ops", nil).StatusCode)
	assert.True(t, read[processor.Status](t, f.do(t, http.MethodGet, "/v1/processors/main", "", nil)).Paused)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/domains/main/resume", "ops", nil).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/v1/domains/nowhere/pause", "ops", nil).StatusCode)

	resp = f.do(t, http.MethodPost, "/v1/queue/insert", "ops", authorization.InsertRequest{
		Label:    "open",
		Priority: contracts.PriorityHigh,
		Messages: []contracts.Message{contracts.Structured("withdraw", map[string]any{"amount": 1})},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 1, read[processor.Status](t, f.do(t, http.MethodGet, "/v1/processors/main", "", nil)).High)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/domains/main/evict", "ops", processor.EvictRequest{Priority: contracts.PriorityHigh}).StatusCode)

	rec := read[ledger.Record](t, f.do(t, http.MethodGet, "/v1/executions/1", "ops", nil))
	assert.Equal(t, contracts.RemovedByOwner(), rec.Result)

	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/owner/transfer", "ops", map[string]string{"new_owner": "ops"}).StatusCode)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/owner/transfer", "owner", map[string]string{"new_owner": "ops"}).StatusCode)
	assert.Equal(t, authorization.RoleOwner.String(), read[map[string]any](t, f.do(t, http.MethodGet, "/v1/owner", "ops", nil))["role"])
}

func TestCallbackRequiresTrustedSender(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/v1/authorizations", "owner", []policy.Authorization{openLabel()}).StatusCode)
	msgs := []contracts.Message{contracts.Structured("withdraw", map[string]any{"amount": 5})}
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/v1/authorizations/open/send", "alice", map[string]any{"messages": msgs}).StatusCode)

	cb := contracts.NewCallback(1, "main", contracts.Success())
	assert.Equal(t, http.StatusForbidden, f.do(t, http.MethodPost, "/v1/callbacks", "mallory", cb).StatusCode)
	assert.Equal(t, http.StatusNoContent, f.do(t, http.MethodPost, "/v1/callbacks", "main-processor", cb).StatusCode)

	rec := read[ledger.Record](t, f.do(t, http.MethodGet, "/v1/executions/1", "alice", nil))
	assert.Equal(t, contracts.Success(), rec.Result)
	assert.Equal(t, http.StatusConflict, f.do(t, http.MethodPost, "/v1/executions/1/retry", "alice", nil).StatusCode)
}
