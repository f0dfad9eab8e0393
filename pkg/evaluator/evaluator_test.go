package evaluator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/xdomain/pkg/contracts"
	"github.com/Mindburn-Labs/xdomain/pkg/credential"
	"github.com/Mindburn-Labs/xdomain/pkg/policy"
)

type fixedInFlight struct {
	total, awaiting int
}

func (f fixedInFlight) InFlight(_ context.Context, _ string, countAwaiting bool) (int, error) {
	if countAwaiting {
		return f.total, nil
	}
	return f.total - f.awaiting, nil
}

func withdrawPolicy() policy.Authorization {
	return policy.Authorization{
		Label: "withdraw",
		Mode:  policy.Permissioned,
		Subroutine: contracts.Subroutine{
			Kind: contracts.Atomic,
			Functions: []contracts.FunctionSpec{{
				Domain:   "main",
				Contract: "vault",
				Message: contracts.MessageConstraint{
					Kind: contracts.MessageStructured,
					Name: "withdraw",
					Restrictions: []contracts.ParamRestriction{
						{Kind: contracts.MustBeValue, Path: []string{"amount"}, Value: 100},
					},
				},
			}},
		},
	}
}

func setup(t *testing.T, auths ...policy.Authorization) (*Evaluator, *credential.MemoryStore, *policy.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	ps := policy.NewMemoryStore()
	for _, a := range auths {
		require.NoError(t, ps.Create(ctx, a))
	}
	cs := credential.NewMemoryStore()
	ev, err := New(ps, cs, fixedInFlight{})
	require.NoError(t, err)
	return ev, cs, ps
}

func req(caller, label string, msgs ...contracts.Message) Request {
	return Request{Caller: caller, Label: label, Messages: msgs, At: contracts.BlockInfo{Height: 10, Time: time.Unix(1000, 0)}}
}

func TestWithdrawScenarioAdmission(t *testing.T) {
	ctx := context.Background()
	ev, cs, _ := setup(t, withdrawPolicy())

	d, err := ev.Evaluate(ctx, req("bob", "withdraw", contracts.Structured("withdraw", map[string]any{"amount": 100})))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, MissingCredential, d.Code)

	require.NoError(t, cs.Mint(ctx, "withdraw", "alice", 1))

	d, err = ev.Evaluate(ctx, req("alice", "withdraw", contracts.Structured("withdraw", map[string]any{"amount": 50})))
	require.NoError(t, err)
	assert.Equal(t, MessageShapeMismatch, d.Code)

	d, err = ev.Evaluate(ctx, req("alice", "withdraw", contracts.Structured("withdraw", map[string]any{"amount": 100.0})))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, d.EscrowCredential)
	assert.Equal(t, "withdraw", d.Authorization.Label)
}

func TestDenyCodes(t *testing.T) {
	ctx := context.Background()

	open := withdrawPolicy()
	open.Label = "open"
	open.Mode = policy.Permissionless
	open.Subroutine.Functions[0].Message.Restrictions = nil

	later := open
	later.Label = "later"
	later.NotBefore = contracts.AtHeight(20)

	gone := open
	gone.Label = "gone"
	gone.Expiration = contracts.AtHeight(10)

	off := open
	off.Label = "off"
	off.State = policy.Disabled

	ev, _, _ := setup(t, open, later, gone, off)
	msg := contracts.Structured("withdraw", nil)

	cases := []struct {
		name string
		r    Request
		code DenyCode
	}{
		{"missing label", req("a", "nope", msg), LabelNotFound},
		{"disabled", req("a", "off", msg), LabelDisabled},
		{"not yet active", req("a", "later", msg), NotYetActive},
		{"expired at bound", req("a", "gone", msg), Expired},
		{"count", req("a", "open"), MessageCountMismatch},
		{"contract", req("a", "open", contracts.Message{Kind: contracts.MessageStructured, Contract: "other", Name: "withdraw"}), ContractMismatch},
		{"entry point", req("a", "open", contracts.Structured("deposit", nil)), MessageShapeMismatch},
		{"kind", req("a", "open", contracts.Raw([]byte("x"))), MessageShapeMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := ev.Evaluate(ctx, tc.r)
			require.NoError(t, err)
			assert.False(t, d.Allowed)
			assert.Equal(t, tc.code, d.Code)
			assert.NotEmpty(t, d.Reason)
		})
	}

	d, err := ev.Evaluate(ctx, req("a", "open", msg))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRestrictionKinds(t *testing.T) {
	ctx := context.Background()
	a := withdrawPolicy()
	a.Mode = policy.Permissionless
	a.Subroutine.Functions[0].Message.Restrictions = []contracts.ParamRestriction{
		{Kind: contracts.MustBeIncluded, Path: []string{"to", "address"}},
		{Kind: contracts.CannotBeIncluded, Path: []string{"admin"}},
		{Kind: contracts.MustBeValue, Path: []string{"denom"}, Value: "uatom"},
	}
	ev, _, _ := setup(t, a)

	good := map[string]any{"to": map[string]any{"address": "x"}, "denom": "uatom"}
	d, err := ev.Evaluate(ctx, req("c", "withdraw", contracts.Structured("withdraw", good)))
	require.NoError(t, err)
	assert.True(t, d.Allowed, d.Reason)

	for name, params := range map[string]map[string]any{
		"missing nested": {"to": map[string]any{}, "denom": "uatom"},
		"forbidden":      {"to": map[string]any{"address": "x"}, "denom": "uatom", "admin": true},
		"wrong value":    {"to": map[string]any{"address": "x"}, "denom": "uosmo"},
	} {
		d, err := ev.Evaluate(ctx, req("c", "withdraw", contracts.Structured("withdraw", params)))
		require.NoError(t, err)
		assert.Equal(t, MessageShapeMismatch, d.Code, name)
	}
}

func TestRawConstraint(t *testing.T) {
	ctx := context.Background()
	a := policy.Authorization{
		Label: "raw",
		Mode:  policy.Permissionless,
		Subroutine: contracts.Subroutine{Kind: contracts.Atomic, Functions: []contracts.FunctionSpec{{
			Domain: "main", Contract: "c",
			Message: contracts.MessageConstraint{Kind: contracts.MessageRaw, Bytes: []byte{0xde, 0xad}},
		}}},
	}
	ev, _, _ := setup(t, a)

	d, err := ev.Evaluate(ctx, req("c", "raw", contracts.Raw([]byte{0xde, 0xad})))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = ev.Evaluate(ctx, req("c", "raw", contracts.Raw([]byte{0xde})))
	require.NoError(t, err)
	assert.Equal(t, MessageShapeMismatch, d.Code)
}

func TestExpressionConstraint(t *testing.T) {
	ctx := context.Background()
	a := withdrawPolicy()
	a.Mode = policy.Permissionless
	a.Subroutine.Functions[0].Message.Restrictions = nil
	a.Subroutine.Functions[0].Message.Expression = `name == "withdraw" && params.amount <= 500`
	ev, _, _ := setup(t, a)

	d, err := ev.Evaluate(ctx, req("c", "withdraw", contracts.Structured("withdraw", map[string]any{"amount": 200})))
	require.NoError(t, err)
	assert.True(t, d.Allowed, d.Reason)

	d, err = ev.Evaluate(ctx, req("c", "withdraw", contracts.Structured("withdraw", map[string]any{"amount": 900})))
	require.NoError(t, err)
	assert.Equal(t, MessageShapeMismatch, d.Code)

	d, err = ev.Evaluate(ctx, req("c", "withdraw", contracts.Structured("withdraw", nil)))
	require.NoError(t, err)
	assert.Equal(t, MessageShapeMismatch, d.Code)

	assert.Error(t, ev.CompileExpression("params.("))
}

func TestCompileExpressionRejectsNondeterminism(t *testing.T) {
	ev, _, _ := setup(t, withdrawPolicy())

	assert.NoError(t, ev.CompileExpression(`params.all(k, k != "admin")`))
	assert.NoError(t, ev.CompileExpression(`has(params.amount) && name == "withdraw"`))

	err := ev.CompileExpression(`now() > 0`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "wall clock")

	err = ev.CompileExpression(`params.all(k, params.exists(j, j == k))`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nests comprehensions")
}

func TestCallLimitedRequiresEscrowableUnit(t *testing.T) {
	ctx := context.Background()
	a := withdrawPolicy()
	a.Mode = policy.PermissionedCallLimited
	ev, cs, _ := setup(t, a)

	msg := contracts.Structured("withdraw", map[string]any{"amount": 100})
	d, err := ev.Evaluate(ctx, req("alice", "withdraw", msg))
	require.NoError(t, err)
	assert.Equal(t, MissingCredential, d.Code)

	require.NoError(t, cs.Mint(ctx, "withdraw", "alice", 1))
	d, err = ev.Evaluate(ctx, req("alice", "withdraw", msg))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.True(t, d.EscrowCredential)

	bal, err := cs.Balance(ctx, "withdraw", "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bal, "evaluation must not move credentials")
}

func TestConcurrencyCapCountsAwaitingConfigurably(t *testing.T) {
	ctx := context.Background()
	a := withdrawPolicy()
	a.Mode = policy.Permissionless
	a.MaxConcurrentExecutions = 2
	ps := policy.NewMemoryStore()
	require.NoError(t, ps.Create(ctx, a))
	counter := fixedInFlight{total: 2, awaiting: 1}
	msg := contracts.Structured("withdraw", map[string]any{"amount": 100})

	counting, err := New(ps, credential.NewMemoryStore(), counter, WithCountAwaiting(true))
	require.NoError(t, err)
	d, err := counting.Evaluate(ctx, req("c", "withdraw", msg))
	require.NoError(t, err)
	assert.Equal(t, ConcurrencyCapExceeded, d.Code)

	lenient, err := New(ps, credential.NewMemoryStore(), counter, WithCountAwaiting(false))
	require.NoError(t, err)
	d, err = lenient.Evaluate(ctx, req("c", "withdraw", msg))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}
