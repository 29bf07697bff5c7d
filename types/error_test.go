package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrStepExecution, "agent failed").
		WithCause(root).
		WithHTTPStatus(502).
		WithRetryable(true)

	assert.Equal(t, ErrStepExecution, CodeOf(err))
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, root))
	assert.Contains(t, err.Error(), "STEP_EXECUTION_ERROR")
	assert.Contains(t, err.Error(), "root")
}

func TestIsCode_WrappedChain(t *testing.T) {
	t.Parallel()

	inner := NewError(ErrTimeout, "step exceeded deadline")
	outer := NewError(ErrRetryExhausted, "gave up").WithCause(inner)
	wrapped := fmt.Errorf("run r1: %w", outer)

	assert.True(t, IsCode(wrapped, ErrRetryExhausted))
	assert.True(t, IsCode(wrapped, ErrTimeout))
	assert.False(t, IsCode(wrapped, ErrConflict))
	assert.Equal(t, ErrRetryExhausted, CodeOf(wrapped))
	assert.Equal(t, ErrorCode(""), CodeOf(errors.New("plain")))
	assert.False(t, IsCode(nil, ErrTimeout))
}

func TestNewConflictError_Retryable(t *testing.T) {
	t.Parallel()

	err := NewConflictError("plan", 1, 2)
	require.True(t, IsCode(err, ErrConflict))
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), `"plan"`)
}

func TestContextValues(t *testing.T) {
	t.Parallel()

	ctx := WithTenantID(context.Background(), "t1")
	ctx = WithUserID(ctx, "u1")
	ctx = WithRoles(ctx, []string{"operator"})
	ctx = WithRunID(ctx, "run-1")

	tenant, ok := TenantID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "t1", tenant)
	user, _ := UserID(ctx)
	assert.Equal(t, "u1", user)
	roles, ok := Roles(ctx)
	assert.True(t, ok)
	assert.Equal(t, []string{"operator"}, roles)
	runID, _ := RunID(ctx)
	assert.Equal(t, "run-1", runID)

	_, ok = TenantID(context.Background())
	assert.False(t, ok)
}
