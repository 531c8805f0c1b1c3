package dberror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutNetErr struct{ timeout bool }

func (e timeoutNetErr) Error() string   { return "net failure" }
func (e timeoutNetErr) Timeout() bool   { return e.timeout }
func (e timeoutNetErr) Temporary() bool { return false }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"statement timeout sqlstate", &pgconn.PgError{Code: "57014", Message: "canceling statement due to statement timeout"}, KindTimeout},
		{"admin shutdown sqlstate", &pgconn.PgError{Code: "57P01"}, KindConnection},
		{"connection exception class", &pgconn.PgError{Code: "08006"}, KindConnection},
		{"auth class", &pgconn.PgError{Code: "28P01"}, KindConnection},
		{"too many connections", &pgconn.PgError{Code: "53300"}, KindConnection},
		{"syntax error", &pgconn.PgError{Code: "42601", Message: "syntax error at or near"}, KindQuery},
		{"undefined column", &pgconn.PgError{Code: "42703"}, KindQuery},
		{"wrapped pg error", fmt.Errorf("run: %w", &pgconn.PgError{Code: "57014"}), KindTimeout},
		{"context deadline", context.DeadlineExceeded, KindTimeout},
		{"context canceled", fmt.Errorf("query: %w", context.Canceled), KindQuery},
		{"net timeout", timeoutNetErr{timeout: true}, KindTimeout},
		{"net failure", timeoutNetErr{timeout: false}, KindConnection},
		{"refused message", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), KindConnection},
		{"timeout message", errors.New("pq: canceling statement due to statement timeout"), KindTimeout},
		{"password message", errors.New("FATAL: password authentication failed for user"), KindConnection},
		{"unknown message", errors.New("relation \"orders\" does not exist"), KindQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	require.NoError(t, Wrap(nil))

	err := Wrap(errors.New("connection refused"))
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, KindConnection, execErr.Kind)
	assert.Equal(t, "connection error: connection refused", err.Error())

	again := Wrap(fmt.Errorf("outer: %w", err))
	kind, ok := KindOf(again)
	require.True(t, ok)
	assert.Equal(t, KindConnection, kind)
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(&ExecutionError{Kind: KindConnection, Err: errors.New("x")}))
	assert.False(t, IsTransient(&ExecutionError{Kind: KindTimeout, Err: errors.New("x")}))
	assert.False(t, IsTransient(&ExecutionError{Kind: KindQuery, Err: errors.New("x")}))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("connection reset by peer")))
}

func TestUserMessage(t *testing.T) {
	t.Parallel()

	assert.Empty(t, UserMessage(nil))
	assert.Contains(t, UserMessage(&SecurityError{Message: "semicolons are not allowed"}), "Security rule violated")
	assert.Contains(t, UserMessage(Validationf("region", "sum", "aggregation %q not allowed", "sum")), "Configuration error")
	assert.Contains(t, UserMessage(&ExecutionError{Kind: KindTimeout, Err: errors.New("x")}), "timed out")
	assert.Contains(t, UserMessage(&ExecutionError{Kind: KindConnection, Err: errors.New("x")}), "unavailable")
	assert.Contains(t, UserMessage(&ExecutionError{Kind: KindQuery, Err: errors.New("bad column")}), "bad column")
	assert.Equal(t, "Query was cancelled.", UserMessage(Wrap(fmt.Errorf("query: %w", context.Canceled))))
}

func TestWrap_CanceledIsNotTimeout(t *testing.T) {
	t.Parallel()

	kind, ok := KindOf(Wrap(context.Canceled))
	require.True(t, ok)
	assert.Equal(t, KindQuery, kind)
	assert.NotContains(t, UserMessage(Wrap(context.Canceled)), "timed out")
}
