// internal/common/camunda/client_test.go
package camunda

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"experiment-oracle/internal/common/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(maxRetries int) *Client {
	return &Client{config: &ClientConfig{
		RequestTimeout: time.Second,
		RetryConfig: &RetryConfig{
			MaxRetries: maxRetries,
			BaseDelay:  time.Millisecond,
			MaxDelay:   5 * time.Millisecond,
		},
	}}
}

func TestExecuteWithRetry_RecoversFromTransientError(t *testing.T) {
	c := newTestClient(3)
	calls := 0

	result, err := c.ExecuteWithRetry(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		if calls < 3 {
			return nil, stderrors.New("rpc error: code = Unavailable")
		}
		return "ok", nil
	}, "create-instance")

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestExecuteWithRetry_StopsOnPermanentError(t *testing.T) {
	c := newTestClient(3)
	calls := 0

	_, err := c.ExecuteWithRetry(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, stderrors.New("process definition not found")
	}, "create-instance")

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDispatchNotConfigured))
}

func TestExecuteWithRetry_ExhaustsRetries(t *testing.T) {
	c := newTestClient(2)
	calls := 0

	_, err := c.ExecuteWithRetry(context.Background(), func(context.Context) (interface{}, error) {
		calls++
		return nil, stderrors.New("connection refused")
	}, "create-instance")

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTransportFailed))
}

func TestExecuteWithRetry_ContextCancelled(t *testing.T) {
	c := newTestClient(5)
	c.config.RetryConfig.BaseDelay = time.Hour
	c.config.RetryConfig.MaxDelay = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ExecuteWithRetry(ctx, func(context.Context) (interface{}, error) {
		return nil, stderrors.New("deadline exceeded")
	}, "create-instance")

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableZeebeError(t *testing.T) {
	assert.True(t, isRetryableZeebeError(stderrors.New("Connection Reset by peer")))
	assert.False(t, isRetryableZeebeError(stderrors.New("invalid argument")))
}
