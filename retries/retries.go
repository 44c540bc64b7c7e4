package retries

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/juju/clock"
	"github.com/juju/retry"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 100 * time.Millisecond

	HealthAttempts  = 2
	HealthBaseDelay = 50 * time.Millisecond

	maxDelay = 2 * time.Second
)

// Retry calls fn until it succeeds, returns an error isRetriable rejects,
// ctx is done, or attempts run out. The last error of fn is returned.
func Retry(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error, isRetriable func(error) bool) error {
	var lastErr error
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			lastErr = fn()
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !isRetriable(err)
		},
		Attempts:    attempts,
		Delay:       baseDelay,
		MaxDelay:    maxDelay,
		BackoffFunc: retry.ExpBackoff(baseDelay, maxDelay, 2, true),
		Clock:       clock.WallClock,
		Stop:        ctx.Done(),
	})
	if err == nil {
		return nil
	}
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		if lastErr != nil {
			return lastErr
		}
		return ctx.Err()
	}
	return err
}

// IsRetriableDbError reports whether a DynamoDB/transport error is worth
// retrying as-is. Conditional check failures never are.
func IsRetriableDbError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return false
	}

	var throughput *types.ProvisionedThroughputExceededException
	if errors.As(err, &throughput) {
		return true
	}
	var limit *types.RequestLimitExceeded
	if errors.As(err, &limit) {
		return true
	}
	var internal *types.InternalServerError
	if errors.As(err, &internal) {
		return true
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ServiceUnavailable", "InternalFailure":
			return true
		}
		return false
	}

	// transport level failures (timeouts, resets) carry no API error code
	return true
}
