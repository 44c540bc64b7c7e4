package retries

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
)

var errFlaky = errors.New("flaky")

func TestRetryReturnsLastErrorWhenAttemptsRunOut(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		return errFlaky
	}, func(error) bool { return true })

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 3, calls)
}

func TestRetryStopsOnFatalError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		calls++
		return errFlaky
	}, func(error) bool { return false })

	assert.ErrorIs(t, err, errFlaky)
	assert.Equal(t, 1, calls)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), 3, time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return errFlaky
		}
		return nil
	}, func(error) bool { return true })

	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestIsRetriableDbError(t *testing.T) {
	assert.False(t, IsRetriableDbError(nil))
	assert.False(t, IsRetriableDbError(context.Canceled))
	assert.False(t, IsRetriableDbError(&types.ConditionalCheckFailedException{}))
	assert.True(t, IsRetriableDbError(&types.ProvisionedThroughputExceededException{}))
	assert.True(t, IsRetriableDbError(&types.InternalServerError{}))
	assert.True(t, IsRetriableDbError(errors.New("connection reset by peer")))
}
