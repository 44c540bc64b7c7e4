package queues

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingApplier struct {
	mu     sync.Mutex
	deltas map[string]int64
	calls  int
	fail   error
}

func newRecordingApplier() *recordingApplier {
	return &recordingApplier{deltas: map[string]int64{}}
}

func (a *recordingApplier) ApplyQuotaDelta(_ context.Context, ownerID string, delta int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fail != nil {
		return a.fail
	}
	a.deltas[ownerID] += delta
	return nil
}

func (a *recordingApplier) get(ownerID string) (int64, int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.deltas[ownerID], a.calls
}

func TestIsFifo(t *testing.T) {
	assert.True(t, isFifo("https://sqs.us-east-1.amazonaws.com/1/quota.fifo"))
	assert.False(t, isFifo("https://sqs.us-east-1.amazonaws.com/1/quota"))
}

func TestDirectQuotaNotifierAppliesInBackground(t *testing.T) {
	applier := newRecordingApplier()
	n := NewDirectQuotaNotifier(applier, logging.NewNop())

	n.RecordQuotaDelta(context.Background(), "alice", 100, "upload_completed")
	n.RecordQuotaDelta(context.Background(), "alice", 50, "upload_completed")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, n.Shutdown(ctx))

	total, calls := applier.get("alice")
	assert.Equal(t, int64(150), total)
	assert.Equal(t, 2, calls)
}

func TestDirectQuotaNotifierSwallowsErrors(t *testing.T) {
	applier := newRecordingApplier()
	applier.fail = errors.New("catalog down")
	n := NewDirectQuotaNotifier(applier, logging.NewNop())

	n.RecordQuotaDelta(context.Background(), "alice", 1, "upload_completed")
	require.NoError(t, n.Shutdown(context.Background()))
}

func TestQuotaEventCarriesFields(t *testing.T) {
	evt := newQuotaEvent(clock.WallClock, "alice", 42, "upload_completed")
	_, err := uuid.Parse(evt.EventId)
	require.NoError(t, err)
	assert.Equal(t, "alice", evt.OwnerId)
	assert.Equal(t, int64(42), evt.DeltaBytes)
	assert.False(t, evt.OccurredAt.IsZero())
}

// newTestQueue needs localstack, e.g.
// TRANSFER_TEST_AWS_ENDPOINT=http://localhost:4566.
func newTestQueue(t *testing.T) (*sqs.Client, string) {
	t.Helper()
	endpoint := os.Getenv("TRANSFER_TEST_AWS_ENDPOINT")
	if endpoint == "" {
		t.Skip("TRANSFER_TEST_AWS_ENDPOINT not set")
	}
	ctx := context.Background()

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion("us-east-1"))
	require.NoError(t, err)
	client := sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	name := "quota-" + uuid.NewString()[:8]
	_, err = client.CreateQueue(ctx, &sqs.CreateQueueInput{QueueName: aws.String(name)})
	require.NoError(t, err)

	url, err := ResolveQueueURL(ctx, client, name)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = client.DeleteQueue(context.Background(), &sqs.DeleteQueueInput{QueueUrl: aws.String(url)})
	})
	return client, url
}

func TestQuotaDeltaRoundTripsThroughQueue(t *testing.T) {
	client, url := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	applier := newRecordingApplier()
	receiver := NewQuotaNotifyReceiverImpl(ctx, client, applier, url, clock.WallClock, logging.NewNop())
	receiver.Start()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		_ = receiver.Shutdown(sctx)
	})

	notifier := NewSQSQuotaNotifier(client, url, clock.WallClock, logging.NewNop())
	notifier.RecordQuotaDelta(ctx, "alice", 2048, "upload_completed")
	require.NoError(t, notifier.Shutdown(ctx))

	require.Eventually(t, func() bool {
		total, _ := applier.get("alice")
		return total == 2048
	}, 30*time.Second, 100*time.Millisecond)
}

func TestMalformedQuotaMessagesAreDropped(t *testing.T) {
	client, url := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	for _, body := range []string{"not json", `{"delta_bytes": 5}`} {
		_, err := client.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: aws.String(url), MessageBody: aws.String(body)})
		require.NoError(t, err)
	}
	good, err := json.Marshal(models.QuotaDeltaEvent{EventId: "e-1", OwnerId: "bob", DeltaBytes: -10})
	require.NoError(t, err)
	_, err = client.SendMessage(ctx, &sqs.SendMessageInput{QueueUrl: aws.String(url), MessageBody: aws.String(string(good))})
	require.NoError(t, err)

	applier := newRecordingApplier()
	receiver := NewQuotaNotifyReceiverImpl(ctx, client, applier, url, clock.WallClock, logging.NewNop())
	receiver.Start()
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer scancel()
		_ = receiver.Shutdown(sctx)
	})

	require.Eventually(t, func() bool {
		total, _ := applier.get("bob")
		return total == -10
	}, 30*time.Second, 100*time.Millisecond)

	require.Eventually(t, func() bool {
		attrs, err := client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
			QueueUrl:       aws.String(url),
			AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible},
		})
		if err != nil {
			return false
		}
		return attrs.Attributes["ApproximateNumberOfMessages"] == "0" &&
			attrs.Attributes["ApproximateNumberOfMessagesNotVisible"] == "0"
	}, 30*time.Second, 200*time.Millisecond, "poison messages are deleted")

	_, calls := applier.get("bob")
	assert.Equal(t, 1, calls, "malformed events never reach the catalog")
}
