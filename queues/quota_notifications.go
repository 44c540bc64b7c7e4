package queues

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-transfer/logging"
	"github.com/Yulian302/lfusys-services-transfer/models"
	"github.com/Yulian302/lfusys-services-transfer/retries"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/juju/clock"
)

const (
	publishTimeout = 10 * time.Second
	applyTimeout   = 10 * time.Second
	pollBackoff    = time.Second
)

// QuotaApplier is the catalog side of a quota delta.
type QuotaApplier interface {
	ApplyQuotaDelta(ctx context.Context, ownerID string, delta int64) error
}

// ResolveQueueURL looks up the URL of the named queue.
func ResolveQueueURL(ctx context.Context, client *sqs.Client, name string) (string, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.QueueUrl), nil
}

func isFifo(queueUrl string) bool {
	return strings.HasSuffix(queueUrl, ".fifo")
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newQuotaEvent(clk clock.Clock, ownerID string, delta int64, reason string) models.QuotaDeltaEvent {
	return models.QuotaDeltaEvent{
		EventId:    uuid.NewString(),
		OwnerId:    ownerID,
		DeltaBytes: delta,
		Reason:     reason,
		OccurredAt: clk.Now().UTC(),
	}
}

// SQSQuotaNotifier publishes quota deltas to a queue. Publishing happens in
// the background; failures are logged and never reach the caller.
type SQSQuotaNotifier struct {
	client   *sqs.Client
	queueUrl string
	clock    clock.Clock
	logger   logging.Logger

	wg sync.WaitGroup
}

func NewSQSQuotaNotifier(client *sqs.Client, queueUrl string, clk clock.Clock, l logging.Logger) *SQSQuotaNotifier {
	return &SQSQuotaNotifier{
		client:   client,
		queueUrl: queueUrl,
		clock:    clk,
		logger:   l,
	}
}

func (n *SQSQuotaNotifier) RecordQuotaDelta(ctx context.Context, ownerID string, delta int64, reason string) {
	evt := newQuotaEvent(n.clock, ownerID, delta, reason)
	body, err := json.Marshal(evt)
	if err != nil {
		n.logger.Error("could not encode quota event", "owner_id", ownerID, "error", err)
		return
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueUrl),
		MessageBody: aws.String(string(body)),
	}
	if isFifo(n.queueUrl) {
		input.MessageGroupId = aws.String(ownerID)
		input.MessageDeduplicationId = aws.String(evt.EventId)
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()

		err := retries.Retry(sctx, retries.DefaultAttempts, retries.DefaultBaseDelay, func() error {
			_, err := n.client.SendMessage(sctx, input)
			return err
		}, func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		})
		if err != nil {
			n.logger.Error("failed to publish quota delta", "event_id", evt.EventId, "owner_id", ownerID, "delta", delta, "error", err)
			return
		}
		n.logger.Debug("quota delta published", "event_id", evt.EventId, "owner_id", ownerID, "delta", delta)
	}()
}

// Shutdown waits for in-flight publishes.
func (n *SQSQuotaNotifier) Shutdown(ctx context.Context) error {
	return waitGroup(ctx, &n.wg)
}

// DirectQuotaNotifier applies deltas to the catalog in-process. Used when no
// queue is configured.
type DirectQuotaNotifier struct {
	applier QuotaApplier
	logger  logging.Logger

	wg sync.WaitGroup
}

func NewDirectQuotaNotifier(applier QuotaApplier, l logging.Logger) *DirectQuotaNotifier {
	return &DirectQuotaNotifier{applier: applier, logger: l}
}

func (n *DirectQuotaNotifier) RecordQuotaDelta(ctx context.Context, ownerID string, delta int64, reason string) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), applyTimeout)
		defer cancel()

		if err := n.applier.ApplyQuotaDelta(actx, ownerID, delta); err != nil {
			n.logger.Error("failed to apply quota delta", "owner_id", ownerID, "delta", delta, "reason", reason, "error", err)
		}
	}()
}

func (n *DirectQuotaNotifier) Shutdown(ctx context.Context) error {
	return waitGroup(ctx, &n.wg)
}

// QuotaNotifyReceiverImpl long-polls the quota queue and applies every event
// to the catalog. A message is deleted once applied, or when it can never be
// applied.
type QuotaNotifyReceiverImpl struct {
	client   *sqs.Client
	applier  QuotaApplier
	queueUrl string
	clock    clock.Clock
	logger   logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewQuotaNotifyReceiverImpl(
	parent context.Context,
	client *sqs.Client,
	applier QuotaApplier,
	queueUrl string,
	clk clock.Clock,
	l logging.Logger,
) *QuotaNotifyReceiverImpl {
	ctx, cancel := context.WithCancel(parent)

	return &QuotaNotifyReceiverImpl{
		client:   client,
		applier:  applier,
		queueUrl: queueUrl,
		clock:    clk,
		logger:   l,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *QuotaNotifyReceiverImpl) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *QuotaNotifyReceiverImpl) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20, // long poll
			VisibilityTimeout:   30,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			r.logger.Warn("receiving quota events failed", "error", err)
			select {
			case <-r.ctx.Done():
				return r.ctx.Err()
			case <-r.clock.After(pollBackoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *QuotaNotifyReceiverImpl) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.logger.Warn("could not delete quota message", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

func (r *QuotaNotifyReceiverImpl) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var evt models.QuotaDeltaEvent
	if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil || evt.OwnerId == "" {
		// poison message
		r.logger.Warn("dropping malformed quota event", "message_id", aws.ToString(msg.MessageId))
		r.deleteMessage(ctx, msg)
		return
	}

	actx, cancel := context.WithTimeout(ctx, applyTimeout)
	err := r.applier.ApplyQuotaDelta(actx, evt.OwnerId, evt.DeltaBytes)
	cancel()
	if err != nil {
		// left for redelivery
		r.logger.Warn("applying quota event failed", "event_id", evt.EventId, "owner_id", evt.OwnerId, "error", err)
		return
	}

	r.logger.Debug("quota event applied", "event_id", evt.EventId, "owner_id", evt.OwnerId, "delta", evt.DeltaBytes)
	r.deleteMessage(ctx, msg)
}

func (r *QuotaNotifyReceiverImpl) Shutdown(ctx context.Context) error {
	r.cancel()
	return waitGroup(ctx, &r.wg)
}
