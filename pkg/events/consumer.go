package events

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-nvr/backend/internal/models"
)

// SQSAPI is the subset of the SQS client the consumer uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// HandlerFunc processes one object reference. A non-nil error leaves the
// message on the queue for redelivery.
type HandlerFunc func(ctx context.Context, ref models.ObjectRef) error

// Consumer long-polls an SQS queue and dispatches S3 notifications.
type Consumer struct {
	client      SQSAPI
	queueURL    string
	handle      HandlerFunc
	concurrency int
	logger      *zap.Logger

	// WaitSeconds is the long-poll wait; ErrorBackoff the pause after a receive error.
	WaitSeconds  int32
	ErrorBackoff time.Duration
}

// NewConsumer builds a consumer that processes up to concurrency messages at once.
func NewConsumer(client SQSAPI, queueURL string, handle HandlerFunc, concurrency int, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Consumer{
		client:       client,
		queueURL:     queueURL,
		handle:       handle,
		concurrency:  concurrency,
		logger:       logger,
		WaitSeconds:  20,
		ErrorBackoff: 5 * time.Second,
	}
}

// Run polls until ctx is cancelled. In-flight messages finish before it returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("event consumer started", zap.String("queue_url", c.queueURL))
	for {
		if ctx.Err() != nil {
			c.logger.Info("event consumer stopping")
			return nil
		}
		maxMsgs := int32(c.concurrency)
		if maxMsgs > 10 {
			maxMsgs = 10
		}
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: maxMsgs,
			WaitTimeSeconds:     c.WaitSeconds,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				continue
			}
			c.logger.Error("receive message error", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.ErrorBackoff):
			}
			continue
		}
		c.processBatch(ctx, out.Messages)
	}
}

func (c *Consumer) processBatch(ctx context.Context, msgs []types.Message) {
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			c.processMessage(context.WithoutCancel(ctx), m)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Consumer) processMessage(ctx context.Context, m types.Message) {
	msgLog := c.logger.With(zap.String("message_id", aws.ToString(m.MessageId)))

	refs, err := ParseS3Event([]byte(aws.ToString(m.Body)))
	if err != nil {
		msgLog.Error("invalid message body", zap.Error(err))
		// delete message to avoid poison
		c.delete(ctx, m, msgLog)
		return
	}

	for _, ref := range refs {
		if err := c.handle(ctx, ref); err != nil {
			msgLog.Warn("handler failed, leaving message for redelivery", zap.String("key", ref.Key), zap.Error(err))
			return
		}
	}
	c.delete(ctx, m, msgLog)
}

func (c *Consumer) delete(ctx context.Context, m types.Message, log *zap.Logger) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		log.Error("delete message failed", zap.Error(err))
	}
}
