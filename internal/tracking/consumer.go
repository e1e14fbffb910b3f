package tracking

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/ignite/audience-dispatch/internal/domain"
)

// ApplyFunc applies one callback. A nil error, or an error the callee has
// already classified as permanent and swallowed, deletes the message.
type ApplyFunc func(ctx context.Context, cb domain.DeliveryCallback) error

// Consumer long-polls the callback queue and feeds the delivery tracker.
// A message is deleted after it is applied or found unparseable; on any
// other error it stays on the queue for redelivery.
type Consumer struct {
	client   SQSAPI
	queueURL string
	apply    ApplyFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed atomic.Int64
	dropped   atomic.Int64
	failed    atomic.Int64
}

// NewConsumer creates a Consumer.
func NewConsumer(client SQSAPI, queueURL string, apply ApplyFunc) *Consumer {
	return &Consumer{client: client, queueURL: queueURL, apply: apply}
}

// Start begins polling in the background.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.poll(ctx)
	}()
	log.Printf("[CallbackConsumer] started (queue=%s)", c.queueURL)
}

// Stop cancels polling and waits for the in-flight batch.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
	log.Printf("[CallbackConsumer] stopped")
}

// Stats returns processed, dropped and failed message counts.
func (c *Consumer) Stats() (processed, dropped, failed int64) {
	return c.processed.Load(), c.dropped.Load(), c.failed.Load()
}

func (c *Consumer) poll(ctx context.Context) {
	for ctx.Err() == nil {
		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[CallbackConsumer] receive error: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}
		for _, msg := range out.Messages {
			c.handle(ctx, msg)
		}
	}
}

// handle processes one message.
func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	cb, err := ParseDeliveryMessage([]byte(aws.ToString(msg.Body)))
	if err != nil {
		if errors.Is(err, ErrUnrecognized) {
			log.Printf("[CallbackConsumer] dropping message %s: %v", aws.ToString(msg.MessageId), err)
			c.dropped.Add(1)
			c.delete(ctx, msg.ReceiptHandle)
		}
		return
	}
	if err := c.apply(ctx, *cb); err != nil {
		log.Printf("[CallbackConsumer] apply %s (%s) failed, leaving for redelivery: %v", cb.ExternalID, cb.Status, err)
		c.failed.Add(1)
		return
	}
	c.processed.Add(1)
	c.delete(ctx, msg.ReceiptHandle)
}

func (c *Consumer) delete(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		log.Printf("[CallbackConsumer] delete error: %v", err)
	}
}
