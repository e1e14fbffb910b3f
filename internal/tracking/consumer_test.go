package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/ignite/audience-dispatch/internal/domain"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []string
	deleted []string
}

func (f *fakeSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func message(handle, body string) types.Message {
	return types.Message{ReceiptHandle: aws.String(handle), MessageId: aws.String(handle), Body: aws.String(body)}
}

func TestConsumerDeletesOnlyHandledMessages(t *testing.T) {
	q := &fakeSQS{}
	var applied []domain.DeliveryCallback
	c := NewConsumer(q, "queue", func(ctx context.Context, cb domain.DeliveryCallback) error {
		if cb.ExternalID == "retry-me" {
			return errors.New("db down")
		}
		applied = append(applied, cb)
		return nil
	})

	ctx := context.Background()
	c.handle(ctx, message("h1", `{"external_id":"e1","status":"delivered"}`))
	c.handle(ctx, message("h2", `garbage`))
	c.handle(ctx, message("h3", `{"external_id":"retry-me","status":"opened"}`))

	if len(applied) != 1 || applied[0].ExternalID != "e1" {
		t.Fatalf("applied = %+v", applied)
	}
	if len(q.deleted) != 2 || q.deleted[0] != "h1" || q.deleted[1] != "h2" {
		t.Errorf("deleted = %v, want [h1 h2]", q.deleted)
	}
	processed, dropped, failed := c.Stats()
	if processed != 1 || dropped != 1 || failed != 1 {
		t.Errorf("stats = %d/%d/%d", processed, dropped, failed)
	}
}

func TestConsumerKeepsEarlyCallbackForRedelivery(t *testing.T) {
	q := &fakeSQS{}
	errNoSend := errors.New("send not found")
	recorded := false
	var applied []domain.DeliveryCallback
	c := NewConsumer(q, "queue", func(ctx context.Context, cb domain.DeliveryCallback) error {
		if !recorded {
			return errNoSend
		}
		applied = append(applied, cb)
		return nil
	})

	ctx := context.Background()
	body := `{"external_id":"SM123","status":"delivered"}`
	c.handle(ctx, message("h1", body))
	if len(q.deleted) != 0 {
		t.Fatalf("deleted = %v, want message kept", q.deleted)
	}

	recorded = true
	c.handle(ctx, message("h1-redelivered", body))
	if len(applied) != 1 || applied[0].ExternalID != "SM123" || applied[0].Status != domain.SendDelivered {
		t.Errorf("applied = %+v", applied)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "h1-redelivered" {
		t.Errorf("deleted = %v", q.deleted)
	}
}

func TestConsumerStartStop(t *testing.T) {
	c := NewConsumer(&fakeSQS{}, "queue", func(context.Context, domain.DeliveryCallback) error { return nil })
	c.Start(context.Background())
	c.Start(context.Background())
	c.Stop()
	c.Stop()
}

func TestPublisherRoundTrip(t *testing.T) {
	q := &fakeSQS{}
	p := NewPublisher(q, "queue")
	err := p.Publish(context.Background(), domain.DeliveryCallback{ExternalID: "e9", Status: domain.SendClicked})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	cb, err := ParseDeliveryMessage([]byte(q.sent[0]))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cb.ExternalID != "e9" || cb.Status != domain.SendClicked {
		t.Errorf("cb = %+v", cb)
	}
}
