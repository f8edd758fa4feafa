package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

func TestJobRoundTrip(t *testing.T) {
	body, err := encodeJob("evt-1")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	j, err := decodeJob(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if j.EventID != "evt-1" || j.ID == "" {
		t.Fatalf("unexpected job %+v", j)
	}
	if _, err := decodeJob(`{"id":"x"}`); err == nil {
		t.Fatalf("expected error for job without event id")
	}
}

func TestMemoryQueueBatchesAndTimesOut(t *testing.T) {
	q := NewMemoryQueue(8)
	ctx := context.Background()
	for _, body := range []string{"a", "b", "c"} {
		if err := q.Send(ctx, body); err != nil {
			t.Fatalf("send: %v", err)
		}
	}

	msgs, err := q.Receive(ctx, 2, 1)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "a" || msgs[1].Body != "b" {
		t.Fatalf("unexpected batch %+v", msgs)
	}
	msgs, _ = q.Receive(ctx, 5, 1)
	if len(msgs) != 1 || msgs[0].Body != "c" {
		t.Fatalf("unexpected batch %+v", msgs)
	}

	start := time.Now()
	msgs, err = q.Receive(ctx, 5, 1)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty receive, got %v %v", msgs, err)
	}
	if time.Since(start) < 900*time.Millisecond {
		t.Fatalf("receive returned before the wait elapsed")
	}
}

func TestMemoryQueueReceiveCancelled(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Receive(ctx, 1, 0); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

type fakeSQS struct {
	sent     []string
	deleted  []string
	messages []sqstypes.Message
	err      error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("id")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	n := min(int(in.MaxNumberOfMessages), len(f.messages))
	out := f.messages[:n]
	f.messages = f.messages[n:]
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueue(t *testing.T) {
	client := &fakeSQS{messages: []sqstypes.Message{
		{MessageId: aws.String("m1"), Body: aws.String("one"), ReceiptHandle: aws.String("r1")},
		{MessageId: aws.String("m2"), Body: aws.String("two"), ReceiptHandle: aws.String("r2")},
	}}
	q := newSQSQueue(client, "https://sqs.local/queue")
	ctx := context.Background()

	if err := NewQueueDispatcher(q).Dispatch(ctx, "evt-1"); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected one sent message, got %d", len(client.sent))
	}
	if j, err := decodeJob(client.sent[0]); err != nil || j.EventID != "evt-1" {
		t.Fatalf("unexpected job %+v %v", j, err)
	}

	msgs, err := q.Receive(ctx, 10, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 2 || msgs[1].ReceiptHandle != "r2" {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	if err := q.Delete(ctx, ""); err != nil {
		t.Fatalf("delete empty: %v", err)
	}
	if err := q.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(client.deleted) != 1 || client.deleted[0] != "r1" {
		t.Fatalf("unexpected deletes %v", client.deleted)
	}

	client.err = errors.New("throttled")
	if err := q.Send(ctx, "x"); err == nil {
		t.Fatalf("expected send error")
	}
}
