package ingest

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// SQSQueue implements Queue backed by AWS/LocalStack SQS.
type SQSQueue struct {
	client   sqsAPI
	queueURL string
}

func NewSQSQueue(client *sqs.Client, queueURL string) *SQSQueue {
	if client == nil {
		panic("ingest: SQS client cannot be nil")
	}
	return newSQSQueue(client, queueURL)
}

func newSQSQueue(client sqsAPI, queueURL string) *SQSQueue {
	if queueURL == "" {
		panic("ingest: SQS queueURL cannot be empty")
	}
	return &SQSQueue{client: client, queueURL: queueURL}
}

func (q *SQSQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("ingest: failed to send SQS message: %w", err)
	}
	return nil
}

func (q *SQSQueue) Receive(ctx context.Context, maxMessages int, waitSeconds int) ([]QueueMessage, error) {
	output, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(waitSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("ingest: failed to receive SQS messages: %w", err)
	}

	messages := make([]QueueMessage, 0, len(output.Messages))
	for _, msg := range output.Messages {
		messages = append(messages, QueueMessage{
			ID:            aws.ToString(msg.MessageId),
			Body:          aws.ToString(msg.Body),
			ReceiptHandle: aws.ToString(msg.ReceiptHandle),
		})
	}
	return messages, nil
}

func (q *SQSQueue) Delete(ctx context.Context, receiptHandle string) error {
	if receiptHandle == "" {
		return nil
	}
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("ingest: failed to delete SQS message: %w", err)
	}
	return nil
}
