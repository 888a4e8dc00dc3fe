package ingest

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
)

const (
	receiveBatch      = 16
	visibilityTimeout = 30 // seconds
)

// QueueSource reads intent envelopes from an Azure Storage Queue.
type QueueSource struct {
	queue *azqueue.QueueClient
}

func NewQueueSource(connStr, queueName string) (*QueueSource, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    5 * time.Second,
				RetryDelay:    200 * time.Millisecond,
				MaxRetryDelay: 2 * time.Second,
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueSource{queue: q}, nil
}

func (s *QueueSource) Receive(ctx context.Context) ([]Message, error) {
	n, vis := int32(receiveBatch), int32(visibilityTimeout)
	resp, err := s.queue.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
		NumberOfMessages:  &n,
		VisibilityTimeout: &vis,
	})
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		if m == nil || m.MessageID == nil || m.PopReceipt == nil {
			continue
		}
		msg := Message{ID: *m.MessageID, PopReceipt: *m.PopReceipt}
		if m.MessageText != nil {
			msg.Text = *m.MessageText
		}
		if m.DequeueCount != nil {
			msg.DequeueCount = *m.DequeueCount
		}
		out = append(out, msg)
	}
	return out, nil
}

func (s *QueueSource) Delete(ctx context.Context, msg Message) error {
	_, err := s.queue.DeleteMessage(ctx, msg.ID, msg.PopReceipt, nil)
	return err
}
