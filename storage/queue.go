package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"github.com/valen20Chx/htmx-todo/domain"
)

type messageQueue interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// EventQueue publishes task events to an Azure Storage queue.
type EventQueue struct {
	queue  messageQueue
	source string
}

// NewEventQueue creates a publisher for the named queue. source identifies
// this instance in every envelope.
func NewEventQueue(connStr, queueName, source string) (*EventQueue, error) {
	if connStr == "" || queueName == "" {
		return nil, errors.New("storage: missing queue config")
	}
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Second * 30,
				RetryDelay:    time.Millisecond * 500,
				MaxRetryDelay: time.Second * 10,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queueName, &opts)
	if err != nil {
		return nil, fmt.Errorf("storage: queue client: %w", err)
	}
	return &EventQueue{queue: qc, source: source}, nil
}

// Publish enqueues the events in order, one message each. It stops at the
// first failure.
func (q *EventQueue) Publish(ctx context.Context, events []domain.TaskEvent) error {
	for _, ev := range events {
		data, err := encodeEvent(q.source, ev)
		if err != nil {
			return err
		}
		if _, err := q.queue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return fmt.Errorf("storage: enqueue %s: %w", ev.Type, err)
		}
	}
	return nil
}

// EnsureQueue creates the named queue if it does not exist yet.
func EnsureQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return fmt.Errorf("storage: queue client: %w", err)
	}
	if _, err := q.Create(ctx, nil); err != nil && !isQueueAlreadyExists(err) {
		return fmt.Errorf("storage: create queue %s: %w", name, err)
	}
	return nil
}

func isQueueAlreadyExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists"
}

func encodeEvent(source string, ev domain.TaskEvent) ([]byte, error) {
	data, err := sonic.Marshal(domain.EventEnvelope{Source: source, Event: ev})
	if err != nil {
		return nil, fmt.Errorf("storage: encode %s: %w", ev.Type, err)
	}
	return data, nil
}
