package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-nvr/backend/internal/apperr"
	"github.com/aura-nvr/backend/internal/models"
)

const createdEvent = `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"nvr"},"object":{"key":"incoming/ch1_20250814123045.dav","size":2048}}}]}`

func TestParseS3Event(t *testing.T) {
	refs, err := ParseS3Event([]byte(createdEvent))
	require.NoError(t, err)
	assert.Equal(t, []models.ObjectRef{{Bucket: "nvr", Key: "incoming/ch1_20250814123045.dav", Size: 2048, EventName: "ObjectCreated:Put"}}, refs)

	encoded := `{"Records":[{"eventName":"ObjectCreated:CompleteMultipartUpload","s3":{"bucket":{"name":"nvr"},"object":{"key":"incoming/front+door_20250814123045%231.dav","size":1}}},{"eventName":"ObjectRemoved:Delete","s3":{"bucket":{"name":"nvr"},"object":{"key":"incoming/x.dav"}}}]}`
	refs, err = ParseS3Event([]byte(encoded))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "incoming/front door_20250814123045#1.dav", refs[0].Key)

	wrapped := `{"Type":"Notification","Message":` + quote(createdEvent) + `}`
	refs, err = ParseS3Event([]byte(wrapped))
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "nvr", refs[0].Bucket)

	refs, err = ParseS3Event([]byte(`{"Service":"Amazon S3","Event":"s3:TestEvent","Bucket":"nvr"}`))
	require.NoError(t, err)
	assert.Empty(t, refs)

	_, err = ParseS3Event([]byte(`not json`))
	assert.Error(t, err)
	_, err = ParseS3Event([]byte(`{"hello":"world"}`))
	assert.Error(t, err)
}

func quote(s string) string {
	out := []byte{'"'}
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(append(out, '"'))
}

type fakeSQS struct {
	mu      sync.Mutex
	batches [][]types.Message
	deleted []string
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if len(f.batches) > 0 {
		b := f.batches[0]
		f.batches = f.batches[1:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: b}, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func msg(id, body string) types.Message {
	return types.Message{MessageId: aws.String(id), ReceiptHandle: aws.String(id), Body: aws.String(body)}
}

func TestConsumer_DeletesOnlyHandledAndPoison(t *testing.T) {
	failing := `{"Records":[{"eventName":"ObjectCreated:Put","s3":{"bucket":{"name":"nvr"},"object":{"key":"incoming/boom.dav","size":1}}}]}`
	client := &fakeSQS{batches: [][]types.Message{{
		msg("ok", createdEvent),
		msg("poison", "{{{"),
		msg("retry", failing),
	}}}

	var mu sync.Mutex
	var handled []string
	handler := func(_ context.Context, ref models.ObjectRef) error {
		mu.Lock()
		handled = append(handled, ref.Key)
		mu.Unlock()
		if ref.Key == "incoming/boom.dav" {
			return apperr.Transient(errors.New("throttled"))
		}
		return nil
	}

	c := NewConsumer(client, "https://sqs.local/q", handler, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(client.deletedHandles()) == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.ElementsMatch(t, []string{"ok", "poison"}, client.deletedHandles())
	mu.Lock()
	assert.ElementsMatch(t, []string{"incoming/ch1_20250814123045.dav", "incoming/boom.dav"}, handled)
	mu.Unlock()
}
