package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vidproc/processor"
	"vidproc/task"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSQS struct {
	mu       sync.Mutex
	batches  [][]types.Message
	deleted  []string
	receives int
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	m.receives++
	if len(m.batches) > 0 {
		batch := m.batches[0]
		m.batches = m.batches[1:]
		m.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	m.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *mockSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) deletedHandles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

type mockWorker struct {
	mu       sync.Mutex
	jobs     []processor.Job
	canceled []string
	err      error
}

func (w *mockWorker) Submit(job processor.Job) (*task.Task, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return nil, w.err
	}
	w.jobs = append(w.jobs, job)
	return &task.Task{ID: "t1", Job: job}, nil
}

func (w *mockWorker) Cancel(_ context.Context, videoID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.canceled = append(w.canceled, videoID)
	return nil
}

func msg(handle, body string) types.Message {
	return types.Message{MessageId: aws.String("id-" + handle), ReceiptHandle: aws.String(handle), Body: aws.String(body)}
}

func TestConsumer_Run(t *testing.T) {
	client := &mockSQS{batches: [][]types.Message{{
		msg("h1", `{"pattern":"process_video","data":{"videoId":"v1","creatorId":"c1","videoUrl":"/f/abc.mp4","originalFileName":"a.mp4"}}`),
		msg("h2", `{"pattern":"cancel_process","data":{"videoId":"7f1d3a4e-0000-4000-8000-000000000002"}}`),
	}}}
	worker := &mockWorker{}
	c := NewConsumer(client, "q", 1, worker, worker, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(client.deletedHandles()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []processor.Job{{VideoID: "v1", CreatorID: "c1", VideoURL: "/f/abc.mp4", OriginalFileName: "a.mp4"}}, worker.jobs)
	assert.Equal(t, []string{"7f1d3a4e-0000-4000-8000-000000000002"}, worker.canceled)
	assert.Equal(t, []string{"h1", "h2"}, client.deletedHandles())
}

func TestConsumer_MalformedMessagesAreDeleted(t *testing.T) {
	client := &mockSQS{}
	worker := &mockWorker{}
	c := NewConsumer(client, "q", 1, worker, worker, nil)
	ctx := context.Background()

	c.Handle(ctx, msg("bad-json", `not json`))
	c.Handle(ctx, msg("unknown", `{"pattern":"publish_video","data":{}}`))
	c.Handle(ctx, msg("no-id", `{"pattern":"cancel_process","data":{}}`))
	c.Handle(ctx, msg("traversal", `{"pattern":"cancel_process","data":{"videoId":"../victim"}}`))

	assert.Equal(t, []string{"bad-json", "unknown", "no-id", "traversal"}, client.deletedHandles())
	assert.Empty(t, worker.jobs)
	assert.Empty(t, worker.canceled)
}

func TestConsumer_SubmitError(t *testing.T) {
	client := &mockSQS{}
	worker := &mockWorker{err: errors.New("videoId is required")}
	c := NewConsumer(client, "q", 1, worker, worker, nil)

	err := c.dispatch(context.Background(), `{"pattern":"process_video","data":{"videoUrl":"/f/abc.mp4"}}`)
	assert.ErrorContains(t, err, "videoId is required")
}

func TestConsumer_CancelRequiresUUID(t *testing.T) {
	worker := &mockWorker{}
	c := NewConsumer(&mockSQS{}, "q", 1, worker, worker, nil)
	ctx := context.Background()

	for _, id := range []string{"../victim", "../../etc", "v1", "abc/def"} {
		err := c.dispatch(ctx, `{"pattern":"cancel_process","data":{"videoId":"`+id+`"}}`)
		assert.ErrorContains(t, err, "invalid videoId", id)
	}
	assert.Empty(t, worker.canceled)

	require.NoError(t, c.dispatch(ctx, `{"pattern":"cancel_process","data":{"videoId":"7f1d3a4e-0000-4000-8000-000000000003"}}`))
	assert.Equal(t, []string{"7f1d3a4e-0000-4000-8000-000000000003"}, worker.canceled)
}
