package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vidproc/processor"
	"vidproc/task"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
)

const (
	PatternProcessVideo  = "process_video"
	PatternCancelProcess = "cancel_process"
)

// SQSAPI is the subset of *sqs.Client the consumer needs.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

type Submitter interface {
	Submit(job processor.Job) (*task.Task, error)
}

type Canceler interface {
	Cancel(ctx context.Context, videoID string) error
}

type message struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

type cancelRequest struct {
	VideoID string `json:"videoId"`
}

// Consumer long-polls the job queue and hands messages to the worker.
type Consumer struct {
	client    SQSAPI
	queueURL  string
	wait      int32
	submitter Submitter
	canceler  Canceler
	log       hclog.Logger
}

func NewConsumer(client SQSAPI, queueURL string, waitSeconds int32, submitter Submitter, canceler Canceler, log hclog.Logger) *Consumer {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Consumer{
		client:    client,
		queueURL:  queueURL,
		wait:      waitSeconds,
		submitter: submitter,
		canceler:  canceler,
		log:       log,
	}
}

// Run polls until ctx is done. Receive errors back off exponentially up to 30s.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("consuming job queue", "queue", c.queueURL)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			c.log.Info("consumer shutting down")
			return
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     c.wait,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Error("receive failed", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for _, m := range out.Messages {
			c.Handle(ctx, m)
		}
	}
}

// Handle dispatches one message and deletes it. Malformed messages are
// deleted too, since redelivery cannot fix them.
func (c *Consumer) Handle(ctx context.Context, m types.Message) {
	if err := c.dispatch(ctx, aws.ToString(m.Body)); err != nil {
		c.log.Error("could not handle message", "message_id", aws.ToString(m.MessageId), "error", err)
	}
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		c.log.Error("failed to delete message", "message_id", aws.ToString(m.MessageId), "error", err)
	}
}

func (c *Consumer) dispatch(ctx context.Context, body string) error {
	var msg message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}

	switch msg.Pattern {
	case PatternProcessVideo:
		var job processor.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msg.Pattern, err)
		}
		t, err := c.submitter.Submit(job)
		if err != nil {
			return err
		}
		c.log.Info("job submitted", "task_id", t.ID, "video_id", job.VideoID)
		return nil
	case PatternCancelProcess:
		var req cancelRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return fmt.Errorf("invalid %s payload: %w", msg.Pattern, err)
		}
		if req.VideoID == "" {
			return errors.New("cancel_process without videoId")
		}
		if _, err := uuid.Parse(req.VideoID); err != nil {
			return fmt.Errorf("cancel_process with invalid videoId %q: %w", req.VideoID, err)
		}
		return c.canceler.Cancel(ctx, req.VideoID)
	default:
		return fmt.Errorf("unknown pattern %q", msg.Pattern)
	}
}
