package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/hashicorp/go-hclog"
)

// Envelope is the {pattern, data} message shape the video manager consumes.
type Envelope struct {
	Pattern string          `json:"pattern"`
	Data    json.RawMessage `json:"data"`
}

type Publisher interface {
	Publish(ctx context.Context, pattern string, data interface{}) error
}

// SQSSender is the subset of *sqs.Client used for publishing.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSPublisher struct {
	client   SQSSender
	queueURL string
	log      hclog.Logger
}

func NewSQSPublisher(client SQSSender, queueURL string, log hclog.Logger) *SQSPublisher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &SQSPublisher{client: client, queueURL: queueURL, log: log}
}

func (p *SQSPublisher) Publish(ctx context.Context, pattern string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", pattern, err)
	}
	body, err := json.Marshal(Envelope{Pattern: pattern, Data: raw})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", pattern, err)
	}

	out, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"pattern": {DataType: aws.String("String"), StringValue: aws.String(pattern)},
		},
	})
	if err != nil {
		return fmt.Errorf("send %s: %w", pattern, err)
	}
	p.log.Trace("event published", "pattern", pattern, "message_id", aws.ToString(out.MessageId))
	return nil
}

// LogPublisher only logs events. Used when no events queue is configured.
type LogPublisher struct {
	log hclog.Logger
}

func NewLogPublisher(log hclog.Logger) *LogPublisher {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &LogPublisher{log: log}
}

func (p *LogPublisher) Publish(_ context.Context, pattern string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", pattern, err)
	}
	p.log.Info("event", "pattern", pattern, "data", string(raw))
	return nil
}
