package queues

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/common/metrics"
)

// SQSAPI is the subset of SQS client operations the source uses. Tests
// substitute a fake.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
	ListQueues(ctx context.Context, params *sqs.ListQueuesInput, optFns ...func(*sqs.Options)) (*sqs.ListQueuesOutput, error)
}

// SQSConfig configures the SQS source.
type SQSConfig struct {
	Region string
	// CustomEndpoint points the client at LocalStack. Static credentials are
	// used when it is set; empty key fields fall back to LocalStack's "test".
	CustomEndpoint  string
	AccessKeyID     string
	SecretAccessKey string
}

// SQSSource reads AWS SQS queues. Queue IDs are queue names (or full queue
// URLs); resolved URLs are cached. Bearer tokens are ignored, access control
// is the AWS credential chain.
type SQSSource struct {
	sqs  SQSAPI
	mu   sync.RWMutex
	urls map[string]string
}

// NewSQSSource creates an SQS source from the AWS configuration chain.
func NewSQSSource(ctx context.Context, cfg SQSConfig) (*SQSSource, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	if cfg.CustomEndpoint != "" {
		if cfg.AccessKeyID == "" {
			cfg.AccessKeyID = "test"
		}
		if cfg.SecretAccessKey == "" {
			cfg.SecretAccessKey = "test"
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID, cfg.SecretAccessKey, "",
			)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			o.BaseEndpoint = aws.String(cfg.CustomEndpoint)
		})
		log.Info().
			Str("endpoint", cfg.CustomEndpoint).
			Str("region", cfg.Region).
			Msg("SQS source using custom endpoint")
		return NewSQSSourceWithAPI(client), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSQSSourceWithAPI(sqs.NewFromConfig(awsCfg)), nil
}

// NewSQSSourceWithAPI wraps an existing SQS client, for tests.
func NewSQSSourceWithAPI(api SQSAPI) *SQSSource {
	return &SQSSource{
		sqs:  api,
		urls: make(map[string]string),
	}
}

// Receive reads up to maxMessages messages from the queue. SQS caps a single
// read at ten messages.
func (s *SQSSource) Receive(ctx context.Context, queueID string, maxMessages int, _ string) ([]Message, error) {
	queueURL, err := s.queueURL(ctx, queueID)
	if err != nil {
		metrics.QueueReceiveErrors.WithLabelValues(BackendSQS).Inc()
		return nil, err
	}
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10
	}

	out, err := s.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameSentTimestamp,
			types.MessageSystemAttributeNameSenderId,
		},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		metrics.QueueReceiveErrors.WithLabelValues(BackendSQS).Inc()
		return nil, fmt.Errorf("receive from queue %s: %w", queueID, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, sqsMessage(m))
	}
	metrics.QueueMessagesReceived.WithLabelValues(BackendSQS).Add(float64(len(msgs)))
	return msgs, nil
}

// Delete removes one message by its receipt handle.
func (s *SQSSource) Delete(ctx context.Context, queueID, receiptHandle string, _ string) error {
	queueURL, err := s.queueURL(ctx, queueID)
	if err != nil {
		metrics.QueueDeleteErrors.WithLabelValues(BackendSQS).Inc()
		return err
	}

	_, err = s.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		metrics.QueueDeleteErrors.WithLabelValues(BackendSQS).Inc()
		return fmt.Errorf("delete from queue %s: %w", queueID, err)
	}
	metrics.QueueMessagesDeleted.WithLabelValues(BackendSQS).Inc()
	return nil
}

// CheckQueueAccessible verifies the queue exists and its attributes are
// readable with the current credentials.
func (s *SQSSource) CheckQueueAccessible(ctx context.Context, queueID string, _ string) error {
	queueURL, err := s.queueURL(ctx, queueID)
	if err != nil {
		return fmt.Errorf("queue %s is not accessible: %w", queueID, err)
	}
	_, err = s.sqs.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("queue %s is not accessible: %w", queueID, err)
	}
	return nil
}

// CheckConnectivity verifies the SQS endpoint answers at all.
func (s *SQSSource) CheckConnectivity(ctx context.Context) error {
	_, err := s.sqs.ListQueues(ctx, &sqs.ListQueuesInput{MaxResults: aws.Int32(1)})
	if err != nil {
		return fmt.Errorf("sqs not reachable: %w", err)
	}
	return nil
}

// queueURL resolves a queue ID to its URL, caching the answer. An ID that is
// already a URL is used as is.
func (s *SQSSource) queueURL(ctx context.Context, queueID string) (string, error) {
	if strings.HasPrefix(queueID, "http://") || strings.HasPrefix(queueID, "https://") {
		return queueID, nil
	}

	s.mu.RLock()
	u, ok := s.urls[queueID]
	s.mu.RUnlock()
	if ok {
		return u, nil
	}

	out, err := s.sqs.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queueID)})
	if err != nil {
		return "", fmt.Errorf("resolve queue %s: %w", queueID, err)
	}
	u = aws.ToString(out.QueueUrl)

	s.mu.Lock()
	s.urls[queueID] = u
	s.mu.Unlock()
	return u, nil
}

// sqsMessage translates one SQS message into the backend-independent shape.
// Globus identity fields come from same-named message attributes when the
// producer set them; otherwise the SQS sender ID stands in.
func sqsMessage(m types.Message) Message {
	msg := Message{
		MessageID:     aws.ToString(m.MessageId),
		MessageBody:   aws.ToString(m.Body),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
	}
	if ts, ok := m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)]; ok {
		msg.SentTimestamp = ts
	}
	if sender, ok := m.Attributes[string(types.MessageSystemAttributeNameSenderId)]; ok {
		msg.SentByEffectiveIdentity = sender
	}
	if attr, ok := m.MessageAttributes["sent_by_effective_identity"]; ok {
		msg.SentByEffectiveIdentity = aws.ToString(attr.StringValue)
	}
	if attr, ok := m.MessageAttributes["sent_by_app"]; ok {
		msg.SentByApp = aws.ToString(attr.StringValue)
	}
	if attr, ok := m.MessageAttributes["sent_by_identity_set"]; ok {
		if v := aws.ToString(attr.StringValue); v != "" {
			msg.SentByIdentitySet = strings.Split(v, ",")
		}
	}
	return msg
}
