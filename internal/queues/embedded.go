package queues

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"go.triggerflow.dev/internal/common/metrics"
)

const embeddedFetchWait = 250 * time.Millisecond

// EmbeddedConfig configures the in-process development backend.
type EmbeddedConfig struct {
	// Port for the embedded NATS server. Zero or negative picks a random
	// free port.
	Port int
	// StoreDir overrides the JetStream directory. Empty uses the server
	// default. Streams themselves are memory-backed either way.
	StoreDir string
	// AckWait is how long a received message stays invisible before it is
	// redelivered. Defaults to 30 seconds.
	AckWait time.Duration
}

// EmbeddedSource is the development queue backend: an in-process NATS server
// with JetStream, one work-queue stream per queue ID. Queues are created on
// first use, and messages not deleted within the ack window are redelivered,
// so it behaves like a hosted queue service without any external dependency.
type EmbeddedSource struct {
	server  *server.Server
	conn    *nats.Conn
	js      jetstream.JetStream
	ackWait time.Duration

	mu        sync.Mutex
	consumers map[string]jetstream.Consumer
	inflight  map[string]jetstream.Msg
}

// NewEmbeddedSource starts the embedded server and connects to it.
func NewEmbeddedSource(cfg EmbeddedConfig) (*EmbeddedSource, error) {
	port := cfg.Port
	if port <= 0 {
		port = -1 // random available port
	}
	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      port,
		JetStream: true,
		NoLog:     true,
		NoSigs:    true,
	}
	if cfg.StoreDir != "" {
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ackWait := cfg.AckWait
	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}

	log.Info().Str("url", ns.ClientURL()).Msg("Embedded queue backend started")
	return &EmbeddedSource{
		server:    ns,
		conn:      conn,
		js:        js,
		ackWait:   ackWait,
		consumers: make(map[string]jetstream.Consumer),
		inflight:  make(map[string]jetstream.Msg),
	}, nil
}

// Close drains the client connection and stops the server.
func (s *EmbeddedSource) Close() {
	if s.conn != nil {
		_ = s.conn.Drain()
		s.conn.Close()
	}
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
}

// Receive fetches up to maxMessages messages from the queue's stream.
func (s *EmbeddedSource) Receive(ctx context.Context, queueID string, maxMessages int, _ string) ([]Message, error) {
	cons, err := s.consumer(ctx, queueID)
	if err != nil {
		metrics.QueueReceiveErrors.WithLabelValues(BackendEmbedded).Inc()
		return nil, err
	}
	if maxMessages <= 0 {
		maxMessages = 10
	}

	batch, err := cons.Fetch(maxMessages, jetstream.FetchMaxWait(embeddedFetchWait))
	if err != nil {
		metrics.QueueReceiveErrors.WithLabelValues(BackendEmbedded).Inc()
		return nil, fmt.Errorf("receive from queue %s: %w", queueID, err)
	}

	var out []Message
	for m := range batch.Messages() {
		msg := decodeEmbeddedMessage(m.Data())
		msg.ReceiptHandle = uuid.NewString()
		s.mu.Lock()
		s.inflight[msg.ReceiptHandle] = m
		s.mu.Unlock()
		out = append(out, msg)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Str("queueID", queueID).Msg("Queue fetch ended with error")
	}

	metrics.QueueMessagesReceived.WithLabelValues(BackendEmbedded).Add(float64(len(out)))
	return out, nil
}

// Delete acks the message held under the receipt handle.
func (s *EmbeddedSource) Delete(ctx context.Context, queueID, receiptHandle, _ string) error {
	s.mu.Lock()
	m, ok := s.inflight[receiptHandle]
	if ok {
		delete(s.inflight, receiptHandle)
	}
	s.mu.Unlock()

	if !ok {
		metrics.QueueDeleteErrors.WithLabelValues(BackendEmbedded).Inc()
		return fmt.Errorf("unknown receipt handle for queue %s", queueID)
	}
	if err := m.Ack(); err != nil {
		metrics.QueueDeleteErrors.WithLabelValues(BackendEmbedded).Inc()
		return fmt.Errorf("delete from queue %s: %w", queueID, err)
	}
	metrics.QueueMessagesDeleted.WithLabelValues(BackendEmbedded).Inc()
	return nil
}

// CheckQueueAccessible creates the queue's stream on demand, so any queue ID
// is accessible while the server runs.
func (s *EmbeddedSource) CheckQueueAccessible(ctx context.Context, queueID string, _ string) error {
	_, err := s.consumer(ctx, queueID)
	return err
}

// CheckConnectivity reports whether the embedded client connection is up.
func (s *EmbeddedSource) CheckConnectivity(_ context.Context) error {
	if s.conn == nil || !s.conn.IsConnected() {
		return errors.New("embedded nats connection lost")
	}
	return nil
}

// Publish injects one message onto a queue. The development event endpoint
// uses this to exercise a trigger without a hosted queue service.
func (s *EmbeddedSource) Publish(ctx context.Context, queueID, body, sentBy string) (string, error) {
	if _, err := s.consumer(ctx, queueID); err != nil {
		return "", err
	}

	msg := Message{
		MessageID:               uuid.NewString(),
		MessageBody:             body,
		SentByEffectiveIdentity: sentBy,
		SentTimestamp:           time.Now().UTC().Format(time.RFC3339),
		SentByApp:               "triggerflow-dev",
	}
	if sentBy != "" {
		msg.SentByIdentitySet = []string{sentBy}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	if _, err := s.js.Publish(ctx, embeddedSubject(queueID), data); err != nil {
		return "", fmt.Errorf("publish to queue %s: %w", queueID, err)
	}
	return msg.MessageID, nil
}

// consumer returns the queue's durable consumer, creating the backing stream
// and consumer on first use.
func (s *EmbeddedSource) consumer(ctx context.Context, queueID string) (jetstream.Consumer, error) {
	s.mu.Lock()
	cons, ok := s.consumers[queueID]
	s.mu.Unlock()
	if ok {
		return cons, nil
	}

	stream, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      embeddedStreamName(queueID),
		Subjects:  []string{embeddedSubject(queueID)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream for queue %s: %w", queueID, err)
	}
	cons, err = stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   "poller",
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   s.ackWait,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for queue %s: %w", queueID, err)
	}

	s.mu.Lock()
	s.consumers[queueID] = cons
	s.mu.Unlock()
	return cons, nil
}

// decodeEmbeddedMessage restores the published envelope. Payloads published
// by other tools, without the envelope, become the message body of a fresh
// message.
func decodeEmbeddedMessage(data []byte) Message {
	var msg Message
	if err := json.Unmarshal(data, &msg); err == nil && msg.MessageID != "" {
		return msg
	}
	return Message{
		MessageID:     uuid.NewString(),
		MessageBody:   string(data),
		SentTimestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Stream and subject names tolerate queue IDs with characters NATS reserves.
var embeddedNameSanitizer = strings.NewReplacer(
	".", "_", "*", "_", ">", "_", "/", "_", "\\", "_", " ", "_",
)

func embeddedStreamName(queueID string) string {
	return "TRIGGERQ_" + embeddedNameSanitizer.Replace(queueID)
}

func embeddedSubject(queueID string) string {
	return "triggerq." + embeddedNameSanitizer.Replace(queueID)
}
