// Package queues reads trigger queues. Three backends implement the same
// Source interface: the Globus Queues REST API, AWS SQS, and an in-process
// NATS server for development.
package queues

import "context"

// Backend names used in configuration, logs and metric labels.
const (
	BackendGlobus   = "globus"
	BackendSQS      = "sqs"
	BackendEmbedded = "embedded"
)

// Message is one queue message in backend-independent form. The field names
// and JSON tags follow the Globus Queues wire format; the other backends map
// their native shapes onto it.
type Message struct {
	MessageID               string   `json:"message_id"`
	MessageBody             string   `json:"message_body"`
	SentByEffectiveIdentity string   `json:"sent_by_effective_identity"`
	SentTimestamp           string   `json:"sent_timestamp"`
	SentByApp               string   `json:"sent_by_app,omitempty"`
	SentByIdentitySet       []string `json:"sent_by_identity_set,omitempty"`
	ReceiptHandle           string   `json:"receipt_handle,omitempty"`
}

// Source reads and deletes messages from one queue backend. Implementations
// must be safe for concurrent use; every enabled trigger polls from its own
// goroutine.
//
// authToken is the bearer token the trigger polls with. The Globus backend
// sends it on every request; SQS and the embedded backend authenticate by
// other means and ignore it.
type Source interface {
	// Receive returns up to maxMessages messages currently available on the
	// queue. An empty slice means the queue had nothing to deliver. Received
	// messages stay invisible to other receivers until deleted or until the
	// backend's visibility window lapses.
	Receive(ctx context.Context, queueID string, maxMessages int, authToken string) ([]Message, error)

	// Delete acknowledges one received message so it is never delivered again.
	Delete(ctx context.Context, queueID, receiptHandle, authToken string) error

	// CheckQueueAccessible verifies the queue exists and is readable with the
	// given credentials.
	CheckQueueAccessible(ctx context.Context, queueID, authToken string) error

	// CheckConnectivity verifies the backend itself is reachable.
	CheckConnectivity(ctx context.Context) error
}
