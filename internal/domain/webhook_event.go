package domain

import (
	"encoding/json"
	"time"
)

// WebhookOutcome is the lifecycle state of a recorded webhook event.
// A row is created on receipt and is terminal once applied, duplicate,
// or dead_lettered.
type WebhookOutcome string

const (
	WebhookPending      WebhookOutcome = "pending"
	WebhookApplied      WebhookOutcome = "applied"
	WebhookDuplicate    WebhookOutcome = "duplicate"
	WebhookRetrying     WebhookOutcome = "retrying"
	WebhookDeadLettered WebhookOutcome = "dead_lettered"
)

// WebhookEvent is the durable record of a provider event delivery.
//
// EventID is the provider's event id and the dedupe key: inserting a second
// row with the same id conflicts, and the caller acknowledges without
// reprocessing. Attempts and NextAttemptAt make the retry queue durable
// across process restarts.
type WebhookEvent struct {
	EventID       string
	EventType     string
	Payload       json.RawMessage
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
	Outcome       WebhookOutcome
	Attempts      int
	NextAttemptAt *time.Time
	LastError     string
}
