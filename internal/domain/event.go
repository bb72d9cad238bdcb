package domain

import (
	"strings"
	"time"
)

// EventKind is the closed set of provider webhook event types the
// reconciler understands. Anything else parses to EventUnknown.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventCreated
	EventPending
	EventConfirmed
	EventResolved
	EventFailed
	EventDelayed
)

var eventKindNames = map[EventKind]string{
	EventCreated:   "created",
	EventPending:   "pending",
	EventConfirmed: "confirmed",
	EventResolved:  "resolved",
	EventFailed:    "failed",
	EventDelayed:   "delayed",
}

// ParseEventKind maps a provider type string such as "charge:confirmed"
// or "confirmed" to its EventKind.
func ParseEventKind(s string) EventKind {
	name := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "charge:")
	for kind, n := range eventKindNames {
		if n == name {
			return kind
		}
	}
	return EventUnknown
}

func (k EventKind) String() string {
	if n, ok := eventKindNames[k]; ok {
		return n
	}
	return "unknown"
}

// TargetStatus returns the charge status implied by the event.
func (k EventKind) TargetStatus() (ChargeStatus, bool) {
	switch k {
	case EventCreated:
		return StatusCreated, true
	case EventPending, EventDelayed:
		return StatusPending, true
	case EventConfirmed, EventResolved:
		return StatusCompleted, true
	case EventFailed:
		return StatusFailed, true
	}
	return "", false
}

// WebhookEvent is a verified, parsed provider callback.
type WebhookEvent struct {
	ID                string            `json:"id"`
	Kind              EventKind         `json:"-"`
	RawType           string            `json:"type"`
	ChargeID          string            `json:"charge_id"`
	ChargeCode        string            `json:"charge_code,omitempty"`
	ProviderTimestamp time.Time         `json:"provider_timestamp"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Reasons an event is acknowledged without touching any charge.
const (
	IgnoreUnknownCharge    = "unknown_charge"
	IgnoreUnknownEventType = "unknown_event_type"
)

// IgnoredEvent is kept so operators can see webhooks that were
// acknowledged but not applied.
type IgnoredEvent struct {
	ID         string    `json:"id"`
	EventID    string    `json:"event_id"`
	ChargeID   string    `json:"charge_id"`
	EventType  string    `json:"event_type"`
	Reason     string    `json:"reason"`
	ReceivedAt time.Time `json:"received_at"`
}
