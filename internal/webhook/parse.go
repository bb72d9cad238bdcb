package webhook

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/feezero/payments/internal/domain"
)

// ErrMalformedPayload is returned when a verified body cannot be decoded
// into an event.
var ErrMalformedPayload = errors.New("webhook: malformed payload")

// envelope accepts both the bare event body and Coinbase's
// {"id":..., "event":{...}} delivery wrapper.
type envelope struct {
	ID        json.RawMessage `json:"id"`
	Type      string          `json:"type"`
	CreatedAt string          `json:"created_at"`
	Data      *chargeData     `json:"data"`
	Event     *eventPayload   `json:"event"`
}

type eventPayload struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	CreatedAt string      `json:"created_at"`
	Data      *chargeData `json:"data"`
}

type chargeData struct {
	ID       string          `json:"id"`
	Code     string          `json:"code"`
	Metadata map[string]any  `json:"metadata"`
	Timeline []timelineEntry `json:"timeline"`
	Pricing  json.RawMessage `json:"pricing"`
}

type timelineEntry struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

// Parse decodes a verified webhook body. Unrecognised event types are not
// an error: they parse to domain.EventUnknown so the caller can ignore
// them. A body without a charge id is malformed.
func Parse(payload []byte) (domain.WebhookEvent, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return domain.WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	typ, data, createdAt := env.Type, env.Data, env.CreatedAt
	var id string
	if len(env.ID) > 0 {
		// The delivery wrapper numbers its id; only a string id names the event.
		_ = json.Unmarshal(env.ID, &id)
	}
	if env.Event != nil {
		id = env.Event.ID
		typ = env.Event.Type
		data = env.Event.Data
		createdAt = env.Event.CreatedAt
	}

	if strings.TrimSpace(typ) == "" {
		return domain.WebhookEvent{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	if data == nil || strings.TrimSpace(data.ID) == "" {
		return domain.WebhookEvent{}, fmt.Errorf("%w: missing charge id", ErrMalformedPayload)
	}

	event := domain.WebhookEvent{
		ID:         strings.TrimSpace(id),
		Kind:       domain.ParseEventKind(typ),
		RawType:    typ,
		ChargeID:   strings.TrimSpace(data.ID),
		ChargeCode: data.Code,
		Metadata:   stringMetadata(data.Metadata),
	}

	if createdAt != "" {
		ts, err := parseTime(createdAt)
		if err != nil {
			return domain.WebhookEvent{}, fmt.Errorf("%w: created_at: %v", ErrMalformedPayload, err)
		}
		event.ProviderTimestamp = ts
	} else {
		event.ProviderTimestamp = latestTimeline(data.Timeline)
	}

	if event.ID == "" {
		event.ID = deriveEventID(event)
	}
	return event, nil
}

// deriveEventID builds a stable id for deliveries that carry none, so
// redeliveries of the same body still dedupe.
func deriveEventID(e domain.WebhookEvent) string {
	sum := sha256.Sum256([]byte(e.ChargeID + "|" + strings.ToLower(e.RawType) + "|" +
		e.ProviderTimestamp.UTC().Format(time.RFC3339Nano)))
	return "derived-" + hex.EncodeToString(sum[:16])
}

func latestTimeline(entries []timelineEntry) time.Time {
	var latest time.Time
	for _, entry := range entries {
		ts, err := parseTime(entry.Time)
		if err != nil {
			continue
		}
		if ts.After(latest) {
			latest = ts
		}
	}
	return latest
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		// Some payloads omit the zone designator.
		ts, err = time.Parse("2006-01-02T15:04:05", s)
		if err != nil {
			return time.Time{}, err
		}
	}
	return ts.UTC(), nil
}

func stringMetadata(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
