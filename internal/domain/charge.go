package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ChargeStatus string

const (
	StatusCreated   ChargeStatus = "created"
	StatusPending   ChargeStatus = "pending"
	StatusCompleted ChargeStatus = "completed"
	StatusFailed    ChargeStatus = "failed"
	StatusCancelled ChargeStatus = "cancelled"
)

// Valid reports whether s is one of the known charge statuses.
func (s ChargeStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further status change is permitted.
func (s ChargeStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Rank orders statuses along the state machine. All terminal statuses
// share the highest rank.
func (s ChargeStatus) Rank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusPending:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled:
		return 2
	}
	return -1
}

// CanTransition reports whether moving from -> to is a forward step.
// Equal ranks are not transitions, and nothing leaves a terminal status.
func CanTransition(from, to ChargeStatus) bool {
	if from.IsTerminal() || !to.Valid() {
		return false
	}
	return to.Rank() > from.Rank()
}

// Timeline entry sources.
const (
	SourceIssuer   = "issuer"
	SourceWebhook  = "webhook"
	SourceOperator = "operator"
	SourceSync     = "sync"
	SourceReplay   = "replay"
)

// TimelineEntry is one audit record on a charge. Entries are only ever
// appended.
type TimelineEntry struct {
	Status            ChargeStatus `json:"status"`
	EventType         string       `json:"event_type,omitempty"`
	EventID           string       `json:"event_id,omitempty"`
	Source            string       `json:"source"`
	Applied           bool         `json:"applied"`
	ProviderTimestamp time.Time    `json:"provider_timestamp"`
	ReceivedAt        time.Time    `json:"received_at"`
}

// Charge is one payment request issued to a payer. ID is the local key;
// ChargeID is assigned by the provider once issuance succeeds.
type Charge struct {
	ID          string          `json:"id"`
	ChargeID    string          `json:"charge_id,omitempty"`
	Code        string          `json:"code,omitempty"`
	HostedURL   string          `json:"hosted_url,omitempty"`
	ProjectID   string          `json:"project_id"`
	PayerID     string          `json:"payer_id"`
	Reference   string          `json:"internal_reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	PayerEmail  string          `json:"payer_email,omitempty"`
	Language    string          `json:"language"`
	Status      ChargeStatus    `json:"status"`
	Version     int64           `json:"-"`
	Timeline    []TimelineEntry `json:"timeline,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// ChargeReference builds the internal reference for a project/payer pair.
func ChargeReference(projectID, payerID string) string {
	return projectID + ":" + payerID
}

// EscrowRelease records funds released to the payee of a contract after
// its charge completed. One release per charge.
type EscrowRelease struct {
	ChargeID   string          `json:"charge_id"`
	ContractID string          `json:"contract_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ReleasedAt time.Time       `json:"released_at"`
}
