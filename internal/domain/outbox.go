package domain

import "time"

type TaskKind string

const (
	TaskEscrowRelease         TaskKind = "escrow.release"
	TaskEmailPaymentCompleted TaskKind = "email.payment_completed"
	TaskEmailPaymentFailed    TaskKind = "email.payment_failed"
)

type TaskState string

const (
	TaskPending TaskState = "pending"
	TaskDone    TaskState = "done"
	TaskDead    TaskState = "dead"
)

// OutboxTask is a side effect committed together with the status
// transition that caused it. At most one task per (Kind, ChargeID).
type OutboxTask struct {
	ID            string    `json:"id"`
	Kind          TaskKind  `json:"kind"`
	ChargeID      string    `json:"charge_id"`
	State         TaskState `json:"state"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}
