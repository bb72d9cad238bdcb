package domain

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ChargeStatus
		want     bool
	}{
		{StatusCreated, StatusPending, true},
		{StatusCreated, StatusCompleted, true},
		{StatusCreated, StatusCancelled, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusFailed, true},
		{StatusCreated, StatusCreated, false},
		{StatusPending, StatusPending, false},
		{StatusPending, StatusCreated, false},
		{StatusCompleted, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusCompleted, false},
		{StatusCreated, ChargeStatus("refunded"), false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestParseEventKind(t *testing.T) {
	tests := map[string]EventKind{
		"charge:created":   EventCreated,
		"charge:pending":   EventPending,
		"charge:confirmed": EventConfirmed,
		"charge:resolved":  EventResolved,
		"charge:failed":    EventFailed,
		"charge:delayed":   EventDelayed,
		"confirmed":        EventConfirmed,
		"CHARGE:Failed":    EventFailed,
		" charge:pending ": EventPending,
		"charge:refunded":  EventUnknown,
		"":                 EventUnknown,
	}
	for in, want := range tests {
		if got := ParseEventKind(in); got != want {
			t.Errorf("ParseEventKind(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestTargetStatus(t *testing.T) {
	tests := map[EventKind]ChargeStatus{
		EventCreated:   StatusCreated,
		EventPending:   StatusPending,
		EventDelayed:   StatusPending,
		EventConfirmed: StatusCompleted,
		EventResolved:  StatusCompleted,
		EventFailed:    StatusFailed,
	}
	for kind, want := range tests {
		got, ok := kind.TargetStatus()
		if !ok || got != want {
			t.Errorf("%v.TargetStatus() = %v, %v; want %v", kind, got, ok, want)
		}
	}
	if _, ok := EventUnknown.TargetStatus(); ok {
		t.Error("unknown kind must not map to a status")
	}
}
