package appointment

import (
	"fmt"
	"time"
)

// transitions is the complete set of permitted moves. Anything not listed is
// rejected with ErrInvalidStateTransition.
var transitions = map[Status][]Status{
	StatusPending:           {StatusConfirmed, StatusCancelRequested},
	StatusConfirmed:         {StatusCustomerArrived, StatusCancelRequested},
	StatusCustomerArrived:   {StatusReceptionCreated},
	StatusReceptionCreated:  {StatusReceptionApproved},
	StatusReceptionApproved: {StatusInProgress},
	StatusInProgress:        {StatusCompleted},
	StatusCompleted:         {StatusInvoiced},
	StatusCancelRequested:   {StatusCancelApproved},
	StatusCancelApproved:    {StatusCancelRefunded},
	StatusCancelRefunded:    {StatusCancelled},
}

func (s Status) Valid() bool {
	if _, ok := transitions[s]; ok {
		return true
	}
	return s == StatusInvoiced || s == StatusCancelled
}

func (s Status) IsTerminal() bool {
	return s == StatusInvoiced || s == StatusCancelled
}

func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionMeta is copied into the history entry.
type TransitionMeta struct {
	ChangedBy string
	Notes     string
	Reason    string
}

// Transition moves the appointment to status `to` and appends exactly one
// history entry. On error nothing is changed.
func (a *Appointment) Transition(to Status, meta TransitionMeta, now time.Time) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, a.Status, to)
	}
	a.Status = to
	a.appendHistory(to, meta, now)
	return nil
}

func (a *Appointment) appendHistory(status Status, meta TransitionMeta, now time.Time) {
	at := now.UTC()
	if n := len(a.History); n > 0 && at.Before(a.History[n-1].ChangedAt) {
		// keep changed_at non-decreasing even if the clock steps back
		at = a.History[n-1].ChangedAt
	}
	a.History = append(a.History, HistoryEntry{
		Status:    status,
		ChangedAt: at,
		ChangedBy: meta.ChangedBy,
		Notes:     meta.Notes,
		Reason:    meta.Reason,
	})
}

// DisplayHistory collapses consecutive entries with the same status, keeping
// the first of each run. Storage is never deduplicated.
func DisplayHistory(entries []HistoryEntry) []HistoryEntry {
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if n := len(out); n > 0 && out[n-1].Status == e.Status {
			continue
		}
		out = append(out, e)
	}
	return out
}
