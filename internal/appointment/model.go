package appointment

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusConfirmed         Status = "confirmed"
	StatusCustomerArrived   Status = "customer_arrived"
	StatusReceptionCreated  Status = "reception_created"
	StatusReceptionApproved Status = "reception_approved"
	StatusInProgress        Status = "in_progress"
	StatusCompleted         Status = "completed"
	StatusInvoiced          Status = "invoiced"
	StatusCancelRequested   Status = "cancel_requested"
	StatusCancelApproved    Status = "cancel_approved"
	StatusCancelRefunded    Status = "cancel_refunded"
	StatusCancelled         Status = "cancelled"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

type RefundMethod string

const (
	RefundCash         RefundMethod = "cash"
	RefundBankTransfer RefundMethod = "bank_transfer"
)

func (m RefundMethod) Valid() bool {
	return m == RefundCash || m == RefundBankTransfer
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor is whoever drives a transition; ID ends up in the history entry.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsStaff() bool {
	return a.Role == RoleStaff || a.Role == RoleAdmin || a.Role == RoleSystem
}

type LineItem struct {
	ServiceID uuid.UUID `json:"service_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice int64     `json:"unit_price"`
}

type PartItem struct {
	PartID    uuid.UUID `json:"part_id"`
	Quantity  int       `json:"quantity"`
	UnitPrice int64     `json:"unit_price"`
}

type DepositInfo struct {
	Amount int64 `json:"amount"`
	Paid   bool  `json:"paid"`
}

type PaymentInfo struct {
	TransactionRef string    `json:"transaction_ref"`
	Amount         int64     `json:"amount"`
	Method         string    `json:"method"`
	VerifiedAt     time.Time `json:"verified_at"`
}

type BankInfo struct {
	BankName      string `json:"bank_name"`
	AccountNumber string `json:"account_number"`
	AccountHolder string `json:"account_holder"`
	ProofRef      string `json:"proof_ref"`
}

// CancelRequest is frozen at request time; only RefundProcessedAt is written later.
type CancelRequest struct {
	Reason            string       `json:"reason"`
	RequestedAt       time.Time    `json:"requested_at"`
	RequestedBy       string       `json:"requested_by,omitempty"`
	RefundMethod      RefundMethod `json:"refund_method"`
	BaseAmount        int64        `json:"base_amount"`
	RefundPercentage  int          `json:"refund_percentage"`
	RefundAmount      int64        `json:"refund_amount"`
	Bank              *BankInfo    `json:"bank,omitempty"`
	RefundProcessedAt *time.Time   `json:"refund_processed_at,omitempty"`
}

type HistoryEntry struct {
	Status    Status    `json:"status"`
	ChangedAt time.Time `json:"changed_at"`
	ChangedBy string    `json:"changed_by,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

type Appointment struct {
	ID            uuid.UUID
	Number        string
	CustomerID    uuid.UUID
	VehicleID     uuid.UUID
	Services      []LineItem
	Parts         []PartItem
	TechnicianID  *uuid.UUID
	SlotID        *uuid.UUID
	ScheduledAt   time.Time
	Priority      Priority
	TotalAmount   int64
	Deposit       *DepositInfo
	Payment       *PaymentInfo
	Status        Status
	CancelRequest *CancelRequest
	History       []HistoryEntry
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy so a failed mutation can never leak into the original.
func (a *Appointment) Clone() *Appointment {
	cp := *a
	cp.Services = append([]LineItem(nil), a.Services...)
	cp.Parts = append([]PartItem(nil), a.Parts...)
	cp.History = append([]HistoryEntry(nil), a.History...)
	if a.TechnicianID != nil {
		id := *a.TechnicianID
		cp.TechnicianID = &id
	}
	if a.SlotID != nil {
		id := *a.SlotID
		cp.SlotID = &id
	}
	if a.Deposit != nil {
		d := *a.Deposit
		cp.Deposit = &d
	}
	if a.Payment != nil {
		p := *a.Payment
		cp.Payment = &p
	}
	if a.CancelRequest != nil {
		cr := *a.CancelRequest
		if cr.Bank != nil {
			b := *cr.Bank
			cr.Bank = &b
		}
		if cr.RefundProcessedAt != nil {
			t := *cr.RefundProcessedAt
			cr.RefundProcessedAt = &t
		}
		cp.CancelRequest = &cr
	}
	return &cp
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
