// Package payment is the port to the external payment gateway.
package payment

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrUnknownTransaction = errors.New("payment transaction not found at gateway")

type CreateRequest struct {
	Amount        int64
	Currency      string
	OrderInfo     string
	CorrelationID uuid.UUID
	// Metadata travels with the payment as opaque correlation data.
	Metadata map[string]string
}

type Intent struct {
	TransactionRef string
	RedirectURL    string
}

type Verification struct {
	TransactionRef string `json:"transaction_ref"`
	Success        bool   `json:"success"`
	VerifiedAmount int64  `json:"verified_amount"`
	Currency       string `json:"currency"`
	Method         string `json:"method"`
	// Status is the gateway's own wording, kept for support.
	Status string `json:"status"`
}

// Gateway creates and verifies payments. VerifyPayment must be safe to call
// repeatedly for the same reference.
type Gateway interface {
	CreatePayment(ctx context.Context, req CreateRequest) (*Intent, error)
	VerifyPayment(ctx context.Context, transactionRef string) (*Verification, error)
}
