package payment

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.uber.org/zap"
)

// StripeGateway uses Stripe Checkout sessions. The session id is the
// transaction reference.
type StripeGateway struct {
	api        *client.API
	successURL string
	cancelURL  string
	logger     *zap.Logger
}

func NewStripeGateway(secretKey, successURL, cancelURL string, logger *zap.Logger) (*StripeGateway, error) {
	secretKey = strings.TrimSpace(secretKey)
	if secretKey == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if _, err := url.Parse(successURL); err != nil {
		return nil, fmt.Errorf("invalid success url: %w", err)
	}
	return &StripeGateway{
		api:        client.New(secretKey, nil),
		successURL: successURL,
		cancelURL:  cancelURL,
		logger:     logger,
	}, nil
}

// returnURL appends the correlation id and Stripe's session placeholder so the
// caller can resume the booking after the redirect.
func returnURL(base, correlationID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "correlation_id=" + url.QueryEscape(correlationID) + "&session_id={CHECKOUT_SESSION_ID}"
}

func (g *StripeGateway) CreatePayment(ctx context.Context, req CreateRequest) (*Intent, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("invalid amount %d", req.Amount)
	}

	cid := req.CorrelationID.String()
	metadata := map[string]string{"correlation_id": cid}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(returnURL(g.successURL, cid)),
		CancelURL:         stripe.String(returnURL(g.cancelURL, cid)),
		ClientReferenceID: stripe.String(cid),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(req.Currency),
					UnitAmount: stripe.Int64(req.Amount),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(req.OrderInfo),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: metadata,
	}
	params.Context = ctx
	// one checkout session per booking attempt, even if the call is retried
	params.IdempotencyKey = stripe.String("booking-" + cid)

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		g.logger.Error("stripe checkout session create failed",
			zap.String("correlation_id", cid), zap.Error(err))
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	return &Intent{
		TransactionRef: sess.ID,
		RedirectURL:    sess.URL,
	}, nil
}

func (g *StripeGateway) VerifyPayment(ctx context.Context, transactionRef string) (*Verification, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	sess, err := g.api.CheckoutSessions.Get(transactionRef, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			return nil, ErrUnknownTransaction
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("get checkout session: %w", err)
	}

	v := &Verification{
		TransactionRef: sess.ID,
		Success:        sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		VerifiedAmount: sess.AmountTotal,
		Currency:       string(sess.Currency),
		Method:         "card",
		Status:         string(sess.PaymentStatus),
	}
	if len(sess.PaymentMethodTypes) > 0 {
		v.Method = sess.PaymentMethodTypes[0]
	}

	g.logger.Debug("stripe checkout session verified",
		zap.String("session_id", sess.ID),
		zap.String("payment_status", v.Status),
		zap.Int64("amount_total", v.VerifiedAmount),
	)
	return v, nil
}
