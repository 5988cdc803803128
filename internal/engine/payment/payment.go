// Package payment creates gateway orders for invoices and verifies the
// signed confirmations that come back. Verification fails closed.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"servicebay/internal/domain"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/errs"
	"servicebay/internal/events"
	"servicebay/internal/repo"
)

const DefaultTimeout = 10 * time.Second

type Coordinator struct {
	DB        *sqlx.DB
	Repo      repo.Repo
	Events    events.Writer
	Gateway   Gateway
	KeyID     string
	KeySecret string
	Timeout   time.Duration
	Log       logrus.FieldLogger
	Now       func() time.Time
}

func New(db *sqlx.DB, gw Gateway, keyID, keySecret string, log logrus.FieldLogger) Coordinator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if gw == nil {
		gw = LocalGateway{}
	}
	return Coordinator{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Gateway:   gw,
		KeyID:     keyID,
		KeySecret: keySecret,
		Timeout:   DefaultTimeout,
		Log:       log,
		Now:       time.Now,
	}
}

func (c Coordinator) now() string {
	if c.Now != nil {
		return c.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// AmountMinor converts a decimal amount to the currency's minor unit.
func AmountMinor(total decimal.Decimal) int64 {
	return total.Shift(2).Round(0).IntPart()
}

// Checkout is what a client needs to open the gateway's payment form.
type Checkout struct {
	domain.PaymentOrder
	Key              string `json:"key"`
	ServiceRequestID string `json:"serviceRequestId"`
	CustomerID       string `json:"customerId"`
	Description      string `json:"description,omitempty"`
	CustomerName     string `json:"customerName,omitempty"`
	CustomerEmail    string `json:"customerEmail,omitempty"`
	CustomerContact  string `json:"customerContact,omitempty"`
}

// CreateOrder opens a gateway order for the invoice total. The gateway call
// is bounded by Timeout; a timeout surfaces as a retryable UnavailableError.
func (c Coordinator) CreateOrder(ctx context.Context, who auth.Identity, invoiceID string) (Checkout, error) {
	inv, err := c.Repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return Checkout{}, err
	}
	if err := auth.RequireOwnerOrStaff(who, "pay invoice", inv.CustomerID); err != nil {
		return Checkout{}, err
	}
	if inv.Status == domain.InvoicePaid {
		return Checkout{}, errs.InvalidStateError{Op: "create payment order for invoice", From: domain.Status(inv.Status), Detail: "invoice is already paid"}
	}
	amount := AmountMinor(inv.Total)
	if amount <= 0 {
		return Checkout{}, errs.Invalid("total", "invoice total must be positive to collect payment")
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	gctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	gwOrder, err := c.Gateway.CreateOrder(gctx, OrderRequest{
		Amount:   amount,
		Currency: inv.Currency,
		Receipt:  inv.ID,
		Notes:    map[string]string{"service_request_id": inv.ServiceRequestID},
	})
	if err != nil {
		retryable := errors.Is(err, context.DeadlineExceeded)
		var gwErr GatewayError
		if errors.As(err, &gwErr) {
			retryable = gwErr.Temporary()
		}
		c.Log.WithFields(logrus.Fields{
			"invoice_id": inv.ID,
			"gateway":    c.Gateway.Name(),
			"retryable":  retryable,
		}).WithError(err).Warn("payment gateway order failed")
		return Checkout{}, errs.UnavailableError{Service: "payment gateway", Retryable: retryable, Err: err}
	}

	now := c.now()
	order := domain.PaymentOrder{
		ID:          gwOrder.ID,
		InvoiceID:   inv.ID,
		Gateway:     c.Gateway.Name(),
		AmountMinor: amount,
		Currency:    inv.Currency,
		Status:      domain.OrderCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return Checkout{}, err
	}
	defer tx.Rollback()
	if err := c.Repo.InsertOrderTx(ctx, tx, order); err != nil {
		return Checkout{}, err
	}
	if err := c.Events.Append(ctx, tx, "payment.order_created", events.KindPayment, order.ID, who.ActorID,
		events.EventPayload{"invoice_id": inv.ID, "amount": amount, "currency": inv.Currency}); err != nil {
		return Checkout{}, err
	}
	if err := tx.Commit(); err != nil {
		return Checkout{}, err
	}

	out := Checkout{
		PaymentOrder:     order,
		Key:              c.KeyID,
		ServiceRequestID: inv.ServiceRequestID,
		CustomerID:       inv.CustomerID,
		Description:      fmt.Sprintf("Invoice %s", inv.ID),
	}
	if cust, err := c.Repo.GetCustomer(ctx, inv.CustomerID); err == nil {
		out.CustomerName = cust.Name
		out.CustomerEmail = cust.Email
		out.CustomerContact = cust.Phone
	}
	return out, nil
}

type VerifyRequest struct {
	InvoiceID string
	OrderID   string
	PaymentID string
	Signature string
}

// Verify marks the invoice PAID only when the signature proves the gateway
// confirmed this order and payment. Anything else is a VerificationError and
// the invoice is untouched. Repeating a successful verification is a no-op.
func (c Coordinator) Verify(ctx context.Context, who auth.Identity, req VerifyRequest) (domain.Invoice, error) {
	if strings.TrimSpace(req.InvoiceID) == "" {
		return domain.Invoice{}, errs.Invalid("invoiceId", "is required")
	}
	inv, err := c.Repo.GetInvoice(ctx, req.InvoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := auth.RequireOwnerOrStaff(who, "pay invoice", inv.CustomerID); err != nil {
		return domain.Invoice{}, err
	}

	switch {
	case req.OrderID == "" || req.PaymentID == "" || req.Signature == "":
		return domain.Invoice{}, c.reject(ctx, who, req, "missing order, payment or signature")
	case c.KeySecret == "":
		return domain.Invoice{}, c.reject(ctx, who, req, "no signing secret configured")
	case !VerifySignature(c.KeySecret, req.OrderID, req.PaymentID, req.Signature):
		return domain.Invoice{}, c.reject(ctx, who, req, "signature mismatch")
	}
	order, err := c.Repo.GetOrder(ctx, req.OrderID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && order.InvoiceID != inv.ID) {
		return domain.Invoice{}, c.reject(ctx, who, req, "order does not belong to invoice")
	}
	if err != nil {
		return domain.Invoice{}, err
	}

	if inv.Status == domain.InvoicePaid {
		if inv.PaymentID != nil && *inv.PaymentID == req.PaymentID {
			return inv, nil
		}
		return domain.Invoice{}, errs.ConflictError{Resource: "invoice", Message: "invoice already paid with a different payment"}
	}

	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer tx.Rollback()
	now := c.now()
	if err := c.Repo.MarkInvoicePaidTx(ctx, tx, inv.ID, req.PaymentID, now); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.Invoice{}, errs.ConflictError{Resource: "invoice", Message: "invoice was paid concurrently"}
		}
		return domain.Invoice{}, err
	}
	if err := c.Repo.MarkOrderPaidTx(ctx, tx, order.ID, req.PaymentID, now); err != nil {
		return domain.Invoice{}, err
	}
	if err := c.Events.Append(ctx, tx, "payment.verified", events.KindPayment, order.ID, who.ActorID,
		events.EventPayload{"invoice_id": inv.ID, "payment_id": req.PaymentID}); err != nil {
		return domain.Invoice{}, err
	}
	paid, err := c.Repo.GetInvoiceTx(ctx, tx, inv.ID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Invoice{}, err
	}
	c.Log.WithFields(logrus.Fields{"invoice_id": inv.ID, "payment_id": req.PaymentID}).Info("invoice paid")
	return paid, nil
}

// reject records a failed verification and returns the VerificationError.
func (c Coordinator) reject(ctx context.Context, who auth.Identity, req VerifyRequest, reason string) error {
	c.Log.WithFields(logrus.Fields{
		"invoice_id": req.InvoiceID,
		"order_id":   req.OrderID,
		"payment_id": req.PaymentID,
		"actor":      who.ActorID,
		"reason":     reason,
	}).Warn("payment verification rejected")
	if err := c.recordFailure(ctx, who, req, reason); err != nil {
		c.Log.WithError(err).Error("record payment verification failure")
	}
	return errs.VerificationError{Reason: reason}
}

func (c Coordinator) recordFailure(ctx context.Context, who auth.Identity, req VerifyRequest, reason string) error {
	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := c.Events.Append(ctx, tx, "payment.verification_failed", events.KindInvoice, req.InvoiceID, who.ActorID,
		events.EventPayload{"order_id": req.OrderID, "payment_id": req.PaymentID, "reason": reason}); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordOfflinePayment marks an invoice paid at the counter (cash, card
// terminal). Only staff may do this and the reference is stored as the payment id.
func (c Coordinator) RecordOfflinePayment(ctx context.Context, who auth.Identity, invoiceID, reference string) (domain.Invoice, error) {
	if err := auth.RequireRole(who, "record offline payment", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Invoice{}, err
	}
	if strings.TrimSpace(reference) == "" {
		reference = "offline-" + strings.NewReplacer("-", "", ":", "").Replace(c.now())
	}
	tx, err := c.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer tx.Rollback()
	inv, err := c.Repo.GetInvoiceTx(ctx, tx, invoiceID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if inv.Status == domain.InvoicePaid {
		return domain.Invoice{}, errs.InvalidStateError{Op: "record payment for invoice", From: domain.Status(inv.Status), Detail: "invoice is already paid"}
	}
	if err := c.Repo.MarkInvoicePaidTx(ctx, tx, inv.ID, reference, c.now()); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.Invoice{}, errs.ConflictError{Resource: "invoice", Message: "invoice was paid concurrently"}
		}
		return domain.Invoice{}, err
	}
	if err := c.Events.Append(ctx, tx, "payment.recorded_offline", events.KindInvoice, inv.ID, who.ActorID,
		events.EventPayload{"reference": reference}); err != nil {
		return domain.Invoice{}, err
	}
	paid, err := c.Repo.GetInvoiceTx(ctx, tx, inv.ID)
	if err != nil {
		return domain.Invoice{}, err
	}
	return paid, tx.Commit()
}
