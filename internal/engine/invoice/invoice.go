// Package invoice turns closed service requests into invoices.
package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"servicebay/internal/domain"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/errs"
	"servicebay/internal/events"
	"servicebay/internal/repo"
)

const (
	LineLabor = "LABOR"
	LinePart  = "PART"
)

type Generator struct {
	DB       *sqlx.DB
	Repo     repo.Repo
	Events   events.Writer
	Currency string
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func New(db *sqlx.DB, currency string, log logrus.FieldLogger) Generator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Generator{DB: db, Repo: repo.Repo{DB: db}, Currency: currency, Log: log, Now: time.Now}
}

func (g Generator) now() string {
	if g.Now != nil {
		return g.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Build computes the invoice for a closed request without storing it.
// Unpriced parts lines never reach an invoice.
func Build(req domain.ServiceRequest) (domain.Invoice, error) {
	if req.Status != domain.StatusClosed {
		return domain.Invoice{}, errs.InvalidStateError{Op: "invoice service request", From: req.Status, Detail: "request must be CLOSED"}
	}
	if !req.LaborCost.Valid {
		return domain.Invoice{}, errs.Invalid("laborCost", "request %s has no labor cost", req.RequestNumber)
	}
	labor := req.LaborCost.Decimal
	inv := domain.Invoice{
		ServiceRequestID: req.ID,
		CustomerID:       req.CustomerID,
		LaborCost:        labor,
		Status:           domain.InvoicePending,
		Lines: []domain.InvoiceLine{{
			Position:    1,
			Kind:        LineLabor,
			Description: fmt.Sprintf("Labor for %s", req.RequestNumber),
			Quantity:    1,
			UnitPrice:   labor,
			Amount:      labor,
		}},
	}
	parts := decimal.Zero
	for _, p := range req.UsedParts {
		if !p.UnitPrice.Valid {
			continue
		}
		amount := p.LineTotal()
		parts = parts.Add(amount)
		inv.Lines = append(inv.Lines, domain.InvoiceLine{
			Position:    len(inv.Lines) + 1,
			Kind:        LinePart,
			Description: p.PartName,
			PartID:      p.PartID,
			Quantity:    p.Quantity,
			UnitPrice:   p.UnitPrice.Decimal,
			Amount:      amount,
		})
	}
	inv.PartsTotal = parts
	inv.Total = labor.Add(parts)
	return inv, nil
}

// Generate stores the invoice for req inside tx. A request that already has an
// invoice gets that invoice back unchanged; created reports which case applied.
func (g Generator) Generate(ctx context.Context, tx *sqlx.Tx, req domain.ServiceRequest, actorID string) (inv domain.Invoice, created bool, err error) {
	existing, err := g.Repo.GetInvoiceByRequestTx(ctx, tx, req.ID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Invoice{}, false, err
	}
	inv, err = Build(req)
	if err != nil {
		return domain.Invoice{}, false, err
	}
	inv.ID = uuid.NewString()
	inv.Currency = g.Currency
	if inv.Currency == "" {
		inv.Currency = "INR"
	}
	inv.CreatedAt = g.now()
	for i := range inv.Lines {
		inv.Lines[i].InvoiceID = inv.ID
	}
	if err := g.Repo.InsertInvoiceTx(ctx, tx, inv); err != nil {
		return domain.Invoice{}, false, err
	}
	if err := g.Events.Append(ctx, tx, "invoice.generated", events.KindInvoice, inv.ID, actorID, events.EventPayload{
		"request_id": req.ID,
		"total":      inv.Total.StringFixed(2),
		"currency":   inv.Currency,
	}); err != nil {
		return domain.Invoice{}, false, err
	}
	g.Log.WithFields(logrus.Fields{"invoice_id": inv.ID, "request": req.RequestNumber, "total": inv.Total.StringFixed(2)}).Info("invoice generated")
	return inv, true, nil
}

// GenerateForRequest runs Generate in its own transaction.
func (g Generator) GenerateForRequest(ctx context.Context, who auth.Identity, requestID string) (domain.Invoice, error) {
	if err := auth.RequireRole(who, "generate invoice", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Invoice{}, err
	}
	tx, err := g.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Invoice{}, err
	}
	defer tx.Rollback()
	req, err := g.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv, created, err := g.Generate(ctx, tx, req, who.ActorID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if !created {
		return inv, nil
	}
	return inv, tx.Commit()
}

func (g Generator) Get(ctx context.Context, who auth.Identity, id string) (domain.Invoice, error) {
	inv, err := g.Repo.GetInvoice(ctx, id)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := auth.RequireOwnerOrStaff(who, "view invoice", inv.CustomerID); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

func (g Generator) ForRequest(ctx context.Context, who auth.Identity, requestID string) (domain.Invoice, error) {
	inv, err := g.Repo.GetInvoiceByRequest(ctx, requestID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if err := auth.RequireOwnerOrStaff(who, "view invoice", inv.CustomerID); err != nil {
		return domain.Invoice{}, err
	}
	return inv, nil
}

// List returns every invoice for staff and only their own for customers.
func (g Generator) List(ctx context.Context, who auth.Identity, customerID string) ([]domain.Invoice, error) {
	if who.Role == auth.RoleCustomer {
		if customerID != "" && customerID != who.ActorID {
			return nil, auth.ForbiddenError{Action: "list invoices", Reason: "customers may only list their own invoices"}
		}
		customerID = who.ActorID
	} else if !who.IsStaff() {
		return nil, auth.ForbiddenError{Action: "list invoices", Reason: "role not permitted"}
	}
	return g.Repo.ListInvoices(ctx, customerID)
}
