package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"servicebay/internal/domain"
)

const invoiceColumns = `id,service_request_id,customer_id,labor_cost,parts_total,total,currency,status,payment_id,created_at,paid_at`

// InsertInvoiceTx stores an invoice and its lines.
func (r Repo) InsertInvoiceTx(ctx context.Context, tx *sqlx.Tx, inv domain.Invoice) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO invoices(`+invoiceColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		inv.ID, inv.ServiceRequestID, inv.CustomerID, inv.LaborCost, inv.PartsTotal, inv.Total, inv.Currency, inv.Status, inv.PaymentID, inv.CreatedAt, inv.PaidAt)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}
	for _, l := range inv.Lines {
		if _, err := tx.ExecContext(ctx, `INSERT INTO invoice_lines(invoice_id,position,kind,description,part_id,quantity,unit_price,amount) VALUES (?,?,?,?,?,?,?,?)`,
			inv.ID, l.Position, l.Kind, l.Description, l.PartID, l.Quantity, l.UnitPrice, l.Amount); err != nil {
			return fmt.Errorf("insert invoice line: %w", err)
		}
	}
	return nil
}

func (r Repo) GetInvoice(ctx context.Context, id string) (domain.Invoice, error) {
	return getInvoice(ctx, r.DB, `id`, id)
}

func (r Repo) GetInvoiceTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Invoice, error) {
	return getInvoice(ctx, tx, `id`, id)
}

func (r Repo) GetInvoiceByRequest(ctx context.Context, requestID string) (domain.Invoice, error) {
	return getInvoice(ctx, r.DB, `service_request_id`, requestID)
}

func (r Repo) GetInvoiceByRequestTx(ctx context.Context, tx *sqlx.Tx, requestID string) (domain.Invoice, error) {
	return getInvoice(ctx, tx, `service_request_id`, requestID)
}

func getInvoice(ctx context.Context, q sqlx.QueryerContext, column, value string) (domain.Invoice, error) {
	var inv domain.Invoice
	if err := get(ctx, q, &inv, `SELECT `+invoiceColumns+` FROM invoices WHERE `+column+`=?`, value); err != nil {
		return domain.Invoice{}, err
	}
	lines, err := invoiceLines(ctx, q, inv.ID)
	if err != nil {
		return domain.Invoice{}, err
	}
	inv.Lines = lines
	return inv, nil
}

func invoiceLines(ctx context.Context, q sqlx.QueryerContext, invoiceID string) ([]domain.InvoiceLine, error) {
	lines := []domain.InvoiceLine{}
	err := sqlx.SelectContext(ctx, q, &lines, `SELECT id,invoice_id,position,kind,description,part_id,quantity,unit_price,amount
FROM invoice_lines WHERE invoice_id=? ORDER BY position`, invoiceID)
	return lines, err
}

func (r Repo) ListInvoices(ctx context.Context, customerID string) ([]domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	var args []any
	if customerID != "" {
		query += ` WHERE customer_id=?`
		args = append(args, customerID)
	}
	query += ` ORDER BY created_at DESC, id`
	var items []domain.Invoice
	if err := sqlx.SelectContext(ctx, r.DB, &items, query, args...); err != nil {
		return nil, err
	}
	for i := range items {
		lines, err := invoiceLines(ctx, r.DB, items[i].ID)
		if err != nil {
			return nil, err
		}
		items[i].Lines = lines
	}
	if items == nil {
		items = []domain.Invoice{}
	}
	return items, nil
}

// MarkInvoicePaidTx flips a PENDING invoice to PAID. It returns
// ErrStaleVersion when the invoice was not pending.
func (r Repo) MarkInvoicePaidTx(ctx context.Context, tx *sqlx.Tx, id, paymentID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE invoices SET status=?, payment_id=?, paid_at=? WHERE id=? AND status=?`,
		domain.InvoicePaid, paymentID, now, id, domain.InvoicePending)
	if err != nil {
		return fmt.Errorf("mark invoice paid: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrStaleVersion
	}
	return nil
}

const orderColumns = `id,invoice_id,gateway,amount_minor,currency,status,payment_id,created_at,updated_at`

func (r Repo) InsertOrderTx(ctx context.Context, tx *sqlx.Tx, o domain.PaymentOrder) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO payment_orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ID, o.InvoiceID, o.Gateway, o.AmountMinor, o.Currency, o.Status, o.PaymentID, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment order: %w", err)
	}
	return nil
}

func (r Repo) GetOrder(ctx context.Context, id string) (domain.PaymentOrder, error) {
	var o domain.PaymentOrder
	err := get(ctx, r.DB, &o, `SELECT `+orderColumns+` FROM payment_orders WHERE id=?`, id)
	return o, err
}

func (r Repo) MarkOrderPaidTx(ctx context.Context, tx *sqlx.Tx, id, paymentID, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE payment_orders SET status=?, payment_id=?, updated_at=? WHERE id=?`,
		domain.OrderPaid, paymentID, now, id)
	if err != nil {
		return fmt.Errorf("mark order paid: %w", err)
	}
	return nil
}
