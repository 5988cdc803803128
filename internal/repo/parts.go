package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"servicebay/internal/domain"
)

const partColumns = `id,name,category,unit_type,supplier,description,stock,reorder_level,price,created_at,updated_at`

func (r Repo) InsertPartTx(ctx context.Context, tx *sqlx.Tx, p domain.Part) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO parts(`+partColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Name, p.Category, p.UnitType, p.Supplier, p.Description, p.Stock, p.ReorderLevel, p.Price, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert part: %w", err)
	}
	return nil
}

// UpdatePartTx rewrites catalog metadata. Stock is never touched here.
func (r Repo) UpdatePartTx(ctx context.Context, tx *sqlx.Tx, p domain.Part) error {
	res, err := tx.ExecContext(ctx, `UPDATE parts SET name=?, category=?, unit_type=?, supplier=?, description=?, reorder_level=?, price=?, updated_at=? WHERE id=?`,
		p.Name, p.Category, p.UnitType, p.Supplier, p.Description, p.ReorderLevel, p.Price, p.UpdatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update part: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetPart(ctx context.Context, id string) (domain.Part, error) {
	return getPart(ctx, r.DB, `id`, id)
}

func (r Repo) GetPartTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Part, error) {
	return getPart(ctx, tx, `id`, id)
}

func (r Repo) GetPartByName(ctx context.Context, name string) (domain.Part, error) {
	return getPart(ctx, r.DB, `name`, name)
}

func (r Repo) GetPartByNameTx(ctx context.Context, tx *sqlx.Tx, name string) (domain.Part, error) {
	return getPart(ctx, tx, `name`, name)
}

func getPart(ctx context.Context, q sqlx.QueryerContext, column, value string) (domain.Part, error) {
	var p domain.Part
	err := get(ctx, q, &p, `SELECT `+partColumns+` FROM parts WHERE `+column+`=?`, value)
	return p, err
}

func (r Repo) ListParts(ctx context.Context, lowStockOnly bool) ([]domain.Part, error) {
	query := `SELECT ` + partColumns + ` FROM parts`
	if lowStockOnly {
		query += ` WHERE stock <= reorder_level`
	}
	query += ` ORDER BY name`
	parts := []domain.Part{}
	err := sqlx.SelectContext(ctx, r.DB, &parts, query)
	return parts, err
}

// DeductStockTx removes qty from stock only when enough is on hand. It
// reports false without writing when the stock check fails.
func (r Repo) DeductStockTx(ctx context.Context, tx *sqlx.Tx, partID string, qty int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE parts SET stock=stock-?, updated_at=? WHERE id=? AND stock>=?`, qty, now, partID, qty)
	if err != nil {
		return false, fmt.Errorf("deduct stock: %w", err)
	}
	return affected(res)
}

func (r Repo) AddStockTx(ctx context.Context, tx *sqlx.Tx, partID string, qty int, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE parts SET stock=stock+?, updated_at=? WHERE id=?`, qty, now, partID)
	if err != nil {
		return fmt.Errorf("add stock: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

const restockSelect = `SELECT rr.id, rr.part_id, COALESCE(p.name,'') AS part_name, rr.quantity, rr.reason, rr.status,
  rr.requested_by, rr.decided_by, rr.created_at, rr.decided_at
FROM restock_requests rr LEFT JOIN parts p ON p.id=rr.part_id`

func (r Repo) InsertRestockTx(ctx context.Context, tx *sqlx.Tx, rr domain.RestockRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO restock_requests(id,part_id,quantity,reason,status,requested_by,decided_by,created_at,decided_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rr.ID, rr.PartID, rr.Quantity, rr.Reason, rr.Status, rr.RequestedBy, rr.DecidedBy, rr.CreatedAt, rr.DecidedAt)
	if err != nil {
		return fmt.Errorf("insert restock request: %w", err)
	}
	return nil
}

func (r Repo) GetRestockTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.RestockRequest, error) {
	var rr domain.RestockRequest
	err := get(ctx, tx, &rr, restockSelect+` WHERE rr.id=?`, id)
	return rr, err
}

func (r Repo) ListRestocks(ctx context.Context, status domain.RestockStatus) ([]domain.RestockRequest, error) {
	query := restockSelect
	var args []any
	if status != "" {
		query += ` WHERE rr.status=?`
		args = append(args, status)
	}
	query += ` ORDER BY rr.created_at, rr.id`
	items := []domain.RestockRequest{}
	err := sqlx.SelectContext(ctx, r.DB, &items, query, args...)
	return items, err
}

// DecideRestockTx moves a pending restock request to status. It returns
// ErrStaleVersion when the request was already decided.
func (r Repo) DecideRestockTx(ctx context.Context, tx *sqlx.Tx, id string, status domain.RestockStatus, decidedBy, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE restock_requests SET status=?, decided_by=?, decided_at=? WHERE id=? AND status=?`,
		status, decidedBy, now, id, domain.RestockPending)
	if err != nil {
		return fmt.Errorf("decide restock request: %w", err)
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
