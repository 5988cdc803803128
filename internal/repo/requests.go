package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"servicebay/internal/domain"
)

const requestSelect = `
SELECT sr.id, sr.request_number, sr.customer_id, sr.vehicle_id, sr.technician_id, sr.bay_number,
       sr.issue, sr.priority, sr.status, sr.parts_status, sr.parts_requested_at, sr.labor_cost,
       sr.version, sr.created_at, sr.updated_at,
       COALESCE(c.name,'') AS customer_name,
       COALESCE(t.name,'') AS technician_name,
       COALESCE(v.make,'') AS vehicle_make,
       COALESCE(v.model,'') AS vehicle_model,
       COALESCE(v.year,0) AS vehicle_year,
       COALESCE(v.registration_number,'') AS vehicle_registration
FROM service_requests sr
LEFT JOIN customers c ON c.id=sr.customer_id
LEFT JOIN technicians t ON t.id=sr.technician_id
LEFT JOIN vehicles v ON v.id=sr.vehicle_id`

type requestRow struct {
	domain.ServiceRequest
	VehicleMake         string `db:"vehicle_make"`
	VehicleModel        string `db:"vehicle_model"`
	VehicleYear         int    `db:"vehicle_year"`
	VehicleRegistration string `db:"vehicle_registration"`
}

func (row requestRow) toDomain() domain.ServiceRequest {
	sr := row.ServiceRequest
	if row.VehicleMake != "" || row.VehicleModel != "" {
		sr.VehicleDescription = domain.Vehicle{
			Make:               row.VehicleMake,
			Model:              row.VehicleModel,
			Year:               row.VehicleYear,
			RegistrationNumber: row.VehicleRegistration,
		}.Description()
	}
	sr.UsedParts = []domain.UsedPart{}
	return sr
}

func (r Repo) InsertRequestTx(ctx context.Context, tx *sqlx.Tx, sr domain.ServiceRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO service_requests(id,request_number,customer_id,vehicle_id,technician_id,bay_number,issue,priority,status,parts_status,parts_requested_at,labor_cost,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sr.ID, sr.RequestNumber, sr.CustomerID, sr.VehicleID, sr.TechnicianID, sr.BayNumber, sr.Issue, sr.Priority, sr.Status,
		sr.PartsStatus, sr.PartsRequestedAt, sr.LaborCost, sr.Version, sr.CreatedAt, sr.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert service request: %w", err)
	}
	return nil
}

// UpdateRequestTx writes the mutable columns of sr, guarded by sr.Version.
// It returns ErrStaleVersion when another writer got there first.
func (r Repo) UpdateRequestTx(ctx context.Context, tx *sqlx.Tx, sr domain.ServiceRequest) error {
	res, err := tx.ExecContext(ctx, `UPDATE service_requests
SET technician_id=?, bay_number=?, status=?, parts_status=?, parts_requested_at=?, labor_cost=?, version=version+1, updated_at=?
WHERE id=? AND version=?`,
		sr.TechnicianID, sr.BayNumber, sr.Status, sr.PartsStatus, sr.PartsRequestedAt, sr.LaborCost, sr.UpdatedAt, sr.ID, sr.Version)
	if err != nil {
		return fmt.Errorf("update service request: %w", err)
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

func (r Repo) GetRequest(ctx context.Context, id string) (domain.ServiceRequest, error) {
	return r.getRequest(ctx, r.DB, id)
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.ServiceRequest, error) {
	return r.getRequest(ctx, tx, id)
}

func (r Repo) getRequest(ctx context.Context, q sqlx.QueryerContext, id string) (domain.ServiceRequest, error) {
	var row requestRow
	if err := get(ctx, q, &row, requestSelect+` WHERE sr.id=?`, id); err != nil {
		return domain.ServiceRequest{}, err
	}
	sr := row.toDomain()
	parts, err := listUsedParts(ctx, q, sr.ID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	sr.UsedParts = parts
	return sr, nil
}

// RequestFilter narrows ListRequests; empty fields match everything.
type RequestFilter struct {
	CustomerID   string
	TechnicianID string
	Status       domain.Status
}

func (r Repo) ListRequests(ctx context.Context, f RequestFilter) ([]domain.ServiceRequest, error) {
	query := requestSelect + ` WHERE 1=1`
	var args []any
	if f.CustomerID != "" {
		query += ` AND sr.customer_id=?`
		args = append(args, f.CustomerID)
	}
	if f.TechnicianID != "" {
		query += ` AND sr.technician_id=?`
		args = append(args, f.TechnicianID)
	}
	if f.Status != "" {
		query += ` AND sr.status=?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY sr.created_at DESC, sr.request_number DESC`
	var rows []requestRow
	if err := sqlx.SelectContext(ctx, r.DB, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]domain.ServiceRequest, 0, len(rows))
	for _, row := range rows {
		sr := row.toDomain()
		parts, err := listUsedParts(ctx, r.DB, sr.ID)
		if err != nil {
			return nil, err
		}
		sr.UsedParts = parts
		out = append(out, sr)
	}
	return out, nil
}

func listUsedParts(ctx context.Context, q sqlx.QueryerContext, requestID string) ([]domain.UsedPart, error) {
	parts := []domain.UsedPart{}
	err := sqlx.SelectContext(ctx, q, &parts, `SELECT id,service_request_id,position,part_id,part_name,quantity,unit_price,created_at
FROM used_parts WHERE service_request_id=? ORDER BY position`, requestID)
	return parts, err
}

// ReplacePendingPartsTx drops the request's unpriced lines and appends lines
// after the last priced one.
func (r Repo) ReplacePendingPartsTx(ctx context.Context, tx *sqlx.Tx, requestID string, lines []domain.UsedPart, now string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM used_parts WHERE service_request_id=? AND unit_price IS NULL`, requestID); err != nil {
		return fmt.Errorf("clear pending parts: %w", err)
	}
	var last int
	if err := get(ctx, tx, &last, `SELECT COALESCE(MAX(position),0) FROM used_parts WHERE service_request_id=?`, requestID); err != nil {
		return err
	}
	for i, l := range lines {
		if _, err := tx.ExecContext(ctx, `INSERT INTO used_parts(service_request_id,position,part_id,part_name,quantity,unit_price,created_at) VALUES (?,?,?,?,?,NULL,?)`,
			requestID, last+i+1, l.PartID, l.PartName, l.Quantity, now); err != nil {
			return fmt.Errorf("insert used part: %w", err)
		}
	}
	return nil
}

// PriceUsedPartTx fixes the resolved part and unit price on a pending line.
func (r Repo) PriceUsedPartTx(ctx context.Context, tx *sqlx.Tx, line domain.UsedPart) error {
	res, err := tx.ExecContext(ctx, `UPDATE used_parts SET part_id=?, part_name=?, unit_price=? WHERE id=? AND unit_price IS NULL`,
		line.PartID, line.PartName, line.UnitPrice, line.ID)
	if err != nil {
		return fmt.Errorf("price used part: %w", err)
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

// CountActiveForTechnicianTx counts requests holding the technician, optionally
// excluding one request. The count is a locking read; call LockTechnicianTx
// first so two assignments cannot both count the same stale total.
func (r Repo) CountActiveForTechnicianTx(ctx context.Context, tx *sqlx.Tx, technicianID, excludeRequestID string) (int, error) {
	var n int
	err := get(ctx, tx, &n, `SELECT COUNT(*) FROM service_requests
WHERE technician_id=? AND id<>? AND status IN (`+placeholders(3)+`)`+lockingRead(tx.DriverName()),
		technicianID, excludeRequestID, domain.StatusAssigned, domain.StatusInProgress, domain.StatusCompleted)
	return n, err
}

// RequestHoldingBay returns the id of a request other than excludeRequestID
// that currently holds the bay, or ErrNotFound.
func (r Repo) RequestHoldingBay(ctx context.Context, q sqlx.QueryerContext, bayNumber int, excludeRequestID string) (string, error) {
	var id string
	err := get(ctx, q, &id, `SELECT id FROM service_requests WHERE bay_number=? AND id<>? AND status IN (`+placeholders(3)+`) ORDER BY updated_at DESC LIMIT 1`,
		bayNumber, excludeRequestID, domain.StatusAssigned, domain.StatusInProgress, domain.StatusCompleted)
	return id, err
}
