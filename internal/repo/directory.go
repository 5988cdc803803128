package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"servicebay/internal/domain"
)

const (
	customerColumns = `id,name,email,phone,created_at`
	vehicleColumns  = `id,customer_id,registration_number,make,model,year,color,type,created_at`
)

func (r Repo) InsertCustomerTx(ctx context.Context, tx *sqlx.Tx, c domain.Customer) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO customers(`+customerColumns+`) VALUES (?,?,?,?,?)`,
		c.ID, c.Name, c.Email, c.Phone, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert customer: %w", err)
	}
	return nil
}

func (r Repo) GetCustomer(ctx context.Context, id string) (domain.Customer, error) {
	return getCustomer(ctx, r.DB, id)
}

func (r Repo) GetCustomerTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Customer, error) {
	return getCustomer(ctx, tx, id)
}

func getCustomer(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Customer, error) {
	var c domain.Customer
	err := get(ctx, q, &c, `SELECT `+customerColumns+` FROM customers WHERE id=?`, id)
	return c, err
}

func (r Repo) InsertVehicleTx(ctx context.Context, tx *sqlx.Tx, v domain.Vehicle) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO vehicles(`+vehicleColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		v.ID, v.OwnerID, v.RegistrationNumber, v.Make, v.Model, v.Year, v.Color, v.Type, v.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert vehicle: %w", err)
	}
	return nil
}

func (r Repo) GetVehicleTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Vehicle, error) {
	var v domain.Vehicle
	err := get(ctx, tx, &v, `SELECT `+vehicleColumns+` FROM vehicles WHERE id=?`, id)
	return v, err
}

func (r Repo) VehicleByRegistrationTx(ctx context.Context, tx *sqlx.Tx, registration string) (domain.Vehicle, error) {
	var v domain.Vehicle
	err := get(ctx, tx, &v, `SELECT `+vehicleColumns+` FROM vehicles WHERE registration_number=?`, registration)
	return v, err
}

func (r Repo) ListVehicles(ctx context.Context, customerID string) ([]domain.Vehicle, error) {
	query := `SELECT ` + vehicleColumns + ` FROM vehicles`
	var args []any
	if customerID != "" {
		query += ` WHERE customer_id=?`
		args = append(args, customerID)
	}
	query += ` ORDER BY created_at, id`
	items := []domain.Vehicle{}
	err := sqlx.SelectContext(ctx, r.DB, &items, query, args...)
	return items, err
}
