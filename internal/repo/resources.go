package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"servicebay/internal/domain"
)

const bayColumns = `bay_number,active,available,version,updated_at`

func (r Repo) InsertBayTx(ctx context.Context, tx *sqlx.Tx, b domain.Bay) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO bays(`+bayColumns+`) VALUES (?,?,?,?,?)`,
		b.BayNumber, b.Active, b.Available, b.Version, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bay: %w", err)
	}
	return nil
}

func (r Repo) GetBay(ctx context.Context, bayNumber int) (domain.Bay, error) {
	return getBay(ctx, r.DB, bayNumber)
}

func (r Repo) GetBayTx(ctx context.Context, tx *sqlx.Tx, bayNumber int) (domain.Bay, error) {
	return getBay(ctx, tx, bayNumber)
}

func getBay(ctx context.Context, q sqlx.QueryerContext, bayNumber int) (domain.Bay, error) {
	var b domain.Bay
	err := get(ctx, q, &b, `SELECT `+bayColumns+` FROM bays WHERE bay_number=?`, bayNumber)
	return b, err
}

// ListBays returns all bays, or only active free ones when availableOnly is set.
func (r Repo) ListBays(ctx context.Context, availableOnly bool) ([]domain.Bay, error) {
	query := `SELECT ` + bayColumns + ` FROM bays`
	if availableOnly {
		query += ` WHERE active=1 AND available=1`
	}
	query += ` ORDER BY bay_number`
	bays := []domain.Bay{}
	err := sqlx.SelectContext(ctx, r.DB, &bays, query)
	return bays, err
}

// ReserveBayTx flips an active, free bay to taken. It reports false when the
// bay was not free at write time.
func (r Repo) ReserveBayTx(ctx context.Context, tx *sqlx.Tx, bayNumber int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE bays SET available=0, version=version+1, updated_at=?
WHERE bay_number=? AND active=1 AND available=1`, now, bayNumber)
	if err != nil {
		return false, fmt.Errorf("reserve bay: %w", err)
	}
	return affected(res)
}

// ReleaseBayTx marks a bay free. It reports false when it already was.
func (r Repo) ReleaseBayTx(ctx context.Context, tx *sqlx.Tx, bayNumber int, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE bays SET available=1, version=version+1, updated_at=?
WHERE bay_number=? AND available=0`, now, bayNumber)
	if err != nil {
		return false, fmt.Errorf("release bay: %w", err)
	}
	return affected(res)
}

func (r Repo) SetBayActiveTx(ctx context.Context, tx *sqlx.Tx, bayNumber int, active bool, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE bays SET active=?, version=version+1, updated_at=? WHERE bay_number=?`, active, now, bayNumber)
	if err != nil {
		return fmt.Errorf("set bay active: %w", err)
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

const technicianColumns = `id,name,specialization,workload,created_at`

func (r Repo) InsertTechnicianTx(ctx context.Context, tx *sqlx.Tx, t domain.Technician) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO technicians(`+technicianColumns+`) VALUES (?,?,?,?,?)`,
		t.ID, t.Name, t.Specialization, t.Workload, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert technician: %w", err)
	}
	return nil
}

func (r Repo) GetTechnician(ctx context.Context, id string) (domain.Technician, error) {
	return getTechnician(ctx, r.DB, id)
}

func (r Repo) GetTechnicianTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Technician, error) {
	return getTechnician(ctx, tx, id)
}

// LockTechnicianTx reads a technician and holds its row until tx ends, so
// concurrent assignments of the same technician run one after the other.
func (r Repo) LockTechnicianTx(ctx context.Context, tx *sqlx.Tx, id string) (domain.Technician, error) {
	var t domain.Technician
	err := get(ctx, tx, &t, `SELECT `+technicianColumns+` FROM technicians WHERE id=?`+lockingRead(tx.DriverName()), id)
	return t, err
}

func getTechnician(ctx context.Context, q sqlx.QueryerContext, id string) (domain.Technician, error) {
	var t domain.Technician
	err := get(ctx, q, &t, `SELECT `+technicianColumns+` FROM technicians WHERE id=?`, id)
	return t, err
}

// ListTechnicianLoads returns every technician with its live count of
// requests that still hold it.
func (r Repo) ListTechnicianLoads(ctx context.Context) ([]domain.TechnicianLoad, error) {
	loads := []domain.TechnicianLoad{}
	err := sqlx.SelectContext(ctx, r.DB, &loads, `SELECT t.id, t.name, t.specialization, t.workload, t.created_at,
  (SELECT COUNT(*) FROM service_requests sr
    WHERE sr.technician_id=t.id AND sr.status IN (`+placeholders(3)+`)) AS current_workload
FROM technicians t ORDER BY t.name, t.id`,
		domain.StatusAssigned, domain.StatusInProgress, domain.StatusCompleted)
	return loads, err
}

func (r Repo) IncrementWorkloadTx(ctx context.Context, tx *sqlx.Tx, technicianID string) error {
	res, err := tx.ExecContext(ctx, `UPDATE technicians SET workload=workload+1 WHERE id=?`, technicianID)
	if err != nil {
		return fmt.Errorf("increment workload: %w", err)
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

// DecrementWorkloadTx lowers a positive workload by one. It reports false when
// the counter was already zero.
func (r Repo) DecrementWorkloadTx(ctx context.Context, tx *sqlx.Tx, technicianID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE technicians SET workload=workload-1 WHERE id=? AND workload>0`, technicianID)
	if err != nil {
		return false, fmt.Errorf("decrement workload: %w", err)
	}
	return affected(res)
}

func (r Repo) SetWorkloadTx(ctx context.Context, tx *sqlx.Tx, technicianID string, workload int) error {
	_, err := tx.ExecContext(ctx, `UPDATE technicians SET workload=? WHERE id=?`, workload, technicianID)
	if err != nil {
		return fmt.Errorf("set workload: %w", err)
	}
	return nil
}
