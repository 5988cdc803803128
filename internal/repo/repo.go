package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"servicebay/internal/config"
	"servicebay/internal/db"
	"servicebay/internal/domain"
)

type Repo struct {
	DB *sqlx.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStaleVersion means a guarded write matched no row because another
	// writer committed first.
	ErrStaleVersion = errors.New("stale version")
)

// get runs a single-row query and maps sql.ErrNoRows to ErrNotFound.
func get(ctx context.Context, q sqlx.QueryerContext, dest any, query string, args ...any) error {
	err := sqlx.GetContext(ctx, q, dest, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// lockingRead is the suffix that makes a SELECT inside a transaction read and
// lock the latest committed rows. SQLite transactions are opened with the
// write lock already held, so plain reads are enough there.
func lockingRead(driver string) string {
	if driver == db.DriverMySQL {
		return " FOR UPDATE"
	}
	return ""
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func (r Repo) GetShopConfig(ctx context.Context, shopID string) (*config.Config, error) {
	var raw string
	if err := get(ctx, r.DB, &raw, `SELECT config_yaml FROM shop_configs WHERE shop_id=?`, shopID); err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// SingleShopID returns the only configured shop.
func (r Repo) SingleShopID(ctx context.Context) (string, error) {
	var ids []string
	if err := sqlx.SelectContext(ctx, r.DB, &ids, `SELECT shop_id FROM shop_configs ORDER BY shop_id`); err != nil {
		return "", err
	}
	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("multiple shops configured; specify --shop")
	}
}

func (r Repo) UpsertShopConfigTx(ctx context.Context, tx *sqlx.Tx, cfg *config.Config) error {
	raw, err := cfg.YAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := tx.ExecContext(ctx, `UPDATE shop_configs SET config_yaml=?, updated_at=? WHERE shop_id=?`, raw, now, cfg.Shop.ID)
	if err != nil {
		return err
	}
	if ok, err := affected(res); err != nil || ok {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO shop_configs(shop_id,config_yaml,updated_at) VALUES (?,?,?)`, cfg.Shop.ID, raw, now)
	return err
}

// NextRequestNumber bumps the request counter inside tx. The UPDATE takes the
// row lock first, so concurrent creators get distinct numbers.
func (r Repo) NextRequestNumber(ctx context.Context, tx *sqlx.Tx) (string, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE counters SET value=value+1 WHERE name='service_request'`); err != nil {
		return "", fmt.Errorf("bump request counter: %w", err)
	}
	var n int64
	if err := get(ctx, tx, &n, `SELECT value FROM counters WHERE name='service_request'`); err != nil {
		return "", fmt.Errorf("read request counter: %w", err)
	}
	return fmt.Sprintf("SR-%06d", n), nil
}

// EventFilter narrows LatestEvents. BeforeID pages backwards from a cursor.
type EventFilter struct {
	Limit      int
	BeforeID   int64
	Type       string
	EntityKind string
	EntityID   string
}

func (r Repo) LatestEvents(ctx context.Context, f EventFilter) ([]domain.Event, error) {
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events WHERE 1=1`
	var args []any
	if f.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, f.BeforeID)
	}
	if f.Type != "" {
		query += ` AND type=?`
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		query += ` AND entity_id=?`
		args = append(args, f.EntityID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	events := []domain.Event{}
	if err := sqlx.SelectContext(ctx, r.DB, &events, query, args...); err != nil {
		return nil, err
	}
	return events, nil
}

// EventsAfter returns up to limit events with id greater than afterID, oldest first.
func (r Repo) EventsAfter(ctx context.Context, limit int, afterID int64) ([]domain.Event, error) {
	events := []domain.Event{}
	err := sqlx.SelectContext(ctx, r.DB, &events, `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json
FROM events WHERE id > ? ORDER BY id LIMIT ?`, afterID, limit)
	return events, err
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := get(ctx, r.DB, &id, `SELECT COALESCE(MAX(id),0) FROM events`)
	return id, err
}

// Ping checks the store is reachable.
func (r Repo) Ping(ctx context.Context) error {
	return r.DB.PingContext(ctx)
}
