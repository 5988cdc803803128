// Package ledger owns part stock. Every stock change happens in a
// transaction and stock never goes below zero.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
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

type Ledger struct {
	DB             *sqlx.DB
	Repo           repo.Repo
	Events         events.Writer
	LowStockEvents bool
	Log            logrus.FieldLogger
	Now            func() time.Time
}

func New(db *sqlx.DB, log logrus.FieldLogger) Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Ledger{
		DB:             db,
		Repo:           repo.Repo{DB: db},
		LowStockEvents: true,
		Log:            log,
		Now:            time.Now,
	}
}

func (l Ledger) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (l Ledger) GetCatalog(ctx context.Context) ([]domain.Part, error) {
	return l.Repo.ListParts(ctx, false)
}

// LowStockAlerts lists parts at or below their reorder level.
func (l Ledger) LowStockAlerts(ctx context.Context) ([]domain.Part, error) {
	return l.Repo.ListParts(ctx, true)
}

type PartInput struct {
	Name         string
	Category     string
	UnitType     string
	Supplier     string
	Description  string
	Stock        int
	ReorderLevel int
	Price        decimal.Decimal
}

func (in PartInput) validate() error {
	if strings.TrimSpace(in.Name) == "" {
		return errs.Invalid("name", "is required")
	}
	if in.Stock < 0 {
		return errs.Invalid("stock", "must not be negative")
	}
	if in.ReorderLevel < 0 {
		return errs.Invalid("reorderLevel", "must not be negative")
	}
	if in.Price.IsNegative() {
		return errs.Invalid("price", "must not be negative")
	}
	return nil
}

func (l Ledger) CreatePart(ctx context.Context, who auth.Identity, in PartInput) (domain.Part, error) {
	if err := auth.RequireRole(who, "create part", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Part{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := in.validate(); err != nil {
		return domain.Part{}, err
	}
	tx, err := l.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Part{}, err
	}
	defer tx.Rollback()

	if _, err := l.Repo.GetPartByNameTx(ctx, tx, in.Name); err == nil {
		return domain.Part{}, errs.ConflictError{Resource: "part", Message: fmt.Sprintf("part %q already exists", in.Name)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Part{}, err
	}
	now := l.now()
	p := domain.Part{
		ID:           uuid.NewString(),
		Name:         in.Name,
		Category:     in.Category,
		UnitType:     in.UnitType,
		Supplier:     in.Supplier,
		Description:  in.Description,
		Stock:        in.Stock,
		ReorderLevel: in.ReorderLevel,
		Price:        in.Price,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := l.Repo.InsertPartTx(ctx, tx, p); err != nil {
		return domain.Part{}, err
	}
	if err := l.Events.Append(ctx, tx, "part.created", events.KindPart, p.ID, who.ActorID,
		events.EventPayload{"name": p.Name, "stock": p.Stock, "price": p.Price.String()}); err != nil {
		return domain.Part{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Part{}, err
	}
	return p, nil
}

// PartUpdate changes catalog metadata; nil fields are left as they are.
type PartUpdate struct {
	Name         *string
	Category     *string
	UnitType     *string
	Supplier     *string
	Description  *string
	ReorderLevel *int
	Price        *decimal.Decimal
}

func (l Ledger) UpdatePart(ctx context.Context, who auth.Identity, id string, upd PartUpdate) (domain.Part, error) {
	if err := auth.RequireRole(who, "update part", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Part{}, err
	}
	tx, err := l.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Part{}, err
	}
	defer tx.Rollback()

	p, err := l.Repo.GetPartTx(ctx, tx, id)
	if err != nil {
		return domain.Part{}, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name != p.Name {
			if _, err := l.Repo.GetPartByNameTx(ctx, tx, name); err == nil {
				return domain.Part{}, errs.ConflictError{Resource: "part", Message: fmt.Sprintf("part %q already exists", name)}
			} else if !errors.Is(err, repo.ErrNotFound) {
				return domain.Part{}, err
			}
		}
		p.Name = name
	}
	if upd.Category != nil {
		p.Category = *upd.Category
	}
	if upd.UnitType != nil {
		p.UnitType = *upd.UnitType
	}
	if upd.Supplier != nil {
		p.Supplier = *upd.Supplier
	}
	if upd.Description != nil {
		p.Description = *upd.Description
	}
	if upd.ReorderLevel != nil {
		p.ReorderLevel = *upd.ReorderLevel
	}
	if upd.Price != nil {
		p.Price = *upd.Price
	}
	if err := (PartInput{Name: p.Name, Stock: p.Stock, ReorderLevel: p.ReorderLevel, Price: p.Price}).validate(); err != nil {
		return domain.Part{}, err
	}
	p.UpdatedAt = l.now()
	if err := l.Repo.UpdatePartTx(ctx, tx, p); err != nil {
		return domain.Part{}, err
	}
	if err := l.Events.Append(ctx, tx, "part.updated", events.KindPart, p.ID, who.ActorID, nil); err != nil {
		return domain.Part{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Part{}, err
	}
	return p, nil
}

// Restock adds quantity to a part's stock.
func (l Ledger) Restock(ctx context.Context, who auth.Identity, partID string, quantity int) (domain.Part, error) {
	if err := auth.RequireRole(who, "restock part", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Part{}, err
	}
	tx, err := l.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Part{}, err
	}
	defer tx.Rollback()
	p, err := l.restockTx(ctx, tx, partID, quantity, who.ActorID, "")
	if err != nil {
		return domain.Part{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Part{}, err
	}
	return p, nil
}

func (l Ledger) restockTx(ctx context.Context, tx *sqlx.Tx, partID string, quantity int, actorID, restockID string) (domain.Part, error) {
	if quantity <= 0 {
		return domain.Part{}, errs.Invalid("quantity", "must be greater than zero")
	}
	if err := l.Repo.AddStockTx(ctx, tx, partID, quantity, l.now()); err != nil {
		return domain.Part{}, err
	}
	p, err := l.Repo.GetPartTx(ctx, tx, partID)
	if err != nil {
		return domain.Part{}, err
	}
	payload := events.EventPayload{"quantity": quantity, "stock": p.Stock}
	if restockID != "" {
		payload["restock_request_id"] = restockID
	}
	if err := l.Events.Append(ctx, tx, "part.restocked", events.KindPart, p.ID, actorID, payload); err != nil {
		return domain.Part{}, err
	}
	return p, nil
}

// CommitDeduction deducts stock for every line inside tx and returns the lines
// resolved to catalog parts and priced. Lines for the same part are summed
// before the stock check. On any shortfall it returns InsufficientStockError
// and the caller must roll tx back, so no partial deduction survives.
func (l Ledger) CommitDeduction(ctx context.Context, tx *sqlx.Tx, actorID string, lines []domain.UsedPart) ([]domain.UsedPart, error) {
	if len(lines) == 0 {
		return nil, errs.Invalid("parts", "no lines to commit")
	}
	resolved := make(map[string]domain.Part)
	var order []string
	totals := make(map[string]int)
	priced := make([]domain.UsedPart, len(lines))
	for i, line := range lines {
		if line.Quantity <= 0 {
			return nil, errs.Invalid("quantity", "line %d quantity must be greater than zero", i+1)
		}
		part, err := l.resolve(ctx, tx, line)
		if err != nil {
			return nil, err
		}
		if _, seen := resolved[part.ID]; !seen {
			resolved[part.ID] = part
			order = append(order, part.ID)
		}
		totals[part.ID] += line.Quantity
		line.PartID = part.ID
		line.PartName = part.Name
		line.UnitPrice = decimal.NewNullDecimal(part.Price)
		priced[i] = line
	}
	now := l.now()
	for _, id := range order {
		part, qty := resolved[id], totals[id]
		ok, err := l.Repo.DeductStockTx(ctx, tx, id, qty, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			current, err := l.Repo.GetPartTx(ctx, tx, id)
			if err != nil {
				return nil, err
			}
			return nil, errs.InsufficientStockError{PartID: id, PartName: part.Name, Requested: qty, Available: current.Stock}
		}
		after := part.Stock - qty
		if err := l.Events.Append(ctx, tx, "part.deducted", events.KindPart, id, actorID,
			events.EventPayload{"quantity": qty, "stock": after}); err != nil {
			return nil, err
		}
		if l.LowStockEvents && after <= part.ReorderLevel && part.Stock > part.ReorderLevel {
			if err := l.Events.Append(ctx, tx, "part.low_stock", events.KindPart, id, actorID,
				events.EventPayload{"stock": after, "reorder_level": part.ReorderLevel}); err != nil {
				return nil, err
			}
			l.Log.WithFields(logrus.Fields{"part_id": id, "part": part.Name, "stock": after}).Info("part reached reorder level")
		}
	}
	return priced, nil
}

func (l Ledger) resolve(ctx context.Context, tx *sqlx.Tx, line domain.UsedPart) (domain.Part, error) {
	if line.PartID != "" {
		p, err := l.Repo.GetPartTx(ctx, tx, line.PartID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Part{}, err
		}
	}
	if name := strings.TrimSpace(line.PartName); name != "" {
		p, err := l.Repo.GetPartByNameTx(ctx, tx, name)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Part{}, err
		}
	}
	ref := line.PartName
	if ref == "" {
		ref = line.PartID
	}
	return domain.Part{}, errs.Invalid("parts", "unknown part %q", ref)
}

// RequestRestock files a pending restock request for manager approval.
func (l Ledger) RequestRestock(ctx context.Context, who auth.Identity, partID string, quantity int, reason string) (domain.RestockRequest, error) {
	if err := auth.RequireRole(who, "request restock", auth.RoleTechnician, auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.RestockRequest{}, err
	}
	if quantity <= 0 {
		return domain.RestockRequest{}, errs.Invalid("quantity", "must be greater than zero")
	}
	tx, err := l.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.RestockRequest{}, err
	}
	defer tx.Rollback()
	if _, err := l.Repo.GetPartTx(ctx, tx, partID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.RestockRequest{}, errs.Invalid("partId", "unknown part %s", partID)
		}
		return domain.RestockRequest{}, err
	}
	rr := domain.RestockRequest{
		ID:          uuid.NewString(),
		PartID:      partID,
		Quantity:    quantity,
		Reason:      reason,
		Status:      domain.RestockPending,
		RequestedBy: who.ActorID,
		CreatedAt:   l.now(),
	}
	if err := l.Repo.InsertRestockTx(ctx, tx, rr); err != nil {
		return domain.RestockRequest{}, err
	}
	if err := l.Events.Append(ctx, tx, "restock.requested", events.KindRestock, rr.ID, who.ActorID,
		events.EventPayload{"part_id": partID, "quantity": quantity}); err != nil {
		return domain.RestockRequest{}, err
	}
	out, err := l.Repo.GetRestockTx(ctx, tx, rr.ID)
	if err != nil {
		return domain.RestockRequest{}, err
	}
	return out, tx.Commit()
}

func (l Ledger) ListRestockRequests(ctx context.Context, status domain.RestockStatus) ([]domain.RestockRequest, error) {
	return l.Repo.ListRestocks(ctx, status)
}

// ApproveRestock applies a pending restock request to stock in one transaction.
func (l Ledger) ApproveRestock(ctx context.Context, who auth.Identity, id string) (domain.RestockRequest, error) {
	return l.decideRestock(ctx, who, id, domain.RestockApproved)
}

func (l Ledger) RejectRestock(ctx context.Context, who auth.Identity, id string) (domain.RestockRequest, error) {
	return l.decideRestock(ctx, who, id, domain.RestockRejected)
}

func (l Ledger) decideRestock(ctx context.Context, who auth.Identity, id string, status domain.RestockStatus) (domain.RestockRequest, error) {
	if err := auth.RequireRole(who, "decide restock request", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.RestockRequest{}, err
	}
	tx, err := l.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.RestockRequest{}, err
	}
	defer tx.Rollback()

	rr, err := l.Repo.GetRestockTx(ctx, tx, id)
	if err != nil {
		return domain.RestockRequest{}, err
	}
	if err := l.Repo.DecideRestockTx(ctx, tx, id, status, who.ActorID, l.now()); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return domain.RestockRequest{}, errs.ConflictError{Resource: "restock request", Message: fmt.Sprintf("already %s", strings.ToLower(string(rr.Status)))}
		}
		return domain.RestockRequest{}, err
	}
	if status == domain.RestockApproved {
		if _, err := l.restockTx(ctx, tx, rr.PartID, rr.Quantity, who.ActorID, rr.ID); err != nil {
			return domain.RestockRequest{}, err
		}
	}
	if err := l.Events.Append(ctx, tx, "restock."+strings.ToLower(string(status)), events.KindRestock, id, who.ActorID, nil); err != nil {
		return domain.RestockRequest{}, err
	}
	out, err := l.Repo.GetRestockTx(ctx, tx, id)
	if err != nil {
		return domain.RestockRequest{}, err
	}
	return out, tx.Commit()
}
