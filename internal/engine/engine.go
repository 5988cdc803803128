package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"servicebay/internal/config"
	"servicebay/internal/domain"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/errs"
	"servicebay/internal/engine/invoice"
	"servicebay/internal/engine/ledger"
	"servicebay/internal/engine/pool"
	"servicebay/internal/events"
	"servicebay/internal/repo"
)

// Engine is the service request state machine. Each transition is one short
// transaction that re-validates the request and the resources it touches.
type Engine struct {
	DB       *sqlx.DB
	Repo     repo.Repo
	Events   events.Writer
	Pool     pool.Pool
	Ledger   ledger.Ledger
	Invoices invoice.Generator
	Config   *config.Config
	Log      logrus.FieldLogger
	Now      func() time.Time
}

func New(db *sqlx.DB, cfg *config.Config, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	th := pool.DefaultThresholds
	currency := "INR"
	lowStock := true
	if cfg != nil {
		th = pool.Thresholds{BusyAt: cfg.Workload.BusyAt, UnavailableAt: cfg.Workload.UnavailableAt}
		if cfg.Shop.Currency != "" {
			currency = cfg.Shop.Currency
		}
		lowStock = cfg.Parts.LowStockEvents
	}
	led := ledger.New(db, log)
	led.LowStockEvents = lowStock
	e := Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Pool:     pool.New(db, th, log),
		Ledger:   led,
		Invoices: invoice.New(db, currency, log),
		Config:   cfg,
		Log:      log,
	}
	return e.WithNow(time.Now)
}

// WithNow returns a copy of the engine and its components on the given clock.
func (e Engine) WithNow(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Pool.Now = now
	e.Pool.Events.Now = now
	e.Ledger.Now = now
	e.Ledger.Events.Now = now
	e.Invoices.Now = now
	e.Invoices.Events.Now = now
	return e
}

func (e Engine) clock() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) now() string {
	return e.clock().UTC().Format(time.RFC3339)
}

// CreateOptions are parameters for opening a service request.
type CreateOptions struct {
	CustomerID string
	VehicleID  string
	Issue      string
	Priority   string
}

// Create opens a request in REQUESTED. Customers open requests for
// themselves; staff may open them on a customer's behalf.
func (e Engine) Create(ctx context.Context, who auth.Identity, opts CreateOptions) (domain.ServiceRequest, error) {
	if opts.CustomerID == "" && who.Role == auth.RoleCustomer {
		opts.CustomerID = who.ActorID
	}
	if err := auth.RequireOwnerOrStaff(who, "create service request", opts.CustomerID); err != nil {
		return domain.ServiceRequest{}, err
	}
	issue := strings.TrimSpace(opts.Issue)
	if issue == "" {
		return domain.ServiceRequest{}, errs.Invalid("issue", "is required")
	}
	if opts.CustomerID == "" {
		return domain.ServiceRequest{}, errs.Invalid("customerId", "is required")
	}
	if opts.VehicleID == "" {
		return domain.ServiceRequest{}, errs.Invalid("vehicleId", "is required")
	}
	priority, err := domain.ParsePriority(opts.Priority)
	if err != nil {
		return domain.ServiceRequest{}, errs.Invalid("priority", "%v", err)
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetCustomerTx(ctx, tx, opts.CustomerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ServiceRequest{}, errs.Invalid("customerId", "customer %s does not exist", opts.CustomerID)
		}
		return domain.ServiceRequest{}, err
	}
	vehicle, err := e.Repo.GetVehicleTx(ctx, tx, opts.VehicleID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ServiceRequest{}, errs.Invalid("vehicleId", "vehicle %s does not exist", opts.VehicleID)
		}
		return domain.ServiceRequest{}, err
	}
	if vehicle.OwnerID != opts.CustomerID {
		return domain.ServiceRequest{}, errs.Invalid("vehicleId", "vehicle %s does not belong to customer %s", opts.VehicleID, opts.CustomerID)
	}
	number, err := e.Repo.NextRequestNumber(ctx, tx)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	now := e.now()
	sr := domain.ServiceRequest{
		ID:            uuid.NewString(),
		RequestNumber: number,
		CustomerID:    opts.CustomerID,
		VehicleID:     opts.VehicleID,
		Issue:         issue,
		Priority:      priority,
		Status:        domain.StatusRequested,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.Repo.InsertRequestTx(ctx, tx, sr); err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.Events.Append(ctx, tx, "service_request.created", events.KindServiceRequest, sr.ID, who.ActorID, events.EventPayload{
		"request_number": number,
		"customer_id":    sr.CustomerID,
		"vehicle_id":     sr.VehicleID,
		"priority":       sr.Priority,
	}); err != nil {
		return domain.ServiceRequest{}, err
	}
	out, err := e.Repo.GetRequestTx(ctx, tx, sr.ID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	e.Log.WithFields(logrus.Fields{"request": number, "customer_id": sr.CustomerID, "actor": who.ActorID}).Info("service request created")
	return out, nil
}

// Get returns a request the caller may see: staff see everything, customers
// their own, technicians the ones assigned to them.
func (e Engine) Get(ctx context.Context, who auth.Identity, id string) (domain.ServiceRequest, error) {
	sr, err := e.Repo.GetRequest(ctx, id)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := canView(who, sr); err != nil {
		return domain.ServiceRequest{}, err
	}
	return sr, nil
}

func canView(who auth.Identity, sr domain.ServiceRequest) error {
	switch {
	case who.ActorID == "":
		return auth.ForbiddenError{Action: "view service request", Reason: "no identity"}
	case who.IsStaff():
		return nil
	case who.Role == auth.RoleCustomer && who.ActorID == sr.CustomerID:
		return nil
	case who.Role == auth.RoleTechnician && sr.TechnicianID != nil && *sr.TechnicianID == who.ActorID:
		return nil
	}
	return auth.ForbiddenError{Action: "view service request", Reason: fmt.Sprintf("%s is not a party to it", who.ActorID)}
}

// List narrows the filter to what the caller may see.
func (e Engine) List(ctx context.Context, who auth.Identity, f repo.RequestFilter) ([]domain.ServiceRequest, error) {
	switch who.Role {
	case auth.RoleCustomer:
		if f.CustomerID != "" && f.CustomerID != who.ActorID {
			return nil, auth.ForbiddenError{Action: "list service requests", Reason: "customers may only list their own"}
		}
		f.CustomerID = who.ActorID
	case auth.RoleTechnician:
		if f.TechnicianID != "" && f.TechnicianID != who.ActorID {
			return nil, auth.ForbiddenError{Action: "list service requests", Reason: "technicians may only list their own"}
		}
		f.TechnicianID = who.ActorID
	case auth.RoleManager, auth.RoleAdmin:
	default:
		return nil, auth.ForbiddenError{Action: "list service requests", Reason: "no identity"}
	}
	if who.ActorID == "" {
		return nil, auth.ForbiddenError{Action: "list service requests", Reason: "no identity"}
	}
	return e.Repo.ListRequests(ctx, f)
}

// TechnicianWorkload maps technician id to its live workload.
func (e Engine) TechnicianWorkload(ctx context.Context, who auth.Identity) (map[string]int, error) {
	if err := auth.RequireRole(who, "view technician workload", auth.RoleManager, auth.RoleAdmin); err != nil {
		return nil, err
	}
	return e.Pool.WorkloadMap(ctx)
}

func (e Engine) LatestEvents(ctx context.Context, who auth.Identity, f repo.EventFilter) ([]domain.Event, error) {
	if err := auth.RequireRole(who, "read audit log", auth.RoleManager, auth.RoleAdmin); err != nil {
		return nil, err
	}
	return e.Repo.LatestEvents(ctx, f)
}
