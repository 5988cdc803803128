// Package pool tracks the shop's scarce resources: service bays and
// technician workload.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"

	"servicebay/internal/domain"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/errs"
	"servicebay/internal/events"
	"servicebay/internal/repo"
)

// Thresholds maps a live workload count to an availability.
type Thresholds struct {
	BusyAt        int
	UnavailableAt int
}

// DefaultThresholds: 0 is available, 1-2 busy, 3 and above unavailable.
var DefaultThresholds = Thresholds{BusyAt: 1, UnavailableAt: 3}

func (t Thresholds) Classify(workload int) domain.Availability {
	switch {
	case workload >= t.UnavailableAt:
		return domain.Unavailable
	case workload >= t.BusyAt:
		return domain.Busy
	default:
		return domain.Available
	}
}

// Classify applies DefaultThresholds.
func Classify(workload int) domain.Availability {
	return DefaultThresholds.Classify(workload)
}

type Pool struct {
	DB         *sqlx.DB
	Repo       repo.Repo
	Events     events.Writer
	Thresholds Thresholds
	Log        logrus.FieldLogger
	Now        func() time.Time
}

func New(db *sqlx.DB, th Thresholds, log logrus.FieldLogger) Pool {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Pool{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Thresholds: th,
		Log:        log,
		Now:        time.Now,
	}
}

func (p Pool) now() string {
	if p.Now != nil {
		return p.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func (p Pool) thresholds() Thresholds {
	if p.Thresholds.UnavailableAt == 0 {
		return DefaultThresholds
	}
	return p.Thresholds
}

func (p Pool) ListBays(ctx context.Context) ([]domain.Bay, error) {
	return p.Repo.ListBays(ctx, false)
}

func (p Pool) ListAvailableBays(ctx context.Context) ([]domain.Bay, error) {
	return p.Repo.ListBays(ctx, true)
}

// ListTechniciansWithWorkload returns each technician's live workload and the
// availability derived from it.
func (p Pool) ListTechniciansWithWorkload(ctx context.Context) ([]domain.TechnicianLoad, error) {
	loads, err := p.Repo.ListTechnicianLoads(ctx)
	if err != nil {
		return nil, err
	}
	th := p.thresholds()
	for i := range loads {
		loads[i].Availability = th.Classify(loads[i].CurrentWorkload)
	}
	return loads, nil
}

// WorkloadMap returns technician id to live workload.
func (p Pool) WorkloadMap(ctx context.Context) (map[string]int, error) {
	loads, err := p.Repo.ListTechnicianLoads(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(loads))
	for _, l := range loads {
		out[l.ID] = l.CurrentWorkload
	}
	return out, nil
}

// CheckAssignable recomputes a technician's workload inside tx, ignoring the
// request being (re)assigned, and rejects technicians that are unavailable.
func (p Pool) CheckAssignable(ctx context.Context, tx *sqlx.Tx, technicianID, requestID string) (domain.Technician, error) {
	tech, err := p.Repo.LockTechnicianTx(ctx, tx, technicianID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Technician{}, errs.Invalid("technicianId", "technician %s does not exist", technicianID)
	}
	if err != nil {
		return domain.Technician{}, err
	}
	live, err := p.Repo.CountActiveForTechnicianTx(ctx, tx, technicianID, requestID)
	if err != nil {
		return domain.Technician{}, err
	}
	if p.thresholds().Classify(live) == domain.Unavailable {
		return domain.Technician{}, errs.ConflictError{
			Resource: "technician",
			Message:  fmt.Sprintf("technician %s is unavailable with %d active requests", technicianID, live),
		}
	}
	return tech, nil
}

// ReserveBay takes a bay inside tx with a compare-and-set on its availability.
func (p Pool) ReserveBay(ctx context.Context, tx *sqlx.Tx, bayNumber int, actorID, requestID string) error {
	ok, err := p.Repo.ReserveBayTx(ctx, tx, bayNumber, p.now())
	if err != nil {
		return err
	}
	if !ok {
		bay, err := p.Repo.GetBayTx(ctx, tx, bayNumber)
		if errors.Is(err, repo.ErrNotFound) {
			return errs.Invalid("bayNumber", "bay %d does not exist", bayNumber)
		}
		if err != nil {
			return err
		}
		if !bay.Active {
			return errs.ConflictError{Resource: "bay", Message: fmt.Sprintf("bay %d is not active", bayNumber)}
		}
		return errs.ConflictError{Resource: "bay", Message: fmt.Sprintf("bay %d is no longer available", bayNumber)}
	}
	return p.Events.Append(ctx, tx, "bay.reserved", events.KindBay, fmt.Sprint(bayNumber), actorID, events.EventPayload{"request_id": requestID})
}

// ReclaimBay keeps a reassigned request on the bay it already holds. A bay
// freed by a forced release in the meantime is taken again; one that another
// request has picked up since is a conflict.
func (p Pool) ReclaimBay(ctx context.Context, tx *sqlx.Tx, bayNumber int, actorID, requestID string) error {
	other, err := p.Repo.RequestHoldingBay(ctx, tx, bayNumber, requestID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if other != "" {
		return errs.ConflictError{Resource: "bay", Message: fmt.Sprintf("bay %d was force-released and is now held by another request", bayNumber)}
	}
	bay, err := p.Repo.GetBayTx(ctx, tx, bayNumber)
	if err != nil {
		return err
	}
	if !bay.Available {
		return nil
	}
	return p.ReserveBay(ctx, tx, bayNumber, actorID, requestID)
}

// ReleaseBay frees a bay held by requestID. A bay already taken over by a
// different request after a forced release is left alone.
func (p Pool) ReleaseBay(ctx context.Context, tx *sqlx.Tx, bayNumber int, actorID, requestID string) error {
	other, err := p.Repo.RequestHoldingBay(ctx, tx, bayNumber, requestID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if other != "" {
		p.Log.WithFields(logrus.Fields{
			"bay":        bayNumber,
			"request_id": requestID,
			"holder_id":  other,
		}).Warn("bay release skipped, bay held by another request")
		return p.Events.Append(ctx, tx, "bay.release_skipped", events.KindBay, fmt.Sprint(bayNumber), actorID,
			events.EventPayload{"request_id": requestID, "holder_id": other})
	}
	released, err := p.Repo.ReleaseBayTx(ctx, tx, bayNumber, p.now())
	if err != nil {
		return err
	}
	return p.Events.Append(ctx, tx, "bay.released", events.KindBay, fmt.Sprint(bayNumber), actorID,
		events.EventPayload{"request_id": requestID, "was_taken": released})
}

// ForceReleaseBay marks a bay available regardless of which request holds it.
func (p Pool) ForceReleaseBay(ctx context.Context, who auth.Identity, bayNumber int) (domain.Bay, error) {
	if err := auth.RequireRole(who, "force-release bay", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Bay{}, err
	}
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Bay{}, err
	}
	defer tx.Rollback()

	if _, err := p.Repo.GetBayTx(ctx, tx, bayNumber); err != nil {
		return domain.Bay{}, err
	}
	holder, err := p.Repo.RequestHoldingBay(ctx, tx, bayNumber, "")
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.Bay{}, err
	}
	if _, err := p.Repo.ReleaseBayTx(ctx, tx, bayNumber, p.now()); err != nil {
		return domain.Bay{}, err
	}
	if err := p.Events.Append(ctx, tx, "bay.force_released", events.KindBay, fmt.Sprint(bayNumber), who.ActorID,
		events.EventPayload{"holder_id": holder}); err != nil {
		return domain.Bay{}, err
	}
	bay, err := p.Repo.GetBayTx(ctx, tx, bayNumber)
	if err != nil {
		return domain.Bay{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bay{}, err
	}
	if holder != "" {
		p.Log.WithFields(logrus.Fields{"bay": bayNumber, "holder_id": holder, "actor": who.ActorID}).
			Warn("bay force-released while linked to an open request")
	}
	return bay, nil
}

func (p Pool) CreateBay(ctx context.Context, who auth.Identity, bayNumber int) (domain.Bay, error) {
	if err := auth.RequireRole(who, "create bay", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Bay{}, err
	}
	if bayNumber <= 0 {
		return domain.Bay{}, errs.Invalid("bayNumber", "must be positive")
	}
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Bay{}, err
	}
	defer tx.Rollback()

	if _, err := p.Repo.GetBayTx(ctx, tx, bayNumber); err == nil {
		return domain.Bay{}, errs.ConflictError{Resource: "bay", Message: fmt.Sprintf("bay %d already exists", bayNumber)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Bay{}, err
	}
	bay := domain.Bay{BayNumber: bayNumber, Active: true, Available: true, UpdatedAt: p.now()}
	if err := p.Repo.InsertBayTx(ctx, tx, bay); err != nil {
		return domain.Bay{}, err
	}
	if err := p.Events.Append(ctx, tx, "bay.created", events.KindBay, fmt.Sprint(bayNumber), who.ActorID, nil); err != nil {
		return domain.Bay{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Bay{}, err
	}
	return bay, nil
}

// SeedBays creates any configured bays that do not exist yet.
func (p Pool) SeedBays(ctx context.Context, actorID string, bayNumbers []int) error {
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, n := range bayNumbers {
		if _, err := p.Repo.GetBayTx(ctx, tx, n); err == nil {
			continue
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err := p.Repo.InsertBayTx(ctx, tx, domain.Bay{BayNumber: n, Active: true, Available: true, UpdatedAt: p.now()}); err != nil {
			return err
		}
		if err := p.Events.Append(ctx, tx, "bay.created", events.KindBay, fmt.Sprint(n), actorID, events.EventPayload{"seeded": true}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p Pool) SetBayActive(ctx context.Context, who auth.Identity, bayNumber int, active bool) (domain.Bay, error) {
	if err := auth.RequireRole(who, "change bay status", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Bay{}, err
	}
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Bay{}, err
	}
	defer tx.Rollback()
	if err := p.Repo.SetBayActiveTx(ctx, tx, bayNumber, active, p.now()); err != nil {
		return domain.Bay{}, err
	}
	if err := p.Events.Append(ctx, tx, "bay.status_changed", events.KindBay, fmt.Sprint(bayNumber), who.ActorID,
		events.EventPayload{"active": active}); err != nil {
		return domain.Bay{}, err
	}
	bay, err := p.Repo.GetBayTx(ctx, tx, bayNumber)
	if err != nil {
		return domain.Bay{}, err
	}
	return bay, tx.Commit()
}

func (p Pool) IncrementWorkload(ctx context.Context, tx *sqlx.Tx, technicianID string) error {
	return p.Repo.IncrementWorkloadTx(ctx, tx, technicianID)
}

// DecrementWorkload lowers the counter by one. Going below zero is clamped and
// recorded as an anomaly rather than failing the caller.
func (p Pool) DecrementWorkload(ctx context.Context, tx *sqlx.Tx, technicianID, actorID string) error {
	ok, err := p.Repo.DecrementWorkloadTx(ctx, tx, technicianID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := p.Repo.GetTechnicianTx(ctx, tx, technicianID); err != nil {
		return err
	}
	p.Log.WithFields(logrus.Fields{"technician_id": technicianID, "actor": actorID}).
		Warn("workload decrement below zero clamped")
	return p.Events.Append(ctx, tx, "technician.workload.clamped", events.KindTechnician, technicianID, actorID, nil)
}

// ReconcileWorkload resets each technician's stored counter to its live count
// and returns the technicians whose counter had drifted.
func (p Pool) ReconcileWorkload(ctx context.Context, who auth.Identity) (map[string]int, error) {
	if err := auth.RequireRole(who, "reconcile workload", auth.RoleAdmin, auth.RoleManager); err != nil {
		return nil, err
	}
	loads, err := p.Repo.ListTechnicianLoads(ctx)
	if err != nil {
		return nil, err
	}
	tx, err := p.DB.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	drifted := map[string]int{}
	for _, l := range loads {
		live, err := p.Repo.CountActiveForTechnicianTx(ctx, tx, l.ID, "")
		if err != nil {
			return nil, err
		}
		if live == l.Workload {
			continue
		}
		if err := p.Repo.SetWorkloadTx(ctx, tx, l.ID, live); err != nil {
			return nil, err
		}
		if err := p.Events.Append(ctx, tx, "technician.workload.reconciled", events.KindTechnician, l.ID, who.ActorID,
			events.EventPayload{"stored": l.Workload, "live": live}); err != nil {
			return nil, err
		}
		drifted[l.ID] = live
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if len(drifted) > 0 {
		p.Log.WithField("technicians", len(drifted)).Warn("technician workload counters reconciled")
	}
	return drifted, nil
}
