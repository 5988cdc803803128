package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"servicebay/internal/domain"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/errs"
	"servicebay/internal/events"
	"servicebay/internal/repo"
)

func ensureStatus(op string, sr domain.ServiceRequest, allowed ...domain.Status) error {
	for _, s := range allowed {
		if sr.Status == s {
			return nil
		}
	}
	want := make([]string, len(allowed))
	for i, s := range allowed {
		want[i] = string(s)
	}
	return errs.InvalidStateError{Op: op, From: sr.Status, Detail: "allowed from " + strings.Join(want, ", ")}
}

// ensurePartsSettled rejects a transition while part lines still await approval.
func ensurePartsSettled(op string, sr domain.ServiceRequest) error {
	if sr.PartsStatus != nil && *sr.PartsStatus == domain.PartsRequested {
		return errs.InvalidStateError{Op: op, From: sr.Status, Detail: "parts are awaiting approval"}
	}
	return nil
}

func requireAssignedTechnician(who auth.Identity, action string, sr domain.ServiceRequest) error {
	if sr.TechnicianID == nil {
		return auth.ForbiddenError{Action: action, Reason: "request has no technician"}
	}
	return auth.RequireActor(who, action, auth.RoleTechnician, *sr.TechnicianID)
}

type applyFunc func(tx *sqlx.Tx, sr *domain.ServiceRequest) (events.EventPayload, error)

// transition loads the request inside a transaction, lets apply mutate it,
// then writes it back guarded by its version and records evtType.
func (e Engine) transition(ctx context.Context, who auth.Identity, id, evtType string, apply applyFunc) (domain.ServiceRequest, error) {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	defer tx.Rollback()

	sr, err := e.Repo.GetRequestTx(ctx, tx, id)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	from := sr.Status
	payload, err := apply(tx, &sr)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := e.save(ctx, tx, sr); err != nil {
		return domain.ServiceRequest{}, err
	}
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["from"] = from
	payload["to"] = sr.Status
	if err := e.Events.Append(ctx, tx, evtType, events.KindServiceRequest, sr.ID, who.ActorID, payload); err != nil {
		return domain.ServiceRequest{}, err
	}
	out, err := e.Repo.GetRequestTx(ctx, tx, sr.ID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, err
	}
	e.Log.WithFields(logrus.Fields{
		"request": out.RequestNumber,
		"event":   evtType,
		"from":    from,
		"to":      out.Status,
		"actor":   who.ActorID,
	}).Info("service request updated")
	return out, nil
}

func (e Engine) save(ctx context.Context, tx *sqlx.Tx, sr domain.ServiceRequest) error {
	sr.UpdatedAt = e.now()
	if err := e.Repo.UpdateRequestTx(ctx, tx, sr); err != nil {
		if errors.Is(err, repo.ErrStaleVersion) {
			return errs.ConflictError{Resource: "service request", Message: "request was modified concurrently, reload and retry"}
		}
		return err
	}
	return nil
}

// Assign gives a REQUESTED request a technician and a bay, or moves an
// ASSIGNED one to new ones. The bay is taken with a compare-and-set and the
// technician's workload is recounted in the same transaction.
func (e Engine) Assign(ctx context.Context, who auth.Identity, requestID, technicianID string, bayNumber int) (domain.ServiceRequest, error) {
	if err := auth.RequireRole(who, "assign service request", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.ServiceRequest{}, err
	}
	if technicianID == "" {
		return domain.ServiceRequest{}, errs.Invalid("technicianId", "is required")
	}
	if bayNumber <= 0 {
		return domain.ServiceRequest{}, errs.Invalid("bayNumber", "must be positive")
	}
	return e.transition(ctx, who, requestID, "service_request.assigned", func(tx *sqlx.Tx, sr *domain.ServiceRequest) (events.EventPayload, error) {
		if err := ensureStatus("assign service request", *sr, domain.StatusRequested, domain.StatusAssigned); err != nil {
			return nil, err
		}
		sameTech := sr.TechnicianID != nil && *sr.TechnicianID == technicianID
		sameBay := sr.BayNumber != nil && *sr.BayNumber == bayNumber

		if !sameTech {
			if _, err := e.Pool.CheckAssignable(ctx, tx, technicianID, sr.ID); err != nil {
				return nil, err
			}
		}
		if sameBay {
			if err := e.Pool.ReclaimBay(ctx, tx, bayNumber, who.ActorID, sr.ID); err != nil {
				return nil, err
			}
		} else {
			if err := e.Pool.ReserveBay(ctx, tx, bayNumber, who.ActorID, sr.ID); err != nil {
				return nil, err
			}
			if sr.BayNumber != nil {
				if err := e.Pool.ReleaseBay(ctx, tx, *sr.BayNumber, who.ActorID, sr.ID); err != nil {
					return nil, err
				}
			}
		}
		if !sameTech {
			if sr.TechnicianID != nil {
				if err := e.Pool.DecrementWorkload(ctx, tx, *sr.TechnicianID, who.ActorID); err != nil {
					return nil, err
				}
			}
			if err := e.Pool.IncrementWorkload(ctx, tx, technicianID); err != nil {
				return nil, err
			}
		}
		reassigned := sr.Status == domain.StatusAssigned
		sr.TechnicianID = &technicianID
		sr.BayNumber = &bayNumber
		sr.Status = domain.StatusAssigned
		return events.EventPayload{
			"technician_id": technicianID,
			"bay_number":    bayNumber,
			"reassigned":    reassigned,
		}, nil
	})
}

// Start moves an ASSIGNED request to IN_PROGRESS. Only its technician may start it.
func (e Engine) Start(ctx context.Context, who auth.Identity, requestID string) (domain.ServiceRequest, error) {
	return e.transition(ctx, who, requestID, "service_request.started", func(tx *sqlx.Tx, sr *domain.ServiceRequest) (events.EventPayload, error) {
		if err := ensureStatus("start service request", *sr, domain.StatusAssigned); err != nil {
			return nil, err
		}
		if err := requireAssignedTechnician(who, "start service request", *sr); err != nil {
			return nil, err
		}
		sr.Status = domain.StatusInProgress
		return nil, nil
	})
}

// Complete moves an IN_PROGRESS request to COMPLETED.
func (e Engine) Complete(ctx context.Context, who auth.Identity, requestID string) (domain.ServiceRequest, error) {
	return e.transition(ctx, who, requestID, "service_request.completed", func(tx *sqlx.Tx, sr *domain.ServiceRequest) (events.EventPayload, error) {
		if err := ensureStatus("complete service request", *sr, domain.StatusInProgress); err != nil {
			return nil, err
		}
		if err := requireAssignedTechnician(who, "complete service request", *sr); err != nil {
			return nil, err
		}
		if err := ensurePartsSettled("complete service request", *sr); err != nil {
			return nil, err
		}
		sr.Status = domain.StatusCompleted
		return nil, nil
	})
}

// SetStatus is the generic status endpoint. Only the technician-driven
// transitions are reachable through it.
func (e Engine) SetStatus(ctx context.Context, who auth.Identity, requestID string, status domain.Status) (domain.ServiceRequest, error) {
	switch status {
	case domain.StatusInProgress:
		return e.Start(ctx, who, requestID)
	case domain.StatusCompleted:
		return e.Complete(ctx, who, requestID)
	}
	sr, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, err
	}
	return domain.ServiceRequest{}, errs.InvalidStateError{
		Op:     "move service request to " + strings.ToUpper(string(status)),
		From:   sr.Status,
		Detail: "only IN_PROGRESS and COMPLETED can be set directly",
	}
}

// PartLine is one requested part. The part is named by id or by name.
type PartLine struct {
	PartID   string
	PartName string
	Quantity int
}

// RequestParts records unpriced part lines. Stock is not touched until approval.
// Asking again before approval replaces the pending lines; asking after an
// approval opens a new pending batch.
func (e Engine) RequestParts(ctx context.Context, who auth.Identity, requestID string, lines []PartLine) (domain.ServiceRequest, error) {
	if len(lines) == 0 {
		return domain.ServiceRequest{}, errs.Invalid("parts", "at least one part is required")
	}
	used := make([]domain.UsedPart, 0, len(lines))
	for i, l := range lines {
		l.PartID = strings.TrimSpace(l.PartID)
		l.PartName = strings.TrimSpace(l.PartName)
		if l.PartID == "" && l.PartName == "" {
			return domain.ServiceRequest{}, errs.Invalid("parts", "line %d needs a partId or partName", i+1)
		}
		if l.Quantity <= 0 {
			return domain.ServiceRequest{}, errs.Invalid("parts", "line %d quantity must be greater than zero", i+1)
		}
		used = append(used, domain.UsedPart{PartID: l.PartID, PartName: l.PartName, Quantity: l.Quantity})
	}
	return e.transition(ctx, who, requestID, "service_request.parts_requested", func(tx *sqlx.Tx, sr *domain.ServiceRequest) (events.EventPayload, error) {
		if err := ensureStatus("request parts for service request", *sr, domain.StatusAssigned, domain.StatusInProgress); err != nil {
			return nil, err
		}
		if err := requireAssignedTechnician(who, "request parts", *sr); err != nil {
			return nil, err
		}
		now := e.now()
		for i := range used {
			if used[i].PartName == "" {
				part, err := e.Repo.GetPartTx(ctx, tx, used[i].PartID)
				if errors.Is(err, repo.ErrNotFound) {
					return nil, errs.Invalid("parts", "unknown part %q", used[i].PartID)
				}
				if err != nil {
					return nil, err
				}
				used[i].PartName = part.Name
			}
		}
		if err := e.Repo.ReplacePendingPartsTx(ctx, tx, sr.ID, used, now); err != nil {
			return nil, err
		}
		ps := domain.PartsRequested
		sr.PartsStatus = &ps
		sr.PartsRequestedAt = &now
		return events.EventPayload{"lines": len(used)}, nil
	})
}

// ApproveParts commits the pending lines against stock. Deduction is
// all-or-nothing: on any shortfall nothing changes and the request stays
// PARTS_REQUESTED. Approved lines are priced from the catalog.
func (e Engine) ApproveParts(ctx context.Context, who auth.Identity, requestID, managerID string) (domain.ServiceRequest, error) {
	if err := auth.RequireRole(who, "approve parts", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.ServiceRequest{}, err
	}
	if managerID != "" && managerID != who.ActorID {
		return domain.ServiceRequest{}, auth.ForbiddenError{Action: "approve parts", Reason: "managerId does not match caller"}
	}
	return e.transition(ctx, who, requestID, "service_request.parts_approved", func(tx *sqlx.Tx, sr *domain.ServiceRequest) (events.EventPayload, error) {
		if err := ensureStatus("approve parts for service request", *sr, domain.StatusAssigned, domain.StatusInProgress); err != nil {
			return nil, err
		}
		if sr.PartsStatus == nil || *sr.PartsStatus != domain.PartsRequested {
			return nil, errs.InvalidStateError{Op: "approve parts for service request", From: sr.Status, Detail: "no parts awaiting approval"}
		}
		pending := sr.PendingParts()
		if len(pending) == 0 {
			return nil, errs.InvalidStateError{Op: "approve parts for service request", From: sr.Status, Detail: "no parts awaiting approval"}
		}
		priced, err := e.Ledger.CommitDeduction(ctx, tx, who.ActorID, pending)
		if err != nil {
			return nil, err
		}
		total := decimal.Zero
		for _, line := range priced {
			if err := e.Repo.PriceUsedPartTx(ctx, tx, line); err != nil {
				if errors.Is(err, repo.ErrStaleVersion) {
					return nil, errs.ConflictError{Resource: "service request", Message: "parts were approved concurrently"}
				}
				return nil, err
			}
			total = total.Add(line.LineTotal())
		}
		ps := domain.PartsApproved
		sr.PartsStatus = &ps
		return events.EventPayload{"lines": len(priced), "parts_total": total.StringFixed(2)}, nil
	})
}

// Close finishes a COMPLETED request: it stores the labor cost, frees the bay,
// lowers the technician's workload and generates the invoice, all in one
// transaction.
func (e Engine) Close(ctx context.Context, who auth.Identity, requestID string, laborCost decimal.Decimal) (domain.ServiceRequest, domain.Invoice, error) {
	if err := auth.RequireRole(who, "close service request", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	if laborCost.IsNegative() {
		return domain.ServiceRequest{}, domain.Invoice{}, errs.Invalid("laborCost", "must not be negative")
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	defer tx.Rollback()

	sr, err := e.Repo.GetRequestTx(ctx, tx, requestID)
	if err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	if err := ensureStatus("close service request", sr, domain.StatusCompleted); err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	if err := ensurePartsSettled("close service request", sr); err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	if sr.BayNumber != nil {
		if err := e.Pool.ReleaseBay(ctx, tx, *sr.BayNumber, who.ActorID, sr.ID); err != nil {
			return domain.ServiceRequest{}, domain.Invoice{}, err
		}
	}
	if sr.TechnicianID != nil {
		if err := e.Pool.DecrementWorkload(ctx, tx, *sr.TechnicianID, who.ActorID); err != nil {
			return domain.ServiceRequest{}, domain.Invoice{}, err
		}
	}
	sr.Status = domain.StatusClosed
	sr.LaborCost = decimal.NewNullDecimal(laborCost)
	if err := e.save(ctx, tx, sr); err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	if err := e.Events.Append(ctx, tx, "service_request.closed", events.KindServiceRequest, sr.ID, who.ActorID, events.EventPayload{
		"from":       domain.StatusCompleted,
		"to":         domain.StatusClosed,
		"labor_cost": laborCost.StringFixed(2),
	}); err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	inv, _, err := e.Invoices.Generate(ctx, tx, sr, who.ActorID)
	if err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	out, err := e.Repo.GetRequestTx(ctx, tx, sr.ID)
	if err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ServiceRequest{}, domain.Invoice{}, err
	}
	e.Log.WithFields(logrus.Fields{
		"request":    out.RequestNumber,
		"invoice_id": inv.ID,
		"total":      inv.Total.StringFixed(2),
		"actor":      who.ActorID,
	}).Info("service request closed")
	return out, inv, nil
}
