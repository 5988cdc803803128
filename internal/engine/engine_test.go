package engine_test

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/enginetest"
	"servicebay/internal/engine/errs"
	"servicebay/internal/repo"
)

var (
	manager  = enginetest.Manager
	customer = enginetest.Customer
	tech     = enginetest.Tech
	tech2    = enginetest.Tech2
)

func TestCreateServiceRequest(t *testing.T) {
	env := enginetest.New(t)
	sr, err := env.Engine.Create(env.Ctx, customer, engine.CreateOptions{VehicleID: env.VehicleID, Issue: "  Engine knocking  ", Priority: "high"})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequested, sr.Status)
	assert.Equal(t, domain.PriorityHigh, sr.Priority)
	assert.Equal(t, "Engine knocking", sr.Issue)
	assert.Equal(t, "cust-1", sr.CustomerID)
	assert.Nil(t, sr.TechnicianID)
	assert.Nil(t, sr.BayNumber)
	assert.NotEmpty(t, sr.RequestNumber)

	next, err := env.Engine.Create(env.Ctx, manager, engine.CreateOptions{CustomerID: "cust-1", VehicleID: env.VehicleID, Issue: "Oil"})
	require.NoError(t, err)
	assert.NotEqual(t, sr.RequestNumber, next.RequestNumber)
}

func TestCreateValidation(t *testing.T) {
	env := enginetest.New(t)
	cases := []struct {
		name  string
		who   auth.Identity
		opts  engine.CreateOptions
		field string
	}{
		{"empty issue", customer, engine.CreateOptions{VehicleID: env.VehicleID, Issue: "   "}, "issue"},
		{"missing vehicle", customer, engine.CreateOptions{Issue: "x"}, "vehicleId"},
		{"unknown vehicle", customer, engine.CreateOptions{VehicleID: "nope", Issue: "x"}, "vehicleId"},
		{"bad priority", customer, engine.CreateOptions{VehicleID: env.VehicleID, Issue: "x", Priority: "URGENT"}, "priority"},
		{"staff without customer", manager, engine.CreateOptions{VehicleID: env.VehicleID, Issue: "x"}, "customerId"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.Create(env.Ctx, tc.who, tc.opts)
			var ve errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}

	_, err := env.Engine.Create(env.Ctx, auth.Identity{ActorID: "cust-2", Role: auth.RoleCustomer},
		engine.CreateOptions{CustomerID: "cust-1", VehicleID: env.VehicleID, Issue: "x"})
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe, "customers cannot open requests for someone else")
}

func TestStatusTransitions(t *testing.T) {
	env := enginetest.New(t)
	sr := env.Open(t)

	_, err := env.Engine.Start(env.Ctx, tech, sr.ID)
	var ise errs.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, domain.StatusRequested, ise.From)

	_, _, err = env.Engine.Close(env.Ctx, manager, sr.ID, decimal.Zero)
	require.ErrorAs(t, err, &ise)

	sr, err = env.Engine.Assign(env.Ctx, manager, sr.ID, tech.ActorID, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAssigned, sr.Status)

	_, err = env.Engine.Start(env.Ctx, tech2, sr.ID)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe, "only the assigned technician may start")

	_, err = env.Engine.Complete(env.Ctx, tech, sr.ID)
	require.ErrorAs(t, err, &ise)

	sr, err = env.Engine.Start(env.Ctx, tech, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, sr.Status)

	_, err = env.Engine.Assign(env.Ctx, manager, sr.ID, tech2.ActorID, 2)
	require.ErrorAs(t, err, &ise, "in-progress work cannot be reassigned")

	sr, err = env.Engine.Complete(env.Ctx, tech, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sr.Status)

	sr, inv, err := env.Engine.Close(env.Ctx, manager, sr.ID, decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, sr.Status)
	assert.True(t, inv.Total.Equal(decimal.NewFromInt(300)))

	_, _, err = env.Engine.Close(env.Ctx, manager, sr.ID, decimal.NewFromInt(300))
	require.ErrorAs(t, err, &ise, "closed is terminal")
	assert.Equal(t, domain.StatusClosed, ise.From)
}

func TestSetStatus(t *testing.T) {
	env := enginetest.New(t)
	sr := env.Open(t)
	_, err := env.Engine.Assign(env.Ctx, manager, sr.ID, tech.ActorID, 1)
	require.NoError(t, err)

	for _, target := range []domain.Status{domain.StatusRequested, domain.StatusAssigned, domain.StatusClosed} {
		_, err := env.Engine.SetStatus(env.Ctx, tech, sr.ID, target)
		var ise errs.InvalidStateError
		assert.ErrorAs(t, err, &ise, "target %s", target)
	}
	sr, err = env.Engine.SetStatus(env.Ctx, tech, sr.ID, domain.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, sr.Status)
	sr, err = env.Engine.SetStatus(env.Ctx, tech, sr.ID, domain.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sr.Status)
}

func TestAssignRequiresStaff(t *testing.T) {
	env := enginetest.New(t)
	sr := env.Open(t)
	for _, who := range []auth.Identity{customer, tech} {
		_, err := env.Engine.Assign(env.Ctx, who, sr.ID, tech.ActorID, 1)
		var fe auth.ForbiddenError
		assert.ErrorAs(t, err, &fe)
	}
	_, err := env.Engine.Assign(env.Ctx, manager, sr.ID, "ghost", 1)
	var ve errs.ValidationError
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.Assign(env.Ctx, manager, sr.ID, tech.ActorID, 42)
	assert.ErrorAs(t, err, &ve)
}

func TestReassignMovesResources(t *testing.T) {
	env := enginetest.New(t)
	sr := env.Open(t)
	_, err := env.Engine.Assign(env.Ctx, manager, sr.ID, tech.ActorID, 1)
	require.NoError(t, err)
	sr, err = env.Engine.Assign(env.Ctx, manager, sr.ID, tech2.ActorID, 2)
	require.NoError(t, err)
	assert.Equal(t, "tech-2", *sr.TechnicianID)
	assert.Equal(t, 2, *sr.BayNumber)

	bay1, err := env.Engine.Repo.GetBay(env.Ctx, 1)
	require.NoError(t, err)
	assert.True(t, bay1.Available, "old bay is released")
	bay2, err := env.Engine.Repo.GetBay(env.Ctx, 2)
	require.NoError(t, err)
	assert.False(t, bay2.Available)

	t1, err := env.Engine.Repo.GetTechnician(env.Ctx, tech.ActorID)
	require.NoError(t, err)
	t2, err := env.Engine.Repo.GetTechnician(env.Ctx, tech2.ActorID)
	require.NoError(t, err)
	assert.Equal(t, 0, t1.Workload)
	assert.Equal(t, 1, t2.Workload)
}

func TestBayExclusivity(t *testing.T) {
	env := enginetest.New(t)
	a := env.Open(t)
	b := env.Open(t)
	_, err := env.Engine.Assign(env.Ctx, manager, a.ID, tech.ActorID, 3)
	require.NoError(t, err)
	_, err = env.Engine.Assign(env.Ctx, manager, b.ID, tech2.ActorID, 3)
	var ce errs.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bay", ce.Resource)

	reloaded, err := env.Engine.Repo.GetRequest(env.Ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRequested, reloaded.Status, "failed assignment leaves the request untouched")
	t2, err := env.Engine.Repo.GetTechnician(env.Ctx, tech2.ActorID)
	require.NoError(t, err)
	assert.Equal(t, 0, t2.Workload)
}

func TestConcurrentAssignSameBay(t *testing.T) {
	env := enginetest.New(t)
	a := env.Open(t)
	b := env.Open(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, pair := range []struct{ id, tech string }{{a.ID, tech.ActorID}, {b.ID, tech2.ActorID}} {
		wg.Add(1)
		go func(i int, id, techID string) {
			defer wg.Done()
			_, results[i] = env.Engine.Assign(env.Ctx, manager, id, techID, 4)
		}(i, pair.id, pair.tech)
	}
	wg.Wait()

	var okCount, conflicts int
	for _, err := range results {
		var ce errs.ConflictError
		switch {
		case err == nil:
			okCount++
		case assert.ErrorAs(t, err, &ce):
			conflicts++
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, conflicts)
}

func TestConcurrentAssignSameTechnician(t *testing.T) {
	env := enginetest.New(t)
	for bay := 1; bay <= 2; bay++ {
		sr := env.Open(t)
		_, err := env.Engine.Assign(env.Ctx, manager, sr.ID, tech.ActorID, bay)
		require.NoError(t, err)
	}
	a := env.Open(t)
	b := env.Open(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, pair := range []struct {
		id  string
		bay int
	}{{a.ID, 3}, {b.ID, 4}} {
		wg.Add(1)
		go func(i int, id string, bay int) {
			defer wg.Done()
			_, results[i] = env.Engine.Assign(env.Ctx, manager, id, tech.ActorID, bay)
		}(i, pair.id, pair.bay)
	}
	wg.Wait()

	var okCount int
	for _, err := range results {
		if err == nil {
			okCount++
			continue
		}
		var ce errs.ConflictError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, "technician", ce.Resource)
	}
	assert.Equal(t, 1, okCount, "the third slot goes to exactly one request")

	load, err := env.Engine.TechnicianWorkload(env.Ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, 3, load[tech.ActorID])
}

func TestTechnicianUnavailableAtThreshold(t *testing.T) {
	env := enginetest.New(t)
	for bay := 1; bay <= 3; bay++ {
		sr := env.Open(t)
		_, err := env.Engine.Assign(env.Ctx, manager, sr.ID, tech.ActorID, bay)
		require.NoError(t, err)
	}
	sr := env.Open(t)
	_, err := env.Engine.Assign(env.Ctx, manager, sr.ID, tech.ActorID, 4)
	var ce errs.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "technician", ce.Resource)

	load, err := env.Engine.TechnicianWorkload(env.Ctx, manager)
	require.NoError(t, err)
	assert.Equal(t, 3, load[tech.ActorID])
}

func TestPartsRequestReplacesPendingAndAppendsAfterApproval(t *testing.T) {
	env := enginetest.New(t)
	sr := env.InProgress(t, 1)

	_, err := env.Engine.RequestParts(env.Ctx, tech, sr.ID, []engine.PartLine{{PartName: "Brake Pad", Quantity: 4}})
	require.NoError(t, err)
	sr, err = env.Engine.RequestParts(env.Ctx, tech, sr.ID, []engine.PartLine{{PartID: env.Pad.ID, Quantity: 2}})
	require.NoError(t, err)
	require.Len(t, sr.UsedParts, 1, "pending lines are replaced")
	assert.Equal(t, "Brake Pad", sr.UsedParts[0].PartName)
	assert.False(t, sr.UsedParts[0].UnitPrice.Valid)

	sr, err = env.Engine.ApproveParts(env.Ctx, manager, sr.ID, manager.ActorID)
	require.NoError(t, err)
	assert.Equal(t, domain.PartsApproved, *sr.PartsStatus)

	sr, err = env.Engine.RequestParts(env.Ctx, tech, sr.ID, []engine.PartLine{{PartName: "Oil Filter", Quantity: 1}})
	require.NoError(t, err)
	assert.Equal(t, domain.PartsRequested, *sr.PartsStatus)
	require.Len(t, sr.UsedParts, 2, "a new batch keeps approved lines")
	assert.Len(t, sr.PendingParts(), 1)

	_, err = env.Engine.ApproveParts(env.Ctx, manager, sr.ID, "")
	require.NoError(t, err)
	pad, err := env.Engine.Repo.GetPart(env.Ctx, env.Pad.ID)
	require.NoError(t, err)
	filter, err := env.Engine.Repo.GetPart(env.Ctx, env.Filter.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, pad.Stock, "approved lines are deducted once")
	assert.Equal(t, 1, filter.Stock)
}

func TestPartsRequestValidation(t *testing.T) {
	env := enginetest.New(t)
	sr := env.InProgress(t, 1)
	var ve errs.ValidationError
	_, err := env.Engine.RequestParts(env.Ctx, tech, sr.ID, nil)
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.RequestParts(env.Ctx, tech, sr.ID, []engine.PartLine{{PartName: "Brake Pad", Quantity: 0}})
	assert.ErrorAs(t, err, &ve)
	_, err = env.Engine.RequestParts(env.Ctx, tech, sr.ID, []engine.PartLine{{PartID: "missing", Quantity: 1}})
	assert.ErrorAs(t, err, &ve)

	_, err = env.Engine.RequestParts(env.Ctx, tech2, sr.ID, []engine.PartLine{{PartName: "Brake Pad", Quantity: 1}})
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)

	_, err = env.Engine.ApproveParts(env.Ctx, manager, sr.ID, "")
	var ise errs.InvalidStateError
	assert.ErrorAs(t, err, &ise, "nothing to approve")
}

func TestPendingPartsBlockCompletion(t *testing.T) {
	env := enginetest.New(t)
	sr := env.InProgress(t, 1)
	_, err := env.Engine.RequestParts(env.Ctx, tech, sr.ID, []engine.PartLine{{PartName: "Brake Pad", Quantity: 2}})
	require.NoError(t, err)

	_, err = env.Engine.Complete(env.Ctx, tech, sr.ID)
	var ise errs.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, domain.StatusInProgress, ise.From)

	reloaded, err := env.Engine.Repo.GetRequest(env.Ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, reloaded.Status)

	_, err = env.Engine.ApproveParts(env.Ctx, manager, sr.ID, "")
	require.NoError(t, err)
	sr, err = env.Engine.Complete(env.Ctx, tech, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sr.Status)

	_, err = env.Engine.RequestParts(env.Ctx, tech, sr.ID, []engine.PartLine{{PartName: "Oil Filter", Quantity: 1}})
	require.ErrorAs(t, err, &ise, "parts cannot be requested after completion")

	_, inv, err := env.Engine.Close(env.Ctx, manager, sr.ID, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.Equal(t, "1400.00", inv.Total.StringFixed(2), "approved parts are billed")
	pad, err := env.Engine.Repo.GetPart(env.Ctx, env.Pad.ID)
	require.NoError(t, err)
	assert.Equal(t, 8, pad.Stock)
}

func TestApprovePartsOnlyWhileWorkIsOpen(t *testing.T) {
	env := enginetest.New(t)
	sr := env.Completed(t, 1)
	_, err := env.Engine.ApproveParts(env.Ctx, manager, sr.ID, "")
	var ise errs.InvalidStateError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, domain.StatusCompleted, ise.From)

	fresh := env.Open(t)
	_, err = env.Engine.ApproveParts(env.Ctx, manager, fresh.ID, "")
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, domain.StatusRequested, ise.From)
}

func TestApproveInsufficientStockIsAtomic(t *testing.T) {
	env := enginetest.New(t)
	sr := env.InProgress(t, 1)
	_, err := env.Engine.RequestParts(env.Ctx, tech, sr.ID, []engine.PartLine{
		{PartName: "Brake Pad", Quantity: 2},
		{PartName: "Oil Filter", Quantity: 3},
	})
	require.NoError(t, err)

	_, err = env.Engine.ApproveParts(env.Ctx, manager, sr.ID, "")
	var ie errs.InsufficientStockError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "Oil Filter", ie.PartName)
	assert.Equal(t, 3, ie.Requested)
	assert.Equal(t, 2, ie.Available)

	pad, err := env.Engine.Repo.GetPart(env.Ctx, env.Pad.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, pad.Stock, "no partial deduction")
	reloaded, err := env.Engine.Repo.GetRequest(env.Ctx, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PartsRequested, *reloaded.PartsStatus)
	assert.Len(t, reloaded.PendingParts(), 2)
}

func TestCloseGeneratesInvoice(t *testing.T) {
	env := enginetest.New(t)
	sr := env.Completed(t, 2,
		engine.PartLine{PartName: "Brake Pad", Quantity: 2},
		engine.PartLine{PartName: "Oil Filter", Quantity: 1},
	)

	_, _, err := env.Engine.Close(env.Ctx, manager, sr.ID, decimal.NewFromInt(-10))
	var ve errs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "laborCost", ve.Field)

	_, _, err = env.Engine.Close(env.Ctx, tech, sr.ID, decimal.NewFromInt(500))
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	closed, inv, err := env.Engine.Close(env.Ctx, manager, sr.ID, decimal.NewFromInt(500))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, closed.Status)
	assert.True(t, closed.LaborCost.Decimal.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, "1020.50", inv.PartsTotal.StringFixed(2))
	assert.Equal(t, "1520.50", inv.Total.StringFixed(2))
	assert.Equal(t, domain.InvoicePending, inv.Status)
	assert.Equal(t, "INR", inv.Currency)
	assert.Len(t, inv.Lines, 3)

	bay, err := env.Engine.Repo.GetBay(env.Ctx, 2)
	require.NoError(t, err)
	assert.True(t, bay.Available)
	techRow, err := env.Engine.Repo.GetTechnician(env.Ctx, tech.ActorID)
	require.NoError(t, err)
	assert.Equal(t, 0, techRow.Workload)

	again, err := env.Engine.Invoices.GenerateForRequest(env.Ctx, manager, sr.ID)
	require.NoError(t, err)
	assert.Equal(t, inv.ID, again.ID, "invoice generation is idempotent")
}

func TestVisibility(t *testing.T) {
	env := enginetest.New(t)
	sr := env.Open(t)

	_, err := env.Engine.Get(env.Ctx, customer, sr.ID)
	require.NoError(t, err)
	_, err = env.Engine.Get(env.Ctx, auth.Identity{ActorID: "cust-2", Role: auth.RoleCustomer}, sr.ID)
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)
	_, err = env.Engine.Get(env.Ctx, tech, sr.ID)
	assert.ErrorAs(t, err, &fe, "unassigned technician")

	_, err = env.Engine.Assign(env.Ctx, manager, sr.ID, tech.ActorID, 1)
	require.NoError(t, err)
	_, err = env.Engine.Get(env.Ctx, tech, sr.ID)
	assert.NoError(t, err)

	_, err = env.Engine.Get(env.Ctx, manager, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	mine, err := env.Engine.List(env.Ctx, tech, repo.RequestFilter{TechnicianID: tech.ActorID})
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

func TestEventsRecordedWithTransitions(t *testing.T) {
	env := enginetest.New(t)
	sr := env.Completed(t, 1, engine.PartLine{PartName: "Brake Pad", Quantity: 1})
	_, _, err := env.Engine.Close(env.Ctx, manager, sr.ID, decimal.NewFromInt(100))
	require.NoError(t, err)

	evts, err := env.Engine.LatestEvents(env.Ctx, manager, repo.EventFilter{EntityID: sr.ID, Limit: 50})
	require.NoError(t, err)
	var types []string
	for _, e := range evts {
		types = append(types, e.Type)
		assert.Equal(t, "2024-01-01T09:00:00Z", e.TS)
	}
	assert.ElementsMatch(t, []string{
		"service_request.created", "service_request.assigned", "service_request.started",
		"service_request.parts_requested", "service_request.parts_approved",
		"service_request.completed", "service_request.closed",
	}, types)
}
