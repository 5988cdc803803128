package ledger_test

import (
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebay/internal/domain"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/enginetest"
	"servicebay/internal/engine/errs"
	"servicebay/internal/engine/ledger"
	"servicebay/internal/repo"
)

func deduct(t *testing.T, env enginetest.Env, lines ...domain.UsedPart) ([]domain.UsedPart, error) {
	t.Helper()
	tx, err := env.Engine.DB.BeginTxx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	priced, err := env.Engine.Ledger.CommitDeduction(env.Ctx, tx, "mgr-1", lines)
	if err != nil {
		return nil, err
	}
	return priced, tx.Commit()
}

func stock(t *testing.T, env enginetest.Env, id string) int {
	t.Helper()
	p, err := env.Engine.Repo.GetPart(env.Ctx, id)
	require.NoError(t, err)
	return p.Stock
}

func TestCreatePartValidation(t *testing.T) {
	env := enginetest.New(t)
	l := env.Engine.Ledger
	cases := map[string]ledger.PartInput{
		"name":         {Name: " "},
		"stock":        {Name: "Spark Plug", Stock: -1},
		"reorderLevel": {Name: "Spark Plug", ReorderLevel: -1},
		"price":        {Name: "Spark Plug", Price: decimal.NewFromInt(-5)},
	}
	for field, in := range cases {
		_, err := l.CreatePart(env.Ctx, enginetest.Manager, in)
		var ve errs.ValidationError
		require.ErrorAs(t, err, &ve, field)
		assert.Equal(t, field, ve.Field)
	}
	_, err := l.CreatePart(env.Ctx, enginetest.Manager, ledger.PartInput{Name: "Brake Pad"})
	var ce errs.ConflictError
	assert.ErrorAs(t, err, &ce, "part names are unique")
	_, err = l.CreatePart(env.Ctx, enginetest.Tech, ledger.PartInput{Name: "Spark Plug"})
	var fe auth.ForbiddenError
	assert.ErrorAs(t, err, &fe)
}

func TestUpdatePart(t *testing.T) {
	env := enginetest.New(t)
	l := env.Engine.Ledger
	price := decimal.RequireFromString("475.25")
	level := 5
	p, err := l.UpdatePart(env.Ctx, enginetest.Manager, env.Pad.ID, ledger.PartUpdate{Price: &price, ReorderLevel: &level})
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(price))
	assert.Equal(t, 10, p.Stock, "stock only moves through deductions and restocks")

	name := "Oil Filter"
	_, err = l.UpdatePart(env.Ctx, enginetest.Manager, env.Pad.ID, ledger.PartUpdate{Name: &name})
	var ce errs.ConflictError
	assert.ErrorAs(t, err, &ce)

	_, err = l.UpdatePart(env.Ctx, enginetest.Manager, "missing", ledger.PartUpdate{Price: &price})
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestCommitDeductionPricesAndSums(t *testing.T) {
	env := enginetest.New(t)
	priced, err := deduct(t, env,
		domain.UsedPart{PartName: "Brake Pad", Quantity: 3},
		domain.UsedPart{PartID: env.Pad.ID, Quantity: 4},
	)
	require.NoError(t, err)
	require.Len(t, priced, 2)
	for _, line := range priced {
		assert.Equal(t, env.Pad.ID, line.PartID)
		assert.True(t, line.UnitPrice.Valid)
		assert.True(t, line.UnitPrice.Decimal.Equal(decimal.NewFromInt(450)))
	}
	assert.Equal(t, 3, stock(t, env, env.Pad.ID))

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: "part.low_stock"})
	require.NoError(t, err)
	require.Len(t, evts, 1, "crossing the reorder level is reported once")
	assert.Equal(t, env.Pad.ID, evts[0].EntityID)

	_, err = deduct(t, env, domain.UsedPart{PartName: "Brake Pad", Quantity: 1})
	require.NoError(t, err)
	evts, err = env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: "part.low_stock"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestCommitDeductionSumsBeforeCheck(t *testing.T) {
	env := enginetest.New(t)
	_, err := deduct(t, env,
		domain.UsedPart{PartName: "Oil Filter", Quantity: 1},
		domain.UsedPart{PartName: "Oil Filter", Quantity: 2},
	)
	var ie errs.InsufficientStockError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, 3, ie.Requested)
	assert.Equal(t, 2, ie.Available)
	assert.Equal(t, 2, stock(t, env, env.Filter.ID))
}

func TestCommitDeductionRejectsUnknownPart(t *testing.T) {
	env := enginetest.New(t)
	_, err := deduct(t, env,
		domain.UsedPart{PartName: "Brake Pad", Quantity: 1},
		domain.UsedPart{PartName: "Flux Capacitor", Quantity: 1},
	)
	var ve errs.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 10, stock(t, env, env.Pad.ID))
}

func TestConcurrentDeductionsNeverOversell(t *testing.T) {
	env := enginetest.New(t)
	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, short int
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := env.Engine.DB.BeginTxx(env.Ctx, nil)
			if err != nil {
				t.Error(err)
				return
			}
			defer tx.Rollback()
			_, err = env.Engine.Ledger.CommitDeduction(env.Ctx, tx, "mgr-1", []domain.UsedPart{{PartID: env.Pad.ID, Quantity: 3}})
			if err == nil {
				err = tx.Commit()
			}
			mu.Lock()
			defer mu.Unlock()
			var ie errs.InsufficientStockError
			switch {
			case err == nil:
				ok++
			case assert.ErrorAs(t, err, &ie):
				short++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, ok)
	assert.Equal(t, workers-3, short)
	assert.Equal(t, 1, stock(t, env, env.Pad.ID))
}

func TestRestockRequests(t *testing.T) {
	env := enginetest.New(t)
	l := env.Engine.Ledger

	_, err := l.RequestRestock(env.Ctx, enginetest.Customer, env.Filter.ID, 5, "")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	_, err = l.RequestRestock(env.Ctx, enginetest.Tech, env.Filter.ID, 0, "")
	var ve errs.ValidationError
	require.ErrorAs(t, err, &ve)

	rr, err := l.RequestRestock(env.Ctx, enginetest.Tech, env.Filter.ID, 5, "running low")
	require.NoError(t, err)
	assert.Equal(t, domain.RestockPending, rr.Status)
	assert.Equal(t, "Oil Filter", rr.PartName)

	_, err = l.ApproveRestock(env.Ctx, enginetest.Tech, rr.ID)
	require.ErrorAs(t, err, &fe)

	approved, err := l.ApproveRestock(env.Ctx, enginetest.Manager, rr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RestockApproved, approved.Status)
	require.NotNil(t, approved.DecidedBy)
	assert.Equal(t, "mgr-1", *approved.DecidedBy)
	assert.Equal(t, 7, stock(t, env, env.Filter.ID))

	_, err = l.RejectRestock(env.Ctx, enginetest.Manager, rr.ID)
	var ce errs.ConflictError
	require.ErrorAs(t, err, &ce, "decisions are final")
	assert.Equal(t, 7, stock(t, env, env.Filter.ID))

	other, err := l.RequestRestock(env.Ctx, enginetest.Tech, env.Pad.ID, 3, "")
	require.NoError(t, err)
	rejected, err := l.RejectRestock(env.Ctx, enginetest.Manager, other.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RestockRejected, rejected.Status)
	assert.Equal(t, 10, stock(t, env, env.Pad.ID))

	pending, err := l.ListRestockRequests(env.Ctx, domain.RestockPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLowStockAlerts(t *testing.T) {
	env := enginetest.New(t)
	alerts, err := env.Engine.Ledger.LowStockAlerts(env.Ctx)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "Oil Filter", alerts[0].Name)

	_, err = env.Engine.Ledger.Restock(env.Ctx, enginetest.Manager, env.Filter.ID, 1)
	require.NoError(t, err)
	alerts, err = env.Engine.Ledger.LowStockAlerts(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}
