package pool_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebay/internal/domain"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/enginetest"
	"servicebay/internal/engine/errs"
	"servicebay/internal/engine/pool"
	"servicebay/internal/repo"
)

func TestClassify(t *testing.T) {
	cases := map[int]domain.Availability{
		0:  domain.Available,
		1:  domain.Busy,
		2:  domain.Busy,
		3:  domain.Unavailable,
		10: domain.Unavailable,
	}
	for load, want := range cases {
		assert.Equal(t, want, pool.Classify(load), "workload %d", load)
	}
	custom := pool.Thresholds{BusyAt: 2, UnavailableAt: 5}
	assert.Equal(t, domain.Available, custom.Classify(1))
	assert.Equal(t, domain.Busy, custom.Classify(4))
	assert.Equal(t, domain.Unavailable, custom.Classify(5))
}

func TestBayLifecycle(t *testing.T) {
	env := enginetest.New(t)
	p := env.Engine.Pool

	bays, err := p.ListBays(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, bays, 5)

	_, err = p.CreateBay(env.Ctx, enginetest.Tech, 6)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)
	_, err = p.CreateBay(env.Ctx, enginetest.Manager, 6)
	require.NoError(t, err)
	_, err = p.CreateBay(env.Ctx, enginetest.Manager, 6)
	var ce errs.ConflictError
	require.ErrorAs(t, err, &ce)
	_, err = p.CreateBay(env.Ctx, enginetest.Manager, 0)
	var ve errs.ValidationError
	require.ErrorAs(t, err, &ve)

	bay, err := p.SetBayActive(env.Ctx, enginetest.Manager, 6, false)
	require.NoError(t, err)
	assert.False(t, bay.Active)
	available, err := p.ListAvailableBays(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, available, 5, "inactive bays are not offered")

	sr := env.Open(t)
	_, err = env.Engine.Assign(env.Ctx, enginetest.Manager, sr.ID, enginetest.Tech.ActorID, 6)
	require.ErrorAs(t, err, &ce, "inactive bays cannot be reserved")

	require.NoError(t, p.SeedBays(env.Ctx, "admin-1", []int{1, 2, 7}))
	bays, err = p.ListBays(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, bays, 7, "seeding skips existing bays")
}

func TestForceReleaseBay(t *testing.T) {
	env := enginetest.New(t)
	a := env.InProgress(t, 2)

	bay, err := env.Engine.Pool.ForceReleaseBay(env.Ctx, enginetest.Manager, 2)
	require.NoError(t, err)
	assert.True(t, bay.Available)

	b := env.Open(t)
	_, err = env.Engine.Assign(env.Ctx, enginetest.Manager, b.ID, enginetest.Tech2.ActorID, 2)
	require.NoError(t, err)

	// Finishing the first request must not free the bay now held by the second.
	_, err = env.Engine.Complete(env.Ctx, enginetest.Tech, a.ID)
	require.NoError(t, err)
	_, _, err = env.Engine.Close(env.Ctx, enginetest.Manager, a.ID, decimal.Zero)
	require.NoError(t, err)
	bay2, err := env.Engine.Repo.GetBay(env.Ctx, 2)
	require.NoError(t, err)
	assert.False(t, bay2.Available)

	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: "bay.release_skipped"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestReassignKeepingForceReleasedBay(t *testing.T) {
	env := enginetest.New(t)
	a := env.Open(t)
	_, err := env.Engine.Assign(env.Ctx, enginetest.Manager, a.ID, enginetest.Tech.ActorID, 2)
	require.NoError(t, err)
	_, err = env.Engine.Pool.ForceReleaseBay(env.Ctx, enginetest.Manager, 2)
	require.NoError(t, err)

	sr, err := env.Engine.Assign(env.Ctx, enginetest.Manager, a.ID, enginetest.Tech2.ActorID, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, *sr.BayNumber)
	bay, err := env.Engine.Repo.GetBay(env.Ctx, 2)
	require.NoError(t, err)
	assert.False(t, bay.Available, "the bay is taken again by the request keeping it")

	_, err = env.Engine.Pool.ForceReleaseBay(env.Ctx, enginetest.Manager, 2)
	require.NoError(t, err)
	b := env.Open(t)
	_, err = env.Engine.Assign(env.Ctx, enginetest.Manager, b.ID, enginetest.Tech.ActorID, 2)
	require.NoError(t, err)

	_, err = env.Engine.Assign(env.Ctx, enginetest.Manager, a.ID, enginetest.Tech.ActorID, 2)
	var ce errs.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "bay", ce.Resource)
}

func TestTechnicianAvailability(t *testing.T) {
	env := enginetest.New(t)
	for bay := 1; bay <= 2; bay++ {
		sr := env.Open(t)
		_, err := env.Engine.Assign(env.Ctx, enginetest.Manager, sr.ID, enginetest.Tech.ActorID, bay)
		require.NoError(t, err)
	}
	loads, err := env.Engine.Pool.ListTechniciansWithWorkload(env.Ctx)
	require.NoError(t, err)
	byID := map[string]domain.TechnicianLoad{}
	for _, l := range loads {
		byID[l.ID] = l
	}
	assert.Equal(t, 2, byID["tech-1"].CurrentWorkload)
	assert.Equal(t, domain.Busy, byID["tech-1"].Availability)
	assert.Equal(t, domain.Available, byID["tech-2"].Availability)
}

func TestReconcileWorkload(t *testing.T) {
	env := enginetest.New(t)
	env.InProgress(t, 1)

	tx, err := env.Engine.DB.BeginTxx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.SetWorkloadTx(env.Ctx, tx, "tech-1", 7))
	require.NoError(t, env.Engine.Repo.SetWorkloadTx(env.Ctx, tx, "tech-2", 2))
	require.NoError(t, tx.Commit())

	_, err = env.Engine.Pool.ReconcileWorkload(env.Ctx, enginetest.Tech)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	drifted, err := env.Engine.Pool.ReconcileWorkload(env.Ctx, enginetest.Admin)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tech-1": 1, "tech-2": 0}, drifted)

	again, err := env.Engine.Pool.ReconcileWorkload(env.Ctx, enginetest.Admin)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestDecrementClampsAtZero(t *testing.T) {
	env := enginetest.New(t)
	tx, err := env.Engine.DB.BeginTxx(env.Ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	require.NoError(t, env.Engine.Pool.DecrementWorkload(env.Ctx, tx, "tech-2", "admin-1"))
	require.NoError(t, tx.Commit())

	tech, err := env.Engine.Repo.GetTechnician(env.Ctx, "tech-2")
	require.NoError(t, err)
	assert.Equal(t, 0, tech.Workload)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: "technician.workload.clamped"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}
