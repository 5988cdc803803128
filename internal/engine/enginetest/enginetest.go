// Package enginetest builds a migrated workspace with a small seeded shop for
// tests of the engine and its components.
package enginetest

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"servicebay/internal/config"
	"servicebay/internal/db"
	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/ledger"
	"servicebay/internal/migrate"
)

var (
	Admin    = auth.Identity{ActorID: "admin-1", Role: auth.RoleAdmin}
	Manager  = auth.Identity{ActorID: "mgr-1", Role: auth.RoleManager}
	Customer = auth.Identity{ActorID: "cust-1", Role: auth.RoleCustomer}
	Tech     = auth.Identity{ActorID: "tech-1", Role: auth.RoleTechnician}
	Tech2    = auth.Identity{ActorID: "tech-2", Role: auth.RoleTechnician}

	Epoch = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
)

type Env struct {
	Engine    engine.Engine
	Ctx       context.Context
	VehicleID string
	Pad       domain.Part
	Filter    domain.Part
}

func Logger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// New opens a fresh workspace seeded with bays 1-5, customer cust-1 and a
// vehicle, technicians tech-1 and tech-2, and two parts: "Brake Pad" (stock
// 10, 450.00) and "Oil Filter" (stock 2, reorder level 2, 120.50).
func New(t *testing.T) Env {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default("main")
	e := engine.New(conn, cfg, Logger()).WithNow(func() time.Time { return Epoch })
	ctx := context.Background()
	require.NoError(t, e.Pool.SeedBays(ctx, Admin.ActorID, cfg.Bays))

	_, err = e.RegisterCustomer(ctx, Admin, engine.CustomerInput{ID: Customer.ActorID, Name: "Asha Rao", Email: "asha@example.com"})
	require.NoError(t, err)
	v, err := e.RegisterVehicle(ctx, Admin, engine.VehicleInput{OwnerID: Customer.ActorID, RegistrationNumber: "KA01AB1234", Make: "Maruti", Model: "Swift", Year: 2020})
	require.NoError(t, err)
	for _, tech := range []engine.TechnicianInput{
		{ID: Tech.ActorID, Name: "Ravi", Specialization: "ENGINE"},
		{ID: Tech2.ActorID, Name: "Meena", Specialization: "ELECTRICAL"},
	} {
		_, err := e.RegisterTechnician(ctx, Admin, tech)
		require.NoError(t, err)
	}
	pad, err := e.Ledger.CreatePart(ctx, Admin, ledger.PartInput{Name: "Brake Pad", Stock: 10, ReorderLevel: 3, Price: decimal.NewFromInt(450)})
	require.NoError(t, err)
	filter, err := e.Ledger.CreatePart(ctx, Admin, ledger.PartInput{Name: "Oil Filter", Stock: 2, ReorderLevel: 2, Price: decimal.RequireFromString("120.50")})
	require.NoError(t, err)
	return Env{Engine: e, Ctx: ctx, VehicleID: v.ID, Pad: pad, Filter: filter}
}

// Open creates a REQUESTED service request for cust-1.
func (env Env) Open(t *testing.T) domain.ServiceRequest {
	t.Helper()
	sr, err := env.Engine.Create(env.Ctx, Customer, engine.CreateOptions{VehicleID: env.VehicleID, Issue: "Brakes squeal"})
	require.NoError(t, err)
	return sr
}

// InProgress opens a request, assigns it to tech-1 on bay and starts it.
func (env Env) InProgress(t *testing.T, bay int) domain.ServiceRequest {
	t.Helper()
	sr := env.Open(t)
	_, err := env.Engine.Assign(env.Ctx, Manager, sr.ID, Tech.ActorID, bay)
	require.NoError(t, err)
	sr, err = env.Engine.Start(env.Ctx, Tech, sr.ID)
	require.NoError(t, err)
	return sr
}

// Completed drives a request with the given parts through approval and completion.
func (env Env) Completed(t *testing.T, bay int, lines ...engine.PartLine) domain.ServiceRequest {
	t.Helper()
	sr := env.InProgress(t, bay)
	var err error
	if len(lines) > 0 {
		_, err = env.Engine.RequestParts(env.Ctx, Tech, sr.ID, lines)
		require.NoError(t, err)
		_, err = env.Engine.ApproveParts(env.Ctx, Manager, sr.ID, "")
		require.NoError(t, err)
	}
	sr, err = env.Engine.Complete(env.Ctx, Tech, sr.ID)
	require.NoError(t, err)
	return sr
}
