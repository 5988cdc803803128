package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"servicebay/internal/domain"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/errs"
	"servicebay/internal/events"
	"servicebay/internal/repo"
)

type CustomerInput struct {
	ID    string
	Name  string
	Email string
	Phone string
}

// RegisterCustomer adds a customer to the local directory. A customer may
// register itself; staff may register anyone.
func (e Engine) RegisterCustomer(ctx context.Context, who auth.Identity, in CustomerInput) (domain.Customer, error) {
	if in.ID == "" && who.Role == auth.RoleCustomer {
		in.ID = who.ActorID
	}
	if !who.IsStaff() {
		if err := auth.RequireActor(who, "register customer", auth.RoleCustomer, in.ID); err != nil {
			return domain.Customer{}, err
		}
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.Customer{}, errs.Invalid("name", "is required")
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Customer{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetCustomerTx(ctx, tx, in.ID); err == nil {
		return domain.Customer{}, errs.ConflictError{Resource: "customer", Message: fmt.Sprintf("customer %s already exists", in.ID)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Customer{}, err
	}
	c := domain.Customer{ID: in.ID, Name: in.Name, Email: strings.TrimSpace(in.Email), Phone: strings.TrimSpace(in.Phone), CreatedAt: e.now()}
	if err := e.Repo.InsertCustomerTx(ctx, tx, c); err != nil {
		return domain.Customer{}, err
	}
	if err := e.Events.Append(ctx, tx, "customer.registered", events.KindDirectory, c.ID, who.ActorID, events.EventPayload{"name": c.Name}); err != nil {
		return domain.Customer{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Customer{}, err
	}
	return c, nil
}

func (e Engine) GetCustomer(ctx context.Context, who auth.Identity, id string) (domain.Customer, error) {
	if err := auth.RequireOwnerOrStaff(who, "view customer", id); err != nil {
		return domain.Customer{}, err
	}
	return e.Repo.GetCustomer(ctx, id)
}

type VehicleInput struct {
	OwnerID            string
	RegistrationNumber string
	Make               string
	Model              string
	Year               int
	Color              string
	Type               string
}

func (e Engine) RegisterVehicle(ctx context.Context, who auth.Identity, in VehicleInput) (domain.Vehicle, error) {
	if in.OwnerID == "" && who.Role == auth.RoleCustomer {
		in.OwnerID = who.ActorID
	}
	if err := auth.RequireOwnerOrStaff(who, "register vehicle", in.OwnerID); err != nil {
		return domain.Vehicle{}, err
	}
	reg := strings.ToUpper(strings.TrimSpace(in.RegistrationNumber))
	if reg == "" {
		return domain.Vehicle{}, errs.Invalid("registrationNumber", "is required")
	}
	if strings.TrimSpace(in.Make) == "" || strings.TrimSpace(in.Model) == "" {
		return domain.Vehicle{}, errs.Invalid("model", "make and model are required")
	}
	if in.Year != 0 && (in.Year < 1900 || in.Year > e.clock().Year()+1) {
		return domain.Vehicle{}, errs.Invalid("year", "%d is out of range", in.Year)
	}
	vt := domain.VehicleType(strings.ToUpper(strings.TrimSpace(in.Type)))
	switch vt {
	case "":
		vt = domain.VehicleCar
	case domain.VehicleCar, domain.VehicleBike, domain.VehicleTruck:
	default:
		return domain.Vehicle{}, errs.Invalid("type", "unknown vehicle type %q", in.Type)
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Vehicle{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetCustomerTx(ctx, tx, in.OwnerID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Vehicle{}, errs.Invalid("ownerId", "customer %s does not exist", in.OwnerID)
		}
		return domain.Vehicle{}, err
	}
	if _, err := e.Repo.VehicleByRegistrationTx(ctx, tx, reg); err == nil {
		return domain.Vehicle{}, errs.ConflictError{Resource: "vehicle", Message: fmt.Sprintf("registration %s already exists", reg)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Vehicle{}, err
	}
	v := domain.Vehicle{
		ID:                 uuid.NewString(),
		OwnerID:            in.OwnerID,
		RegistrationNumber: reg,
		Make:               strings.TrimSpace(in.Make),
		Model:              strings.TrimSpace(in.Model),
		Year:               in.Year,
		Color:              strings.TrimSpace(in.Color),
		Type:               vt,
		CreatedAt:          e.now(),
	}
	if err := e.Repo.InsertVehicleTx(ctx, tx, v); err != nil {
		return domain.Vehicle{}, err
	}
	if err := e.Events.Append(ctx, tx, "vehicle.registered", events.KindDirectory, v.ID, who.ActorID,
		events.EventPayload{"owner_id": v.OwnerID, "registration": v.RegistrationNumber}); err != nil {
		return domain.Vehicle{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Vehicle{}, err
	}
	return v, nil
}

// ListVehicles lists a customer's vehicles; staff may omit customerID to list all.
func (e Engine) ListVehicles(ctx context.Context, who auth.Identity, customerID string) ([]domain.Vehicle, error) {
	if customerID == "" && who.Role == auth.RoleCustomer {
		customerID = who.ActorID
	}
	if customerID == "" {
		if err := auth.RequireRole(who, "list vehicles", auth.RoleManager, auth.RoleAdmin); err != nil {
			return nil, err
		}
	} else if err := auth.RequireOwnerOrStaff(who, "list vehicles", customerID); err != nil {
		return nil, err
	}
	return e.Repo.ListVehicles(ctx, customerID)
}

type TechnicianInput struct {
	ID             string
	Name           string
	Specialization string
}

func (e Engine) RegisterTechnician(ctx context.Context, who auth.Identity, in TechnicianInput) (domain.Technician, error) {
	if err := auth.RequireRole(who, "register technician", auth.RoleManager, auth.RoleAdmin); err != nil {
		return domain.Technician{}, err
	}
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return domain.Technician{}, errs.Invalid("name", "is required")
	}
	spec := strings.ToUpper(strings.TrimSpace(in.Specialization))
	if spec == "" {
		spec = string(domain.SpecGeneral)
	}
	if e.Config != nil && !e.Config.HasSpecialization(spec) {
		return domain.Technician{}, errs.Invalid("specialization", "unknown specialization %q", in.Specialization)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}

	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return domain.Technician{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetTechnicianTx(ctx, tx, in.ID); err == nil {
		return domain.Technician{}, errs.ConflictError{Resource: "technician", Message: fmt.Sprintf("technician %s already exists", in.ID)}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Technician{}, err
	}
	t := domain.Technician{ID: in.ID, Name: in.Name, Specialization: domain.Specialization(spec), CreatedAt: e.now()}
	if err := e.Repo.InsertTechnicianTx(ctx, tx, t); err != nil {
		return domain.Technician{}, err
	}
	if err := e.Events.Append(ctx, tx, "technician.registered", events.KindTechnician, t.ID, who.ActorID,
		events.EventPayload{"specialization": spec}); err != nil {
		return domain.Technician{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Technician{}, err
	}
	return t, nil
}
