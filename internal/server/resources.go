package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"servicebay/internal/domain"
	"servicebay/internal/engine"
)

type bayBody struct {
	Body domain.Bay `json:"body"`
}

type bayListBody struct {
	Body []domain.Bay `json:"body"`
}

func registerBays(api huma.API, e engine.Engine) {
	list := func(id, path, summary string, availableOnly bool) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodGet,
			Path:        path,
			Summary:     summary,
			Errors:      commonErrors,
		}, func(ctx context.Context, _ *struct{}) (*bayListBody, error) {
			if _, authErr := identityFromContext(ctx); authErr != nil {
				return nil, authErr
			}
			var (
				bays []domain.Bay
				err  error
			)
			if availableOnly {
				bays, err = e.Pool.ListAvailableBays(ctx)
			} else {
				bays, err = e.Pool.ListBays(ctx)
			}
			if err != nil {
				return nil, handleError(err)
			}
			return &bayListBody{Body: bays}, nil
		})
	}
	list("list-bays", "/bays", "List bays", false)
	list("list-available-bays", "/bays/available", "List free, active bays", true)

	huma.Register(api, huma.Operation{
		OperationID:   "create-bay",
		Method:        http.MethodPost,
		Path:          "/bays",
		Summary:       "Add a bay",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBayRequest `json:"body"`
	}) (*bayBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bay, err := e.Pool.CreateBay(ctx, who, input.Body.BayNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &bayBody{Body: bay}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-bay-status",
		Method:      http.MethodPatch,
		Path:        "/bays/{bayNumber}/status",
		Summary:     "Take a bay in or out of service",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		BayNumber int                 `path:"bayNumber"`
		Body      SetBayStatusRequest `json:"body"`
	}) (*bayBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bay, err := e.Pool.SetBayActive(ctx, who, input.BayNumber, input.Body.IsAvailable)
		if err != nil {
			return nil, handleError(err)
		}
		return &bayBody{Body: bay}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-bay",
		Method:      http.MethodPost,
		Path:        "/bays/{bayNumber}/release",
		Summary:     "Force-release a bay no open request holds",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		BayNumber int `path:"bayNumber"`
	}) (*bayBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bay, err := e.Pool.ForceReleaseBay(ctx, who, input.BayNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &bayBody{Body: bay}, nil
	})
}

func registerTechnicians(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-technician",
		Method:        http.MethodPost,
		Path:          "/technicians",
		Summary:       "Register a technician",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTechnicianRequest `json:"body"`
	}) (*struct {
		Body domain.Technician `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		tech, err := e.RegisterTechnician(ctx, who, engine.TechnicianInput{
			ID:             input.Body.ID,
			Name:           input.Body.Name,
			Specialization: input.Body.Specialization,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Technician `json:"body"`
		}{Body: tech}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-technicians",
		Method:      http.MethodGet,
		Path:        "/technicians",
		Summary:     "List technicians with workload and availability",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.TechnicianLoad `json:"body"`
	}, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		loads, err := e.Pool.ListTechniciansWithWorkload(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.TechnicianLoad `json:"body"`
		}{Body: loads}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-workload",
		Method:      http.MethodPost,
		Path:        "/technicians/workload/reconcile",
		Summary:     "Recompute stored workload counters from open requests",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		fixed, err := e.Pool.ReconcileWorkload(ctx, who)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: fixed}, nil
	})
}

func registerDirectory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-customer",
		Method:        http.MethodPost,
		Path:          "/customers",
		Summary:       "Register a customer",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCustomerRequest `json:"body"`
	}) (*struct {
		Body domain.Customer `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RegisterCustomer(ctx, who, engine.CustomerInput{
			ID:    input.Body.ID,
			Name:  input.Body.Name,
			Email: input.Body.Email,
			Phone: input.Body.Phone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Customer `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-customer",
		Method:      http.MethodGet,
		Path:        "/customers/{id}",
		Summary:     "Get a customer",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Customer `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.GetCustomer(ctx, who, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Customer `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-vehicle",
		Method:        http.MethodPost,
		Path:          "/vehicles",
		Summary:       "Register a vehicle",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateVehicleRequest `json:"body"`
	}) (*struct {
		Body domain.Vehicle `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.RegisterVehicle(ctx, who, engine.VehicleInput{
			OwnerID:            input.Body.OwnerID,
			RegistrationNumber: input.Body.RegistrationNumber,
			Make:               input.Body.Make,
			Model:              input.Body.Model,
			Year:               input.Body.Year,
			Color:              input.Body.Color,
			Type:               input.Body.Type,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Vehicle `json:"body"`
		}{Body: v}, nil
	})

	type vehicleListBody struct {
		Body []domain.Vehicle `json:"body"`
	}
	listVehicles := func(ctx context.Context, customerID string) (*vehicleListBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListVehicles(ctx, who, customerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &vehicleListBody{Body: items}, nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-vehicles",
		Method:      http.MethodGet,
		Path:        "/vehicles",
		Summary:     "List vehicles",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*vehicleListBody, error) {
		return listVehicles(ctx, "")
	})
	huma.Register(api, huma.Operation{
		OperationID: "list-customer-vehicles",
		Method:      http.MethodGet,
		Path:        "/vehicles/customer/{customerId}",
		Summary:     "List a customer's vehicles",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		CustomerID string `path:"customerId"`
	}) (*vehicleListBody, error) {
		return listVehicles(ctx, input.CustomerID)
	})
}
