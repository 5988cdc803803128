package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"servicebay/internal/cache"
	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/errs"
	"servicebay/internal/repo"
)

type requestBody struct {
	Body ServiceRequestResponse `json:"body"`
}

type requestListBody struct {
	Body []ServiceRequestResponse `json:"body"`
}

func requestOut(sr domain.ServiceRequest) *requestBody {
	return &requestBody{Body: serviceRequestResponse(sr)}
}

func registerServiceRequests(api huma.API, e engine.Engine, idem cache.Store) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-service-request",
		Method:        http.MethodPost,
		Path:          "/service-requests",
		Summary:       "Open a service request",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		IdempotencyKey string `header:"Idempotency-Key"`
		Body           CreateServiceRequestRequest
	}) (*requestBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			CustomerID: input.Body.CustomerID,
			VehicleID:  input.Body.VehicleID,
			Issue:      input.Body.Issue,
			Priority:   input.Body.Priority,
		}
		key := strings.TrimSpace(input.IdempotencyKey)
		if key == "" || idem == nil {
			sr, err := e.Create(ctx, who, opts)
			if err != nil {
				return nil, handleError(err)
			}
			return requestOut(sr), nil
		}
		sr, err := createOnce(ctx, e, idem, who, who.ActorID+":"+key, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return requestOut(sr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-service-request",
		Method:      http.MethodGet,
		Path:        "/service-requests/{id}",
		Summary:     "Get a service request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*requestBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sr, err := e.Get(ctx, who, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return requestOut(sr), nil
	})

	listRoute := func(id, path, summary string, filter func(string) repo.RequestFilter) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodGet,
			Path:        path,
			Summary:     summary,
			Errors:      commonErrors,
		}, func(ctx context.Context, input *struct {
			OwnerID string `path:"ownerId"`
			Status  string `query:"status" enum:"REQUESTED,ASSIGNED,IN_PROGRESS,COMPLETED,CLOSED"`
		}) (*requestListBody, error) {
			who, authErr := identityFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			f := filter(input.OwnerID)
			f.Status = domain.Status(input.Status)
			items, err := e.List(ctx, who, f)
			if err != nil {
				return nil, handleError(err)
			}
			return &requestListBody{Body: serviceRequestResponses(items)}, nil
		})
	}
	listRoute("list-customer-service-requests", "/service-requests/customer/{ownerId}", "List a customer's service requests",
		func(id string) repo.RequestFilter { return repo.RequestFilter{CustomerID: id} })
	listRoute("list-technician-service-requests", "/service-requests/technician/{ownerId}", "List a technician's service requests",
		func(id string) repo.RequestFilter { return repo.RequestFilter{TechnicianID: id} })

	huma.Register(api, huma.Operation{
		OperationID: "list-service-requests",
		Method:      http.MethodGet,
		Path:        "/service-requests/manager",
		Summary:     "List all service requests",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"REQUESTED,ASSIGNED,IN_PROGRESS,COMPLETED,CLOSED"`
	}) (*requestListBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(who, "list all service requests", auth.RoleManager, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		items, err := e.List(ctx, who, repo.RequestFilter{Status: domain.Status(input.Status)})
		if err != nil {
			return nil, handleError(err)
		}
		return &requestListBody{Body: serviceRequestResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "technician-workload",
		Method:      http.MethodGet,
		Path:        "/service-requests/technician-workload",
		Summary:     "Active request count per technician",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := e.TechnicianWorkload(ctx, who)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: counts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-service-request",
		Method:      http.MethodPatch,
		Path:        "/service-requests/{id}/assign",
		Summary:     "Assign a technician and a bay",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body AssignRequest
	}) (*requestBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		bay := input.Body.BayNumber
		if bay == 0 && input.Body.BayID != "" {
			n, err := strconv.Atoi(strings.TrimSpace(input.Body.BayID))
			if err != nil {
				return nil, handleError(errs.Invalid("bayId", "must be a bay number"))
			}
			bay = n
		}
		sr, err := e.Assign(ctx, who, input.ID, input.Body.TechnicianID, bay)
		if err != nil {
			return nil, handleError(err)
		}
		return requestOut(sr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-service-request",
		Method:      http.MethodPatch,
		Path:        "/service-requests/{id}/start",
		Summary:     "Start work",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*requestBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sr, err := e.Start(ctx, who, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return requestOut(sr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-service-request",
		Method:      http.MethodPatch,
		Path:        "/service-requests/{id}/complete",
		Summary:     "Complete work",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*requestBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sr, err := e.Complete(ctx, who, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return requestOut(sr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-service-request-status",
		Method:      http.MethodPatch,
		Path:        "/service-requests/{id}/status",
		Summary:     "Move a request to IN_PROGRESS or COMPLETED",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body SetStatusRequest
	}) (*requestBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sr, err := e.SetStatus(ctx, who, input.ID, domain.Status(strings.ToUpper(input.Body.Status)))
		if err != nil {
			return nil, handleError(err)
		}
		return requestOut(sr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-parts",
		Method:      http.MethodPost,
		Path:        "/service-requests/{id}/parts/request",
		Summary:     "Request parts for a job",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body []PartLineRequest
	}) (*requestBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lines := make([]engine.PartLine, 0, len(input.Body))
		for _, l := range input.Body {
			lines = append(lines, engine.PartLine{PartID: l.PartID, PartName: l.PartName, Quantity: l.Quantity})
		}
		sr, err := e.RequestParts(ctx, who, input.ID, lines)
		if err != nil {
			return nil, handleError(err)
		}
		return requestOut(sr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-parts",
		Method:      http.MethodPatch,
		Path:        "/service-requests/{id}/parts/approve",
		Summary:     "Approve requested parts and deduct stock",
		Errors:      append(commonErrors, http.StatusUnprocessableEntity),
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		ManagerID string `query:"managerId"`
	}) (*requestBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		managerID := input.ManagerID
		if managerID == "" {
			managerID = who.ActorID
		}
		sr, err := e.ApproveParts(ctx, who, input.ID, managerID)
		if err != nil {
			return nil, handleError(err)
		}
		return requestOut(sr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-service-request",
		Method:      http.MethodPatch,
		Path:        "/service-requests/{id}/close",
		Summary:     "Close a completed request and generate its invoice",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID        string `path:"id"`
		LaborCost string `query:"laborCost" required:"true"`
	}) (*struct {
		Body CloseResponse `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cost, err := decimal.NewFromString(strings.TrimSpace(input.LaborCost))
		if err != nil {
			return nil, handleError(errs.Invalid("laborCost", "must be a number"))
		}
		sr, inv, err := e.Close(ctx, who, input.ID, cost)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CloseResponse `json:"body"`
		}{Body: CloseResponse{Request: serviceRequestResponse(sr), Invoice: invoiceResponse(inv)}}, nil
	})
}

// createOnce runs Create at most once per idempotency key. A replay returns
// the request created by the first call.
func createOnce(ctx context.Context, e engine.Engine, idem cache.Store, who auth.Identity, key string, opts engine.CreateOptions) (domain.ServiceRequest, error) {
	id, done, err := idem.Claim(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrInFlight) {
			return domain.ServiceRequest{}, err
		}
		return domain.ServiceRequest{}, errs.UnavailableError{Service: "idempotency store", Retryable: true, Err: err}
	}
	if done {
		return e.Get(ctx, who, id)
	}
	sr, err := e.Create(ctx, who, opts)
	if err != nil {
		if relErr := idem.Release(ctx, key); relErr != nil {
			e.Log.WithError(relErr).Warn("release idempotency key")
		}
		return domain.ServiceRequest{}, err
	}
	if err := idem.Complete(ctx, key, sr.ID); err != nil {
		e.Log.WithError(err).WithField("request_id", sr.ID).Warn("store idempotency key")
	}
	return sr, nil
}
