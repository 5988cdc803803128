package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shopspring/decimal"

	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/ledger"
)

type partBody struct {
	Body PartResponse `json:"body"`
}

type partListBody struct {
	Body []PartResponse `json:"body"`
}

type restockBody struct {
	Body domain.RestockRequest `json:"body"`
}

func registerParts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-parts",
		Method:      http.MethodGet,
		Path:        "/parts",
		Summary:     "Parts catalog",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*partListBody, error) {
		if _, authErr := identityFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		parts, err := e.Ledger.GetCatalog(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &partListBody{Body: partResponses(parts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "low-stock-alerts",
		Method:      http.MethodGet,
		Path:        "/parts/alerts/low-stock",
		Summary:     "Parts at or below their reorder level",
		Errors:      commonErrors,
	}, func(ctx context.Context, _ *struct{}) (*partListBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(who, "view low-stock alerts", auth.RoleTechnician, auth.RoleManager, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		parts, err := e.Ledger.LowStockAlerts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &partListBody{Body: partResponses(parts)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-part",
		Method:        http.MethodPost,
		Path:          "/parts",
		Summary:       "Add a part to the catalog",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreatePartRequest `json:"body"`
	}) (*partBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Ledger.CreatePart(ctx, who, ledger.PartInput{
			Name:         input.Body.Name,
			Category:     input.Body.Category,
			UnitType:     input.Body.UnitType,
			Supplier:     input.Body.Supplier,
			Description:  input.Body.Description,
			Stock:        input.Body.Stock,
			ReorderLevel: input.Body.ReorderLevel,
			Price:        decimal.NewFromFloat(input.Body.Price),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &partBody{Body: partResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-part",
		Method:      http.MethodPut,
		Path:        "/parts/{id}",
		Summary:     "Update part metadata or price",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdatePartRequest `json:"body"`
	}) (*partBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		upd := ledger.PartUpdate{
			Name:         input.Body.Name,
			Category:     input.Body.Category,
			UnitType:     input.Body.UnitType,
			Supplier:     input.Body.Supplier,
			Description:  input.Body.Description,
			ReorderLevel: input.Body.ReorderLevel,
		}
		if input.Body.Price != nil {
			price := decimal.NewFromFloat(*input.Body.Price)
			upd.Price = &price
		}
		p, err := e.Ledger.UpdatePart(ctx, who, input.ID, upd)
		if err != nil {
			return nil, handleError(err)
		}
		return &partBody{Body: partResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-stock",
		Method:      http.MethodPost,
		Path:        "/parts/{id}/stock",
		Summary:     "Restock a part directly",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body AddStockRequest `json:"body"`
	}) (*partBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Ledger.Restock(ctx, who, input.ID, input.Body.Quantity)
		if err != nil {
			return nil, handleError(err)
		}
		return &partBody{Body: partResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-restock",
		Method:        http.MethodPost,
		Path:          "/parts/restock",
		Summary:       "Ask a manager to restock a part",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRestockRequest `json:"body"`
	}) (*restockBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rr, err := e.Ledger.RequestRestock(ctx, who, input.Body.PartID, input.Body.Quantity, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &restockBody{Body: rr}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-restock-requests",
		Method:      http.MethodGet,
		Path:        "/parts/restock",
		Summary:     "List restock requests",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"PENDING,APPROVED,REJECTED"`
	}) (*struct {
		Body []domain.RestockRequest `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := auth.RequireRole(who, "list restock requests", auth.RoleTechnician, auth.RoleManager, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Ledger.ListRestockRequests(ctx, domain.RestockStatus(strings.ToUpper(input.Status)))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.RestockRequest `json:"body"`
		}{Body: items}, nil
	})

	decide := func(id, path, summary string, apply func(context.Context, auth.Identity, string) (domain.RestockRequest, error)) {
		huma.Register(api, huma.Operation{
			OperationID: id,
			Method:      http.MethodPut,
			Path:        path,
			Summary:     summary,
			Errors:      commonErrors,
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*restockBody, error) {
			who, authErr := identityFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			rr, err := apply(ctx, who, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &restockBody{Body: rr}, nil
		})
	}
	decide("approve-restock", "/parts/restock/{id}/approve", "Approve a restock request and add the stock", e.Ledger.ApproveRestock)
	decide("reject-restock", "/parts/restock/{id}/reject", "Reject a restock request", e.Ledger.RejectRestock)
}
