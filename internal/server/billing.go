package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"servicebay/internal/engine"
	"servicebay/internal/engine/payment"
)

type invoiceBody struct {
	Body InvoiceResponse `json:"body"`
}

func registerInvoices(api huma.API, e engine.Engine, pay payment.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-customer-invoices",
		Method:      http.MethodGet,
		Path:        "/invoices/customer/{customerId}",
		Summary:     "List a customer's invoices",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		CustomerID string `path:"customerId"`
	}) (*struct {
		Body []InvoiceResponse `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Invoices.List(ctx, who, input.CustomerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []InvoiceResponse `json:"body"`
		}{Body: invoiceResponses(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-invoice",
		Method:      http.MethodGet,
		Path:        "/invoices/{id}",
		Summary:     "Get an invoice",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*invoiceBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.Invoices.Get(ctx, who, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &invoiceBody{Body: invoiceResponse(inv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request-invoice",
		Method:      http.MethodGet,
		Path:        "/invoices/request/{requestId}",
		Summary:     "Invoice for a service request",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"requestId"`
	}) (*invoiceBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.Invoices.ForRequest(ctx, who, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &invoiceBody{Body: invoiceResponse(inv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "generate-invoice",
		Method:      http.MethodPost,
		Path:        "/invoices/request/{requestId}",
		Summary:     "Generate the invoice for a closed request (idempotent)",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"requestId"`
	}) (*invoiceBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.Invoices.GenerateForRequest(ctx, who, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &invoiceBody{Body: invoiceResponse(inv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-offline-payment",
		Method:      http.MethodPatch,
		Path:        "/invoices/{id}/pay",
		Summary:     "Mark an invoice paid at the counter",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body *OfflinePaymentRequest `json:"body" required:"false"`
	}) (*invoiceBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ref := ""
		if input.Body != nil {
			ref = input.Body.Reference
		}
		inv, err := pay.RecordOfflinePayment(ctx, who, input.ID, ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &invoiceBody{Body: invoiceResponse(inv)}, nil
	})
}

func registerPayments(api huma.API, pay payment.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "create-payment-order",
		Method:      http.MethodPost,
		Path:        "/payments/razorpay/order/{invoiceId}",
		Summary:     "Open a gateway order for an invoice",
		Errors:      append(commonErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		InvoiceID string `path:"invoiceId"`
	}) (*struct {
		Body CheckoutResponse `json:"body"`
	}, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		checkout, err := pay.CreateOrder(ctx, who, input.InvoiceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CheckoutResponse `json:"body"`
		}{Body: checkoutResponse(checkout)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-payment",
		Method:      http.MethodPost,
		Path:        "/payments/razorpay/verify",
		Summary:     "Verify a gateway payment signature and mark the invoice paid",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		Body VerifyPaymentRequest `json:"body"`
	}) (*invoiceBody, error) {
		who, authErr := identityFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := pay.Verify(ctx, who, payment.VerifyRequest{
			InvoiceID: input.Body.InvoiceID,
			OrderID:   input.Body.OrderID,
			PaymentID: input.Body.PaymentID,
			Signature: input.Body.Signature,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &invoiceBody{Body: invoiceResponse(inv)}, nil
	})
}
