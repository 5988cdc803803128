package server

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"servicebay/internal/domain"
	"servicebay/internal/engine/payment"
)

// Request payloads

type CreateServiceRequestRequest struct {
	CustomerID string `json:"customerId,omitempty" doc:"Defaults to the caller when the caller is a customer"`
	VehicleID  string `json:"vehicleId"`
	Issue      string `json:"issue" minLength:"1"`
	Priority   string `json:"priority,omitempty" enum:"LOW,NORMAL,HIGH"`
}

type AssignRequest struct {
	TechnicianID string `json:"technicianId"`
	BayNumber    int    `json:"bayNumber,omitempty"`
	// BayID is the bay number as a string, accepted from older clients.
	BayID string `json:"bayId,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" doc:"IN_PROGRESS or COMPLETED"`
}

type PartLineRequest struct {
	PartID   string `json:"partId,omitempty"`
	PartName string `json:"partName,omitempty"`
	Quantity int    `json:"quantity" minimum:"1"`
}

type CreatePartRequest struct {
	Name         string  `json:"name" minLength:"1"`
	Category     string  `json:"category,omitempty"`
	UnitType     string  `json:"unitType,omitempty"`
	Supplier     string  `json:"supplier,omitempty"`
	Description  string  `json:"description,omitempty"`
	Stock        int     `json:"stock,omitempty" minimum:"0"`
	ReorderLevel int     `json:"reorderLevel,omitempty" minimum:"0"`
	Price        float64 `json:"price" minimum:"0"`
}

type UpdatePartRequest struct {
	Name         *string  `json:"name,omitempty"`
	Category     *string  `json:"category,omitempty"`
	UnitType     *string  `json:"unitType,omitempty"`
	Supplier     *string  `json:"supplier,omitempty"`
	Description  *string  `json:"description,omitempty"`
	ReorderLevel *int     `json:"reorderLevel,omitempty"`
	Price        *float64 `json:"price,omitempty"`
}

type AddStockRequest struct {
	Quantity int `json:"quantity" minimum:"1"`
}

type CreateRestockRequest struct {
	PartID   string `json:"partId"`
	Quantity int    `json:"quantity" minimum:"1"`
	Reason   string `json:"reason,omitempty"`
}

type CreateBayRequest struct {
	BayNumber int `json:"bayNumber" minimum:"1"`
}

type SetBayStatusRequest struct {
	IsAvailable bool `json:"isAvailable"`
}

type CreateTechnicianRequest struct {
	ID             string `json:"id,omitempty"`
	Name           string `json:"name" minLength:"1"`
	Specialization string `json:"specialization,omitempty"`
}

type CreateCustomerRequest struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name" minLength:"1"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type CreateVehicleRequest struct {
	OwnerID            string `json:"ownerId,omitempty"`
	RegistrationNumber string `json:"registrationNumber" minLength:"1"`
	Make               string `json:"make"`
	Model              string `json:"model"`
	Year               int    `json:"year,omitempty"`
	Color              string `json:"color,omitempty"`
	Type               string `json:"type,omitempty" enum:"CAR,BIKE,TRUCK"`
}

type VerifyPaymentRequest struct {
	OrderID   string `json:"orderId,omitempty"`
	PaymentID string `json:"paymentId,omitempty"`
	Signature string `json:"signature,omitempty"`
	InvoiceID string `json:"invoiceId"`
}

type OfflinePaymentRequest struct {
	Reference string `json:"reference,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actorId"`
	Role    string `json:"role" doc:"CUSTOMER, TECHNICIAN, MANAGER or ADMIN (case-insensitive, ROLE_ prefix allowed)"`
}

// Responses

type DevLoginResponse struct {
	Token   string `json:"token"`
	ActorID string `json:"actorId"`
	Role    string `json:"role"`
}

type UsedPartResponse struct {
	PartID    string   `json:"partId,omitempty"`
	PartName  string   `json:"partName"`
	Quantity  int      `json:"quantity"`
	UnitPrice *float64 `json:"unitPrice,omitempty"`
}

type ServiceRequestResponse struct {
	ID                 string             `json:"id"`
	RequestNumber      string             `json:"requestNumber"`
	CustomerID         string             `json:"customerId"`
	CustomerName       string             `json:"customerName,omitempty"`
	VehicleID          string             `json:"vehicleId"`
	VehicleDescription string             `json:"vehicleDescription,omitempty"`
	TechnicianID       *string            `json:"technicianId,omitempty"`
	TechnicianName     string             `json:"technicianName,omitempty"`
	BayNumber          *int               `json:"bayNumber,omitempty"`
	Issue              string             `json:"issue"`
	Priority           string             `json:"priority"`
	Status             string             `json:"status"`
	PartsStatus        *string            `json:"partsStatus,omitempty"`
	PartsRequestedAt   *string            `json:"partsRequestedAt,omitempty"`
	LaborCost          *float64           `json:"laborCost,omitempty"`
	UsedParts          []UsedPartResponse `json:"usedParts"`
	Version            int                `json:"version"`
	CreatedAt          string             `json:"createdAt"`
	UpdatedAt          string             `json:"updatedAt"`
}

type CloseResponse struct {
	Request ServiceRequestResponse `json:"request"`
	Invoice InvoiceResponse        `json:"invoice"`
}

type PartResponse struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Category     string  `json:"category,omitempty"`
	UnitType     string  `json:"unitType,omitempty"`
	Supplier     string  `json:"supplier,omitempty"`
	Description  string  `json:"description,omitempty"`
	Stock        int     `json:"stock"`
	ReorderLevel int     `json:"reorderLevel"`
	Price        float64 `json:"price"`
	LowStock     bool    `json:"lowStock"`
	CreatedAt    string  `json:"createdAt"`
	UpdatedAt    string  `json:"updatedAt"`
}

type InvoiceLineResponse struct {
	Position    int     `json:"position"`
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	PartID      string  `json:"partId,omitempty"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Amount      float64 `json:"amount"`
}

type InvoiceResponse struct {
	ID               string                `json:"id"`
	ServiceRequestID string                `json:"serviceRequestId"`
	CustomerID       string                `json:"customerId"`
	LaborCost        float64               `json:"laborCost"`
	PartsTotal       float64               `json:"partsTotal"`
	Total            float64               `json:"total"`
	Currency         string                `json:"currency"`
	Status           string                `json:"status"`
	PaymentID        *string               `json:"paymentId,omitempty"`
	CreatedAt        string                `json:"createdAt"`
	PaidAt           *string               `json:"paidAt,omitempty"`
	Lines            []InvoiceLineResponse `json:"lines"`
}

type CheckoutResponse struct {
	OrderID          string `json:"orderId"`
	Amount           int64  `json:"amount" doc:"Amount in the currency's minor unit"`
	Currency         string `json:"currency"`
	Key              string `json:"key"`
	Gateway          string `json:"gateway"`
	InvoiceID        string `json:"invoiceId"`
	ServiceRequestID string `json:"serviceRequestId"`
	CustomerID       string `json:"customerId"`
	Description      string `json:"description,omitempty"`
	CustomerName     string `json:"customerName,omitempty"`
	CustomerEmail    string `json:"customerEmail,omitempty"`
	CustomerContact  string `json:"customerContact,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId,omitempty"`
	ActorID    string         `json:"actorId"`
	Payload    map[string]any `json:"payload"`
}

// Converters

func money(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

func nullMoney(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}

func serviceRequestResponse(sr domain.ServiceRequest) ServiceRequestResponse {
	out := ServiceRequestResponse{
		ID:                 sr.ID,
		RequestNumber:      sr.RequestNumber,
		CustomerID:         sr.CustomerID,
		CustomerName:       sr.CustomerName,
		VehicleID:          sr.VehicleID,
		VehicleDescription: sr.VehicleDescription,
		TechnicianID:       sr.TechnicianID,
		TechnicianName:     sr.TechnicianName,
		BayNumber:          sr.BayNumber,
		Issue:              sr.Issue,
		Priority:           string(sr.Priority),
		Status:             string(sr.Status),
		PartsRequestedAt:   sr.PartsRequestedAt,
		LaborCost:          nullMoney(sr.LaborCost),
		UsedParts:          []UsedPartResponse{},
		Version:            sr.Version,
		CreatedAt:          sr.CreatedAt,
		UpdatedAt:          sr.UpdatedAt,
	}
	if sr.PartsStatus != nil {
		ps := string(*sr.PartsStatus)
		out.PartsStatus = &ps
	}
	for _, p := range sr.UsedParts {
		out.UsedParts = append(out.UsedParts, UsedPartResponse{
			PartID:    p.PartID,
			PartName:  p.PartName,
			Quantity:  p.Quantity,
			UnitPrice: nullMoney(p.UnitPrice),
		})
	}
	return out
}

func serviceRequestResponses(items []domain.ServiceRequest) []ServiceRequestResponse {
	out := make([]ServiceRequestResponse, 0, len(items))
	for _, sr := range items {
		out = append(out, serviceRequestResponse(sr))
	}
	return out
}

func partResponse(p domain.Part) PartResponse {
	return PartResponse{
		ID:           p.ID,
		Name:         p.Name,
		Category:     p.Category,
		UnitType:     p.UnitType,
		Supplier:     p.Supplier,
		Description:  p.Description,
		Stock:        p.Stock,
		ReorderLevel: p.ReorderLevel,
		Price:        money(p.Price),
		LowStock:     p.LowStock(),
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
}

func partResponses(items []domain.Part) []PartResponse {
	out := make([]PartResponse, 0, len(items))
	for _, p := range items {
		out = append(out, partResponse(p))
	}
	return out
}

func invoiceResponse(inv domain.Invoice) InvoiceResponse {
	out := InvoiceResponse{
		ID:               inv.ID,
		ServiceRequestID: inv.ServiceRequestID,
		CustomerID:       inv.CustomerID,
		LaborCost:        money(inv.LaborCost),
		PartsTotal:       money(inv.PartsTotal),
		Total:            money(inv.Total),
		Currency:         inv.Currency,
		Status:           string(inv.Status),
		PaymentID:        inv.PaymentID,
		CreatedAt:        inv.CreatedAt,
		PaidAt:           inv.PaidAt,
		Lines:            []InvoiceLineResponse{},
	}
	for _, l := range inv.Lines {
		out.Lines = append(out.Lines, InvoiceLineResponse{
			Position:    l.Position,
			Kind:        l.Kind,
			Description: l.Description,
			PartID:      l.PartID,
			Quantity:    l.Quantity,
			UnitPrice:   money(l.UnitPrice),
			Amount:      money(l.Amount),
		})
	}
	return out
}

func invoiceResponses(items []domain.Invoice) []InvoiceResponse {
	out := make([]InvoiceResponse, 0, len(items))
	for _, inv := range items {
		out = append(out, invoiceResponse(inv))
	}
	return out
}

func checkoutResponse(c payment.Checkout) CheckoutResponse {
	return CheckoutResponse{
		OrderID:          c.ID,
		Amount:           c.AmountMinor,
		Currency:         c.Currency,
		Key:              c.Key,
		Gateway:          c.Gateway,
		InvoiceID:        c.InvoiceID,
		ServiceRequestID: c.ServiceRequestID,
		CustomerID:       c.CustomerID,
		Description:      c.Description,
		CustomerName:     c.CustomerName,
		CustomerEmail:    c.CustomerEmail,
		CustomerContact:  c.CustomerContact,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = map[string]any{"raw": evt.Payload}
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
