package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusRequested  Status = "REQUESTED"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusClosed     Status = "CLOSED"
)

// HoldsResources reports whether a request in this status keeps its bay and
// counts toward its technician's workload.
func (s Status) HoldsResources() bool {
	return s == StatusAssigned || s == StatusInProgress || s == StatusCompleted
}

type PartsStatus string

const (
	PartsRequested PartsStatus = "PARTS_REQUESTED"
	PartsApproved  PartsStatus = "PARTS_APPROVED"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
)

// ParsePriority normalizes a priority, defaulting empty input to NORMAL.
func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToUpper(strings.TrimSpace(s))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	default:
		return "", fmt.Errorf("invalid priority %q", s)
	}
}

type Specialization string

const (
	SpecEngine     Specialization = "ENGINE"
	SpecElectrical Specialization = "ELECTRICAL"
	SpecBodywork   Specialization = "BODYWORK"
	SpecGeneral    Specialization = "GENERAL"
)

type Availability string

const (
	Available   Availability = "AVAILABLE"
	Busy        Availability = "BUSY"
	Unavailable Availability = "UNAVAILABLE"
)

type VehicleType string

const (
	VehicleCar   VehicleType = "CAR"
	VehicleBike  VehicleType = "BIKE"
	VehicleTruck VehicleType = "TRUCK"
)

type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "PENDING"
	InvoicePaid    InvoiceStatus = "PAID"
)

type ServiceRequest struct {
	ID                 string              `db:"id" json:"id"`
	RequestNumber      string              `db:"request_number" json:"requestNumber"`
	CustomerID         string              `db:"customer_id" json:"customerId"`
	VehicleID          string              `db:"vehicle_id" json:"vehicleId"`
	TechnicianID       *string             `db:"technician_id" json:"technicianId,omitempty"`
	BayNumber          *int                `db:"bay_number" json:"bayNumber,omitempty"`
	Issue              string              `db:"issue" json:"issue"`
	Priority           Priority            `db:"priority" json:"priority"`
	Status             Status              `db:"status" json:"status"`
	PartsStatus        *PartsStatus        `db:"parts_status" json:"partsStatus,omitempty"`
	PartsRequestedAt   *string             `db:"parts_requested_at" json:"partsRequestedAt,omitempty"`
	LaborCost          decimal.NullDecimal `db:"labor_cost" json:"laborCost"`
	Version            int                 `db:"version" json:"version"`
	CreatedAt          string              `db:"created_at" json:"createdAt"`
	UpdatedAt          string              `db:"updated_at" json:"updatedAt"`
	UsedParts          []UsedPart          `db:"-" json:"usedParts"`
	CustomerName       string              `db:"customer_name" json:"customerName,omitempty"`
	TechnicianName     string              `db:"technician_name" json:"technicianName,omitempty"`
	VehicleDescription string              `db:"-" json:"vehicleDescription,omitempty"`
}

// PendingParts returns the requested lines that have not been priced yet.
func (r ServiceRequest) PendingParts() []UsedPart {
	var out []UsedPart
	for _, p := range r.UsedParts {
		if !p.UnitPrice.Valid {
			out = append(out, p)
		}
	}
	return out
}

type UsedPart struct {
	ID               int64               `db:"id" json:"-"`
	ServiceRequestID string              `db:"service_request_id" json:"-"`
	Position         int                 `db:"position" json:"-"`
	PartID           string              `db:"part_id" json:"partId,omitempty"`
	PartName         string              `db:"part_name" json:"partName"`
	Quantity         int                 `db:"quantity" json:"quantity"`
	UnitPrice        decimal.NullDecimal `db:"unit_price" json:"unitPrice"`
	CreatedAt        string              `db:"created_at" json:"-"`
}

// LineTotal is zero until the line has been priced.
func (p UsedPart) LineTotal() decimal.Decimal {
	if !p.UnitPrice.Valid {
		return decimal.Zero
	}
	return p.UnitPrice.Decimal.Mul(decimal.NewFromInt(int64(p.Quantity)))
}

type Customer struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Email     string `db:"email" json:"email,omitempty"`
	Phone     string `db:"phone" json:"phone,omitempty"`
	CreatedAt string `db:"created_at" json:"createdAt"`
}

type Vehicle struct {
	ID                 string      `db:"id" json:"id"`
	OwnerID            string      `db:"customer_id" json:"ownerId"`
	RegistrationNumber string      `db:"registration_number" json:"registrationNumber"`
	Make               string      `db:"make" json:"make"`
	Model              string      `db:"model" json:"model"`
	Year               int         `db:"year" json:"year"`
	Color              string      `db:"color" json:"color,omitempty"`
	Type               VehicleType `db:"type" json:"type"`
	CreatedAt          string      `db:"created_at" json:"createdAt"`
}

func (v Vehicle) Description() string {
	desc := strings.TrimSpace(fmt.Sprintf("%s %s", v.Make, v.Model))
	if v.Year > 0 {
		desc = fmt.Sprintf("%d %s", v.Year, desc)
	}
	if v.RegistrationNumber != "" {
		desc = fmt.Sprintf("%s (%s)", desc, v.RegistrationNumber)
	}
	return desc
}

type Technician struct {
	ID             string         `db:"id" json:"id"`
	Name           string         `db:"name" json:"name"`
	Specialization Specialization `db:"specialization" json:"specialization"`
	Workload       int            `db:"workload" json:"workloadCounter"`
	CreatedAt      string         `db:"created_at" json:"createdAt"`
}

// TechnicianLoad is a technician with its live workload and derived availability.
type TechnicianLoad struct {
	Technician
	CurrentWorkload int          `db:"current_workload" json:"currentWorkload"`
	Availability    Availability `db:"-" json:"availability"`
}

type Bay struct {
	BayNumber int    `db:"bay_number" json:"bayNumber"`
	Active    bool   `db:"active" json:"active"`
	Available bool   `db:"available" json:"available"`
	Version   int    `db:"version" json:"version"`
	UpdatedAt string `db:"updated_at" json:"updatedAt"`
}

type Part struct {
	ID           string          `db:"id" json:"id"`
	Name         string          `db:"name" json:"name"`
	Category     string          `db:"category" json:"category,omitempty"`
	UnitType     string          `db:"unit_type" json:"unitType,omitempty"`
	Supplier     string          `db:"supplier" json:"supplier,omitempty"`
	Description  string          `db:"description" json:"description,omitempty"`
	Stock        int             `db:"stock" json:"stock"`
	ReorderLevel int             `db:"reorder_level" json:"reorderLevel"`
	Price        decimal.Decimal `db:"price" json:"price"`
	CreatedAt    string          `db:"created_at" json:"createdAt"`
	UpdatedAt    string          `db:"updated_at" json:"updatedAt"`
}

func (p Part) LowStock() bool { return p.Stock <= p.ReorderLevel }

type RestockStatus string

const (
	RestockPending  RestockStatus = "PENDING"
	RestockApproved RestockStatus = "APPROVED"
	RestockRejected RestockStatus = "REJECTED"
)

type RestockRequest struct {
	ID          string        `db:"id" json:"id"`
	PartID      string        `db:"part_id" json:"partId"`
	PartName    string        `db:"part_name" json:"partName"`
	Quantity    int           `db:"quantity" json:"quantity"`
	Reason      string        `db:"reason" json:"reason,omitempty"`
	Status      RestockStatus `db:"status" json:"status"`
	RequestedBy string        `db:"requested_by" json:"requestedBy"`
	DecidedBy   *string       `db:"decided_by" json:"decidedBy,omitempty"`
	CreatedAt   string        `db:"created_at" json:"createdAt"`
	DecidedAt   *string       `db:"decided_at" json:"decidedAt,omitempty"`
}

type Invoice struct {
	ID               string          `db:"id" json:"id"`
	ServiceRequestID string          `db:"service_request_id" json:"serviceRequestId"`
	CustomerID       string          `db:"customer_id" json:"customerId"`
	LaborCost        decimal.Decimal `db:"labor_cost" json:"laborCost"`
	PartsTotal       decimal.Decimal `db:"parts_total" json:"partsTotal"`
	Total            decimal.Decimal `db:"total" json:"total"`
	Currency         string          `db:"currency" json:"currency"`
	Status           InvoiceStatus   `db:"status" json:"status"`
	PaymentID        *string         `db:"payment_id" json:"paymentId,omitempty"`
	CreatedAt        string          `db:"created_at" json:"createdAt"`
	PaidAt           *string         `db:"paid_at" json:"paidAt,omitempty"`
	Lines            []InvoiceLine   `db:"-" json:"lines"`
}

type InvoiceLine struct {
	ID          int64           `db:"id" json:"-"`
	InvoiceID   string          `db:"invoice_id" json:"-"`
	Position    int             `db:"position" json:"position"`
	Kind        string          `db:"kind" json:"kind"`
	Description string          `db:"description" json:"description"`
	PartID      string          `db:"part_id" json:"partId,omitempty"`
	Quantity    int             `db:"quantity" json:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price" json:"unitPrice"`
	Amount      decimal.Decimal `db:"amount" json:"amount"`
}

type OrderStatus string

const (
	OrderCreated OrderStatus = "CREATED"
	OrderPaid    OrderStatus = "PAID"
)

type PaymentOrder struct {
	ID          string      `db:"id" json:"orderId"`
	InvoiceID   string      `db:"invoice_id" json:"invoiceId"`
	Gateway     string      `db:"gateway" json:"gateway"`
	AmountMinor int64       `db:"amount_minor" json:"amount"`
	Currency    string      `db:"currency" json:"currency"`
	Status      OrderStatus `db:"status" json:"status"`
	PaymentID   *string     `db:"payment_id" json:"paymentId,omitempty"`
	CreatedAt   string      `db:"created_at" json:"createdAt"`
	UpdatedAt   string      `db:"updated_at" json:"updatedAt"`
}

type Event struct {
	ID         int64  `db:"id" json:"id"`
	TS         string `db:"ts" json:"ts" format:"date-time"`
	Type       string `db:"type" json:"type"`
	EntityKind string `db:"entity_kind" json:"entityKind"`
	EntityID   string `db:"entity_id" json:"entityId,omitempty"`
	ActorID    string `db:"actor_id" json:"actorId"`
	Payload    string `db:"payload_json" json:"payload"`
}
