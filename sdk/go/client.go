package servicebaysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal ServiceBay HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/api",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// WithToken returns a copy of the client acting with another token.
func (c *Client) WithToken(token string) *Client {
	cp := *c
	cp.BearerToken = token
	return &cp
}

type UsedPart struct {
	PartID    string   `json:"partId,omitempty"`
	PartName  string   `json:"partName"`
	Quantity  int      `json:"quantity"`
	UnitPrice *float64 `json:"unitPrice,omitempty"`
}

// ServiceRequest represents the API service request model.
type ServiceRequest struct {
	ID                 string     `json:"id"`
	RequestNumber      string     `json:"requestNumber"`
	CustomerID         string     `json:"customerId"`
	CustomerName       string     `json:"customerName"`
	VehicleID          string     `json:"vehicleId"`
	VehicleDescription string     `json:"vehicleDescription"`
	TechnicianID       *string    `json:"technicianId"`
	TechnicianName     string     `json:"technicianName"`
	BayNumber          *int       `json:"bayNumber"`
	Issue              string     `json:"issue"`
	Priority           string     `json:"priority"`
	Status             string     `json:"status"`
	PartsStatus        *string    `json:"partsStatus"`
	PartsRequestedAt   *string    `json:"partsRequestedAt"`
	LaborCost          *float64   `json:"laborCost"`
	UsedParts          []UsedPart `json:"usedParts"`
	Version            int        `json:"version"`
}

type Part struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	Category     string  `json:"category,omitempty"`
	Stock        int     `json:"stock"`
	ReorderLevel int     `json:"reorderLevel"`
	Price        float64 `json:"price"`
	LowStock     bool    `json:"lowStock"`
}

type InvoiceLine struct {
	Kind        string  `json:"kind"`
	Description string  `json:"description"`
	Quantity    int     `json:"quantity"`
	UnitPrice   float64 `json:"unitPrice"`
	Amount      float64 `json:"amount"`
}

type Invoice struct {
	ID               string        `json:"id"`
	ServiceRequestID string        `json:"serviceRequestId"`
	CustomerID       string        `json:"customerId"`
	LaborCost        float64       `json:"laborCost"`
	PartsTotal       float64       `json:"partsTotal"`
	Total            float64       `json:"total"`
	Currency         string        `json:"currency"`
	Status           string        `json:"status"`
	PaymentID        *string       `json:"paymentId"`
	Lines            []InvoiceLine `json:"lines"`
}

// Checkout is what the gateway's payment form needs.
type Checkout struct {
	OrderID          string `json:"orderId"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	Key              string `json:"key"`
	InvoiceID        string `json:"invoiceId"`
	ServiceRequestID string `json:"serviceRequestId"`
	CustomerID       string `json:"customerId"`
}

type Bay struct {
	BayNumber int  `json:"bayNumber"`
	Active    bool `json:"active"`
	Available bool `json:"available"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entityKind"`
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor int64   `json:"nextCursor"`
}

type PartLine struct {
	PartID   string `json:"partId,omitempty"`
	PartName string `json:"partName,omitempty"`
	Quantity int    `json:"quantity"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login mints a development token. The server must run with a JWT secret.
func (c *Client) Login(ctx context.Context, actorID, role string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]string{"actorId": actorID, "role": role}, &resp, nil)
	return resp.Token, err
}

// CreateRequest opens a service request. A non-empty idempotencyKey makes
// retries return the request created by the first call.
func (c *Client) CreateRequest(ctx context.Context, customerID, vehicleID, issue, priority, idempotencyKey string) (ServiceRequest, error) {
	body := map[string]any{
		"vehicleId": vehicleID,
		"issue":     issue,
	}
	if customerID != "" {
		body["customerId"] = customerID
	}
	if priority != "" {
		body["priority"] = priority
	}
	var headers map[string]string
	if idempotencyKey != "" {
		headers = map[string]string{"Idempotency-Key": idempotencyKey}
	}
	var resp ServiceRequest
	err := c.do(ctx, http.MethodPost, "service-requests", body, &resp, headers)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, id string) (ServiceRequest, error) {
	var resp ServiceRequest
	err := c.do(ctx, http.MethodGet, "service-requests/"+url.PathEscape(id), nil, &resp, nil)
	return resp, err
}

func (c *Client) Assign(ctx context.Context, id, technicianID string, bayNumber int) (ServiceRequest, error) {
	var resp ServiceRequest
	body := map[string]any{"technicianId": technicianID, "bayNumber": bayNumber}
	err := c.do(ctx, http.MethodPatch, "service-requests/"+url.PathEscape(id)+"/assign", body, &resp, nil)
	return resp, err
}

func (c *Client) Start(ctx context.Context, id string) (ServiceRequest, error) {
	var resp ServiceRequest
	err := c.do(ctx, http.MethodPatch, "service-requests/"+url.PathEscape(id)+"/start", nil, &resp, nil)
	return resp, err
}

func (c *Client) Complete(ctx context.Context, id string) (ServiceRequest, error) {
	var resp ServiceRequest
	err := c.do(ctx, http.MethodPatch, "service-requests/"+url.PathEscape(id)+"/complete", nil, &resp, nil)
	return resp, err
}

func (c *Client) RequestParts(ctx context.Context, id string, lines []PartLine) (ServiceRequest, error) {
	var resp ServiceRequest
	err := c.do(ctx, http.MethodPost, "service-requests/"+url.PathEscape(id)+"/parts/request", lines, &resp, nil)
	return resp, err
}

func (c *Client) ApproveParts(ctx context.Context, id, managerID string) (ServiceRequest, error) {
	var resp ServiceRequest
	endpoint := "service-requests/" + url.PathEscape(id) + "/parts/approve"
	if managerID != "" {
		endpoint += "?managerId=" + url.QueryEscape(managerID)
	}
	err := c.do(ctx, http.MethodPatch, endpoint, nil, &resp, nil)
	return resp, err
}

// Close closes a completed request and returns it with its invoice.
func (c *Client) Close(ctx context.Context, id string, laborCost float64) (ServiceRequest, Invoice, error) {
	var resp struct {
		Request ServiceRequest `json:"request"`
		Invoice Invoice        `json:"invoice"`
	}
	endpoint := fmt.Sprintf("service-requests/%s/close?laborCost=%v", url.PathEscape(id), laborCost)
	err := c.do(ctx, http.MethodPatch, endpoint, nil, &resp, nil)
	return resp.Request, resp.Invoice, err
}

func (c *Client) Parts(ctx context.Context) ([]Part, error) {
	var resp []Part
	err := c.do(ctx, http.MethodGet, "parts", nil, &resp, nil)
	return resp, err
}

func (c *Client) AvailableBays(ctx context.Context) ([]Bay, error) {
	var resp []Bay
	err := c.do(ctx, http.MethodGet, "bays/available", nil, &resp, nil)
	return resp, err
}

func (c *Client) Invoice(ctx context.Context, id string) (Invoice, error) {
	var resp Invoice
	err := c.do(ctx, http.MethodGet, "invoices/"+url.PathEscape(id), nil, &resp, nil)
	return resp, err
}

func (c *Client) CreatePaymentOrder(ctx context.Context, invoiceID string) (Checkout, error) {
	var resp Checkout
	err := c.do(ctx, http.MethodPost, "payments/razorpay/order/"+url.PathEscape(invoiceID), nil, &resp, nil)
	return resp, err
}

func (c *Client) VerifyPayment(ctx context.Context, invoiceID, orderID, paymentID, signature string) (Invoice, error) {
	body := map[string]string{
		"invoiceId": invoiceID,
		"orderId":   orderID,
		"paymentId": paymentID,
		"signature": signature,
	}
	var resp Invoice
	err := c.do(ctx, http.MethodPost, "payments/razorpay/verify", body, &resp, nil)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, 0)
	return page.Items, err
}

// EventsPage returns a page of events older than cursor.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor int64) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor > 0 {
		q.Set("cursor", fmt.Sprint(cursor))
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp, nil)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any, headers map[string]string) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
			apiErr.Details = env.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
