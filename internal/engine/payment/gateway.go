package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type OrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type GatewayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Status   string `json:"status"`
}

// Gateway creates orders with an external payment provider.
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error)
}

// GatewayError is a non-2xx answer from the provider.
type GatewayError struct {
	StatusCode int
	Body       string
}

func (e GatewayError) Error() string {
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e GatewayError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// LocalGateway issues order ids without leaving the process. It backs
// development setups and tests.
type LocalGateway struct{}

func (LocalGateway) Name() string { return "local" }

func (LocalGateway) CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error) {
	if err := ctx.Err(); err != nil {
		return GatewayOrder{}, err
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:14]
	return GatewayOrder{ID: "order_" + id, Amount: req.Amount, Currency: req.Currency, Status: "created"}, nil
}

// RazorpayGateway talks to the Razorpay orders API with basic auth.
type RazorpayGateway struct {
	BaseURL   string
	KeyID     string
	KeySecret string
	Client    *http.Client
}

func (g RazorpayGateway) Name() string { return "razorpay" }

func (g RazorpayGateway) CreateOrder(ctx context.Context, req OrderRequest) (GatewayOrder, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return GatewayOrder{}, err
	}
	url := strings.TrimRight(g.BaseURL, "/") + "/v1/orders"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return GatewayOrder{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(g.KeyID, g.KeySecret)

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return GatewayOrder{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return GatewayOrder{}, GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	var order GatewayOrder
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return GatewayOrder{}, fmt.Errorf("decode gateway order: %w", err)
	}
	if order.ID == "" {
		return GatewayOrder{}, fmt.Errorf("gateway order has no id")
	}
	return order, nil
}
