package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/enginetest"
	"servicebay/internal/engine/errs"
	"servicebay/internal/engine/payment"
	"servicebay/internal/repo"
)

const secret = "rzp_secret"

type slowGateway struct{}

func (slowGateway) Name() string { return "slow" }

func (slowGateway) CreateOrder(ctx context.Context, _ payment.OrderRequest) (payment.GatewayOrder, error) {
	<-ctx.Done()
	return payment.GatewayOrder{}, ctx.Err()
}

// closedInvoice returns an unpaid invoice of 1020.50 for cust-1.
func closedInvoice(t *testing.T, env enginetest.Env) domain.Invoice {
	t.Helper()
	sr := env.Completed(t, 1, engine.PartLine{PartName: "Brake Pad", Quantity: 1}, engine.PartLine{PartName: "Oil Filter", Quantity: 1})
	_, inv, err := env.Engine.Close(env.Ctx, enginetest.Manager, sr.ID, decimal.NewFromInt(450))
	require.NoError(t, err)
	require.Equal(t, "1020.50", inv.Total.StringFixed(2))
	return inv
}

func coordinator(env enginetest.Env, gw payment.Gateway) payment.Coordinator {
	c := payment.New(env.Engine.DB, gw, "rzp_key", secret, enginetest.Logger())
	c.Now = func() time.Time { return enginetest.Epoch }
	return c
}

func invoiceStatus(t *testing.T, env enginetest.Env, id string) domain.InvoiceStatus {
	t.Helper()
	inv, err := env.Engine.Repo.GetInvoice(env.Ctx, id)
	require.NoError(t, err)
	return inv.Status
}

func TestSignature(t *testing.T) {
	sig := payment.Sign(secret, "order_1", "pay_1")
	assert.Len(t, sig, 64)
	assert.True(t, payment.VerifySignature(secret, "order_1", "pay_1", sig))
	assert.False(t, payment.VerifySignature(secret, "order_1", "pay_2", sig))
	assert.False(t, payment.VerifySignature("other", "order_1", "pay_1", sig))
	assert.False(t, payment.VerifySignature("", "order_1", "pay_1", payment.Sign("", "order_1", "pay_1")), "empty secret never verifies")
	assert.False(t, payment.VerifySignature(secret, "order_1", "pay_1", "not-hex"))
	assert.False(t, payment.VerifySignature(secret, "order_1", "pay_1", ""))
}

func TestAmountMinor(t *testing.T) {
	cases := map[string]int64{
		"1020.50": 102050,
		"1400":    140000,
		"0.005":   1,
		"99.994":  9999,
	}
	for in, want := range cases {
		assert.Equal(t, want, payment.AmountMinor(decimal.RequireFromString(in)), in)
	}
}

func TestCreateOrder(t *testing.T) {
	env := enginetest.New(t)
	inv := closedInvoice(t, env)
	c := coordinator(env, payment.LocalGateway{})

	_, err := c.CreateOrder(env.Ctx, auth.Identity{ActorID: "cust-9", Role: auth.RoleCustomer}, inv.ID)
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	checkout, err := c.CreateOrder(env.Ctx, enginetest.Customer, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(102050), checkout.AmountMinor)
	assert.Equal(t, "INR", checkout.Currency)
	assert.Equal(t, "rzp_key", checkout.Key)
	assert.Equal(t, "local", checkout.Gateway)
	assert.Equal(t, "Asha Rao", checkout.CustomerName)
	assert.Equal(t, inv.ServiceRequestID, checkout.ServiceRequestID)

	order, err := env.Engine.Repo.GetOrder(env.Ctx, checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCreated, order.Status)
	assert.Equal(t, inv.ID, order.InvoiceID)
}

func TestCreateOrderGatewayTimeout(t *testing.T) {
	env := enginetest.New(t)
	inv := closedInvoice(t, env)
	c := coordinator(env, slowGateway{})
	c.Timeout = 30 * time.Millisecond

	start := time.Now()
	_, err := c.CreateOrder(env.Ctx, enginetest.Customer, inv.ID)
	var ue errs.UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Retryable)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, domain.InvoicePending, invoiceStatus(t, env, inv.ID))
}

func TestRazorpayGateway(t *testing.T) {
	var got payment.OrderRequest
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "rzp_key" || pass != secret || r.URL.Path != "/v1/orders" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if status != http.StatusOK {
			http.Error(w, `{"error":"down"}`, status)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(payment.GatewayOrder{ID: "order_rzp1", Amount: got.Amount, Currency: got.Currency, Status: "created"})
	}))
	defer srv.Close()

	env := enginetest.New(t)
	inv := closedInvoice(t, env)
	gw := payment.RazorpayGateway{BaseURL: srv.URL, KeyID: "rzp_key", KeySecret: secret, Client: srv.Client()}
	c := coordinator(env, gw)

	checkout, err := c.CreateOrder(env.Ctx, enginetest.Customer, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "order_rzp1", checkout.ID)
	assert.Equal(t, int64(102050), got.Amount)
	assert.Equal(t, inv.ID, got.Receipt)

	status = http.StatusServiceUnavailable
	_, err = c.CreateOrder(env.Ctx, enginetest.Customer, inv.ID)
	var ue errs.UnavailableError
	require.ErrorAs(t, err, &ue)
	assert.True(t, ue.Retryable)

	status = http.StatusBadRequest
	_, err = c.CreateOrder(env.Ctx, enginetest.Customer, inv.ID)
	require.ErrorAs(t, err, &ue)
	assert.False(t, ue.Retryable)
}

func TestVerifyFailsClosed(t *testing.T) {
	env := enginetest.New(t)
	inv := closedInvoice(t, env)
	c := coordinator(env, payment.LocalGateway{})
	checkout, err := c.CreateOrder(env.Ctx, enginetest.Customer, inv.ID)
	require.NoError(t, err)

	other := closedInvoice(t, env)
	otherCheckout, err := c.CreateOrder(env.Ctx, enginetest.Customer, other.ID)
	require.NoError(t, err)

	unsigned := c
	unsigned.KeySecret = ""

	cases := []struct {
		name  string
		coord payment.Coordinator
		req   payment.VerifyRequest
	}{
		{"missing signature", c, payment.VerifyRequest{InvoiceID: inv.ID, OrderID: checkout.ID, PaymentID: "pay_1"}},
		{"tampered signature", c, payment.VerifyRequest{InvoiceID: inv.ID, OrderID: checkout.ID, PaymentID: "pay_1", Signature: payment.Sign(secret, checkout.ID, "pay_2")}},
		{"no secret configured", unsigned, payment.VerifyRequest{InvoiceID: inv.ID, OrderID: checkout.ID, PaymentID: "pay_1", Signature: payment.Sign("", checkout.ID, "pay_1")}},
		{"order of another invoice", c, payment.VerifyRequest{InvoiceID: inv.ID, OrderID: otherCheckout.ID, PaymentID: "pay_1", Signature: payment.Sign(secret, otherCheckout.ID, "pay_1")}},
		{"unknown order", c, payment.VerifyRequest{InvoiceID: inv.ID, OrderID: "order_forged", PaymentID: "pay_1", Signature: payment.Sign(secret, "order_forged", "pay_1")}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.coord.Verify(env.Ctx, enginetest.Customer, tc.req)
			var ve errs.VerificationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, domain.InvoicePending, invoiceStatus(t, env, inv.ID))
		})
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: "payment.verification_failed"})
	require.NoError(t, err)
	assert.Len(t, evts, len(cases))
}

func TestVerifyMarksPaidOnce(t *testing.T) {
	env := enginetest.New(t)
	inv := closedInvoice(t, env)
	c := coordinator(env, payment.LocalGateway{})
	checkout, err := c.CreateOrder(env.Ctx, enginetest.Customer, inv.ID)
	require.NoError(t, err)

	req := payment.VerifyRequest{InvoiceID: inv.ID, OrderID: checkout.ID, PaymentID: "pay_1", Signature: payment.Sign(secret, checkout.ID, "pay_1")}
	paid, err := c.Verify(env.Ctx, enginetest.Customer, req)
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, paid.Status)
	require.NotNil(t, paid.PaymentID)
	assert.Equal(t, "pay_1", *paid.PaymentID)

	again, err := c.Verify(env.Ctx, enginetest.Customer, req)
	require.NoError(t, err, "replaying the same confirmation is a no-op")
	assert.Equal(t, paid.PaidAt, again.PaidAt)

	dup := payment.VerifyRequest{InvoiceID: inv.ID, OrderID: checkout.ID, PaymentID: "pay_2", Signature: payment.Sign(secret, checkout.ID, "pay_2")}
	_, err = c.Verify(env.Ctx, enginetest.Customer, dup)
	var ce errs.ConflictError
	require.ErrorAs(t, err, &ce)

	_, err = c.CreateOrder(env.Ctx, enginetest.Customer, inv.ID)
	var ise errs.InvalidStateError
	require.ErrorAs(t, err, &ise, "paid invoices take no new orders")

	order, err := env.Engine.Repo.GetOrder(env.Ctx, checkout.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPaid, order.Status)
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilter{Type: "payment.verified"})
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestRecordOfflinePayment(t *testing.T) {
	env := enginetest.New(t)
	inv := closedInvoice(t, env)
	c := coordinator(env, payment.LocalGateway{})

	_, err := c.RecordOfflinePayment(env.Ctx, enginetest.Customer, inv.ID, "cash")
	var fe auth.ForbiddenError
	require.ErrorAs(t, err, &fe)

	paid, err := c.RecordOfflinePayment(env.Ctx, enginetest.Manager, inv.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.InvoicePaid, paid.Status)
	require.NotNil(t, paid.PaymentID)
	assert.Equal(t, "offline-20240101T090000Z", *paid.PaymentID)

	_, err = c.RecordOfflinePayment(env.Ctx, enginetest.Manager, inv.ID, "cash-2")
	var ise errs.InvalidStateError
	require.ErrorAs(t, err, &ise)
}
