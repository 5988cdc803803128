package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"servicebay/internal/cache"
	"servicebay/internal/config"
	"servicebay/internal/db"
	"servicebay/internal/domain"
	"servicebay/internal/engine"
	"servicebay/internal/engine/auth"
	"servicebay/internal/engine/ledger"
	"servicebay/internal/engine/payment"
	"servicebay/internal/migrate"
	servicebaysdk "servicebay/sdk/go"
)

const (
	testJWTSecret = "test-jwt-secret"
	testKeySecret = "test-key-secret"
)

var admin = auth.Identity{ActorID: "admin-1", Role: auth.RoleAdmin}

type testServer struct {
	URL       string
	Engine    engine.Engine
	Part      domain.Part
	VehicleID string
	client    *http.Client
	close     func()
}

func (s *testServer) token(t *testing.T, actorID string, role auth.Role) string {
	t.Helper()
	tok, err := signDevToken(testJWTSecret, actorID, role, devTokenTTL)
	require.NoError(t, err)
	return tok
}

func (s *testServer) headers(t *testing.T, actorID string, role auth.Role) map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token(t, actorID, role)}
}

func (s *testServer) sdk(t *testing.T, actorID string, role auth.Role) *servicebaysdk.Client {
	return servicebaysdk.New(s.URL, s.token(t, actorID, role))
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	ctx := context.Background()
	log := quietLogger()
	cfg := config.Default("main")
	e := engine.New(conn, cfg, log)
	require.NoError(t, e.Pool.SeedBays(ctx, admin.ActorID, cfg.Bays))
	_, err = e.RegisterCustomer(ctx, admin, engine.CustomerInput{ID: "cust-1", Name: "Asha Rao", Email: "asha@example.com", Phone: "9800000000"})
	require.NoError(t, err)
	vehicle, err := e.RegisterVehicle(ctx, admin, engine.VehicleInput{OwnerID: "cust-1", RegistrationNumber: "KA01AB1234", Make: "Maruti", Model: "Swift", Year: 2020})
	require.NoError(t, err)
	_, err = e.RegisterTechnician(ctx, admin, engine.TechnicianInput{ID: "tech-1", Name: "Ravi", Specialization: "ENGINE"})
	require.NoError(t, err)
	part, err := e.Ledger.CreatePart(ctx, admin, ledger.PartInput{Name: "Brake Pad", Stock: 10, ReorderLevel: 3, Price: decimal.NewFromInt(450)})
	require.NoError(t, err)

	pay := payment.New(conn, payment.LocalGateway{}, "key_test", testKeySecret, log)
	handler, err := New(Config{
		Engine:      e,
		Payments:    pay,
		Idempotency: cache.NewMemory(0),
		Auth:        AuthConfig{JWTSecret: testJWTSecret, AllowLegacyHeaders: true},
		Log:         log,
	})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:       "http://" + ln.Addr().String(),
		Engine:    e,
		Part:      part,
		VehicleID: vehicle.ID,
		client:    &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func errorCode(t *testing.T, body []byte) (string, map[string]any) {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error.Code, env.Error.Details
}

func TestHealthIsPublic(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/openapi.json", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/parts", nil, nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	code, _ := errorCode(t, body)
	assert.Equal(t, "unauthorized", code)

	resp, _ = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/parts", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	legacy := map[string]string{"X-Actor-Id": "mgr-1", "X-Actor-Role": "MANAGER"}
	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/parts", nil, legacy)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestDevLogin(t *testing.T) {
	ts := newTestServer(t)
	tok, err := servicebaysdk.New(ts.URL, "").Login(context.Background(), "mgr-1", "manager")
	require.NoError(t, err)
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/api/bays", nil, map[string]string{"Authorization": "Bearer " + tok})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var bays []domain.Bay
	require.NoError(t, json.Unmarshal(body, &bays))
	assert.Len(t, bays, 5)

	_, err = servicebaysdk.New(ts.URL, "").Login(context.Background(), "adm-1", "role_admin")
	require.NoError(t, err)

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/api/auth/dev/login", map[string]string{"actorId": "x", "role": "janitor"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, string(body))
	code, _ := errorCode(t, body)
	assert.Equal(t, "bad_request", code)
}

func TestServiceRequestLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	customer := ts.sdk(t, "cust-1", auth.RoleCustomer)
	manager := ts.sdk(t, "mgr-1", auth.RoleManager)
	tech := ts.sdk(t, "tech-1", auth.RoleTechnician)

	sr, err := customer.CreateRequest(ctx, "", ts.VehicleID, "Brakes squeal", "HIGH", "key-1")
	require.NoError(t, err)
	assert.Equal(t, "REQUESTED", sr.Status)
	assert.Equal(t, "Asha Rao", sr.CustomerName)
	assert.Equal(t, "2020 Maruti Swift (KA01AB1234)", sr.VehicleDescription)

	replay, err := customer.CreateRequest(ctx, "", ts.VehicleID, "Brakes squeal", "HIGH", "key-1")
	require.NoError(t, err)
	assert.Equal(t, sr.ID, replay.ID, "same idempotency key returns the original request")

	_, err = customer.Assign(ctx, sr.ID, "tech-1", 1)
	var apiErr *servicebaysdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	sr, err = manager.Assign(ctx, sr.ID, "tech-1", 1)
	require.NoError(t, err)
	assert.Equal(t, "ASSIGNED", sr.Status)
	require.NotNil(t, sr.BayNumber)
	assert.Equal(t, 1, *sr.BayNumber)

	_, err = tech.Complete(ctx, sr.ID)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "invalid_state", apiErr.Code)

	_, err = tech.Start(ctx, sr.ID)
	require.NoError(t, err)
	sr, err = tech.RequestParts(ctx, sr.ID, []servicebaysdk.PartLine{{PartName: "Brake Pad", Quantity: 2}})
	require.NoError(t, err)
	require.NotNil(t, sr.PartsStatus)
	assert.Equal(t, "PARTS_REQUESTED", *sr.PartsStatus)

	sr, err = manager.ApproveParts(ctx, sr.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "PARTS_APPROVED", *sr.PartsStatus)
	require.Len(t, sr.UsedParts, 1)
	require.NotNil(t, sr.UsedParts[0].UnitPrice)
	assert.Equal(t, 450.0, *sr.UsedParts[0].UnitPrice)

	parts, err := manager.Parts(ctx)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, 8, parts[0].Stock)

	_, err = tech.Complete(ctx, sr.ID)
	require.NoError(t, err)

	_, _, err = manager.Close(ctx, sr.ID, -10)
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)

	sr, inv, err := manager.Close(ctx, sr.ID, 500)
	require.NoError(t, err)
	assert.Equal(t, "CLOSED", sr.Status)
	assert.Equal(t, 1400.0, inv.Total)
	assert.Equal(t, 900.0, inv.PartsTotal)
	assert.Equal(t, "PENDING", inv.Status)

	bays, err := manager.AvailableBays(ctx)
	require.NoError(t, err)
	assert.Len(t, bays, 5, "closing releases the bay")

	checkout, err := customer.CreatePaymentOrder(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(140000), checkout.Amount)
	assert.Equal(t, "key_test", checkout.Key)

	_, err = customer.VerifyPayment(ctx, inv.ID, checkout.OrderID, "pay_1", "deadbeef")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "payment_verification_failed", apiErr.Code)
	stillPending, err := customer.Invoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, "PENDING", stillPending.Status)

	sig := payment.Sign(testKeySecret, checkout.OrderID, "pay_1")
	paid, err := customer.VerifyPayment(ctx, inv.ID, checkout.OrderID, "pay_1", sig)
	require.NoError(t, err)
	assert.Equal(t, "PAID", paid.Status)

	again, err := customer.VerifyPayment(ctx, inv.ID, checkout.OrderID, "pay_1", sig)
	require.NoError(t, err)
	assert.Equal(t, "PAID", again.Status)

	events, err := manager.Events(ctx, 100)
	require.NoError(t, err)
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{
		"service_request.created", "service_request.assigned", "service_request.parts_approved",
		"service_request.closed", "invoice.generated", "payment.verification_failed", "payment.verified",
	} {
		assert.True(t, types[want], "missing event %s", want)
	}
}

func TestInsufficientStockOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	manager := ts.sdk(t, "mgr-1", auth.RoleManager)
	tech := ts.sdk(t, "tech-1", auth.RoleTechnician)

	sr, err := manager.CreateRequest(ctx, "cust-1", ts.VehicleID, "Full brake job", "", "")
	require.NoError(t, err)
	_, err = manager.Assign(ctx, sr.ID, "tech-1", 2)
	require.NoError(t, err)
	_, err = tech.RequestParts(ctx, sr.ID, []servicebaysdk.PartLine{{PartID: ts.Part.ID, Quantity: 11}})
	require.NoError(t, err)

	resp, body := doJSON(t, ts.client, http.MethodPatch, fmt.Sprintf("%s/api/service-requests/%s/parts/approve", ts.URL, sr.ID), nil, ts.headers(t, "mgr-1", auth.RoleManager))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))
	code, details := errorCode(t, body)
	assert.Equal(t, "insufficient_stock", code)
	assert.Equal(t, ts.Part.ID, details["part_id"])
	assert.EqualValues(t, 11, details["requested"])
	assert.EqualValues(t, 10, details["available"])

	parts, err := manager.Parts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, parts[0].Stock, "failed approval leaves stock untouched")
}

func TestConcurrentAssignSameBay(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	manager := ts.sdk(t, "mgr-1", auth.RoleManager)
	_, err := ts.Engine.RegisterTechnician(ctx, admin, engine.TechnicianInput{ID: "tech-2", Name: "Meena"})
	require.NoError(t, err)

	a, err := manager.CreateRequest(ctx, "cust-1", ts.VehicleID, "Oil change", "", "")
	require.NoError(t, err)
	b, err := manager.CreateRequest(ctx, "cust-1", ts.VehicleID, "Battery", "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i, pair := range [][2]string{{a.ID, "tech-1"}, {b.ID, "tech-2"}} {
		wg.Add(1)
		go func(i int, id, tech string) {
			defer wg.Done()
			_, results[i] = manager.Assign(ctx, id, tech, 3)
		}(i, pair[0], pair[1])
	}
	wg.Wait()

	var okCount, conflicts int
	for _, err := range results {
		var apiErr *servicebaysdk.APIError
		switch {
		case err == nil:
			okCount++
		case assert.ErrorAs(t, err, &apiErr) && apiErr.StatusCode == http.StatusConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, conflicts)
}

func TestSetStatusRejectsOtherTargets(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	manager := ts.sdk(t, "mgr-1", auth.RoleManager)
	sr, err := manager.CreateRequest(ctx, "cust-1", ts.VehicleID, "Noise", "", "")
	require.NoError(t, err)
	_, err = manager.Assign(ctx, sr.ID, "tech-1", 1)
	require.NoError(t, err)

	url := fmt.Sprintf("%s/api/service-requests/%s/status", ts.URL, sr.ID)
	techHeaders := ts.headers(t, "tech-1", auth.RoleTechnician)
	resp, body := doJSON(t, ts.client, http.MethodPatch, url, map[string]string{"status": "CLOSED"}, techHeaders)
	require.Equal(t, http.StatusConflict, resp.StatusCode, string(body))

	resp, body = doJSON(t, ts.client, http.MethodPatch, url, map[string]string{"status": "IN_PROGRESS"}, techHeaders)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out ServiceRequestResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "IN_PROGRESS", out.Status)
}
