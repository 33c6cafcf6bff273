package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/chatconnect-widget/internal/auth"
	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/services"
)

type fakeTenantAdmin struct {
	tenants   map[string]*domain.Tenant
	createErr error
	putErr    error
	lastTier  domain.Tier
}

func newFakeTenantAdmin() *fakeTenantAdmin {
	return &fakeTenantAdmin{tenants: map[string]*domain.Tenant{
		"t1": {ID: "t1", Name: "Acme", PublicAPIKey: "pk_live_0123456789abcdef", Status: domain.TenantActive, Tier: domain.TierFree},
	}}
}

func (f *fakeTenantAdmin) Create(_ context.Context, name string, tier domain.Tier, domains []string) (*domain.Tenant, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.lastTier = tier
	t := &domain.Tenant{ID: "t2", Name: name, PublicAPIKey: "pk_live_fedcba9876543210", Tier: tier, Status: domain.TenantActive, AllowedDomains: domains}
	f.tenants[t.ID] = t
	return t, nil
}

func (f *fakeTenantAdmin) Get(_ context.Context, id string) (*domain.Tenant, error) {
	if t, ok := f.tenants[id]; ok {
		return t, nil
	}
	return nil, services.ErrTenantNotFound
}

func (f *fakeTenantAdmin) RegenerateKey(_ context.Context, id string) (string, error) {
	t, ok := f.tenants[id]
	if !ok {
		return "", services.ErrTenantNotFound
	}
	t.PublicAPIKey = "pk_live_aaaaaaaaaaaaaaaa"
	return t.PublicAPIKey, nil
}

func (f *fakeTenantAdmin) UpdateStatus(_ context.Context, id string, s domain.TenantStatus) error {
	t, ok := f.tenants[id]
	if !ok {
		return services.ErrTenantNotFound
	}
	t.Status = s
	return nil
}

func (f *fakeTenantAdmin) UpdateDomains(_ context.Context, id string, d []string) ([]string, error) {
	if _, ok := f.tenants[id]; !ok {
		return nil, services.ErrTenantNotFound
	}
	for _, x := range d {
		if strings.Contains(x, " ") {
			return nil, services.ErrInvalidDomain
		}
	}
	return services.NormalizeDomains(d)
}

func (f *fakeTenantAdmin) Validate(_ context.Context, key string) (*domain.Tenant, error) {
	for _, t := range f.tenants {
		if t.PublicAPIKey == key {
			return t, nil
		}
	}
	return nil, services.ErrTenantNotFound
}

func (f *fakeTenantAdmin) Put(_ context.Context, wc domain.WidgetConfig) (*domain.WidgetConfig, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &wc, nil
}

func newInternalRouter(f *fakeTenantAdmin) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewInternalHandler(f, f)
	g := r.Group("/internal")
	g.POST("/tenants", h.CreateTenant)
	g.GET("/tenants/:id", h.GetTenant)
	g.POST("/tenants/:id/regenerate-key", h.RegenerateKey)
	g.PUT("/tenants/:id/status", h.UpdateStatus)
	g.PUT("/tenants/:id/domains", h.UpdateDomains)
	g.PUT("/tenants/:id/widget-config", h.PutWidgetConfig)
	g.POST("/validate-client", h.ValidateClient)
	return r
}

func do(r *gin.Engine, method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestInternal_CreateTenant(t *testing.T) {
	f := newFakeTenantAdmin()
	r := newInternalRouter(f)

	w := do(r, http.MethodPost, "/internal/tenants", `{"name":"Shop","tier":"paid","allowed_domains":["https://shop.example.com"]}`, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var got map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got["api_key"] != "pk_live_fedcba9876543210" || got["id"] != "t2" || got["tier"] != "paid" {
		t.Fatalf("unexpected body: %v", got)
	}
	if f.lastTier != domain.TierPaid {
		t.Fatalf("tier not forwarded: %q", f.lastTier)
	}

	for _, body := range []string{`{}`, `{"name":"x","tier":"gold"}`, `not json`} {
		if w := do(r, http.MethodPost, "/internal/tenants", body, nil); w.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status=%d", body, w.Code)
		}
	}

	f.createErr = services.ErrKeyGeneration
	if w := do(r, http.MethodPost, "/internal/tenants", `{"name":"x"}`, nil); w.Code != http.StatusConflict {
		t.Fatalf("key generation failure status=%d", w.Code)
	}
	f.createErr = errors.New("disk full")
	w = do(r, http.MethodPost, "/internal/tenants", `{"name":"x"}`, nil)
	if w.Code != http.StatusInternalServerError || strings.Contains(w.Body.String(), "disk full") {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
}

func TestInternal_GetTenantHidesKey(t *testing.T) {
	r := newInternalRouter(newFakeTenantAdmin())
	w := do(r, http.MethodGet, "/internal/tenants/t1", "", nil)
	if w.Code != http.StatusOK || strings.Contains(w.Body.String(), "pk_live_") {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodGet, "/internal/tenants/nope", "", nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing tenant status=%d", w.Code)
	}
}

func TestInternal_RegenerateAndStatus(t *testing.T) {
	f := newFakeTenantAdmin()
	r := newInternalRouter(f)

	w := do(r, http.MethodPost, "/internal/tenants/t1/regenerate-key", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "pk_live_aaaaaaaaaaaaaaaa") {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}

	w = do(r, http.MethodPut, "/internal/tenants/t1/status", `{"status":"paused"}`, nil)
	if w.Code != http.StatusNoContent || f.tenants["t1"].Status != domain.TenantPaused {
		t.Fatalf("status=%d tenant=%+v", w.Code, f.tenants["t1"])
	}
	if w := do(r, http.MethodPut, "/internal/tenants/t1/status", `{"status":"deleted"}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("bad status accepted: %d", w.Code)
	}
	if w := do(r, http.MethodPut, "/internal/tenants/nope/status", `{"status":"active"}`, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing tenant status=%d", w.Code)
	}
}

func TestInternal_UpdateDomains(t *testing.T) {
	r := newInternalRouter(newFakeTenantAdmin())
	w := do(r, http.MethodPut, "/internal/tenants/t1/domains", `{"allowed_domains":["HTTPS://Shop.Example.com/","*.example.org"]}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var got struct {
		AllowedDomains []string `json:"allowed_domains"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if len(got.AllowedDomains) != 2 || got.AllowedDomains[0] != "https://shop.example.com" {
		t.Fatalf("unexpected domains: %v", got.AllowedDomains)
	}

	if w := do(r, http.MethodPut, "/internal/tenants/t1/domains", `{"allowed_domains":["bad domain"]}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid domain status=%d", w.Code)
	}
}

func TestInternal_PutWidgetConfig(t *testing.T) {
	f := newFakeTenantAdmin()
	r := newInternalRouter(f)

	w := do(r, http.MethodPut, "/internal/tenants/t1/widget-config", `{"widgetName":"Acme Bot","primaryColor":"#112233"}`, nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "Acme Bot") {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	if w := do(r, http.MethodPut, "/internal/tenants/nope/widget-config", `{}`, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing tenant status=%d", w.Code)
	}
	f.putErr = services.ErrInvalidWidgetConfig
	if w := do(r, http.MethodPut, "/internal/tenants/t1/widget-config", `{"primaryColor":"red"}`, nil); w.Code != http.StatusBadRequest {
		t.Fatalf("invalid config status=%d", w.Code)
	}
}

func TestInternal_ValidateClient(t *testing.T) {
	f := newFakeTenantAdmin()
	f.tenants["t1"].Status = domain.TenantPaused
	r := newInternalRouter(f)

	w := do(r, http.MethodPost, "/internal/validate-client", "", map[string]string{auth.HeaderAPIKey: "pk_live_0123456789abcdef"})
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	var got ValidateClientResponse
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if got.ClientID != "t1" || got.Tier != domain.TierFree || got.Status != domain.TenantPaused {
		t.Fatalf("unexpected body: %+v", got)
	}

	if w := do(r, http.MethodPost, "/internal/validate-client", "", map[string]string{auth.HeaderAPIKey: "pk_live_nope"}); w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown key status=%d", w.Code)
	}
}
