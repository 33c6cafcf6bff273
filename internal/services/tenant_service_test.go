package services

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/chatconnect-widget/internal/auth"
	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/repo"
)

// ----- Fake repo -----

type fakeTenantRepo struct {
	tenants map[string]*domain.Tenant // by id
	lists   [][]string
	listErr error

	createCalls int
	dupCreates  int // first N creates collide
	dupRotates  int
}

func newFakeTenantRepo() *fakeTenantRepo {
	return &fakeTenantRepo{tenants: map[string]*domain.Tenant{}}
}

func (r *fakeTenantRepo) CreateTenant(ctx context.Context, db *gorm.DB, name, apiKey string, tier domain.Tier, domains []string) (*domain.Tenant, error) {
	r.createCalls++
	if r.dupCreates > 0 {
		r.dupCreates--
		return nil, repo.ErrDuplicate
	}
	t := &domain.Tenant{ID: "t" + string(rune('0'+len(r.tenants))), Name: name, PublicAPIKey: apiKey, Tier: tier, AllowedDomains: domains, Status: domain.TenantActive}
	r.tenants[t.ID] = t
	return t, nil
}

func (r *fakeTenantRepo) GetTenant(ctx context.Context, db *gorm.DB, id string) (*domain.Tenant, error) {
	if t, ok := r.tenants[id]; ok {
		return t, nil
	}
	return nil, repo.ErrNotFound
}

func (r *fakeTenantRepo) GetTenantByAPIKey(ctx context.Context, db *gorm.DB, apiKey string) (*domain.Tenant, error) {
	for _, t := range r.tenants {
		if t.PublicAPIKey == apiKey {
			return t, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (r *fakeTenantRepo) RotateAPIKey(ctx context.Context, db *gorm.DB, id, newKey string) error {
	if r.dupRotates > 0 {
		r.dupRotates--
		return repo.ErrDuplicate
	}
	t, ok := r.tenants[id]
	if !ok {
		return repo.ErrNotFound
	}
	t.PublicAPIKey = newKey
	return nil
}

func (r *fakeTenantRepo) UpdateTenantStatus(ctx context.Context, db *gorm.DB, id string, status domain.TenantStatus) error {
	t, ok := r.tenants[id]
	if !ok {
		return repo.ErrNotFound
	}
	t.Status = status
	return nil
}

func (r *fakeTenantRepo) UpdateTenantDomains(ctx context.Context, db *gorm.DB, id string, domains []string) error {
	t, ok := r.tenants[id]
	if !ok {
		return repo.ErrNotFound
	}
	t.AllowedDomains = domains
	return nil
}

func (r *fakeTenantRepo) ListActiveTenantDomains(ctx context.Context, db *gorm.DB) ([][]string, error) {
	return r.lists, r.listErr
}

func seqKeys(keys ...string) func() (string, error) {
	i := 0
	return func() (string, error) {
		k := keys[i%len(keys)]
		i++
		return k, nil
	}
}

// ----- Tests -----

func TestTenantService_Create(t *testing.T) {
	r := newFakeTenantRepo()
	s := NewTenantService(nil, r)
	ctx := context.Background()

	tn, err := s.Create(ctx, "  Acme  ", "", []string{" HTTPS://Shop.Acme.io/ ", "*.acme.io", "", "https://shop.acme.io"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if tn.Name != "Acme" || tn.Tier != domain.TierFree {
		t.Fatalf("unexpected tenant: %+v", tn)
	}
	if !auth.ValidKeyFormat(tn.PublicAPIKey) {
		t.Fatalf("bad key %q", tn.PublicAPIKey)
	}
	want := []string{"https://shop.acme.io", "*.acme.io"}
	if !reflect.DeepEqual([]string(tn.AllowedDomains), want) {
		t.Fatalf("domains = %#v, want %#v", tn.AllowedDomains, want)
	}

	if _, err := s.Create(ctx, "   ", domain.TierFree, nil); !errors.Is(err, ErrInvalidTenantName) {
		t.Fatalf("blank name: %v", err)
	}
	if _, err := s.Create(ctx, "X", "gold", nil); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("bad tier: %v", err)
	}
	if _, err := s.Create(ctx, "X", domain.TierPaid, []string{"ftp://x.io"}); !errors.Is(err, ErrInvalidDomain) {
		t.Fatalf("bad domain: %v", err)
	}
}

func TestTenantService_CreateRetriesKeyCollision(t *testing.T) {
	r := newFakeTenantRepo()
	r.dupCreates = 2
	s := NewTenantService(nil, r)
	if _, err := s.Create(context.Background(), "Acme", domain.TierFree, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.createCalls != 3 {
		t.Fatalf("create calls = %d", r.createCalls)
	}

	r2 := newFakeTenantRepo()
	r2.dupCreates = maxKeyAttempts
	if _, err := NewTenantService(nil, r2).Create(context.Background(), "Acme", domain.TierFree, nil); !errors.Is(err, ErrKeyGeneration) {
		t.Fatalf("expected ErrKeyGeneration, got %v", err)
	}
}

func TestTenantService_RegenerateKey(t *testing.T) {
	r := newFakeTenantRepo()
	s := NewTenantService(nil, r)
	ctx := context.Background()
	tn, _ := s.Create(ctx, "Acme", domain.TierFree, nil)
	old := tn.PublicAPIKey

	s.NewKey = seqKeys("pk_live_1111111111111111")
	r.dupRotates = 1
	key, err := s.RegenerateKey(ctx, tn.ID)
	if err != nil || key != "pk_live_1111111111111111" {
		t.Fatalf("RegenerateKey: %q %v", key, err)
	}
	if _, err := s.TenantByAPIKey(ctx, old); !errors.Is(err, auth.ErrUnknownKey) {
		t.Fatalf("old key must not resolve: %v", err)
	}
	if got, err := s.TenantByAPIKey(ctx, key); err != nil || got.ID != tn.ID {
		t.Fatalf("new key: %v %v", got, err)
	}
	if _, err := s.RegenerateKey(ctx, "missing"); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("missing tenant: %v", err)
	}
}

func TestTenantService_StatusDomainsValidate(t *testing.T) {
	r := newFakeTenantRepo()
	s := NewTenantService(nil, r)
	ctx := context.Background()
	tn, _ := s.Create(ctx, "Acme", domain.TierPaid, nil)

	if err := s.UpdateStatus(ctx, tn.ID, "frozen"); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("bad status: %v", err)
	}
	if err := s.UpdateStatus(ctx, tn.ID, domain.TenantPaused); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := s.UpdateStatus(ctx, "missing", domain.TenantActive); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("missing: %v", err)
	}

	got, err := s.UpdateDomains(ctx, tn.ID, []string{"A.com", "a.com"})
	if err != nil || !reflect.DeepEqual(got, []string{"a.com"}) {
		t.Fatalf("UpdateDomains: %v %v", got, err)
	}

	// Validate ignores status so callers can report it.
	v, err := s.Validate(ctx, tn.PublicAPIKey)
	if err != nil || v.Status != domain.TenantPaused {
		t.Fatalf("Validate: %+v %v", v, err)
	}
	if _, err := s.Validate(ctx, "garbage"); !errors.Is(err, ErrTenantNotFound) {
		t.Fatalf("Validate garbage: %v", err)
	}
}

func TestTenantService_OriginAllowedByAny(t *testing.T) {
	r := newFakeTenantRepo()
	r.lists = [][]string{{"https://a.com"}, {"*.b.io"}}
	s := NewTenantService(nil, r)
	ctx := context.Background()

	if ok, err := s.OriginAllowedByAny(ctx, "https://x.b.io", auth.DefaultOriginPolicy); err != nil || !ok {
		t.Fatalf("expected allowed: %v %v", ok, err)
	}
	if ok, _ := s.OriginAllowedByAny(ctx, "https://evil.io", auth.DefaultOriginPolicy); ok {
		t.Fatal("expected denied")
	}
	r.listErr = errors.New("db down")
	if _, err := s.OriginAllowedByAny(ctx, "https://a.com", auth.DefaultOriginPolicy); err == nil {
		t.Fatal("expected error")
	}
}

func TestNormalizeDomains(t *testing.T) {
	got, err := NormalizeDomains([]string{"*", "localhost:3000", "https://*.x.io", "http://y.io:8080/"})
	if err != nil {
		t.Fatalf("NormalizeDomains: %v", err)
	}
	want := []string{"*", "localhost:3000", "https://*.x.io", "http://y.io:8080"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v", got)
	}
	for _, bad := range []string{"https://x.io/path", "*.", "a b.com", "https://"} {
		if _, err := NormalizeDomains([]string{bad}); !errors.Is(err, ErrInvalidDomain) {
			t.Fatalf("%q should be rejected, got %v", bad, err)
		}
	}
}
