// Package services – TenantService
//
// This file implements the TenantService, which manages the tenant
// lifecycle: creation, public key regeneration, status changes and
// allow-list updates. It also resolves public keys for the authentication
// gate and answers CORS preflight questions that arrive without a key.
//
// Exactly one public key is valid per tenant. Regeneration replaces it in a
// single statement, so the previous key stops resolving the moment the new
// one is stored.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/tbourn/chatconnect-widget/internal/auth"
	"github.com/tbourn/chatconnect-widget/internal/domain"
	"github.com/tbourn/chatconnect-widget/internal/repo"
)

// TenantRepo defines the repository contract required by TenantService.
type TenantRepo interface {
	CreateTenant(ctx context.Context, db *gorm.DB, name, apiKey string, tier domain.Tier, domains []string) (*domain.Tenant, error)
	GetTenant(ctx context.Context, db *gorm.DB, id string) (*domain.Tenant, error)
	GetTenantByAPIKey(ctx context.Context, db *gorm.DB, apiKey string) (*domain.Tenant, error)
	RotateAPIKey(ctx context.Context, db *gorm.DB, id, newKey string) error
	UpdateTenantStatus(ctx context.Context, db *gorm.DB, id string, status domain.TenantStatus) error
	UpdateTenantDomains(ctx context.Context, db *gorm.DB, id string, domains []string) error
	ListActiveTenantDomains(ctx context.Context, db *gorm.DB) ([][]string, error)
}

// maxKeyAttempts bounds retries when a generated key collides.
const maxKeyAttempts = 3

// maxTenantName caps tenant names by rune length.
const maxTenantName = 200

// TenantService provides tenant lifecycle operations.
type TenantService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Repo is the tenant repository used by this service.
	Repo TenantRepo
	// NewKey produces public keys; auth.GenerateAPIKey by default.
	NewKey func() (string, error)
}

var _ auth.TenantStore = (*TenantService)(nil)

// NewTenantService constructs a TenantService using random public keys.
func NewTenantService(db *gorm.DB, r TenantRepo) *TenantService {
	return &TenantService{DB: db, Repo: r, NewKey: auth.GenerateAPIKey}
}

// Create registers an active tenant with a fresh public key. An empty tier
// defaults to free.
func (s *TenantService) Create(ctx context.Context, name string, tier domain.Tier, domains []string) (*domain.Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > maxTenantName {
		return nil, ErrInvalidTenantName
	}
	if tier == "" {
		tier = domain.TierFree
	}
	if !tier.Valid() {
		return nil, ErrInvalidTier
	}
	clean, err := NormalizeDomains(domains)
	if err != nil {
		return nil, err
	}

	for i := 0; i < maxKeyAttempts; i++ {
		key, err := s.NewKey()
		if err != nil {
			return nil, fmt.Errorf("generate key: %w", err)
		}
		t, err := s.Repo.CreateTenant(ctx, s.DB, name, key, tier, clean)
		if errors.Is(err, repo.ErrDuplicate) {
			continue
		}
		return t, err
	}
	return nil, ErrKeyGeneration
}

// Get returns the tenant with the given id.
func (s *TenantService) Get(ctx context.Context, id string) (*domain.Tenant, error) {
	t, err := s.Repo.GetTenant(ctx, s.DB, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTenantNotFound
	}
	return t, err
}

// RegenerateKey issues a new public key for the tenant and returns it. The
// old key is invalid once this returns.
func (s *TenantService) RegenerateKey(ctx context.Context, id string) (string, error) {
	for i := 0; i < maxKeyAttempts; i++ {
		key, err := s.NewKey()
		if err != nil {
			return "", fmt.Errorf("generate key: %w", err)
		}
		err = s.Repo.RotateAPIKey(ctx, s.DB, id, key)
		switch {
		case err == nil:
			return key, nil
		case errors.Is(err, repo.ErrDuplicate):
			continue
		case errors.Is(err, repo.ErrNotFound):
			return "", ErrTenantNotFound
		default:
			return "", err
		}
	}
	return "", ErrKeyGeneration
}

// UpdateStatus moves the tenant to status.
func (s *TenantService) UpdateStatus(ctx context.Context, id string, status domain.TenantStatus) error {
	if !status.Valid() {
		return ErrInvalidStatus
	}
	err := s.Repo.UpdateTenantStatus(ctx, s.DB, id, status)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrTenantNotFound
	}
	return err
}

// UpdateDomains replaces the origin allow-list and returns the stored,
// normalized entries.
func (s *TenantService) UpdateDomains(ctx context.Context, id string, domains []string) ([]string, error) {
	clean, err := NormalizeDomains(domains)
	if err != nil {
		return nil, err
	}
	err = s.Repo.UpdateTenantDomains(ctx, s.DB, id, clean)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	return clean, nil
}

// Validate resolves a public key to its tenant regardless of status, for
// service-to-service checks.
func (s *TenantService) Validate(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	if !auth.ValidKeyFormat(apiKey) {
		return nil, ErrTenantNotFound
	}
	t, err := s.Repo.GetTenantByAPIKey(ctx, s.DB, apiKey)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrTenantNotFound
	}
	return t, err
}

// TenantByAPIKey implements auth.TenantStore.
func (s *TenantService) TenantByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error) {
	t, err := s.Repo.GetTenantByAPIKey(ctx, s.DB, apiKey)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, auth.ErrUnknownKey
	}
	return t, err
}

// OriginAllowedByAny reports whether some active tenant's allow-list admits
// origin under policy. Preflight requests carry no key, so this is the only
// check available for them.
func (s *TenantService) OriginAllowedByAny(ctx context.Context, origin string, policy auth.OriginPolicy) (bool, error) {
	lists, err := s.Repo.ListActiveTenantDomains(ctx, s.DB)
	if err != nil {
		return false, err
	}
	for _, l := range lists {
		if policy.Evaluate(l, origin).Allowed {
			return true, nil
		}
	}
	return false, nil
}

// NormalizeDomains cleans allow-list entries: lowercased, trimmed, trailing
// slash removed, blanks and duplicates dropped, order kept.
func NormalizeDomains(domains []string) ([]string, error) {
	out := make([]string, 0, len(domains))
	seen := make(map[string]struct{}, len(domains))
	for _, d := range domains {
		p := auth.NormalizePattern(d)
		if p == "" {
			continue
		}
		if !validPattern(p) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidDomain, d)
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func validPattern(p string) bool {
	if p == "*" {
		return true
	}
	host := p
	if i := strings.Index(p, "://"); i >= 0 {
		scheme := p[:i]
		if scheme != "http" && scheme != "https" {
			return false
		}
		host = p[i+3:]
	}
	host = strings.TrimPrefix(host, "*.")
	if host == "" || strings.HasSuffix(host, ":") || strings.ContainsAny(host, "/?#* ") {
		return false
	}
	u, err := url.Parse("http://" + host)
	return err == nil && u.Hostname() != ""
}
