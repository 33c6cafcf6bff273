package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"regexp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

const (
	// HeaderAPIKey carries the tenant's public key on every widget request.
	HeaderAPIKey = "x-api-key"
	// KeyPrefix is the fixed prefix of every public key.
	KeyPrefix = "pk_live_"

	keyRandomBytes = 24
)

var keyFormatRE = regexp.MustCompile(`^pk_live_[0-9a-f]{16,128}$`)

// ErrUnknownKey is returned by a TenantStore when no tenant holds the key.
var ErrUnknownKey = errors.New("auth: unknown api key")

// TenantStore resolves a public key to its tenant. Implementations return
// ErrUnknownKey when nothing matches; any other error is treated as a
// storage failure.
type TenantStore interface {
	TenantByAPIKey(ctx context.Context, apiKey string) (*domain.Tenant, error)
}

// Gate authenticates widget requests. It performs at most one storage read
// per call and never mutates tenant state.
type Gate struct {
	store  TenantStore
	policy OriginPolicy
}

// NewGate builds a Gate over store using policy for origin checks.
func NewGate(store TenantStore, policy OriginPolicy) *Gate {
	return &Gate{store: store, policy: policy}
}

// ValidKeyFormat reports whether key has the public key shape. It consults
// no tenant data.
func ValidKeyFormat(key string) bool { return keyFormatRE.MatchString(key) }

// GenerateAPIKey returns a fresh random public key.
func GenerateAPIKey() (string, error) {
	b := make([]byte, keyRandomBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(b), nil
}

// Authenticate runs the checks in order: presence, format, lookup, status,
// origin. Rejections are *Error values; storage failures are returned
// wrapped and unclassified.
func (g *Gate) Authenticate(ctx context.Context, apiKey, origin string) (*domain.Tenant, error) {
	ctx, span := otel.Tracer("auth/Gate").Start(ctx, "Authenticate")
	defer span.End()

	if apiKey == "" {
		return nil, reject(MissingCredential)
	}
	if !ValidKeyFormat(apiKey) {
		return nil, reject(InvalidCredentialFormat)
	}

	t, err := g.store.TenantByAPIKey(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrUnknownKey) {
			return nil, reject(InvalidCredential)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "tenant lookup failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("tenant.id", t.ID))

	d := g.policy.Evaluate(t.AllowedDomains, origin)
	if t.Status != domain.TenantActive {
		return nil, &Error{Kind: TenantNotActive, Status: t.Status, Origin: origin, OriginAllowed: d.Allowed}
	}
	if !d.Allowed {
		span.SetAttributes(attribute.String("auth.origin_reason", d.Reason))
		return nil, &Error{Kind: DomainNotAllowed, Origin: origin}
	}
	return t, nil
}

type tenantCtxKey struct{}

// WithTenant returns a copy of ctx carrying t.
func WithTenant(ctx context.Context, t *domain.Tenant) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, t)
}

// TenantFrom returns the tenant bound by WithTenant.
func TenantFrom(ctx context.Context) (*domain.Tenant, bool) {
	t, ok := ctx.Value(tenantCtxKey{}).(*domain.Tenant)
	return t, ok && t != nil
}
