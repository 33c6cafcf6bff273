// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Tenant
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
//
// Error semantics:
//   - When a tenant is not found, functions return ErrNotFound
//     (an alias of gorm.ErrRecordNotFound).
//   - A public key collision on insert or rotation returns ErrDuplicate.
//   - Other DB errors are propagated unchanged.
//
// Key rotation is a single UPDATE statement: once it commits, the previous
// key no longer resolves through GetTenantByAPIKey, and no window exists in
// which both keys are valid.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that a unique column (the public API key) already
// holds the value being written.
var ErrDuplicate = errors.New("duplicate")

// CreateTenant inserts a new active tenant. The ID is a random UUID and
// timestamps are UTC.
func CreateTenant(ctx context.Context, db *gorm.DB, name, apiKey string, tier domain.Tier, domains []string) (*domain.Tenant, error) {
	if domains == nil {
		domains = []string{}
	}
	now := time.Now().UTC()
	t := &domain.Tenant{
		ID:             uuid.NewString(),
		Name:           name,
		PublicAPIKey:   apiKey,
		AllowedDomains: datatypes.JSONSlice[string](domains),
		Status:         domain.TenantActive,
		Tier:           tier,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, mapUniqueErr(err)
	}
	return t, nil
}

// GetTenant fetches a tenant by ID, or ErrNotFound.
func GetTenant(ctx context.Context, db *gorm.DB, id string) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTenantByAPIKey resolves the tenant currently holding apiKey, or
// ErrNotFound.
func GetTenantByAPIKey(ctx context.Context, db *gorm.DB, apiKey string) (*domain.Tenant, error) {
	var t domain.Tenant
	if err := db.WithContext(ctx).Where("public_api_key = ?", apiKey).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListActiveTenantDomains returns the allow-lists of all active tenants.
// The CORS preflight path uses it when the request carries no API key.
func ListActiveTenantDomains(ctx context.Context, db *gorm.DB) ([][]string, error) {
	var rows []domain.Tenant
	err := db.WithContext(ctx).
		Select("id", "allowed_domains").
		Where("status = ?", domain.TenantActive).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string(r.AllowedDomains))
	}
	return out, nil
}

// RotateAPIKey replaces the tenant's public key with newKey in one UPDATE.
// It returns ErrNotFound when no tenant has the given id.
func RotateAPIKey(ctx context.Context, db *gorm.DB, id, newKey string) error {
	res := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("id = ?", id).
		Updates(map[string]any{"public_api_key": newKey, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return mapUniqueErr(res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTenantStatus sets the lifecycle status of a tenant.
func UpdateTenantStatus(ctx context.Context, db *gorm.DB, id string, status domain.TenantStatus) error {
	res := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": status, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTenantDomains replaces the tenant's origin allow-list, keeping order.
func UpdateTenantDomains(ctx context.Context, db *gorm.DB, id string, domains []string) error {
	if domains == nil {
		domains = []string{}
	}
	res := db.WithContext(ctx).
		Model(&domain.Tenant{}).
		Where("id = ?", id).
		Updates(map[string]any{"allowed_domains": datatypes.JSONSlice[string](domains), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// mapUniqueErr converts unique-constraint violations into ErrDuplicate.
func mapUniqueErr(err error) error {
	// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
	low := strings.ToLower(err.Error())
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique") {
		return ErrDuplicate
	}
	return err
}
