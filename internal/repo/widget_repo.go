// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository helpers for per-tenant
// widget presentation settings.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/chatconnect-widget/internal/domain"
)

// GetWidgetConfig returns the stored settings for tenantID or ErrNotFound.
func GetWidgetConfig(ctx context.Context, db *gorm.DB, tenantID string) (*domain.WidgetConfig, error) {
	var wc domain.WidgetConfig
	if err := db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&wc).Error; err != nil {
		return nil, err
	}
	return &wc, nil
}

// UpsertWidgetConfig inserts or replaces the settings row for wc.TenantID.
// The dashboard owns these settings; this helper exists for seeding.
func UpsertWidgetConfig(ctx context.Context, db *gorm.DB, wc *domain.WidgetConfig) error {
	now := time.Now().UTC()
	if wc.CreatedAt.IsZero() {
		wc.CreatedAt = now
	}
	wc.UpdatedAt = now
	return db.WithContext(ctx).
		Omit(clause.Associations).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"widget_name", "primary_color", "position", "welcome_message", "updated_at"}),
		}).
		Create(wc).Error
}
