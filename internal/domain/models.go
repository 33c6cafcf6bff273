// Package domain defines the persistence models for tenants and their widget
// settings, plus the client-side chat types shared by the relay, the stream
// codec and the widget client. Tenant and WidgetConfig are mapped with GORM;
// ChatMessage and Source never touch the database.
package domain

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// TenantStatus is the lifecycle state of a tenant. Only active tenants may
// use the widget endpoints.
type TenantStatus string

const (
	TenantActive   TenantStatus = "active"
	TenantPaused   TenantStatus = "paused"
	TenantDisabled TenantStatus = "disabled"
)

// Valid reports whether s is one of the known statuses.
func (s TenantStatus) Valid() bool {
	switch s {
	case TenantActive, TenantPaused, TenantDisabled:
		return true
	}
	return false
}

// Tier is the billing plan of a tenant.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool { return t == TierFree || t == TierPaid }

// Tenant is a customer of the dashboard (a "client" in the widget API).
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - PublicAPIKey: the single valid widget secret ("pk_live_<hex>"); unique.
//   - AllowedDomains: ordered origin patterns (exact origin, host, or "*.suffix").
//     An empty list means any origin is accepted.
//   - Status: active | paused | disabled (enforced by DB constraint).
//   - Tier: free | paid; drives upgrade hints on rate limiting.
//   - DeletedAt: soft deletion marker; this service never hard-deletes tenants.
type Tenant struct {
	ID             string                      `json:"id"              gorm:"type:char(36);primaryKey"`
	Name           string                      `json:"name"            gorm:"type:varchar(255);not null"`
	PublicAPIKey   string                      `json:"-"               gorm:"type:varchar(128);not null;uniqueIndex:ux_tenant_public_key"`
	AllowedDomains datatypes.JSONSlice[string] `json:"allowed_domains" gorm:"not null"`
	Status         TenantStatus                `json:"status"          gorm:"type:varchar(16);not null;default:'active';check:status IN ('active','paused','disabled')"`
	Tier           Tier                        `json:"tier"            gorm:"type:varchar(16);not null;default:'free'"`
	CreatedAt      time.Time                   `json:"created_at"`
	UpdatedAt      time.Time                   `json:"updated_at"`
	DeletedAt      gorm.DeletedAt              `json:"-"               gorm:"index"`
}

// TableName returns the database table name for Tenant.
func (Tenant) TableName() string { return "tenants" }

// IsActive reports whether the tenant may use the widget endpoints.
func (t *Tenant) IsActive() bool { return t != nil && t.Status == TenantActive }

// WidgetConfig holds the presentation settings of a tenant's widget.
// A tenant without a row is served DefaultWidgetConfig.
type WidgetConfig struct {
	TenantID       string    `json:"-"              gorm:"type:char(36);primaryKey"`
	WidgetName     string    `json:"widgetName"     gorm:"type:varchar(100);not null"`
	PrimaryColor   string    `json:"primaryColor"   gorm:"type:varchar(16);not null"`
	Position       string    `json:"position"       gorm:"type:varchar(16);not null"`
	WelcomeMessage string    `json:"welcomeMessage" gorm:"type:text;not null"`
	CreatedAt      time.Time `json:"-"`
	UpdatedAt      time.Time `json:"-"`

	Tenant Tenant `json:"-" gorm:"foreignKey:TenantID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for WidgetConfig.
func (WidgetConfig) TableName() string { return "widget_configs" }

// DefaultWidgetConfig returns the settings used when a tenant has not
// customized its widget.
func DefaultWidgetConfig(tenantID string) WidgetConfig {
	return WidgetConfig{
		TenantID:       tenantID,
		WidgetName:     "Chat Assistant",
		PrimaryColor:   "#6366f1",
		Position:       "bottom-right",
		WelcomeMessage: "Hi! How can I help you today?",
	}
}
