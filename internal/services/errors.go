// Package services defines the business logic for tenants and widget
// settings. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by
// callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

// Tenant-related errors.
var (
	// ErrTenantNotFound indicates that no tenant matches the given id or key.
	ErrTenantNotFound = errors.New("tenant not found")

	// ErrInvalidTenantName is returned when a tenant name is blank or too long.
	ErrInvalidTenantName = errors.New("tenant name must be 1-200 characters")

	// ErrInvalidTier is returned for a tier outside free/paid.
	ErrInvalidTier = errors.New("tier must be free or paid")

	// ErrInvalidStatus is returned for a status outside active/paused/disabled.
	ErrInvalidStatus = errors.New("status must be active, paused or disabled")

	// ErrInvalidDomain is returned when an allow-list entry cannot be parsed.
	ErrInvalidDomain = errors.New("invalid allowed domain")

	// ErrKeyGeneration is returned when no unique key could be produced.
	ErrKeyGeneration = errors.New("could not generate a unique api key")
)

// Widget settings errors.
var (
	// ErrInvalidWidgetConfig is returned when appearance fields fail
	// validation.
	ErrInvalidWidgetConfig = errors.New("invalid widget config")
)
