// Package handlers defines HTTP-layer error codes used across all API
// endpoints.
//
// Codes are lowercase snake_case and stable; widget scripts branch on them.
// Relay failures reuse the relay taxonomy codes (see relay.Kind.Code) so the
// single-shot and streaming paths report the same values.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "tenant_inactive",
//	  "message": "widget is not active",
//	  "status": "paused"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeValidation       = "validation_failed"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeNotFound         = "not_found"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// Widget gate:
	ErrCodeTenantInactive   = "tenant_inactive"
	ErrCodeDomainNotAllowed = "domain_not_allowed"
)
