// Package apperrors holds the error categories shared by services and the
// HTTP layer. Each category knows its machine-readable code and status.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Coded is implemented by every error category in this package.
type Coded interface {
	error
	Code() string
	Status() int
}

type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Fields)
}
func (e *ValidationError) Code() string { return "validation_error" }
func (e *ValidationError) Status() int  { return http.StatusBadRequest }

// Validation builds a ValidationError for a single field.
func Validation(field, msg string) *ValidationError {
	return &ValidationError{Message: "invalid input", Fields: map[string]string{field: msg}}
}

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Resource, e.ID) }
func (e *NotFoundError) Code() string  { return "not_found" }
func (e *NotFoundError) Status() int   { return http.StatusNotFound }

func NotFound(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

type InsufficientCreditsError struct {
	TenantID  string
	Requested int64
	Available int64
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits for %s: requested %d, available %d", e.TenantID, e.Requested, e.Available)
}
func (e *InsufficientCreditsError) Code() string { return "insufficient_credits" }
func (e *InsufficientCreditsError) Status() int  { return http.StatusPaymentRequired }

// ConfigurationError means a remote connection was requested for a tenant
// that has no stored config.
type ConfigurationError struct {
	TenantID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("tenant %s is not configured: %s", e.TenantID, e.Reason)
}
func (e *ConfigurationError) Code() string { return "configuration_error" }
func (e *ConfigurationError) Status() int  { return http.StatusServiceUnavailable }

// ProvisioningError is a failure of a must-succeed onboarding step.
type ProvisioningError struct {
	Step string
	Err  error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning step %s failed: %v", e.Step, e.Err)
}
func (e *ProvisioningError) Unwrap() error { return e.Err }
func (e *ProvisioningError) Code() string  { return "provisioning_error" }
func (e *ProvisioningError) Status() int   { return http.StatusInternalServerError }

// SchemaSetupError is collected, never returned, by schema setup.
type SchemaSetupError struct {
	Artifact string
	Kind     string
	Err      error
}

func (e *SchemaSetupError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Artifact, e.Err)
}
func (e *SchemaSetupError) Unwrap() error { return e.Err }
func (e *SchemaSetupError) Code() string  { return "schema_setup_error" }
func (e *SchemaSetupError) Status() int   { return http.StatusInternalServerError }

type PlanNotFoundError struct {
	PlanID string
}

func (e *PlanNotFoundError) Error() string { return fmt.Sprintf("plan %q not found", e.PlanID) }
func (e *PlanNotFoundError) Code() string  { return "plan_not_found" }
func (e *PlanNotFoundError) Status() int   { return http.StatusNotFound }

type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }
func (e *ConflictError) Code() string  { return "conflict" }
func (e *ConflictError) Status() int   { return http.StatusConflict }

type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string { return e.Message }
func (e *UnauthorizedError) Code() string  { return "unauthorized" }
func (e *UnauthorizedError) Status() int   { return http.StatusUnauthorized }

type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }
func (e *ForbiddenError) Code() string  { return "forbidden" }
func (e *ForbiddenError) Status() int   { return http.StatusForbidden }

// Classify returns the code and status for err. Unknown errors are internal.
func Classify(err error) (string, int) {
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code(), coded.Status()
	}
	return "internal_error", http.StatusInternalServerError
}
