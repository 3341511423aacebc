// internal/errors/errors.go
package appErrors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMessageNotFound     = errors.New("scheduled message not found")
	ErrConcurrencyConflict = errors.New("row changed concurrently")
	ErrStartConflict       = errors.New("campaign status changed too recently, start rejected")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidState        = errors.New("operation not allowed in current campaign status")
)

// ErrCampaignNotFound is returned when a campaign lookup misses.
type ErrCampaignNotFound struct {
	CampaignID int64
}

func (e *ErrCampaignNotFound) Error() string {
	return fmt.Sprintf("campaign with ID %d not found", e.CampaignID)
}

// Helper constructor
func NewCampaignNotFound(id int64) error {
	return &ErrCampaignNotFound{CampaignID: id}
}

// IsNotFound reports whether err is any of the not-found errors.
func IsNotFound(err error) bool {
	var nf *ErrCampaignNotFound
	return errors.As(err, &nf) || errors.Is(err, ErrMessageNotFound)
}

// ConfigError marks campaign configuration that cannot be scheduled.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid campaign config: %s: %s", e.Field, e.Reason)
}

func NewConfigError(field, reason string) error {
	return &ConfigError{Field: field, Reason: reason}
}

// DeliveryKind classifies a Send Gateway failure.
type DeliveryKind int

const (
	Transient DeliveryKind = iota + 1
	Permanent
	Bounce
)

func (k DeliveryKind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Bounce:
		return "bounce"
	default:
		return "unknown"
	}
}

// DeliveryError wraps a provider error with its retry classification.
type DeliveryError struct {
	Kind DeliveryKind
	Code int
	Err  error
}

func (e *DeliveryError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s delivery error (code %d): %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s delivery error: %v", e.Kind, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func NewTransient(err error) error { return &DeliveryError{Kind: Transient, Err: err} }
func NewPermanent(err error) error { return &DeliveryError{Kind: Permanent, Err: err} }
func NewBounce(err error) error    { return &DeliveryError{Kind: Bounce, Err: err} }

// Classify maps an arbitrary send error onto a DeliveryKind. Errors that
// carry no classification are treated as transient so they get retried.
func Classify(err error) DeliveryKind {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind
	}
	return Transient
}

// IsTimeout reports whether err came from a cancelled or expired context.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// HTTPStatus maps an error onto the status code the API answers with.
func HTTPStatus(err error) int {
	var ce *ConfigError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrStartConflict), errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrConcurrencyConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
