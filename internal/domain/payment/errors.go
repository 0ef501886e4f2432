package payment

import "errors"

var (
	// ErrNotConfigured means payment credentials were missing at startup;
	// every payment operation fails closed with this error.
	ErrNotConfigured = errors.New("payment subsystem is not configured")

	// ErrUnknownPackage is returned when the requested amount matches no package
	ErrUnknownPackage = errors.New("amount does not match any credit package")

	// ErrOrderNotFound is returned when no order row matches
	ErrOrderNotFound = errors.New("order not found")

	// ErrNotOwner is returned when a user requests someone else's order
	ErrNotOwner = errors.New("order belongs to another user")

	// ErrInsufficientData means a callback payload was missing required fields.
	// Logged and dropped without crediting; indicates a provider contract
	// change or an integration bug.
	ErrInsufficientData = errors.New("callback payload missing required fields")

	ErrInternal = errors.New("internal error")
)
