package wechatpay

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured is returned when the payment subsystem is missing credentials
	ErrNotConfigured = errors.New("wechatpay: not configured")

	// ErrPrivateKey is returned when the merchant private key cannot be loaded or parsed
	ErrPrivateKey = errors.New("wechatpay: merchant private key unavailable")

	// ErrOrderNotFound is returned when the provider has no record of the order (HTTP 404)
	ErrOrderNotFound = errors.New("wechatpay: order not found")

	// ErrSignatureInvalid is returned when a callback signature fails verification
	ErrSignatureInvalid = errors.New("wechatpay: callback signature invalid")

	// ErrDecryptFailed is returned when the callback resource cannot be authenticated/decrypted
	ErrDecryptFailed = errors.New("wechatpay: resource decryption failed")

	// ErrCertUnavailable is returned when no platform certificate matches the callback serial
	ErrCertUnavailable = errors.New("wechatpay: platform certificate unavailable")
)

// ProviderError represents a non-2xx response from the WeChat Pay API.
// The provider's own code/message are carried verbatim so callers can surface them.
type ProviderError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("wechatpay: api error (%d %s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("wechatpay: api error (%d)", e.StatusCode)
}
