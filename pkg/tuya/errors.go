package tuya

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsuccessful is returned when Tuya answers with success=false
	ErrUnsuccessful = errors.New("tuya: unsuccessful response")

	// ErrMalformedResponse is returned when a response body cannot be decoded
	ErrMalformedResponse = errors.New("tuya: malformed response")

	// ErrMissingToken is returned when a token response carries no access_token
	ErrMissingToken = errors.New("tuya: token response without access_token")
)

// Tuya error codes for an access token that is no longer accepted.
const (
	codeTokenInvalid = 1010
	codeTokenExpired = 1011
)

// CredentialError reports a failed token renewal.
type CredentialError struct {
	Status int    // HTTP status, 0 when the request never completed
	Code   int    // Tuya error code, when present
	Msg    string // Tuya error message, when present
	Err    error
}

func (e *CredentialError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("token renewal failed: %v (status %d, code %d: %s)", e.Err, e.Status, e.Code, e.Msg)
	case e.Status != 0:
		return fmt.Sprintf("token renewal failed: %v (status %d)", e.Err, e.Status)
	default:
		return fmt.Sprintf("token renewal failed: %v", e.Err)
	}
}

func (e *CredentialError) Unwrap() error { return e.Err }

// FetchError reports a failed device status call.
type FetchError struct {
	DeviceID string
	Status   int
	Code     int
	Msg      string
	Err      error
}

func (e *FetchError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("fetch status of %s: %v (status %d, code %d: %s)", e.DeviceID, e.Err, e.Status, e.Code, e.Msg)
	case e.Status != 0:
		return fmt.Sprintf("fetch status of %s: %v (status %d)", e.DeviceID, e.Err, e.Status)
	default:
		return fmt.Sprintf("fetch status of %s: %v", e.DeviceID, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// TokenRejected reports whether Tuya refused the access token itself.
func (e *FetchError) TokenRejected() bool {
	return e.Code == codeTokenInvalid || e.Code == codeTokenExpired
}
