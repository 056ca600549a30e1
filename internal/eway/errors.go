package eway

import (
	"errors"
	"fmt"
)

// ErrAuthorizationRequired is returned in OAuth2 mode when no access token
// has been issued and no fallback credential is configured.
var ErrAuthorizationRequired = errors.New("OAuth2 authorization required: open /api/v1/oauth/authorize to complete the authorization flow")

// ErrSessionMethod is returned when a caller tries to invoke LogIn or
// LogOut as an ordinary method. The client owns the session lifecycle.
var ErrSessionMethod = errors.New("LogIn and LogOut are managed by the gateway and cannot be called directly")

// LoginError is returned when the backend rejects a login.
type LoginError struct {
	ReturnCode  ReturnCode
	Description string
}

func (e *LoginError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("eWay-CRM login failed (%s): %s", e.ReturnCode, e.Description)
	}
	return fmt.Sprintf("eWay-CRM login failed (%s)", e.ReturnCode)
}

// TransportError is a network or protocol level failure. StatusCode is 0
// when no HTTP response was received.
type TransportError struct {
	Method     string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Body != "":
		return fmt.Sprintf("eWay-CRM %s failed with status %d: %s", e.Method, e.StatusCode, e.Body)
	case e.StatusCode != 0:
		return fmt.Sprintf("eWay-CRM %s failed with status %d", e.Method, e.StatusCode)
	default:
		return fmt.Sprintf("eWay-CRM %s failed: %v", e.Method, e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// SessionRejectedError is returned when the backend still rejects the
// session or bearer token after the client re-authenticated once.
type SessionRejectedError struct {
	Method      string
	ReturnCode  ReturnCode
	Description string
}

func (e *SessionRejectedError) Error() string {
	return fmt.Sprintf("eWay-CRM rejected %s after re-authentication (%s): %s", e.Method, e.ReturnCode, e.Description)
}

// IsAuthError reports whether err means the caller must (re-)authenticate,
// as opposed to a transport or internal failure.
func IsAuthError(err error) bool {
	var (
		loginErr    *LoginError
		rejectedErr *SessionRejectedError
	)
	return errors.Is(err, ErrAuthorizationRequired) ||
		errors.As(err, &loginErr) ||
		errors.As(err, &rejectedErr)
}
