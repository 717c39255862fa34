package ldapauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// ErrorKind classifies why an authentication attempt failed.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindConfiguration means the request was rejected before any network activity.
	KindConfiguration
	// KindConnection covers dial, transport, timeout and StartTLS failures.
	KindConnection
	// KindAuthentication means the directory rejected a bind.
	KindAuthentication
	// KindUserNotFound is returned by the admin-mediated and verify-existence
	// modes when the user search matched nothing.
	KindUserNotFound
	// KindUserDetailsNotFound is returned by the direct mode when the bind
	// succeeded but the follow-up search matched nothing.
	KindUserDetailsNotFound
	// KindSearch means a search operation itself failed.
	KindSearch
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindConnection:
		return "connection"
	case KindAuthentication:
		return "authentication"
	case KindUserNotFound:
		return "user_not_found"
	case KindUserDetailsNotFound:
		return "user_details_not_found"
	case KindSearch:
		return "search"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConfiguration:
		return ErrInvalidConfig
	case KindConnection:
		return ErrConnectionFailed
	case KindAuthentication:
		return ErrAuthenticationFailed
	case KindUserNotFound:
		return ErrUserNotFound
	case KindUserDetailsNotFound:
		return ErrUserDetailsNotFound
	case KindSearch:
		return ErrSearchFailed
	default:
		return nil
	}
}

// Phase tells which credentials were in use when a bind-related failure happened.
type Phase int

const (
	PhaseNone Phase = iota
	PhaseAdmin
	PhaseUser
)

func (p Phase) String() string {
	switch p {
	case PhaseAdmin:
		return "admin"
	case PhaseUser:
		return "user"
	default:
		return ""
	}
}

// Sentinel errors. Every *LDAPError matches the sentinel of its Kind with errors.Is.
var (
	ErrInvalidConfig    = errors.New("ldap: invalid configuration")
	ErrConnectionFailed = errors.New("ldap: connection failed")
	ErrTimeout          = errors.New("ldap: operation timeout")
	ErrStartTLSFailed   = errors.New("ldap: StartTLS negotiation failed")

	ErrAuthenticationFailed = errors.New("ldap: authentication failed")
	ErrInvalidCredentials   = errors.New("ldap: invalid credentials")

	ErrUserNotFound        = errors.New("user not found or usernameAttribute is wrong")
	ErrUserDetailsNotFound = errors.New("user logged in, but user details could not be found. Probably usernameAttribute or userSearchBase is wrong?")
	ErrSearchFailed        = errors.New("ldap: search failed")
)

// LDAPError carries the context of a failed authentication step.
type LDAPError struct {
	// Op is the failing step, e.g. "bind", "start_tls" or "search_user".
	Op string
	// Kind classifies the failure.
	Kind ErrorKind
	// Phase is set for failures that happened while bound, or binding, as admin or user.
	Phase Phase
	// DN is the bind DN or search base involved, if any.
	DN string
	// Server is the LDAP URL.
	Server string
	// Code is the LDAP result code, 0 when the failure did not come from the directory.
	Code int
	// Err is the underlying error.
	Err error
}

func (e *LDAPError) Error() string {
	op := e.Op
	if e.Phase != PhaseNone {
		op = e.Phase.String() + " " + op
	}

	var cause string
	switch {
	case e.Err != nil:
		cause = e.Err.Error()
	case e.Kind.sentinel() != nil:
		cause = e.Kind.sentinel().Error()
	default:
		cause = "unknown error"
	}

	if e.DN != "" {
		return fmt.Sprintf("ldap %s failed for DN %q on server %q: %s", op, e.DN, e.Server, cause)
	}
	return fmt.Sprintf("ldap %s failed on server %q: %s", op, e.Server, cause)
}

func (e *LDAPError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel of e's Kind, or ErrInvalidCredentials
// for a result code 49, or ErrTimeout for a timed out operation. Other targets
// are matched against the wrapped error by errors.Is.
func (e *LDAPError) Is(target error) bool {
	if ldapErr, ok := target.(*LDAPError); ok {
		return e.Op == ldapErr.Op && e.Code == ldapErr.Code
	}
	if s := e.Kind.sentinel(); s != nil && target == s {
		return true
	}
	switch target {
	case ErrInvalidCredentials:
		return e.Code == int(ldap.LDAPResultInvalidCredentials)
	case ErrTimeout:
		return isTimeout(e.Err)
	}
	return errors.Is(e.Err, target)
}

// ConfigError describes a request field that failed validation.
type ConfigError struct {
	Field   string
	Value   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("configuration error for field %s (value: %s): %s", e.Field, e.Value, e.Message)
	}
	return fmt.Sprintf("configuration error for field %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// classify wraps err into an *LDAPError. Transport failures become KindConnection,
// everything else gets the fallback kind of the step that failed.
func classify(op string, fallback ErrorKind, phase Phase, server, dn string, err error) *LDAPError {
	var existing *LDAPError
	if errors.As(err, &existing) {
		return existing
	}

	ldapErr := &LDAPError{
		Op:     op,
		Kind:   fallback,
		Phase:  phase,
		DN:     dn,
		Server: server,
		Err:    err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		ldapErr.Code = int(resultErr.ResultCode)
		if isTransportCode(resultErr.ResultCode) {
			ldapErr.Kind = KindConnection
		}
		return ldapErr
	}

	if isTimeout(err) || errors.Is(err, context.Canceled) {
		ldapErr.Kind = KindConnection
		return ldapErr
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		ldapErr.Kind = KindConnection
	}
	return ldapErr
}

func isTransportCode(code uint16) bool {
	switch code {
	case ldap.ErrorNetwork,
		ldap.LDAPResultServerDown,
		ldap.LDAPResultConnectError,
		ldap.LDAPResultUnavailable,
		ldap.LDAPResultBusy,
		ldap.LDAPResultTimeout:
		return true
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		if resultErr.ResultCode == ldap.LDAPResultTimeout || resultErr.ResultCode == ldap.LDAPResultTimeLimitExceeded {
			return true
		}
		if resultErr.Err != nil && errors.As(resultErr.Err, &netErr) && netErr.Timeout() {
			return true
		}
		if resultErr.Err != nil && strings.Contains(resultErr.Err.Error(), "timed out") {
			return true
		}
	}
	return false
}

// IsConfigError reports whether err was caused by an invalid request.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

// IsConnectionError reports whether err is a dial, transport, timeout or StartTLS failure.
func IsConnectionError(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrStartTLSFailed) ||
		errors.Is(err, ErrTimeout)
}

// IsAuthenticationError reports whether the directory rejected a bind.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrInvalidCredentials)
}

// IsAdminBindError reports whether err is a bind failure of the admin credentials.
func IsAdminBindError(err error) bool {
	return IsAuthenticationError(err) && PhaseOf(err) == PhaseAdmin
}

// IsUserBindError reports whether err is a bind failure of the user credentials.
func IsUserBindError(err error) bool {
	return IsAuthenticationError(err) && PhaseOf(err) == PhaseUser
}

// IsUserNotFound reports whether the user search run with admin credentials matched nothing.
func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

// IsUserDetailsNotFound reports whether a direct bind succeeded but the user's
// own entry could not be found.
func IsUserDetailsNotFound(err error) bool {
	return errors.Is(err, ErrUserDetailsNotFound)
}

// KindOf returns the ErrorKind carried by err, KindConfiguration for
// validation errors and KindUnknown otherwise.
func KindOf(err error) ErrorKind {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Kind
	}
	if IsConfigError(err) {
		return KindConfiguration
	}
	return KindUnknown
}

// PhaseOf returns the Phase carried by err, PhaseNone if there is none.
func PhaseOf(err error) Phase {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Phase
	}
	return PhaseNone
}

// GetLDAPResultCode extracts the LDAP result code from err, 0 if there is none.
func GetLDAPResultCode(err error) int {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) && ldapErr.Code != 0 {
		return ldapErr.Code
	}
	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return int(resultErr.ResultCode)
	}
	return 0
}
