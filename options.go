package ldapauth

import (
	"log/slog"
	"time"
)

// DefaultConnectTimeout bounds dialing and every LDAP operation when the
// request does not set ldapOpts.connectTimeout.
const DefaultConnectTimeout = 5 * time.Second

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithDialer replaces how connections are opened, e.g. to reuse a custom
// transport or to inject a fake directory in tests.
func WithDialer(dial DialFunc) Option {
	return func(a *Authenticator) {
		if dial != nil {
			a.dial = dial
		}
	}
}

// WithDefaultConnectTimeout changes the timeout used for requests that leave
// ldapOpts.connectTimeout unset.
func WithDefaultConnectTimeout(timeout time.Duration) Option {
	return func(a *Authenticator) {
		if timeout > 0 {
			a.connectTimeout = timeout
		}
	}
}
