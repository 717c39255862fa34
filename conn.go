package ldapauth

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Conn is the subset of *ldap.Conn the authenticator needs.
type Conn interface {
	StartTLS(config *tls.Config) error
	Bind(username, password string) error
	Search(searchRequest *ldap.SearchRequest) (*ldap.SearchResult, error)
	Unbind() error
	Close() error
}

// DialFunc opens a connection to opts.URL.
type DialFunc func(ctx context.Context, opts Options) (Conn, error)

type timeoutSetter interface {
	SetTimeout(time.Duration)
}

// DialURL opens a connection with ldap.DialURL, bounding the dial by
// opts.ConnectTimeout.
func DialURL(ctx context.Context, opts Options) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	dialOpts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if opts.TLSConfig != nil {
		dialOpts = append(dialOpts, ldap.DialWithTLSConfig(opts.TLSConfig))
	}

	conn, err := ldap.DialURL(opts.URL, dialOpts...)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// bind opens a connection, upgrades it with StartTLS when requested and binds
// with dn and password. On success the caller owns the connection and must
// hand it to release; on failure the connection is already released.
func (a *Authenticator) bind(ctx context.Context, s *session, phase Phase, dn, password string) (Conn, error) {
	start := time.Now()
	opts := s.req.LDAPOpts
	bindDN := EscapeDN(dn)
	logger := s.logger.With(slog.String("phase", phase.String()), maskedAttr("dn_masked", bindDN))

	if err := ctx.Err(); err != nil {
		return nil, classify(opDial, KindConnection, phase, opts.URL, bindDN, err)
	}

	s.state(stateConnecting)
	conn, err := a.dial(ctx, opts)
	if err != nil {
		logger.Debug("ldap_dial_failed", errAttr(err), slog.Duration("duration", time.Since(start)))
		return nil, classify(opDial, KindConnection, phase, opts.URL, bindDN, err)
	}
	if ts, ok := conn.(timeoutSetter); ok {
		ts.SetTimeout(opts.ConnectTimeout)
	}

	if s.req.StartTLS {
		if err := ctx.Err(); err != nil {
			a.release(s, conn)
			return nil, classify(opStartTLS, KindConnection, phase, opts.URL, bindDN, err)
		}
		s.state(stateStartTLS)
		if err := conn.StartTLS(startTLSConfig(opts)); err != nil {
			logger.Debug("ldap_starttls_failed", errAttr(err), slog.Duration("duration", time.Since(start)))
			a.release(s, conn)
			return nil, &LDAPError{
				Op:     opStartTLS,
				Kind:   KindConnection,
				Phase:  phase,
				DN:     bindDN,
				Server: opts.URL,
				Code:   GetLDAPResultCode(err),
				Err:    fmt.Errorf("%w: %w", ErrStartTLSFailed, err),
			}
		}
	}

	if err := ctx.Err(); err != nil {
		a.release(s, conn)
		return nil, classify(opBind, KindConnection, phase, opts.URL, bindDN, err)
	}
	s.state(stateBinding, slog.String("phase", phase.String()))
	if err := conn.Bind(bindDN, password); err != nil {
		logger.Debug("ldap_bind_failed", errAttr(err), slog.Duration("duration", time.Since(start)))
		a.release(s, conn)
		return nil, classify(opBind, KindAuthentication, phase, opts.URL, bindDN, err)
	}

	logger.Debug("ldap_bind_successful", slog.Duration("duration", time.Since(start)))
	return conn, nil
}

// release unbinds conn, falling back to closing it when the unbind fails.
func (a *Authenticator) release(s *session, conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Unbind(); err != nil {
		if !errors.Is(err, net.ErrClosed) {
			s.logger.Debug("ldap_unbind_failed", errAttr(err))
		}
		_ = conn.Close()
	}
}

// startTLSConfig returns the configuration for StartTLS. go-ldap hands it to
// tls.Client as is, so a missing ServerName is filled in from the URL host.
func startTLSConfig(opts Options) *tls.Config {
	var cfg *tls.Config
	if opts.TLSConfig != nil {
		if opts.TLSConfig.ServerName != "" {
			return opts.TLSConfig
		}
		cfg = opts.TLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if u, err := url.Parse(opts.URL); err == nil {
		cfg.ServerName = u.Hostname()
	}
	return cfg
}
