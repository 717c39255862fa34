package ldapauth

import (
	"bytes"
	"crypto/tls"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminRequest() *Request {
	return &Request{
		LDAPOpts:          Options{URL: "ldap://ldap.example.com"},
		AdminDN:           "cn=read-only-admin,dc=example,dc=com",
		AdminPassword:     "password",
		UserSearchBase:    "dc=example,dc=com",
		UsernameAttribute: "uid",
		Username:          "gauss",
		UserPassword:      "password",
	}
}

func userRequest() *Request {
	return &Request{
		LDAPOpts:     Options{URL: "ldap://ldap.example.com"},
		UserDN:       "uid=gauss,dc=example,dc=com",
		UserPassword: "password",
	}
}

func configFields(err error) []string {
	var fields []string
	type unwrapper interface{ Unwrap() []error }
	var errs []error
	if u, ok := err.(unwrapper); ok {
		errs = u.Unwrap()
	} else {
		errs = []error{err}
	}
	for _, e := range errs {
		var ce *ConfigError
		if errors.As(e, &ce) {
			fields = append(fields, ce.Field)
		}
	}
	return fields
}

func TestRequestValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(r *Request)
		base   func() *Request
		fields []string
	}{
		{
			name:   "valid admin request",
			base:   adminRequest,
			modify: func(r *Request) {},
		},
		{
			name:   "valid user request",
			base:   userRequest,
			modify: func(r *Request) {},
		},
		{
			name: "valid verify request",
			base: adminRequest,
			modify: func(r *Request) {
				r.VerifyUserExists = true
				r.UserPassword = ""
			},
		},
		{
			name:   "missing url",
			base:   userRequest,
			modify: func(r *Request) { r.LDAPOpts.URL = "" },
			fields: []string{"ldapOpts.url"},
		},
		{
			name:   "unsupported scheme",
			base:   userRequest,
			modify: func(r *Request) { r.LDAPOpts.URL = "http://ldap.example.com" },
			fields: []string{"ldapOpts.url"},
		},
		{
			name:   "missing host",
			base:   userRequest,
			modify: func(r *Request) { r.LDAPOpts.URL = "ldaps://" },
			fields: []string{"ldapOpts.url"},
		},
		{
			name: "neither admin nor user dn",
			base: userRequest,
			modify: func(r *Request) {
				r.UserDN = ""
			},
			fields: []string{"adminDn", "userDn"},
		},
		{
			name: "admin and user dn together",
			base: adminRequest,
			modify: func(r *Request) {
				r.UserDN = "uid=gauss,dc=example,dc=com"
			},
			fields: []string{"adminDn"},
		},
		{
			name:   "admin dn without password",
			base:   adminRequest,
			modify: func(r *Request) { r.AdminPassword = "" },
			fields: []string{"adminPassword"},
		},
		{
			name: "admin dn without search parameters",
			base: adminRequest,
			modify: func(r *Request) {
				r.UserSearchBase = ""
				r.UsernameAttribute = ""
				r.Username = ""
			},
			fields: []string{"userSearchBase", "usernameAttribute", "username"},
		},
		{
			name:   "missing user password",
			base:   userRequest,
			modify: func(r *Request) { r.UserPassword = "" },
			fields: []string{"userPassword"},
		},
		{
			name: "verify without admin dn",
			base: userRequest,
			modify: func(r *Request) {
				r.VerifyUserExists = true
			},
			fields: []string{"adminDn"},
		},
		{
			name:   "invalid username attribute",
			base:   adminRequest,
			modify: func(r *Request) { r.UsernameAttribute = "uid)(cn" },
			fields: []string{"usernameAttribute"},
		},
		{
			name:   "invalid attribute in allow list",
			base:   adminRequest,
			modify: func(r *Request) { r.Attributes = []string{"cn", "*)"} },
			fields: []string{"attributes[1]"},
		},
		{
			name:   "negative timeout",
			base:   userRequest,
			modify: func(r *Request) { r.LDAPOpts.ConnectTimeout = -time.Second },
			fields: []string{"ldapOpts.connectTimeout"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.base()
			tt.modify(req)

			_, err := req.normalized(DefaultConnectTimeout)
			if len(tt.fields) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsConfigError(err))
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Equal(t, KindConfiguration, KindOf(err))
			assert.ElementsMatch(t, tt.fields, configFields(err))
		})
	}
}

func TestRequestNormalizedDefaults(t *testing.T) {
	cfg := &tls.Config{ServerName: "ldap.example.com"}
	req := userRequest()
	req.LDAPOpts.TLSConfig = cfg

	out, err := req.normalized(3 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, "member", out.GroupMemberAttribute)
	assert.Equal(t, "dn", out.GroupMemberUserAttribute)
	assert.Equal(t, 3*time.Second, out.LDAPOpts.ConnectTimeout)
	assert.Same(t, cfg, out.LDAPOpts.TLSConfig)

	// caller's request is not modified
	assert.Empty(t, req.GroupMemberAttribute)
	assert.Empty(t, req.GroupMemberUserAttribute)
	assert.Zero(t, req.LDAPOpts.ConnectTimeout)
}

func TestRequestNormalizedKeepsExplicitValues(t *testing.T) {
	req := userRequest()
	req.LDAPOpts.ConnectTimeout = time.Second
	req.GroupMemberAttribute = "uniqueMember"
	req.GroupMemberUserAttribute = "uid"

	out, err := req.normalized(DefaultConnectTimeout)
	require.NoError(t, err)
	assert.Equal(t, time.Second, out.LDAPOpts.ConnectTimeout)
	assert.Equal(t, "uniqueMember", out.GroupMemberAttribute)
	assert.Equal(t, "uid", out.GroupMemberUserAttribute)
}

func TestRequestNil(t *testing.T) {
	var req *Request
	_, err := req.normalized(DefaultConnectTimeout)
	assert.True(t, IsConfigError(err))
}

func TestRequestMode(t *testing.T) {
	assert.Equal(t, modeAdmin, adminRequest().mode())
	assert.Equal(t, modeDirect, userRequest().mode())

	verify := adminRequest()
	verify.VerifyUserExists = true
	assert.Equal(t, modeVerify, verify.mode())
}

func TestRequestLogValueMasksCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	req := adminRequest()
	req.AdminPassword = "super-secret-admin"
	req.UserPassword = "super-secret-user"
	logger.Info("test", slog.Any("request", req))

	out := buf.String()
	assert.NotContains(t, out, "super-secret-admin")
	assert.NotContains(t, out, "super-secret-user")
	assert.NotContains(t, out, "cn=read-only-admin,dc=example,dc=com")
	assert.Contains(t, out, "request.mode=admin")
	assert.Contains(t, out, "request.server=ldap://ldap.example.com")
}

func TestMaskSensitiveData(t *testing.T) {
	assert.Equal(t, "***", maskSensitiveData("abcd"))
	assert.Equal(t, "a***e", maskSensitiveData("abcde"))
	assert.Equal(t, "g***s", maskSensitiveData("gauss"))
	assert.Equal(t, "pa****rd", maskSensitiveData("password"))
}
