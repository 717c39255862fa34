package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	ldapauth "github.com/netresearch/ldap-authentication"
)

// errNotAuthenticated makes the process exit non-zero after a rejected login.
var errNotAuthenticated = errors.New("not authenticated")

type output struct {
	Authenticated bool            `json:"authenticated"`
	User          *ldapauth.Entry `json:"user,omitempty"`
	Error         string          `json:"error,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Phase         string          `json:"phase,omitempty"`
}

func newAuthenticateCmd(v *viper.Viper, verify bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authenticate",
		Short: "Authenticate a user and print the user entry as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuthenticate(cmd, v, verify)
		},
	}
	if verify {
		cmd.Use = "verify"
		cmd.Short = "Check that a user exists without verifying a password"
	}

	f := cmd.Flags()
	f.String("url", "", "LDAP server URL (ldap://, ldaps:// or ldapi://)")
	f.Bool("starttls", false, "upgrade the connection with StartTLS")
	f.Bool("tls-insecure-skip-verify", false, "skip server certificate verification")
	f.String("tls-ca-file", "", "PEM file with CA certificates for TLS")
	f.Duration("connect-timeout", ldapauth.DefaultConnectTimeout, "connect and operation timeout")
	f.String("admin-dn", "", "service account DN")
	f.String("admin-password", "", "service account password")
	f.String("user-search-base", "", "base DN of the user search")
	f.String("username-attribute", "", "attribute holding the username, e.g. uid")
	f.String("username", "", "username to look up")
	f.StringSlice("attributes", nil, "user attributes to return (default all)")
	f.String("groups-search-base", "", "base DN of the group search")
	f.String("group-class", "", "objectClass of group entries")
	f.String("group-member-attribute", "member", "group attribute listing members")
	f.String("group-member-user-attribute", "dn", "user attribute referenced by group members")
	if !verify {
		f.String("user-dn", "", "user DN for a direct bind")
		f.String("user-password", "", "user password")
		f.Bool("prompt-password", false, "read the user password from the terminal")
	}
	return cmd
}

func runAuthenticate(cmd *cobra.Command, v *viper.Viper, verify bool) error {
	req, err := requestFromConfig(v, verify)
	if err != nil {
		return err
	}
	if !verify && v.GetBool("prompt-password") {
		pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		req.UserPassword = pw
	}

	res, authErr := ldapauth.New(ldapauth.WithLogger(slog.Default())).Authenticate(cmd.Context(), req)

	out := output{}
	if res != nil {
		out.Authenticated = res.Authenticated
		out.User = res.User
	}
	if authErr != nil {
		out.Error = authErr.Error()
		out.Kind = ldapauth.KindOf(authErr).String()
		out.Phase = ldapauth.PhaseOf(authErr).String()
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}

	switch {
	case authErr != nil:
		return authErr
	case !verify && !out.Authenticated:
		return errNotAuthenticated
	}
	return nil
}

// requestFromConfig builds a request from flags, environment and config file.
func requestFromConfig(v *viper.Viper, verify bool) (*ldapauth.Request, error) {
	tlsConfig, err := tlsConfigFromConfig(v)
	if err != nil {
		return nil, err
	}

	req := &ldapauth.Request{
		LDAPOpts: ldapauth.Options{
			URL:            v.GetString("url"),
			TLSConfig:      tlsConfig,
			ConnectTimeout: v.GetDuration("connect-timeout"),
		},
		StartTLS:                 v.GetBool("starttls"),
		AdminDN:                  v.GetString("admin-dn"),
		AdminPassword:            v.GetString("admin-password"),
		UserSearchBase:           v.GetString("user-search-base"),
		UsernameAttribute:        v.GetString("username-attribute"),
		Username:                 v.GetString("username"),
		Attributes:               v.GetStringSlice("attributes"),
		VerifyUserExists:         verify,
		GroupsSearchBase:         v.GetString("groups-search-base"),
		GroupClass:               v.GetString("group-class"),
		GroupMemberAttribute:     v.GetString("group-member-attribute"),
		GroupMemberUserAttribute: v.GetString("group-member-user-attribute"),
	}
	if !verify {
		req.UserDN = v.GetString("user-dn")
		req.UserPassword = v.GetString("user-password")
	}
	return req, nil
}

func tlsConfigFromConfig(v *viper.Viper) (*tls.Config, error) {
	caFile := v.GetString("tls-ca-file")
	insecure := v.GetBool("tls-insecure-skip-verify")
	if caFile == "" && !insecure {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure, //nolint:gosec // opt-in flag
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// loadConfig binds the command's flags and LDAP_AUTH_* environment variables
// to v and reads the optional config file.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	var bindErr error
	bind := func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil && bindErr == nil {
			bindErr = err
		}
	}
	cmd.Flags().VisitAll(bind)
	cmd.InheritedFlags().VisitAll(bind)
	if bindErr != nil {
		return fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	v.SetEnvPrefix("LDAP_AUTH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		pw, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
