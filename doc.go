// Package ldapauth authenticates users against an LDAP directory.
//
// A request runs in one of three modes:
//   - admin-mediated: bind with a service account, search the user by a
//     username attribute, then bind with the user's DN and password
//   - direct: bind with a known user DN and password, optionally followed by
//     a search for the user's attributes
//   - verify-existence: bind with a service account and only check that the
//     user can be found
//
// In every mode the groups the user is a member of can be looked up and
// attached to the returned entry.
//
// # Basic Usage
//
//	res, err := ldapauth.New(ldapauth.WithLogger(logger)).Authenticate(ctx, &ldapauth.Request{
//		LDAPOpts:             ldapauth.Options{URL: "ldaps://ldap.example.com"},
//		AdminDN:              "cn=read-only-admin,dc=example,dc=com",
//		AdminPassword:        "secret",
//		UserSearchBase:       "dc=example,dc=com",
//		UsernameAttribute:    "uid",
//		Username:             "gauss",
//		UserPassword:         "password",
//		GroupsSearchBase:     "dc=example,dc=com",
//		GroupClass:           "groupOfUniqueNames",
//		GroupMemberAttribute: "uniqueMember",
//	})
//	if err != nil {
//		log.Printf("authentication failed: %v", err)
//		return
//	}
//	fmt.Println(res.User.DN, len(res.User.Groups))
//
// # Error Handling
//
// Failures are returned as *LDAPError values classified by ErrorKind and,
// for bind failures, by Phase. They match the sentinel errors with errors.Is:
//   - ErrInvalidConfig: the request was rejected before any network activity
//   - ErrConnectionFailed, ErrStartTLSFailed, ErrTimeout: transport problems
//   - ErrAuthenticationFailed, ErrInvalidCredentials: a bind was rejected
//   - ErrUserNotFound: the user search matched nothing
//   - ErrUserDetailsNotFound: a direct bind worked but the search matched nothing
//
// IsAdminBindError and IsUserBindError tell the two bind phases apart.
//
// DNs and attribute values returned by the directory are hex-decoded, see
// DecodeEscapedHex. Bind DNs go through EscapeDN first.
package ldapauth
