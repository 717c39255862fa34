//go:build integration

package ldapauth

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/openldap"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestContainer wraps the OpenLDAP container and the data loaded into it
type TestContainer struct {
	Container *openldap.OpenLDAPContainer
	URL       string
	LDAPSURL  string
	AdminDN   string
	AdminPass string
	BaseDN    string
	PeopleOU  string
	GroupsOU  string
}

// SetupTestContainer starts an OpenLDAP container and populates it
func SetupTestContainer(t *testing.T) *TestContainer {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "osixia/openldap:1.5.0",
		ExposedPorts: []string{"389/tcp", "636/tcp"},
		Env: map[string]string{
			"LDAP_ORGANISATION":    "Example Org",
			"LDAP_DOMAIN":          "example.org",
			"LDAP_ADMIN_PASSWORD":  "admin123",
			"LDAP_CONFIG_PASSWORD": "config123",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("slapd starting").WithStartupTimeout(120*time.Second).WithPollInterval(2*time.Second),
			wait.ForListeningPort("389/tcp").WithStartupTimeout(120*time.Second).WithPollInterval(2*time.Second),
		),
	}

	genericContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = genericContainer.Terminate(context.Background()) })

	host, err := genericContainer.Host(ctx)
	require.NoError(t, err)
	ldapPort, err := genericContainer.MappedPort(ctx, "389/tcp")
	require.NoError(t, err)
	ldapsPort, err := genericContainer.MappedPort(ctx, "636/tcp")
	require.NoError(t, err)

	tc := &TestContainer{
		Container: &openldap.OpenLDAPContainer{Container: genericContainer},
		URL:       fmt.Sprintf("ldap://%s:%s", host, ldapPort.Port()),
		LDAPSURL:  fmt.Sprintf("ldaps://%s:%s", host, ldapsPort.Port()),
		AdminDN:   "cn=admin,dc=example,dc=org",
		AdminPass: "admin123",
		BaseDN:    "dc=example,dc=org",
		PeopleOU:  "ou=people,dc=example,dc=org",
		GroupsOU:  "ou=groups,dc=example,dc=org",
	}
	tc.populateTestData(t)
	return tc
}

func (tc *TestContainer) populateTestData(t *testing.T) {
	var (
		conn *ldap.Conn
		err  error
	)
	for i := 0; i < 5; i++ {
		conn, err = ldap.DialURL(tc.URL)
		if err == nil {
			err = conn.Bind(tc.AdminDN, tc.AdminPass)
			if err == nil {
				break
			}
			_ = conn.Close()
		}
		t.Logf("Connection attempt %d failed: %v, retrying...", i+1, err)
		time.Sleep(time.Duration(i+1) * time.Second)
	}
	require.NoError(t, err, "Failed to bind as admin after 5 attempts")
	defer func() { _ = conn.Close() }()

	tc.add(t, conn, tc.PeopleOU, map[string][]string{
		"objectClass": {"organizationalUnit"},
		"ou":          {"people"},
	})
	tc.add(t, conn, tc.GroupsOU, map[string][]string{
		"objectClass": {"organizationalUnit"},
		"ou":          {"groups"},
	})

	tc.add(t, conn, "uid=jdoe,"+tc.PeopleOU, map[string][]string{
		"objectClass":  {"inetOrgPerson"},
		"uid":          {"jdoe"},
		"cn":           {"John Doe"},
		"sn":           {"Doe"},
		"mail":         {"jdoe@example.org"},
		"userPassword": {"jdoe-password"},
	})
	tc.add(t, conn, `cn=Smith\, Jane,`+tc.PeopleOU, map[string][]string{
		"objectClass":  {"inetOrgPerson"},
		"uid":          {"jsmith"},
		"cn":           {"Smith, Jane"},
		"sn":           {"Smith"},
		"userPassword": {"jsmith-password"},
	})
	tc.add(t, conn, "uid=yanfa,"+tc.PeopleOU, map[string][]string{
		"objectClass":  {"inetOrgPerson"},
		"uid":          {"yanfa"},
		"cn":           {"研发A部©"},
		"sn":           {"研发"},
		"userPassword": {"yanfa-password"},
	})

	tc.add(t, conn, "cn=developers,"+tc.GroupsOU, map[string][]string{
		"objectClass": {"groupOfNames"},
		"cn":          {"developers"},
		"member":      {"uid=jdoe," + tc.PeopleOU, `cn=Smith\, Jane,` + tc.PeopleOU},
	})
	tc.add(t, conn, "cn=admins,"+tc.GroupsOU, map[string][]string{
		"objectClass": {"groupOfNames"},
		"cn":          {"admins"},
		"member":      {"uid=jdoe," + tc.PeopleOU},
	})
}

func (tc *TestContainer) add(t *testing.T, conn *ldap.Conn, dn string, attrs map[string][]string) {
	addReq := ldap.NewAddRequest(dn, nil)
	for name, values := range attrs {
		addReq.Attribute(name, values)
	}
	err := conn.Add(addReq)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
		require.NoError(t, err, "add %s", dn)
	}
}
