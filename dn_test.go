package ldapauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEscapeDN(t *testing.T) {
	tests := []struct {
		name string
		dn   string
		want string
	}{
		{
			name: "comma in first value",
			dn:   "CN=a, c,DN=b",
			want: `CN=a\, c,DN=b`,
		},
		{
			name: "several commas in first value",
			dn:   "CN=a, b, c,DN=b",
			want: `CN=a\, b\, c,DN=b`,
		},
		{
			name: "already escaped",
			dn:   `CN=a\, c,DN=b`,
			want: `CN=a\, c,DN=b`,
		},
		{
			name: "plain dn",
			dn:   "uid=gauss,dc=example,dc=com",
			want: "uid=gauss,dc=example,dc=com",
		},
		{
			name: "active directory style",
			dn:   "CN=Smith, John,OU=Users,DC=example,DC=com",
			want: `CN=Smith\, John,OU=Users,DC=example,DC=com`,
		},
		{
			name: "single rdn",
			dn:   "cn=admin",
			want: "cn=admin",
		},
		{
			name: "no equals sign",
			dn:   "admin, root",
			want: "admin, root",
		},
		{
			name: "empty",
			dn:   "",
			want: "",
		},
		{
			name: "commas after the first rdn are untouched",
			dn:   "cn=a, b,ou=x, y,dc=z",
			want: `cn=a\, b,ou=x, y,dc=z`,
		},
		{
			name: "escaped backslash before comma",
			dn:   `cn=a\\, b,dc=z`,
			want: `cn=a\\\, b,dc=z`,
		},
		{
			name: "non ascii value",
			dn:   "cn=研发, A部,dc=z",
			want: `cn=研发\, A部,dc=z`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EscapeDN(tt.dn))
		})
	}
}

func TestEscapeDNIdempotent(t *testing.T) {
	inputs := []string{
		"CN=a, c,DN=b",
		"CN=a, b, c,DN=b",
		`CN=a\, c,DN=b`,
		"CN=Smith, John,OU=Users,DC=example,DC=com",
		"uid=gauss,dc=example,dc=com",
		"cn=a,,, b,dc=z",
		`cn=\,\,,dc=z`,
		"=,=,=",
		"",
	}
	for _, dn := range inputs {
		once := EscapeDN(dn)
		assert.Equal(t, once, EscapeDN(once), "input %q", dn)
	}
}
