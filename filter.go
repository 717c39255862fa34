package ldapauth

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Filter is an LDAP search filter that renders to its RFC 4515 string form.
type Filter interface {
	String() string
}

// Equal matches entries whose Attribute has Value. Value is escaped when
// rendered, so user input can never change the structure of the filter.
type Equal struct {
	Attribute string
	Value     string
}

func (f Equal) String() string {
	return "(" + f.Attribute + "=" + ldap.EscapeFilter(f.Value) + ")"
}

// And matches entries matching all of its filters. A single filter renders
// without the wrapping conjunction.
type And []Filter

func (f And) String() string {
	if len(f) == 1 {
		return f[0].String()
	}
	var b strings.Builder
	b.WriteString("(&")
	for _, sub := range f {
		b.WriteString(sub.String())
	}
	b.WriteByte(')')
	return b.String()
}

// Present matches entries that have any value for Attribute.
type Present struct {
	Attribute string
}

func (f Present) String() string {
	return "(" + f.Attribute + "=*)"
}
