package ldapauth

import (
	"encoding/json"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Entry is a directory entry returned by a successful authentication.
// Attribute values are hex-decoded and always kept as a sequence.
type Entry struct {
	DN         string
	Attributes map[string][]string
	// Groups is nil when no group lookup ran and empty when it matched nothing.
	Groups []*Entry

	// rawDN is the DN as the directory sent it, before hex decoding.
	rawDN string
}

func newEntry(e *ldap.Entry) *Entry {
	entry := &Entry{
		DN:         DecodeEscapedHex(e.DN),
		rawDN:      e.DN,
		Attributes: make(map[string][]string, len(e.Attributes)),
	}
	for _, attr := range e.Attributes {
		entry.Attributes[attr.Name] = append(entry.Attributes[attr.Name], decodeStrings(attr.Values)...)
	}
	return entry
}

// Values returns all values of the attribute name, matched case-insensitively.
func (e *Entry) Values(name string) []string {
	if values, ok := e.Attributes[name]; ok {
		return values
	}
	for k, values := range e.Attributes {
		if strings.EqualFold(k, name) {
			return values
		}
	}
	return nil
}

// Get returns the first value of the attribute name. The pseudo attribute
// "dn" resolves to the entry DN unless the entry carries a real attribute of
// that name.
func (e *Entry) Get(name string) string {
	if values := e.Values(name); len(values) > 0 {
		return values[0]
	}
	if strings.EqualFold(name, "dn") {
		return e.DN
	}
	return ""
}

// directoryDN returns the DN in the escaped form the directory uses, for
// binds and membership filters. Decoding may turn \2b or \3d into
// characters that change the DN's structure.
func (e *Entry) directoryDN() string {
	if e.rawDN != "" {
		return e.rawDN
	}
	return e.DN
}

func (e *Entry) decoded() *Entry {
	out := &Entry{
		DN:         DecodeEscapedHex(e.DN),
		rawDN:      e.directoryDN(),
		Attributes: DecodeValue(e.Attributes).(map[string][]string),
	}
	if e.Groups != nil {
		out.Groups = make([]*Entry, len(e.Groups))
		for i, g := range e.Groups {
			out.Groups[i] = g.decoded()
		}
	}
	return out
}

// MarshalJSON renders the entry as a flat object: "dn", one key per attribute
// holding a string for single values and an array otherwise, and "groups"
// when a group lookup ran.
func (e Entry) MarshalJSON() ([]byte, error) {
	obj := make(map[string]any, len(e.Attributes)+2)
	for name, values := range e.Attributes {
		if len(values) == 1 {
			obj[name] = values[0]
		} else {
			obj[name] = values
		}
	}
	obj["dn"] = e.DN
	if e.Groups != nil {
		obj["groups"] = e.Groups
	}
	return json.Marshal(obj)
}
