package ldapauth

import "strings"

// EscapeDN escapes the unescaped commas inside the value of the first RDN of dn.
//
// Administrators often paste DNs like "CN=Smith, John,OU=Users,DC=example,DC=com"
// where the comma is part of the common name. The value of the first RDN runs
// from the first '=' to the last comma before the second '='; every unescaped
// comma inside it except that last one is prefixed with a backslash.
//
// Strings with fewer than two '=', and commas that are already escaped, are
// left unchanged, so EscapeDN(EscapeDN(dn)) == EscapeDN(dn).
func EscapeDN(dn string) string {
	var (
		equals int
		commas []int
	)

scan:
	for i := 0; i < len(dn); i++ {
		switch dn[i] {
		case '\\':
			i++
		case '=':
			equals++
			if equals == 2 {
				break scan
			}
		case ',':
			if equals == 1 {
				commas = append(commas, i)
			}
		}
	}

	// the last comma separates the first RDN from the second
	if equals < 2 || len(commas) < 2 {
		return dn
	}
	commas = commas[:len(commas)-1]

	var b strings.Builder
	b.Grow(len(dn) + len(commas))
	prev := 0
	for _, pos := range commas {
		b.WriteString(dn[prev:pos])
		b.WriteByte('\\')
		prev = pos
	}
	b.WriteString(dn[prev:])
	return b.String()
}
