package testutil

import (
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lor00x/goldap/message"
	ldapserver "github.com/vjeantet/ldapserver"
)

var silenceServerLog sync.Once

// DirectoryEntry is an entry served by a Directory.
type DirectoryEntry struct {
	DN         string
	Attributes map[string][]string
}

func (e *DirectoryEntry) values(name string) []string {
	for k, values := range e.Attributes {
		if strings.EqualFold(k, name) {
			return values
		}
	}
	return nil
}

func (e *DirectoryEntry) has(name, value string) bool {
	for _, v := range e.values(name) {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}

// Directory is a small in-process LDAP server for end-to-end tests. It
// supports simple binds and subtree searches with equality, presence, and,
// or and not filters.
type Directory struct {
	mu          sync.Mutex
	entries     []*DirectoryEntry
	passwords   map[string]string
	binds       int
	failedBinds int
	searches    []string
	opened      int
	closed      int

	server *ldapserver.Server
	url    string
}

func NewDirectory() *Directory {
	return &Directory{passwords: make(map[string]string)}
}

// AddEntry adds an entry. Entries are returned in insertion order.
func (d *Directory) AddEntry(dn string, attrs map[string][]string) *DirectoryEntry {
	d.mu.Lock()
	defer d.mu.Unlock()

	e := &DirectoryEntry{DN: dn, Attributes: attrs}
	d.entries = append(d.entries, e)
	return e
}

// AddUser adds an entry that can bind with password.
func (d *Directory) AddUser(dn, password string, attrs map[string][]string) *DirectoryEntry {
	d.mu.Lock()
	d.passwords[strings.ToLower(dn)] = password
	d.mu.Unlock()
	return d.AddEntry(dn, attrs)
}

// AddAccount registers bind credentials without a searchable entry.
func (d *Directory) AddAccount(dn, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[strings.ToLower(dn)] = password
}

// Start serves the directory on a loopback port until the test ends and
// returns its ldap:// URL.
func (d *Directory) Start(t testing.TB) string {
	t.Helper()

	silenceServerLog.Do(func() {
		ldapserver.Logger = log.New(io.Discard, "", 0)
	})

	routes := ldapserver.NewRouteMux()
	routes.Bind(d.handleBind)
	routes.Search(d.handleSearch).Label("Search - Directory")

	d.server = ldapserver.NewServer()
	d.server.Handle(routes)

	ready := make(chan string, 1)
	failed := make(chan error, 1)
	go func() {
		failed <- d.server.ListenAndServe("127.0.0.1:0", func(s *ldapserver.Server) {
			s.Listener = &sessionListener{Listener: s.Listener, d: d}
			ready <- s.Listener.Addr().String()
		})
	}()

	select {
	case addr := <-ready:
		d.url = "ldap://" + addr
	case err := <-failed:
		t.Fatalf("directory did not start: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("directory did not start within 5s")
	}

	t.Cleanup(func() { d.server.Stop() })
	return d.url
}

// URL returns the address the directory listens on, empty before Start.
func (d *Directory) URL() string {
	return d.url
}

// Binds returns the number of successful and failed binds.
func (d *Directory) Binds() (ok, failed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.binds, d.failedBinds
}

// Sessions returns the number of client connections accepted and the number
// already ended. The server ends a session once the client unbinds or closes
// the connection, so the counts match when every client released its
// connection. Closing happens asynchronously; poll with assert.Eventually.
func (d *Directory) Sessions() (opened, closed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened, d.closed
}

// Searches returns the base DNs of all searches received.
func (d *Directory) Searches() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.searches...)
}

type sessionListener struct {
	net.Listener
	d *Directory
}

func (l *sessionListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.d.mu.Lock()
	l.d.opened++
	l.d.mu.Unlock()
	return &sessionConn{Conn: conn, d: l.d}, nil
}

type sessionConn struct {
	net.Conn
	d    *Directory
	once sync.Once
}

func (c *sessionConn) Close() error {
	c.once.Do(func() {
		c.d.mu.Lock()
		c.d.closed++
		c.d.mu.Unlock()
	})
	return c.Conn.Close()
}

func (d *Directory) handleBind(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetBindRequest()
	dn := string(r.Name())
	password := string(r.AuthenticationSimple())

	d.mu.Lock()
	want, ok := d.passwords[strings.ToLower(dn)]
	ok = ok && want == password
	if ok {
		d.binds++
	} else {
		d.failedBinds++
	}
	d.mu.Unlock()

	res := ldapserver.NewBindResponse(ldapserver.LDAPResultSuccess)
	if !ok {
		res.SetResultCode(ldapserver.LDAPResultInvalidCredentials)
		res.SetDiagnosticMessage("invalid credentials")
	}
	w.Write(res)
}

func (d *Directory) handleSearch(w ldapserver.ResponseWriter, m *ldapserver.Message) {
	r := m.GetSearchRequest()
	base := string(r.BaseObject())

	var selected []string
	for _, attr := range r.Attributes() {
		selected = append(selected, string(attr))
	}

	d.mu.Lock()
	d.searches = append(d.searches, base)
	entries := append([]*DirectoryEntry(nil), d.entries...)
	d.mu.Unlock()

	for _, e := range entries {
		if !inBase(e.DN, base) || !matchFilter(r.Filter(), e) {
			continue
		}
		res := ldapserver.NewSearchResultEntry(e.DN)
		for name, values := range e.Attributes {
			if !isSelected(name, selected) {
				continue
			}
			vals := make([]message.AttributeValue, 0, len(values))
			for _, v := range values {
				vals = append(vals, message.AttributeValue(v))
			}
			res.AddAttribute(message.AttributeDescription(name), vals...)
		}
		w.Write(res)
	}

	w.Write(ldapserver.NewSearchResultDoneResponse(ldapserver.LDAPResultSuccess))
}

func isSelected(name string, selected []string) bool {
	if len(selected) == 0 {
		return true
	}
	for _, s := range selected {
		if s == "*" || strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func matchFilter(f interface{}, e *DirectoryEntry) bool {
	switch filter := f.(type) {
	case message.FilterEqualityMatch:
		return e.has(string(filter.AttributeDesc()), string(filter.AssertionValue()))

	case message.FilterPresent:
		if strings.EqualFold(string(filter), "objectClass") {
			return true
		}
		return len(e.values(string(filter))) > 0

	case message.FilterAnd:
		for _, sub := range filter {
			if !matchFilter(sub, e) {
				return false
			}
		}
		return true

	case message.FilterOr:
		for _, sub := range filter {
			if matchFilter(sub, e) {
				return true
			}
		}
		return false

	case message.FilterNot:
		return !matchFilter(filter.Filter, e)

	default:
		return false
	}
}
