package testutil

import (
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
)

// MockConn is a scripted LDAP connection. Unset hooks fall back to the
// passwords and search results of the MockDialer that created it.
type MockConn struct {
	mu sync.Mutex

	// Configuration
	BindFunc     func(username, password string) error
	SearchFunc   func(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLSFunc func(config *tls.Config) error
	UnbindFunc   func() error
	CloseFunc    func() error

	// State tracking
	BindCalls     []BindCall
	SearchCalls   []SearchCall
	StartTLSCalls int
	UnbindCalls   int
	CloseCalls    int
	Closed        bool

	releases int
	dialer   *MockDialer
}

// BindCall records a bind operation
type BindCall struct {
	Username string
	Password string
	Error    error
}

// SearchCall records a search operation
type SearchCall struct {
	Request *ldap.SearchRequest
	Result  *ldap.SearchResult
	Error   error
}

// NewMockConn creates a connection whose binds and searches fail until hooks are set.
func NewMockConn() *MockConn {
	return &MockConn{}
}

func (m *MockConn) StartTLS(config *tls.Config) error {
	m.mu.Lock()
	m.StartTLSCalls++
	fn := m.StartTLSFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(config)
	}
	return nil
}

func (m *MockConn) Bind(username, password string) error {
	m.mu.Lock()
	fn := m.BindFunc
	d := m.dialer
	m.mu.Unlock()

	var err error
	switch {
	case fn != nil:
		err = fn(username, password)
	case d != nil:
		err = d.checkPassword(username, password)
	default:
		err = ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("no bind configured"))
	}

	m.mu.Lock()
	m.BindCalls = append(m.BindCalls, BindCall{Username: username, Password: password, Error: err})
	m.mu.Unlock()
	return err
}

func (m *MockConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	m.mu.Lock()
	fn := m.SearchFunc
	d := m.dialer
	m.mu.Unlock()

	var (
		res *ldap.SearchResult
		err error
	)
	switch {
	case fn != nil:
		res, err = fn(req)
	case d != nil:
		res = d.result(req)
	default:
		res = &ldap.SearchResult{}
	}

	m.mu.Lock()
	m.SearchCalls = append(m.SearchCalls, SearchCall{Request: req, Result: res, Error: err})
	m.mu.Unlock()
	return res, err
}

// Unbind closes the connection unless UnbindFunc fails.
func (m *MockConn) Unbind() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.UnbindCalls++
	if m.UnbindFunc != nil {
		if err := m.UnbindFunc(); err != nil {
			return err
		}
	}
	m.Closed = true
	m.releases++
	return nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseCalls++
	m.Closed = true
	m.releases++
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	return nil
}

// Releases counts successful unbinds plus closes.
func (m *MockConn) Releases() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releases
}

// BoundAs returns the usernames of all successful binds.
func (m *MockConn) BoundAs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for _, call := range m.BindCalls {
		if call.Error == nil {
			names = append(names, call.Username)
		}
	}
	return names
}

// MockDialer hands out MockConns backed by a shared set of passwords and
// search results.
type MockDialer struct {
	mu sync.Mutex

	// DialErr makes every dial fail.
	DialErr error
	// Configure, when set, adjusts each new connection. n counts dials from 0.
	Configure func(n int, conn *MockConn)

	Conns []*MockConn

	passwords map[string]string
	results   map[string][]*ldap.Entry
}

func NewMockDialer() *MockDialer {
	return &MockDialer{
		passwords: make(map[string]string),
		results:   make(map[string][]*ldap.Entry),
	}
}

// AddUser registers a bind DN and its password.
func (d *MockDialer) AddUser(dn, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[strings.ToLower(dn)] = password
}

// AddResult registers the entries returned for a search with exactly this
// filter string.
func (d *MockDialer) AddResult(filter string, entries ...*ldap.Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[filter] = append(d.results[filter], entries...)
}

// Dial returns a new connection, or DialErr.
func (d *MockDialer) Dial() (*MockConn, error) {
	d.mu.Lock()
	if d.DialErr != nil {
		err := d.DialErr
		d.mu.Unlock()
		return nil, err
	}
	conn := &MockConn{dialer: d}
	n := len(d.Conns)
	d.Conns = append(d.Conns, conn)
	configure := d.Configure
	d.mu.Unlock()

	if configure != nil {
		configure(n, conn)
	}
	return conn, nil
}

// Dials returns the number of connections handed out.
func (d *MockDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Conns)
}

// Conn returns the n-th connection handed out.
func (d *MockDialer) Conn(n int) *MockConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n < 0 || n >= len(d.Conns) {
		return nil
	}
	return d.Conns[n]
}

// AssertReleased checks that every connection handed out was released exactly once.
func (d *MockDialer) AssertReleased(t testing.TB) bool {
	t.Helper()
	d.mu.Lock()
	conns := append([]*MockConn(nil), d.Conns...)
	d.mu.Unlock()

	ok := true
	for i, conn := range conns {
		ok = assert.Equal(t, 1, conn.Releases(), "connection %d released %d times", i, conn.Releases()) && ok
	}
	return ok
}

func (d *MockDialer) checkPassword(dn, password string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	want, ok := d.passwords[strings.ToLower(dn)]
	if !ok || want != password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (d *MockDialer) result(req *ldap.SearchRequest) *ldap.SearchResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	res := &ldap.SearchResult{}
	for _, e := range d.results[req.Filter] {
		if inBase(e.DN, req.BaseDN) {
			res.Entries = append(res.Entries, e)
		}
	}
	return res
}

func inBase(dn, base string) bool {
	dn, base = strings.ToLower(dn), strings.ToLower(base)
	return base == "" || dn == base || strings.HasSuffix(dn, ","+base)
}
