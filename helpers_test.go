package ldapauth

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/netresearch/ldap-authentication/testutil"
)

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func mockDial(d *testutil.MockDialer) DialFunc {
	return func(_ context.Context, _ Options) (Conn, error) {
		conn, err := d.Dial()
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func newTestAuthenticator(t *testing.T, d *testutil.MockDialer) (*Authenticator, *syncBuffer) {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(WithLogger(logger), WithDialer(mockDial(d))), logs
}

func newTestSession(a *Authenticator, req *Request) *session {
	out, err := req.normalized(a.connectTimeout)
	if err != nil {
		panic(err)
	}
	return &session{req: out, logger: a.logger}
}
