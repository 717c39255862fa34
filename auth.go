package ldapauth

import (
	"context"
	"log/slog"
	"time"
)

// Authenticator runs authentication requests against LDAP directories.
// It holds no per-request state and is safe for concurrent use.
type Authenticator struct {
	logger         *slog.Logger
	dial           DialFunc
	connectTimeout time.Duration
}

// Result is the outcome of a successful Authenticate call.
type Result struct {
	// Authenticated is true when the user's password was verified by a bind.
	// It is false for verify-existence requests.
	Authenticated bool
	// User is the user entry, nil when a direct bind ran without user search
	// parameters.
	User *Entry
}

// New creates an Authenticator.
func New(opts ...Option) *Authenticator {
	a := &Authenticator{
		logger:         slog.Default(),
		dial:           DialURL,
		connectTimeout: DefaultConnectTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authenticate runs req with a default Authenticator.
func Authenticate(ctx context.Context, req *Request) (*Result, error) {
	return New().Authenticate(ctx, req)
}

type state string

const (
	stateValidating      state = "validating"
	stateConnecting      state = "connecting"
	stateStartTLS        state = "starttls"
	stateBinding         state = "binding"
	stateSearchingUser   state = "searching_user"
	stateSearchingGroups state = "searching_groups"
)

// session holds everything scoped to a single Authenticate call.
type session struct {
	req    *Request
	logger *slog.Logger
}

func (s *session) state(st state, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+1)
	args = append(args, slog.String("state", string(st)))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	s.logger.Debug("authentication_state", args...)
}

// Authenticate validates req and runs it in one of three modes:
//
//   - VerifyUserExists: bind as admin and look the user up, no password check.
//   - AdminDN set: bind as admin to find the user's DN, then bind as the user.
//   - UserDN set: bind as the user directly, then optionally look the user up.
//
// When GroupsSearchBase and GroupClass are set the groups of the user are
// attached to the returned entry. Every connection opened is released
// before Authenticate returns.
func (a *Authenticator) Authenticate(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	normalized, err := req.normalized(a.connectTimeout)
	if err != nil {
		a.logger.Debug("authentication_invalid_request", errAttr(err))
		return nil, err
	}

	s := &session{
		req:    normalized,
		logger: a.logger.With(slog.Any("request", normalized)),
	}
	s.state(stateValidating)
	s.logger.Debug("authentication_attempt")

	var res *Result
	switch normalized.mode() {
	case modeVerify:
		res, err = a.verifyUserExists(ctx, s)
	case modeAdmin:
		res, err = a.authenticateWithAdmin(ctx, s)
	default:
		res, err = a.authenticateWithUser(ctx, s)
	}
	if err != nil {
		s.logger.Info("authentication_failed",
			slog.String("kind", KindOf(err).String()),
			slog.String("phase", PhaseOf(err).String()),
			errAttr(err),
			slog.Duration("duration", time.Since(start)))
		return nil, err
	}

	s.logger.Info("authentication_successful",
		slog.Bool("authenticated", res.Authenticated),
		slog.Duration("duration", time.Since(start)))
	return res, nil
}

func (a *Authenticator) verifyUserExists(ctx context.Context, s *session) (*Result, error) {
	req := s.req
	conn, err := a.bind(ctx, s, PhaseAdmin, req.AdminDN, req.AdminPassword)
	if err != nil {
		return nil, err
	}
	defer a.release(s, conn)

	user, err := a.lookupUser(ctx, s, conn, PhaseAdmin, KindUserNotFound)
	if err != nil {
		return nil, err
	}
	if err := a.attachGroups(ctx, s, conn, PhaseAdmin, user); err != nil {
		return nil, err
	}
	return &Result{User: user}, nil
}

func (a *Authenticator) authenticateWithAdmin(ctx context.Context, s *session) (*Result, error) {
	req := s.req
	user, err := a.findUserAsAdmin(ctx, s)
	if err != nil {
		return nil, err
	}

	conn, err := a.bind(ctx, s, PhaseUser, user.directoryDN(), req.UserPassword)
	if err != nil {
		return nil, err
	}
	a.release(s, conn)

	if req.groupLookup() {
		if err := a.findGroupsAsAdmin(ctx, s, user); err != nil {
			return nil, err
		}
	}
	return &Result{Authenticated: true, User: user}, nil
}

func (a *Authenticator) findUserAsAdmin(ctx context.Context, s *session) (*Entry, error) {
	conn, err := a.bind(ctx, s, PhaseAdmin, s.req.AdminDN, s.req.AdminPassword)
	if err != nil {
		return nil, err
	}
	defer a.release(s, conn)
	return a.lookupUser(ctx, s, conn, PhaseAdmin, KindUserNotFound)
}

func (a *Authenticator) findGroupsAsAdmin(ctx context.Context, s *session, user *Entry) error {
	conn, err := a.bind(ctx, s, PhaseAdmin, s.req.AdminDN, s.req.AdminPassword)
	if err != nil {
		return err
	}
	defer a.release(s, conn)
	return a.attachGroups(ctx, s, conn, PhaseAdmin, user)
}

func (a *Authenticator) authenticateWithUser(ctx context.Context, s *session) (*Result, error) {
	req := s.req
	conn, err := a.bind(ctx, s, PhaseUser, req.UserDN, req.UserPassword)
	if err != nil {
		return nil, err
	}
	defer a.release(s, conn)

	if !req.userLookup() {
		return &Result{Authenticated: true}, nil
	}

	user, err := a.lookupUser(ctx, s, conn, PhaseUser, KindUserDetailsNotFound)
	if err != nil {
		return nil, err
	}
	if err := a.attachGroups(ctx, s, conn, PhaseUser, user); err != nil {
		return nil, err
	}
	return &Result{Authenticated: true, User: user}, nil
}

// lookupUser runs the user search and turns an empty result into an error of
// the given kind.
func (a *Authenticator) lookupUser(ctx context.Context, s *session, conn Conn, phase Phase, notFound ErrorKind) (*Entry, error) {
	req := s.req
	if err := ctx.Err(); err != nil {
		return nil, classify(opSearchUser, KindConnection, phase, req.LDAPOpts.URL, req.UserSearchBase, err)
	}
	user, err := a.searchUser(s, conn, phase)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &LDAPError{
			Op:     opSearchUser,
			Kind:   notFound,
			DN:     req.UserSearchBase,
			Server: req.LDAPOpts.URL,
			Err:    notFound.sentinel(),
		}
	}
	return user, nil
}

func (a *Authenticator) attachGroups(ctx context.Context, s *session, conn Conn, phase Phase, user *Entry) error {
	req := s.req
	if !req.groupLookup() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return classify(opSearchGroups, KindConnection, phase, req.LDAPOpts.URL, req.GroupsSearchBase, err)
	}
	groups, err := a.searchGroups(s, conn, phase, user)
	if err != nil {
		return err
	}
	user.Groups = groups
	return nil
}
