package ldapauth

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

const (
	opDial         = "dial"
	opStartTLS     = "start_tls"
	opBind         = "bind"
	opSearchUser   = "search_user"
	opSearchGroups = "search_groups"
)

// searchUser looks up the entry whose usernameAttribute equals the username.
// It returns nil, nil when nothing matched. With several matches the first
// entry in server order wins.
func (a *Authenticator) searchUser(s *session, conn Conn, phase Phase) (*Entry, error) {
	start := time.Now()
	req := s.req
	filter := Equal{Attribute: req.UsernameAttribute, Value: req.Username}

	s.state(stateSearchingUser)
	res, err := conn.Search(ldap.NewSearchRequest(
		req.UserSearchBase,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter.String(),
		req.Attributes,
		nil,
	))
	if err != nil && !isNoSuchObject(err) {
		s.logger.Debug("user_search_failed",
			slog.String("search_base", req.UserSearchBase),
			errAttr(err),
			slog.Duration("duration", time.Since(start)))
		return nil, classify(opSearchUser, KindSearch, phase, req.LDAPOpts.URL, req.UserSearchBase, err)
	}
	if res == nil || len(res.Entries) == 0 || res.Entries[0].DN == "" {
		s.logger.Debug("user_not_found",
			slog.String("search_base", req.UserSearchBase),
			maskedAttr("username_masked", req.Username),
			slog.Duration("duration", time.Since(start)))
		return nil, nil
	}
	if len(res.Entries) > 1 {
		s.logger.Warn("user_search_ambiguous",
			slog.String("search_base", req.UserSearchBase),
			maskedAttr("username_masked", req.Username),
			slog.Int("matches", len(res.Entries)))
	}

	user := newEntry(res.Entries[0])
	s.logger.Debug("user_found",
		maskedAttr("dn_masked", user.DN),
		slog.Duration("duration", time.Since(start)))
	return user, nil
}

// searchGroups returns the groups of class groupClass whose member attribute
// holds the user's groupMemberUserAttribute value. A user without that value
// is a member of no group.
func (a *Authenticator) searchGroups(s *session, conn Conn, phase Phase, user *Entry) ([]*Entry, error) {
	start := time.Now()
	req := s.req
	groups := make([]*Entry, 0)

	member := user.Get(req.GroupMemberUserAttribute)
	if len(user.Values(req.GroupMemberUserAttribute)) == 0 && strings.EqualFold(req.GroupMemberUserAttribute, "dn") {
		member = EscapeDN(user.directoryDN())
	}
	if member == "" {
		s.logger.Debug("group_member_value_missing",
			slog.String("attribute", req.GroupMemberUserAttribute))
		return groups, nil
	}

	filter := And{
		Equal{Attribute: "objectClass", Value: req.GroupClass},
		Equal{Attribute: req.GroupMemberAttribute, Value: member},
	}

	s.state(stateSearchingGroups)
	res, err := conn.Search(ldap.NewSearchRequest(
		req.GroupsSearchBase,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter.String(),
		nil,
		nil,
	))
	if err != nil && !isNoSuchObject(err) {
		s.logger.Debug("group_search_failed",
			slog.String("search_base", req.GroupsSearchBase),
			errAttr(err),
			slog.Duration("duration", time.Since(start)))
		return nil, classify(opSearchGroups, KindSearch, phase, req.LDAPOpts.URL, req.GroupsSearchBase, err)
	}
	if res != nil {
		for _, e := range res.Entries {
			groups = append(groups, newEntry(e))
		}
	}

	s.logger.Debug("groups_found",
		slog.Int("count", len(groups)),
		slog.Duration("duration", time.Since(start)))
	return groups, nil
}

// a missing search base is reported the same way as an empty result
func isNoSuchObject(err error) bool {
	var resultErr *ldap.Error
	return errors.As(err, &resultErr) && resultErr.ResultCode == ldap.LDAPResultNoSuchObject
}
