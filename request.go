package ldapauth

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
)

// Options describes how to reach the directory.
type Options struct {
	// URL is the directory address, ldap://, ldaps:// or ldapi://.
	URL string `json:"url" validate:"required,ldapurl"`
	// TLSConfig is used for ldaps:// and StartTLS. When nil a default
	// configuration verifying the URL host is used.
	TLSConfig *tls.Config `json:"-"`
	// ConnectTimeout bounds dialing and each LDAP operation.
	ConnectTimeout time.Duration `json:"connectTimeout" validate:"gte=0"`
}

// Request describes one authentication attempt.
//
// Set AdminDN to look the user up with a service account before binding as
// the user, or UserDN to bind as the user directly. VerifyUserExists only
// checks that the user can be found and requires AdminDN.
type Request struct {
	LDAPOpts Options `json:"ldapOpts"`
	StartTLS bool    `json:"starttls"`

	AdminDN       string `json:"adminDn" validate:"required_without=UserDN,excluded_with=UserDN,required_if=VerifyUserExists true"`
	AdminPassword string `json:"adminPassword" validate:"required_with=AdminDN"`

	UserDN       string `json:"userDn" validate:"required_without=AdminDN"`
	UserPassword string `json:"userPassword" validate:"required_without=VerifyUserExists"`

	UserSearchBase    string `json:"userSearchBase" validate:"required_with=AdminDN"`
	UsernameAttribute string `json:"usernameAttribute" validate:"required_with=AdminDN,ldapattr"`
	Username          string `json:"username" validate:"required_with=AdminDN"`
	// Attributes limits the attributes returned for the user, all when empty.
	Attributes []string `json:"attributes" validate:"dive,ldapattr"`

	VerifyUserExists bool `json:"verifyUserExists"`

	// Group lookup runs only when both GroupsSearchBase and GroupClass are set.
	GroupsSearchBase         string `json:"groupsSearchBase"`
	GroupClass               string `json:"groupClass"`
	GroupMemberAttribute     string `json:"groupMemberAttribute" default:"member" validate:"ldapattr"`
	GroupMemberUserAttribute string `json:"groupMemberUserAttribute" default:"dn" validate:"ldapattr"`
}

type mode int

const (
	modeDirect mode = iota
	modeAdmin
	modeVerify
)

func (m mode) String() string {
	switch m {
	case modeAdmin:
		return "admin"
	case modeVerify:
		return "verify"
	default:
		return "user"
	}
}

func (r *Request) mode() mode {
	switch {
	case r.VerifyUserExists:
		return modeVerify
	case r.AdminDN != "":
		return modeAdmin
	default:
		return modeDirect
	}
}

func (r *Request) groupLookup() bool {
	return r.GroupsSearchBase != "" && r.GroupClass != ""
}

func (r *Request) userLookup() bool {
	return r.UserSearchBase != "" && r.UsernameAttribute != ""
}

// LogValue keeps credentials out of logs.
func (r *Request) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("server", r.LDAPOpts.URL),
		slog.String("mode", r.mode().String()),
		slog.Bool("starttls", r.StartTLS),
		maskedAttr("admin_dn_masked", r.AdminDN),
		maskedAttr("user_dn_masked", r.UserDN),
		maskedAttr("username_masked", r.Username),
		slog.Bool("group_lookup", r.groupLookup()),
	)
}

// normalized validates r and returns a copy with defaults applied. r itself
// is never modified.
func (r *Request) normalized(defaultTimeout time.Duration) (*Request, error) {
	if r == nil {
		return nil, &ConfigError{Field: "request", Message: "must not be nil"}
	}

	out := *r
	// defaults must not walk into the caller's tls.Config
	tlsConfig := out.LDAPOpts.TLSConfig
	out.LDAPOpts.TLSConfig = nil
	if err := defaults.Set(&out); err != nil {
		return nil, &ConfigError{Field: "request", Message: err.Error()}
	}
	out.LDAPOpts.TLSConfig = tlsConfig

	if err := requestValidator.Struct(&out); err != nil {
		return nil, configErrors(err)
	}

	if out.LDAPOpts.ConnectTimeout == 0 {
		out.LDAPOpts.ConnectTimeout = defaultTimeout
	}
	return &out, nil
}

var requestValidator = newRequestValidator()

var attributeDescription = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9-]*|[0-9]+(\.[0-9]+)*)(;[A-Za-z0-9-]+)*$`)

func newRequestValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("ldapurl", validateLDAPURL)
	_ = v.RegisterValidation("ldapattr", validateAttributeName)
	return v
}

func validateLDAPURL(fl validator.FieldLevel) bool {
	u, err := url.Parse(fl.Field().String())
	if err != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "ldap", "ldaps":
		return u.Host != ""
	case "ldapi":
		return true
	default:
		return false
	}
}

func validateAttributeName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	return name == "" || attributeDescription.MatchString(name)
}

func configErrors(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ConfigError{Field: "request", Message: err.Error()}
	}

	errs := make([]error, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		errs = append(errs, fieldError(fe))
	}
	return errors.Join(errs...)
}

func fieldError(fe validator.FieldError) *ConfigError {
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	ce := &ConfigError{Field: field}
	switch fe.Tag() {
	case "required":
		ce.Message = "is required"
	case "required_without":
		ce.Message = "either adminDn or userDn must be provided"
	case "excluded_with":
		ce.Message = "adminDn and userDn are mutually exclusive"
	case "required_if":
		ce.Message = "verifyUserExists requires adminDn"
	case "required_with":
		ce.Message = "is required when adminDn is set"
	case "ldapurl":
		ce.Value = fmt.Sprint(fe.Value())
		ce.Message = "must be an ldap://, ldaps:// or ldapi:// URL"
	case "ldapattr":
		ce.Value = fmt.Sprint(fe.Value())
		ce.Message = "is not a valid attribute description"
	case "gte":
		ce.Message = "must not be negative"
	default:
		ce.Message = "failed " + fe.Tag() + " validation"
	}
	if field == "userPassword" && fe.Tag() == "required_without" {
		ce.Message = "is required unless verifyUserExists is set"
	}
	return ce
}
