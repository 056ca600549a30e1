package config

import (
	"crypto/md5" // #nosec G501 -- the eWay-CRM LogIn method requires an MD5 password hash
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/hnizdiljan/eway-crm-gateway/internal/logsanitize"
)

// AuthMode selects how the gateway authenticates against eWay-CRM.
type AuthMode string

const (
	// AuthModeOAuth2 uses an OAuth2 Authorization Code token as a bearer credential.
	AuthModeOAuth2 AuthMode = "oauth2"
	// AuthModeLegacy logs in with a user name and an MD5 password hash.
	AuthModeLegacy AuthMode = "legacy"
)

// ErrNoCredentials is returned when neither OAuth2 nor legacy credentials
// are fully configured. The gateway must not start in that state.
var ErrNoCredentials = errors.New("no eWay-CRM credentials configured: set EWAY_CLIENT_ID and EWAY_CLIENT_SECRET for OAuth2, " +
	"or EWAY_USERNAME with EWAY_PASSWORD or EWAY_PASSWORD_HASH for legacy login")

var passwordHashPattern = regexp.MustCompile(`^[A-Fa-f0-9]{32}$`)

// Credentials is the resolved, immutable authentication configuration.
// Exactly one of the OAuth2 and legacy groups is populated, matching Mode.
type Credentials struct {
	Mode AuthMode

	// OAuth2
	ClientID     string
	ClientSecret string
	RedirectURI  string

	// Username is the legacy login name, or the optional user name sent
	// on the OAuth2 login handshake.
	Username string

	// Legacy, 32-char uppercase hex
	PasswordHash string
}

// String masks secret values so Credentials can be logged safely.
func (c *Credentials) String() string {
	switch c.Mode {
	case AuthModeOAuth2:
		return fmt.Sprintf("mode=%s client_id=%s client_secret=%s redirect_uri=%s username=%s",
			c.Mode, c.ClientID, logsanitize.Mask(c.ClientSecret), c.RedirectURI, c.Username)
	default:
		return fmt.Sprintf("mode=%s username=%s password_hash=%s",
			c.Mode, c.Username, logsanitize.Mask(c.PasswordHash))
	}
}

// ResolveCredentials selects the active auth mode. OAuth2 wins when both a
// client id and a client secret are present; otherwise a user name plus a
// password or password hash selects legacy login.
func (c *Config) ResolveCredentials() (*Credentials, error) {
	if c.OAuth.ClientID != "" && c.OAuth.ClientSecret != "" {
		username := c.OAuth.Username
		if username == "" {
			username = c.Eway.Username
		}
		return &Credentials{
			Mode:         AuthModeOAuth2,
			ClientID:     c.OAuth.ClientID,
			ClientSecret: c.OAuth.ClientSecret,
			RedirectURI:  c.OAuth.RedirectURI,
			Username:     username,
		}, nil
	}

	if c.Eway.Username != "" && (c.Eway.Password != "" || c.Eway.PasswordHash != "") {
		return &Credentials{
			Mode:         AuthModeLegacy,
			Username:     c.Eway.Username,
			PasswordHash: NormalizePasswordHash(c.Eway.Password, c.Eway.PasswordHash),
		}, nil
	}

	return nil, ErrNoCredentials
}

// NormalizePasswordHash returns the uppercase hex MD5 form eWay-CRM expects.
// A plaintext password is hashed. A supplied hash is uppercased when it looks
// like an MD5 digest; anything else in the hash field is treated as plaintext.
func NormalizePasswordHash(password, hash string) string {
	if password != "" {
		return HashPassword(password)
	}
	if passwordHashPattern.MatchString(hash) {
		return strings.ToUpper(hash)
	}
	return HashPassword(hash)
}

// HashPassword computes the uppercase hex MD5 digest of a plaintext password.
func HashPassword(plain string) string {
	sum := md5.Sum([]byte(plain)) // #nosec G401 -- required by the eWay-CRM API
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}
