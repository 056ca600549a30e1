// Package oauth manages the OAuth2 Authorization Code token used to
// authenticate against the eWay-CRM API.
package oauth

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/hnizdiljan/eway-crm-gateway/internal/config"
)

// DefaultScopes are requested on every authorization redirect.
var DefaultScopes = []string{"api", "offline_access"}

// resolveEndpoint returns the authorize and token endpoints. When an issuer
// is configured they are discovered via /.well-known/openid-configuration,
// otherwise the explicit URLs from the config are used.
func resolveEndpoint(ctx context.Context, cfg *config.OAuthConfig, httpClient *http.Client) (oauth2.Endpoint, error) {
	if cfg.Issuer == "" {
		return oauth2.Endpoint{
			AuthURL:   cfg.AuthorizeURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}, nil
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), cfg.Issuer)
	if err != nil {
		return oauth2.Endpoint{}, fmt.Errorf("failed to discover OAuth2 endpoints: %w", err)
	}

	endpoint := provider.Endpoint()
	// eWay-CRM expects client_id and client_secret in the form body
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	return endpoint, nil
}

// newOAuth2Config creates the OAuth2 configuration for the resolved endpoint.
func newOAuth2Config(cfg *config.OAuthConfig, endpoint oauth2.Endpoint) *oauth2.Config {
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Endpoint:     endpoint,
		Scopes:       scopes,
	}
}
