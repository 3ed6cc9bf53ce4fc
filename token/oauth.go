package token

import (
	"context"
	"encoding/base64"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/driveput/driveput"
)

// OAuthExchanger exchanges a long-lived OAuth2 refresh token for access
// tokens. The grant flow that produced the refresh token is out of scope;
// callers obtain one however their application does and hand it over.
type OAuthExchanger struct {
	cfg          *oauth2.Config
	refreshToken string
}

// NewOAuthExchanger builds an exchanger around an oauth2 endpoint config and
// a refresh token.
func NewOAuthExchanger(cfg *oauth2.Config, refreshToken string) *OAuthExchanger {
	return &OAuthExchanger{cfg: cfg, refreshToken: refreshToken}
}

// NewMicrosoftExchanger builds an exchanger against the Azure AD "common"
// endpoint for the given public client id. Suitable for the OneDrive backend.
func NewMicrosoftExchanger(clientID, refreshToken string, scopes []string) *OAuthExchanger {
	return NewOAuthExchanger(&oauth2.Config{
		ClientID: clientID,
		Scopes:   scopes,
		Endpoint: microsoft.AzureADEndpoint("common"),
	}, refreshToken)
}

// Exchange performs one refresh-token grant. A fresh TokenSource is built
// per call so the library's caching never suppresses a forced refresh.
func (e *OAuthExchanger) Exchange(ctx context.Context) (driveput.Credential, error) {
	src := e.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: e.refreshToken})

	tok, err := src.Token()
	if err != nil {
		return driveput.Credential{}, driveput.WrapErr(driveput.KindAuth, err, "exchanging refresh token")
	}

	// Providers that rotate refresh tokens return a new one; keep using it.
	if tok.RefreshToken != "" {
		e.refreshToken = tok.RefreshToken
	}

	return driveput.Credential{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

// BasicAuth returns a Manager serving a static basic-auth credential for the
// given username and password. The access token carries the base64 userinfo;
// backends prepend their auth scheme.
func BasicAuth(username, password string) *Manager {
	raw := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))

	return Static(raw, nil)
}
