// Package oidc wraps the identity provider (Auth0 or any OpenID Connect issuer)
// used to sign portal users in. It handles discovery, the authorization-code
// exchange, ID token verification, profile extraction and federated logout URLs.
package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/knowledge-portal/portal/internal/config"
)

// ErrMissingIDToken is returned when the token response carries no id_token.
var ErrMissingIDToken = errors.New("no id_token in token response")

// Profile holds the identity claims the portal consumes from the ID token.
// Any field may be empty; the session resolver decides what a partial profile means.
type Profile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// Tokens is the token pair returned by a successful code exchange
type Tokens struct {
	AccessToken  string
	IDToken      string
	RefreshToken string
	Expiry       time.Time
}

// Provider wraps the OIDC provider and OAuth2 client configuration
type Provider struct {
	verifier   *oidc.IDTokenVerifier
	config     *oauth2.Config
	issuer     string
	audience   string
	logoutURL  string
	endSession string
}

// NewProvider runs OIDC discovery against cfg.IssuerURL. The context bounds the
// discovery request.
func NewProvider(ctx context.Context, cfg *config.OIDCConfig) (*Provider, error) {
	if cfg.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("OIDC client ID is required")
	}
	if cfg.ClientSecret == "" {
		return nil, fmt.Errorf("OIDC client secret is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	var discovery struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	// A missing or unparsable end_session_endpoint only disables that logout path.
	_ = provider.Claims(&discovery)

	p := &Provider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       cfg.Scopes,
		},
		issuer:     cfg.IssuerURL,
		audience:   cfg.Audience,
		logoutURL:  cfg.LogoutURL,
		endSession: discovery.EndSessionEndpoint,
	}
	return p, nil
}

// AuthURL returns the authorization URL for state. The Auth0 API audience is
// added when configured so the access token is usable against the backend.
func (p *Provider) AuthURL(state string) string {
	var opts []oauth2.AuthCodeOption
	if p.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", p.audience))
	}
	return p.config.AuthCodeURL(state, opts...)
}

// Exchange trades an authorization code for tokens, verifies the ID token and
// extracts the profile from it.
func (p *Provider) Exchange(ctx context.Context, code string) (*Tokens, *Profile, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, nil, ErrMissingIDToken
	}

	idToken, err := p.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		return nil, nil, err
	}

	profile, err := ExtractProfile(idToken)
	if err != nil {
		return nil, nil, err
	}

	tokens := &Tokens{
		AccessToken:  token.AccessToken,
		IDToken:      rawIDToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	return tokens, profile, nil
}

// VerifyIDToken verifies the signature, issuer, audience and expiry of an ID token
func (p *Provider) VerifyIDToken(ctx context.Context, rawIDToken string) (*oidc.IDToken, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	return idToken, nil
}

// ExtractProfile reads sub, email, name and picture from a verified ID token.
func ExtractProfile(idToken *oidc.IDToken) (*Profile, error) {
	var claims struct {
		Sub     string `json:"sub"`
		Email   string `json:"email"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse ID token claims: %w", err)
	}
	return &Profile{
		Subject: claims.Sub,
		Email:   claims.Email,
		Name:    claims.Name,
		Picture: claims.Picture,
	}, nil
}

// EndSessionEndpoint returns the end_session_endpoint advertised by discovery, if any
func (p *Provider) EndSessionEndpoint() string {
	return p.endSession
}

// LogoutURL builds the federated logout URL that returns the browser to returnTo.
// Precedence: configured logout_url, the discovery end_session_endpoint, then the
// Auth0 /v2/logout convention on the issuer.
func (p *Provider) LogoutURL(idTokenHint, returnTo string) string {
	switch {
	case p.logoutURL != "":
		return withQuery(p.logoutURL, url.Values{
			"client_id": {p.config.ClientID},
			"returnTo":  {returnTo},
		})
	case p.endSession != "":
		q := url.Values{
			"client_id":                {p.config.ClientID},
			"post_logout_redirect_uri": {returnTo},
		}
		if idTokenHint != "" {
			q.Set("id_token_hint", idTokenHint)
		}
		return withQuery(p.endSession, q)
	default:
		return withQuery(strings.TrimRight(p.issuer, "/")+"/v2/logout", url.Values{
			"client_id": {p.config.ClientID},
			"returnTo":  {returnTo},
		})
	}
}

func withQuery(base string, q url.Values) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	existing := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			if v != "" {
				existing.Set(k, v)
			}
		}
	}
	u.RawQuery = existing.Encode()
	return u.String()
}
