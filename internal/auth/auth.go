package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"proposal-workflows/internal/config"
	"proposal-workflows/internal/repository"
	"proposal-workflows/pkg/models"
)

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Dev-mode headers that choose the acting user when the identity provider is
// bypassed.
const (
	HeaderDevUser  = "X-Dev-User"
	HeaderDevRoles = "X-Dev-Roles"
)

const devEmail = "dev@localhost"

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	repo         repository.TenantStore
	logger       Logger
	rolesClaim   string
	adminRole    string
	devMode      bool
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, repo repository.TenantStore, logger Logger) (*Auth, error) {
	isDev := strings.HasPrefix(strings.ToUpper(cfg.Environment), "DEV")
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       AllScopes,
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Access tokens usually carry an API audience rather than the client id.
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	rolesClaim := cfg.Auth.RolesClaim
	if rolesClaim == "" {
		rolesClaim = "groups"
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		repo:         repo,
		logger:       logger,
		rolesClaim:   rolesClaim,
		adminRole:    cfg.Auth.AdminRole,
		devMode:      isDev,
		authBypass:   shouldBypass,
	}, nil
}

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   !a.devMode,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that ensures a valid bearer token or ID token
// cookie is present, then places the caller's tenant and Actor in the
// request context.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			email string
			actor models.Actor
		)

		if a.authBypass {
			email = devEmail
			actor = a.devActor(r)
		} else {
			token, status, err := a.verify(r)
			if err != nil {
				if status == http.StatusSeeOther {
					http.Redirect(w, r, "/login", http.StatusSeeOther)
					return
				}
				http.Error(w, "invalid token: "+err.Error(), status)
				return
			}

			var claims map[string]interface{}
			if err := token.Claims(&claims); err != nil {
				http.Error(w, "failed to parse token claims", http.StatusUnauthorized)
				return
			}
			email, _ = claims["email"].(string)
			actor = a.actorFromClaims(token.Subject, email, claims)
		}

		// Resolve Tenant ID from Email Domain
		domain, err := models.TenantDomain(email)
		if err != nil {
			http.Error(w, err.Error()+" in token", http.StatusUnauthorized)
			return
		}

		tenant, err := a.repo.GetTenantByDomain(r.Context(), domain)
		if err != nil {
			// first user from a domain provisions its tenant
			tenant = models.NewTenant(domain, "")
			if createErr := a.repo.CreateTenant(r.Context(), tenant); createErr != nil {
				if a.logger != nil {
					a.logger.Error("failed to provision tenant", "domain", domain, "error", createErr)
				}
				http.Error(w, "failed to provision tenant: "+createErr.Error(), http.StatusInternalServerError)
				return
			}
			if a.logger != nil {
				a.logger.Info("provisioned tenant", "domain", domain, "tenant_id", tenant.ID)
			}
		}

		ctx := WithTenant(r.Context(), tenant.ID)
		ctx = WithActor(ctx, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verify checks the bearer token, falling back to the session cookie. A
// missing cookie reports StatusSeeOther so the caller redirects to login.
func (a *Auth) verify(r *http.Request) (*oidc.IDToken, int, error) {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		token, err := a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			return nil, http.StatusUnauthorized, err
		}
		return token, http.StatusOK, nil
	}
	cookie, err := r.Cookie("id_token")
	if err != nil {
		return nil, http.StatusSeeOther, err
	}
	token, err := a.verifier.Verify(r.Context(), cookie.Value)
	if err != nil {
		return nil, http.StatusUnauthorized, err
	}
	return token, http.StatusOK, nil
}

func (a *Auth) actorFromClaims(subject, email string, claims map[string]interface{}) models.Actor {
	actor := models.Actor{UserID: subject, IsMember: true}
	if actor.UserID == "" {
		actor.UserID = email
	}
	switch roles := claims[a.rolesClaim].(type) {
	case []interface{}:
		for _, r := range roles {
			if s, ok := r.(string); ok && s != "" {
				actor.RoleIDs = append(actor.RoleIDs, s)
			}
		}
	case string:
		if roles != "" {
			actor.RoleIDs = []string{roles}
		}
	}
	actor.IsAdmin = a.adminRole != "" && actor.HasRole(a.adminRole)
	return actor
}

// devActor builds the acting user from dev headers. Without headers the
// caller is a space admin.
func (a *Auth) devActor(r *http.Request) models.Actor {
	user := r.Header.Get(HeaderDevUser)
	if user == "" {
		return models.Actor{UserID: devEmail, IsMember: true, IsAdmin: true}
	}
	actor := models.Actor{UserID: user, IsMember: true}
	for _, role := range strings.Split(r.Header.Get(HeaderDevRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			actor.RoleIDs = append(actor.RoleIDs, role)
		}
	}
	actor.IsAdmin = a.adminRole != "" && actor.HasRole(a.adminRole)
	return actor
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
