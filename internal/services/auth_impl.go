package services

import (
	"context"
	"errors"

	"clipwatch/internal/auth"
	"clipwatch/internal/middleware"
)

// LoginPayload carries operator credentials
type LoginPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResult carries a bearer token
type LoginResult struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// AuthStatus reports whether auth is on and who is calling
type AuthStatus struct {
	Enabled       bool    `json:"enabled"`
	Authenticated bool    `json:"authenticated"`
	Username      *string `json:"username,omitempty"`
}

// AuthImplementation implements the auth service
type AuthImplementation struct {
	authenticator *auth.Authenticator
}

// NewAuthService creates a new auth service implementation
func NewAuthService(authenticator *auth.Authenticator) *AuthImplementation {
	return &AuthImplementation{authenticator: authenticator}
}

// Login authenticates a user and returns a JWT token
func (a *AuthImplementation) Login(ctx context.Context, p *LoginPayload) (*LoginResult, error) {
	if p == nil {
		return nil, badRequest("credentials are required")
	}
	token, expiresAt, err := a.authenticator.Authenticate(p.Username, p.Password)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrInvalidCredentials):
			return nil, unauthorized("Invalid username or password")
		case errors.Is(err, auth.ErrAuthDisabled):
			return nil, unauthorized("Authentication is disabled")
		}
		return nil, unauthorized(err.Error())
	}
	return &LoginResult{Token: token, ExpiresAt: expiresAt}, nil
}

// Status returns the current authentication status
func (a *AuthImplementation) Status(ctx context.Context) (*AuthStatus, error) {
	res := &AuthStatus{Enabled: a.authenticator.IsEnabled()}
	if claims := middleware.GetUserFromContext(ctx); claims != nil {
		res.Authenticated = true
		res.Username = &claims.Username
	}
	return res, nil
}
