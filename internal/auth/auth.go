// Package auth verifies bearer tokens and derives the caller identity
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// Failure details returned to clients
const (
	DetailMissingToken    = "missing_token"
	DetailInvalidToken    = "invalid_token"
	DetailInvalidAudience = "invalid_audience"
	DetailInvalidIssuer   = "invalid_issuer"
	DetailMissingUID      = "missing_uid"
)

// Error is an authentication failure with a client-facing detail
type Error struct {
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Verifier turns a raw bearer token into an identity
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

// Claims are the token claims this service reads. Firebase ID tokens carry
// the uid as user_id; custom tokens may use uid.
type Claims struct {
	UID      string        `json:"uid,omitempty"`
	UserID   string        `json:"user_id,omitempty"`
	TenantID string        `json:"tenant_id,omitempty"`
	Firebase *FirebaseInfo `json:"firebase,omitempty"`
	jwt.RegisteredClaims
}

// FirebaseInfo is the nested firebase claim
type FirebaseInfo struct {
	Tenant         string `json:"tenant,omitempty"`
	SignInProvider string `json:"sign_in_provider,omitempty"`
}

// uid resolves the user id, preferring uid then user_id then sub
func (c *Claims) uid() string {
	switch {
	case c.UID != "":
		return c.UID
	case c.UserID != "":
		return c.UserID
	}
	return c.Subject
}

// tenant resolves the tenant: firebase.tenant, then tenant_id, then fallback
func (c *Claims) tenant(fallback string) string {
	if c.Firebase != nil && c.Firebase.Tenant != "" {
		return c.Firebase.Tenant
	}
	if c.TenantID != "" {
		return c.TenantID
	}
	return fallback
}

func identityFrom(claims *Claims, defaultTenant string) (models.Identity, error) {
	uid := claims.uid()
	if uid == "" {
		return models.Identity{}, &Error{Detail: DetailMissingUID}
	}
	return models.Identity{TenantID: claims.tenant(defaultTenant), UserID: uid}, nil
}

// classify maps jwt parse errors to client details
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &Error{Detail: DetailInvalidAudience, Err: err}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &Error{Detail: DetailInvalidIssuer, Err: err}
	}
	return &Error{Detail: DetailInvalidToken, Err: err}
}
