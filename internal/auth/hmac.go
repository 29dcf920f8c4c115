package auth

import (
	"context"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

// HMACVerifier accepts HS256 tokens signed with a shared secret. It is meant
// for local development and tests where no Firebase project is available.
type HMACVerifier struct {
	secret        []byte
	defaultTenant string
}

// NewHMACVerifier creates a verifier. Tokens without a tenant claim are
// assigned defaultTenant.
func NewHMACVerifier(secret, defaultTenant string) *HMACVerifier {
	if defaultTenant == "" {
		defaultTenant = "default"
	}
	return &HMACVerifier{secret: []byte(secret), defaultTenant: defaultTenant}
}

// Verify validates token and returns the caller identity
func (v *HMACVerifier) Verify(ctx context.Context, token string) (models.Identity, error) {
	if token == "" {
		return models.Identity{}, &Error{Detail: DetailMissingToken}
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return models.Identity{}, classify(err)
	}

	return identityFrom(claims, v.defaultTenant)
}

// GenerateToken signs a token for uid in tenant, valid for expiresIn
func (v *HMACVerifier) GenerateToken(uid, tenant string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UID:      uid,
		TenantID: tenant,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
