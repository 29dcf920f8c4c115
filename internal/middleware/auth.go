package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/therealutkarshpriyadarshi/whisperproxy/internal/auth"
	"github.com/therealutkarshpriyadarshi/whisperproxy/pkg/models"
)

const (
	IdentityContextKey = "identity"
)

// Authenticate verifies the bearer token and stores the caller identity
func Authenticate(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": auth.DetailMissingToken})
			return
		}

		id, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			detail := auth.DetailInvalidToken
			var authErr *auth.Error
			if errors.As(err, &authErr) {
				detail = authErr.Detail
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": detail})
			return
		}

		c.Set(IdentityContextKey, id)
		c.Next()
	}
}

func bearerToken(header string) (string, bool) {
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// GetIdentity retrieves the verified identity from the context
func GetIdentity(c *gin.Context) (models.Identity, bool) {
	v, exists := c.Get(IdentityContextKey)
	if !exists {
		return models.Identity{}, false
	}

	id, ok := v.(models.Identity)
	return id, ok
}
