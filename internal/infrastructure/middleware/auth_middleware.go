package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"xipher/internal/core/services"
	apperrors "xipher/pkg/errors"
)

const userIDKey = "user_id"

func bearerToken(c *gin.Context) (string, error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", errors.New("authorization header required")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

// AuthMiddleware requires a valid access token and stores the caller in both
// the gin context and the request context.
func AuthMiddleware(auth services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}
		claims, err := auth.ValidateToken(token)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Request = c.Request.WithContext(services.WithUser(c.Request.Context(), claims.UserID))
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(apperrors.ErrCodeUnauthorized),
		"message": message,
	})
}
