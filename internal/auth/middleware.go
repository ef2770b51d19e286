package auth

import (
	"errors"
	"net/http"
	"strings"

	"bloom_wallet/internal/api"
	"bloom_wallet/internal/apperror"

	"github.com/gin-gonic/gin"
)

const (
	userIDKey   = "user_id"
	userRoleKey = "user_role"
)

func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			api.Abort(c, http.StatusUnauthorized, apperror.CodeUnauthorized, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.TrimSpace(parts[0]) != "Bearer" {
			api.Abort(c, http.StatusUnauthorized, apperror.CodeUnauthorized, "invalid authorization header format")
			return
		}

		tokenString := strings.TrimSpace(parts[1])
		if tokenString == "" {
			api.Abort(c, http.StatusUnauthorized, apperror.CodeUnauthorized, "token is empty")
			return
		}

		claims, err := ValidateToken(tokenString, secret)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				api.Abort(c, http.StatusUnauthorized, apperror.CodeUnauthorized, "token expired")
				return
			}
			api.Abort(c, http.StatusUnauthorized, apperror.CodeUnauthorized, "invalid or malformed token")
			return
		}

		c.Set(userIDKey, claims.UserID)
		c.Set(userRoleKey, claims.Role)
		c.Next()
	}
}

func RequireRole(requiredRole string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != requiredRole {
			api.Abort(c, http.StatusForbidden, apperror.CodeForbidden, "insufficient permissions")
			return
		}
		c.Next()
	}
}

func GetUserID(c *gin.Context) (string, bool) {
	id := c.GetString(userIDKey)
	return id, id != ""
}

func GetRole(c *gin.Context) string {
	return c.GetString(userRoleKey)
}

func IsAdmin(c *gin.Context) bool {
	return GetRole(c) == RoleAdmin
}
