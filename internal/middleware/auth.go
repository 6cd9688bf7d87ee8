package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"fleetdash/internal/auth"
)

const mailContextKey = "userMail"

func MailFromContext(c *gin.Context) (string, bool) {
	mail, ok := c.Get(mailContextKey)
	if !ok {
		return "", false
	}
	value, ok := mail.(string)
	return value, ok && value != ""
}

// requestToken reads the bearer token. Websocket upgrades may pass it as the
// token query parameter instead, since browsers cannot set headers there.
func requestToken(c *gin.Context) (string, bool) {
	if token, ok := auth.BearerToken(c.GetHeader("Authorization")); ok {
		return token, true
	}
	if strings.EqualFold(c.GetHeader("Upgrade"), "websocket") {
		if token := c.Query("token"); token != "" {
			return token, true
		}
	}
	return "", false
}

// RequireAuth verifies the bearer token and stores its subject (the user's
// mail) on the context.
func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := requestToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		claims, err := auth.VerifyToken(token, cfg)
		if errors.Is(err, jwt.ErrTokenExpired) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token expired"})
			return
		}
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			return
		}

		c.Set(mailContextKey, claims.Mail)
		c.Next()
	}
}
