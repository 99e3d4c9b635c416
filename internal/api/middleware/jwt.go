package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/yoockh/cogload/internal/utils"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type apiError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

// JWTConfig holds the HS256 verification settings for dashboard and tool
// clients. Issuer and Audience are only checked when set.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
}

// Claims identifies a query client. Subject is the user whose sessions the
// token may read; Role "admin" unlocks the operator routes.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

func (c *Claims) appRole() string {
	if normRole(c.Role) == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

func (cfg JWTConfig) parser() *jwt.Parser {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return jwt.NewParser(opts...)
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{Code: utils.CodeUnauthorized, Message: msg})
}

// JWTAuth verifies the bearer token and sets "user_id" and "role" on the context.
func JWTAuth(cfg JWTConfig) gin.HandlerFunc {
	p := cfg.parser()
	key := []byte(cfg.Secret)

	return func(c *gin.Context) {
		if cfg.Secret == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, apiError{
				Code:    utils.CodeInternal,
				Message: "JWT secret is not configured",
			})
			return
		}

		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if raw = strings.TrimSpace(raw); !ok || raw == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		claims := &Claims{}
		if _, err := p.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return key, nil }); err != nil {
			unauthorized(c, "invalid token")
			return
		}
		if claims.Subject == "" {
			unauthorized(c, "missing subject")
			return
		}

		c.Set("user_id", claims.Subject)
		c.Set("role", claims.appRole())
		c.Next()
	}
}
