package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yoockh/cogload/internal/utils"
)

func normRole(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// RequireRole admits requests whose JWT role (set by JWTAuth) is one of
// allowed. It must run after JWTAuth.
func RequireRole(allowed ...string) gin.HandlerFunc {
	allow := make(map[string]struct{}, len(allowed))
	for _, a := range allowed {
		if a = normRole(a); a != "" {
			allow[a] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		role := normRole(c.GetString("role"))
		if _, ok := allow[role]; !ok || role == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, apiError{
				Code:    utils.CodeForbidden,
				Message: "insufficient role",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin guards session close and classifier switching.
func RequireAdmin() gin.HandlerFunc { return RequireRole(RoleAdmin) }
