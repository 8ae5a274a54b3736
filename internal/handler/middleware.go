package handler

import (
	"net/http"
	"strings"

	"whisperwire/internal/auth"

	"github.com/gin-gonic/gin"
)

// userIDKey is where RequireAuth stores the verified user id in the
// gin context.
const userIDKey = "userId"

// RequireAuth verifies the bearer token and stashes the user id for
// downstream handlers. Requests without a valid token never reach them.
func RequireAuth(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		userID, err := verifier.Verify(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authentication required",
			})
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}
