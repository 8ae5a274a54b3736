package approuters

import (
	"whisperwire/internal/configuration"
	"whisperwire/internal/handler"

	"github.com/gin-gonic/gin"
)

// KeyRouters sets up key directory API routes. Registration requires a
// verified identity; lookups are open to any authenticated user.
func KeyRouters(router *gin.Engine, container *configuration.Container) {
	keyRoute := router.Group("/ww/api/keys")
	keyRoute.Use(handler.RequireAuth(container.Verifier))
	{
		keyRoute.POST("/register", container.KeyHandler.RegisterKey)
		keyRoute.GET("/:userId", container.KeyHandler.GetKey)
		keyRoute.POST("/:userId/prekey", container.KeyHandler.ClaimPreKey)
	}
}
