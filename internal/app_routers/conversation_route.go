package approuters

import (
	"whisperwire/internal/configuration"
	"whisperwire/internal/handler"

	"github.com/gin-gonic/gin"
)

// ConversationRouters sets up conversation and message log API routes.
func ConversationRouters(router *gin.Engine, container *configuration.Container) {
	conversationRoute := router.Group("/ww/api/conversations")
	conversationRoute.Use(handler.RequireAuth(container.Verifier))
	{
		conversationRoute.GET("", container.ConversationHandler.GetConversations)
		conversationRoute.GET("/:conversationId/messages", container.ConversationHandler.GetHistory)
	}
}
