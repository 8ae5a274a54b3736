package handler

import (
	"net/http"
	"strconv"

	"whisperwire/internal/convid"
	"whisperwire/internal/repo"

	"github.com/gin-gonic/gin"
)

// ConversationHandler serves conversation listings and the durable
// message log over HTTP.
type ConversationHandler interface {
	GetConversations(c *gin.Context)
	GetHistory(c *gin.Context)
}

type conversationHandler struct {
	conversations repo.ConversationRepository
	messages      repo.MessageRepository
}

func NewConversationHandler(conversations repo.ConversationRepository, messages repo.MessageRepository) ConversationHandler {
	return &conversationHandler{
		conversations: conversations,
		messages:      messages,
	}
}

// GetConversations lists the authenticated user's conversations.
func (h *conversationHandler) GetConversations(c *gin.Context) {
	userID := c.GetString(userIDKey)

	cvs, err := h.conversations.ListForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list conversations",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"conversations": cvs,
	})
}

// GetHistory returns one page of the durable log, oldest first. The
// conversation id is canonicalized, so both participants' orderings
// reach the same log.
func (h *conversationHandler) GetHistory(c *gin.Context) {
	conversationID := convid.Normalize(c.Param("conversationId"))

	userID := c.GetString(userIDKey)
	if convid.IsDirect(conversationID) {
		if _, ok := convid.Peer(conversationID, userID); !ok {
			c.JSON(http.StatusForbidden, gin.H{
				"error": "not a participant of this conversation",
			})
			return
		}
	}

	page := c.DefaultQuery("page", "1")
	pageNumber, err := strconv.ParseInt(page, 10, 64)
	if err != nil || pageNumber < 1 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid page number",
		})
		return
	}

	msgs, err := h.messages.History(c.Request.Context(), conversationID, pageNumber)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get messages",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"messages": msgs,
	})
}
