package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/inbox/internal/messaging"
	"github.com/tullo/inbox/internal/metrics"
)

type ConversationHandler struct {
	store   *messaging.Store
	metrics *metrics.Metrics
}

func NewConversationHandler(store *messaging.Store, m *metrics.Metrics) *ConversationHandler {
	return &ConversationHandler{
		store:   store,
		metrics: m,
	}
}

// GetConversations returns all conversations for the current user
func (h *ConversationHandler) GetConversations(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	conversations, err := h.store.ListFor(c.Request.Context(), uid)
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// GetConversation returns a specific conversation
func (h *ConversationHandler) GetConversation(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}

	conversation, err := h.store.Get(c.Request.Context(), conversationID, uid)
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}

	c.JSON(http.StatusOK, conversation)
}
