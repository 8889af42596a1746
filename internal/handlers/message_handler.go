package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/inbox/internal/messaging"
	"github.com/tullo/inbox/internal/metrics"
	"github.com/tullo/inbox/internal/models"
)

type MessageHandler struct {
	store   *messaging.Store
	tracker *messaging.ReadTracker
	metrics *metrics.Metrics
}

func NewMessageHandler(store *messaging.Store, tracker *messaging.ReadTracker, m *metrics.Metrics) *MessageHandler {
	return &MessageHandler{
		store:   store,
		tracker: tracker,
		metrics: m,
	}
}

// GetMessages returns messages for a conversation
func (h *MessageHandler) GetMessages(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req models.GetMessagesRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	messages, err := h.store.MessagesFor(c.Request.Context(), conversationID, uid, req.After)
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}

	c.JSON(http.StatusOK, messages)
}

// SendMessage appends a message to a conversation
func (h *MessageHandler) SendMessage(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req models.SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, "content is required")
		return
	}

	message, err := h.store.Append(c.Request.Context(), conversationID, uid, req.Content)
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}
	h.metrics.MessageSent()

	c.JSON(http.StatusCreated, message)
}

// MarkRead marks the counterpart's messages as read up to an optional cursor
func (h *MessageHandler) MarkRead(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	conversationID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req models.MarkReadRequest
	// An empty body marks everything.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	marked, err := h.tracker.MarkRead(c.Request.Context(), conversationID, uid, req.UpTo)
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}
	h.metrics.MessagesRead(marked)

	c.JSON(http.StatusOK, models.MarkReadResponse{Marked: marked})
}
