package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/inbox/internal/alias"
	"github.com/tullo/inbox/internal/messaging"
	"github.com/tullo/inbox/internal/metrics"
	"github.com/tullo/inbox/internal/models"
)

type RequestHandler struct {
	ledger  *messaging.Ledger
	aliases *alias.Codec
	metrics *metrics.Metrics
}

func NewRequestHandler(
	ledger *messaging.Ledger,
	aliases *alias.Codec,
	m *metrics.Metrics,
) *RequestHandler {
	return &RequestHandler{
		ledger:  ledger,
		aliases: aliases,
		metrics: m,
	}
}

// GetRequests returns the caller's received and sent requests
func (h *RequestHandler) GetRequests(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	list, err := h.ledger.ListFor(c.Request.Context(), uid)
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}

	c.JSON(http.StatusOK, list)
}

// CreateRequest asks another user to open a conversation
func (h *RequestHandler) CreateRequest(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	var req models.CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	recipientID, err := h.aliases.Decode(req.Recipient)
	if err != nil {
		handleError(c, h.metrics, &messaging.ValidationError{Field: "recipient", Message: "unknown user"})
		return
	}

	created, err := h.ledger.Create(c.Request.Context(), uid, recipientID, req.Message)
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}
	h.metrics.RequestCreated()

	c.JSON(http.StatusCreated, created)
}

// Respond accepts or denies a request addressed to the caller
func (h *RequestHandler) Respond(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	requestID, ok := paramID(c, "id")
	if !ok {
		return
	}

	var req models.RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, http.StatusBadRequest, `action must be "accept" or "deny"`)
		return
	}

	ctx := c.Request.Context()
	var resp models.RespondResponse

	switch req.Action {
	case "accept":
		accepted, view, err := h.ledger.Accept(ctx, requestID, uid)
		if err != nil {
			handleError(c, h.metrics, err)
			return
		}
		resp = models.RespondResponse{Request: *accepted, Conversation: view}
	default:
		denied, err := h.ledger.Deny(ctx, requestID, uid)
		if err != nil {
			handleError(c, h.metrics, err)
			return
		}
		resp = models.RespondResponse{Request: *denied}
	}
	h.metrics.RequestResolved(string(resp.Request.Status))

	c.JSON(http.StatusOK, resp)
}
