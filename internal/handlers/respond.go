package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/tullo/inbox/internal/messaging"
	"github.com/tullo/inbox/internal/metrics"
	"github.com/tullo/inbox/internal/middleware"
)

// ErrorResponse sends a standardized error response and logs at caller if needed
func ErrorResponse(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

// handleError maps domain errors onto HTTP responses. Anything unrecognised
// is logged and reported as a generic 500.
func handleError(c *gin.Context, m *metrics.Metrics, err error) {
	var (
		validation *messaging.ValidationError
		conflict   *messaging.ConflictError
		forbidden  *messaging.ForbiddenError
	)

	switch {
	case errors.As(err, &validation):
		body := gin.H{"error": validation.Message}
		if validation.Field != "" {
			body["field"] = validation.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &conflict):
		m.Conflict(conflict.Code)
		body := gin.H{"error": conflict.Message, "code": conflict.Code}
		if conflict.ConversationID != nil {
			body["conversation_id"] = *conflict.ConversationID
		}
		c.JSON(http.StatusConflict, body)
	case errors.As(err, &forbidden):
		ErrorResponse(c, http.StatusForbidden, "Not found or access denied")
	default:
		log.Error("request failed",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"request_id", middleware.GetRequestID(c),
			"err", err,
		)
		ErrorResponse(c, http.StatusInternalServerError, "Internal server error")
	}
}

// currentUser returns the authenticated caller or writes a 401.
func currentUser(c *gin.Context) (int64, bool) {
	uid, ok := middleware.CurrentUser(c)
	if !ok {
		ErrorResponse(c, http.StatusUnauthorized, "Authentication required")
	}
	return uid, ok
}

// paramID parses a positive numeric path parameter or writes a 400.
func paramID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		ErrorResponse(c, http.StatusBadRequest, "Invalid "+name)
		return 0, false
	}
	return id, true
}
