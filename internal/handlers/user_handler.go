package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tullo/inbox/internal/alias"
	"github.com/tullo/inbox/internal/messaging"
	"github.com/tullo/inbox/internal/metrics"
	"github.com/tullo/inbox/internal/models"
	"github.com/tullo/inbox/internal/repository"
)

type UserHandler struct {
	userRepo *repository.UserRepository
	aliases  *alias.Codec
	store    *messaging.Store
	metrics  *metrics.Metrics
}

func NewUserHandler(
	userRepo *repository.UserRepository,
	aliases *alias.Codec,
	store *messaging.Store,
	m *metrics.Metrics,
) *UserHandler {
	return &UserHandler{
		userRepo: userRepo,
		aliases:  aliases,
		store:    store,
		metrics:  m,
	}
}

// GetMe returns the caller's own profile
func (h *UserHandler) GetMe(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	user, err := h.userRepo.GetByID(c.Request.Context(), uid)
	if errors.Is(err, repository.ErrNotFound) {
		ErrorResponse(c, http.StatusUnauthorized, "Unknown user")
		return
	}
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}

	c.JSON(http.StatusOK, models.MeResponse{
		PublicUser: h.store.Profile(*user),
		Email:      user.Email,
	})
}

// GetProfile resolves a public profile by alias
func (h *UserHandler) GetProfile(c *gin.Context) {
	uid, ok := currentUser(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	id, err := h.aliases.Decode(c.Param("alias"))
	if err != nil {
		ErrorResponse(c, http.StatusNotFound, "User not found")
		return
	}

	user, err := h.userRepo.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		ErrorResponse(c, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		handleError(c, h.metrics, err)
		return
	}

	resp := models.ProfileResponse{
		PublicUser: h.store.Profile(*user),
		Self:       id == uid,
	}
	if !resp.Self {
		conv, err := h.store.FindBetween(ctx, uid, id)
		if err != nil {
			handleError(c, h.metrics, err)
			return
		}
		if conv != nil {
			resp.ConversationID = &conv.ID
		}
	}

	c.JSON(http.StatusOK, resp)
}
