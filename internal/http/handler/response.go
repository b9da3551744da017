package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/klaxonhq/klaxon/internal/auth"
	"github.com/klaxonhq/klaxon/internal/store"
)

// ResponseHandler processes oneclick claim links from notification
// emails. The token signed into the URL is the only credential.
type ResponseHandler struct {
	stores   *store.Stores
	oneclick *auth.Oneclick
}

func NewResponseHandler(stores *store.Stores, oneclick *auth.Oneclick) *ResponseHandler {
	return &ResponseHandler{stores: stores, oneclick: oneclick}
}

// Oneclick validates the signed claim link and claims the incident
// behind the message for the clicking user.
func (h *ResponseHandler) Oneclick(c *gin.Context) {
	ctx := c.Request.Context()

	if h.oneclick == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "oneclick is not enabled"})
		return
	}

	messageID, err := strconv.ParseInt(c.Query("msg_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid msg_id"})
		return
	}
	email := c.Query("email_address")
	cmd := c.Query("cmd")
	token := c.Query("token")
	if email == "" || cmd != "claim" || token == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing claim parameters"})
		return
	}

	if !h.oneclick.Validate(messageID, email, cmd, token) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	msg, err := h.stores.Messages.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		slog.ErrorContext(ctx, "failed loading message for oneclick claim", "error", err,
			"message_id", messageID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim"})
		return
	}

	incidentID, ok := msg["incident_id"].(*int64)
	if !ok || incidentID == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message has no incident"})
		return
	}
	owner := msg["target"].(string)

	err = h.stores.InTx(ctx, func(s *store.Stores) error {
		return s.Incidents.Claim(ctx, *incidentID, owner)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed claiming incident from oneclick", "error", err,
			"incident_id", *incidentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim"})
		return
	}

	slog.InfoContext(ctx, "incident claimed via oneclick",
		"incident_id", *incidentID, "owner", owner, "message_id", messageID)
	c.JSON(http.StatusOK, gin.H{"incident_id": *incidentID, "owner": owner, "claimed": true})
}
