package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/klaxonhq/klaxon/internal/store"
)

type MessageHandler struct {
	stores *store.Stores
}

func NewMessageHandler(stores *store.Stores) *MessageHandler {
	return &MessageHandler{stores: stores}
}

// Get returns one message row.
func (h *MessageHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	msg, err := h.stores.Messages.Get(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		slog.ErrorContext(ctx, "failed loading message", "error", err, "message_id", messageID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load message"})
		return
	}
	c.JSON(http.StatusOK, msg)
}

// Auditlog returns the change history of one message, oldest first.
func (h *MessageHandler) Auditlog(c *gin.Context) {
	ctx := c.Request.Context()

	messageID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	entries, err := h.stores.Audit.ForMessage(ctx, messageID)
	if err != nil {
		slog.ErrorContext(ctx, "failed loading auditlog", "error", err, "message_id", messageID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load auditlog"})
		return
	}

	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"id":          e.ID,
			"message_id":  e.MessageID,
			"change_type": e.ChangeType,
			"old":         e.Old,
			"new":         e.New,
			"description": e.Description,
			"date":        e.Date,
		})
	}
	c.JSON(http.StatusOK, out)
}
