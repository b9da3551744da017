package handler

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/klaxonhq/klaxon/internal/auth"
	"github.com/klaxonhq/klaxon/internal/rpc"
)

// NotificationHandler forwards out-of-band notifications to the sender
// over RPC. The API never touches the message table for these; the
// sender delivers them straight from memory.
type NotificationHandler struct {
	client     *rpc.Client
	senderAddr string
}

func NewNotificationHandler(client *rpc.Client, senderAddr string) *NotificationHandler {
	return &NotificationHandler{client: client, senderAddr: senderAddr}
}

type notificationRequest struct {
	Target   string         `json:"target" binding:"required"`
	Role     string         `json:"role"`
	Priority string         `json:"priority"`
	Mode     string         `json:"mode"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	Template string         `json:"template"`
	Context  map[string]any `json:"context"`
}

// Create validates and forwards one notification.
func (h *NotificationHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req notificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: target is required"})
		return
	}
	if req.Priority == "" && req.Mode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority or mode is required"})
		return
	}
	if req.Template == "" && req.Subject == "" && req.Body == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "template or subject/body is required"})
		return
	}

	payload := map[string]any{
		"target":      req.Target,
		"role":        req.Role,
		"priority":    req.Priority,
		"mode":        req.Mode,
		"subject":     req.Subject,
		"body":        req.Body,
		"template":    req.Template,
		"context":     req.Context,
		"application": auth.App(c),
	}
	if err := h.client.Call(ctx, h.senderAddr, rpc.EndpointSend, payload); err != nil {
		slog.ErrorContext(ctx, "failed forwarding notification to sender",
			"error", err, "target", req.Target)
		c.JSON(http.StatusBadGateway, gin.H{"error": "sender unavailable"})
		return
	}

	slog.InfoContext(ctx, "notification forwarded", "target", req.Target, "mode", req.Mode)
	c.JSON(http.StatusOK, gin.H{"status": "queued"})
}
