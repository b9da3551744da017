package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/klaxonhq/klaxon/common/id"
	"github.com/klaxonhq/klaxon/internal/auth"
	"github.com/klaxonhq/klaxon/internal/store"
)

type IncidentHandler struct {
	stores *store.Stores
}

func NewIncidentHandler(stores *store.Stores) *IncidentHandler {
	return &IncidentHandler{stores: stores}
}

type createIncidentRequest struct {
	Plan    string         `json:"plan" binding:"required"`
	Context map[string]any `json:"context"`
}

// Create opens an incident against the active plan of the given name.
// The incident starts at step 0; the sender picks it up on its next
// escalation pass.
func (h *IncidentHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	var req createIncidentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: plan is required"})
		return
	}

	planID, err := h.stores.Plans.ActiveByName(ctx, req.Plan)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no active plan with that name"})
			return
		}
		slog.ErrorContext(ctx, "failed resolving active plan", "error", err, "plan", req.Plan)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create incident"})
		return
	}

	app := auth.App(c)
	applicationID, err := h.stores.Targets.ApplicationID(ctx, app)
	if err != nil {
		slog.ErrorContext(ctx, "failed resolving application", "error", err, "application", app)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create incident"})
		return
	}

	if req.Context == nil {
		req.Context = map[string]any{}
	}
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "context is not serializable"})
		return
	}

	incidentID := id.New()
	if err := h.stores.Incidents.Create(ctx, incidentID, planID, applicationID, contextJSON); err != nil {
		slog.ErrorContext(ctx, "failed creating incident", "error", err, "plan", req.Plan)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create incident"})
		return
	}

	slog.InfoContext(ctx, "incident created",
		"incident_id", incidentID, "plan", req.Plan, "application", app)
	c.JSON(http.StatusCreated, gin.H{"id": incidentID})
}

// Get returns one incident.
func (h *IncidentHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()

	incidentID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid incident id"})
		return
	}
	inc, err := h.stores.Incidents.Get(ctx, incidentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "incident not found"})
			return
		}
		slog.ErrorContext(ctx, "failed loading incident", "error", err, "incident_id", incidentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load incident"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":           inc.ID,
		"plan_id":      inc.PlanID,
		"context":      json.RawMessage(inc.Context),
		"created":      inc.Created,
		"updated":      inc.Updated,
		"current_step": inc.CurrentStep,
		"active":       inc.Active,
		"owner_id":     inc.OwnerID,
	})
}

type claimRequest struct {
	Owner string `json:"owner"`
}

// Claim sets the incident owner and stops further escalation. An empty
// owner re-opens the incident.
func (h *IncidentHandler) Claim(c *gin.Context) {
	ctx := c.Request.Context()

	incidentID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid incident id"})
		return
	}
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	err = h.stores.InTx(ctx, func(s *store.Stores) error {
		return s.Incidents.Claim(ctx, incidentID, req.Owner)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed claiming incident", "error", err, "incident_id", incidentID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim incident"})
		return
	}

	slog.InfoContext(ctx, "incident claimed", "incident_id", incidentID, "owner", req.Owner)
	c.JSON(http.StatusOK, gin.H{"id": incidentID, "owner": req.Owner, "active": req.Owner == ""})
}

// ClaimBatch claims every incident behind an aggregated batch.
func (h *IncidentHandler) ClaimBatch(c *gin.Context) {
	ctx := c.Request.Context()

	batchID := c.Param("batch_id")
	var req claimRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Owner == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "owner is required"})
		return
	}

	err := h.stores.InTx(ctx, func(s *store.Stores) error {
		return s.Incidents.ClaimBatch(ctx, batchID, req.Owner)
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed claiming batch", "error", err, "batch_id", batchID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to claim batch"})
		return
	}

	slog.InfoContext(ctx, "batch claimed", "batch_id", batchID, "owner", req.Owner)
	c.JSON(http.StatusOK, gin.H{"batch_id": batchID, "owner": req.Owner})
}
