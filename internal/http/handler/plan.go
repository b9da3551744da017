package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/store"
)

type PlanHandler struct {
	stores *store.Stores
}

func NewPlanHandler(stores *store.Stores) *PlanHandler {
	return &PlanHandler{stores: stores}
}

// Get returns a plan by numeric id, or the active plan of that name.
func (h *PlanHandler) Get(c *gin.Context) {
	ctx := c.Request.Context()
	ref := c.Param("id")

	planID, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		planID, err = h.stores.Plans.ActiveByName(ctx, ref)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
				return
			}
			slog.ErrorContext(ctx, "failed resolving plan name", "error", err, "plan", ref)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load plan"})
			return
		}
	}

	plan, err := h.stores.Plans.Get(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
			return
		}
		slog.ErrorContext(ctx, "failed loading plan", "error", err, "plan_id", planID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load plan"})
		return
	}
	c.JSON(http.StatusOK, planResponse(plan))
}

func planResponse(p *model.Plan) gin.H {
	return gin.H{
		"id":                 p.ID,
		"name":               p.Name,
		"description":        p.Description,
		"creator":            p.Creator,
		"created":            p.Created,
		"step_count":         p.StepCount,
		"threshold_window":   p.ThresholdWindow,
		"threshold_count":    p.ThresholdCount,
		"aggregation_window": p.AggregationWindow,
		"aggregation_reset":  p.AggregationReset,
		"tracking_type":      p.TrackingType,
		"tracking_key":       p.TrackingKey,
		"steps":              p.Steps,
	}
}

type activateRequest struct {
	Active *bool `json:"active" binding:"required"`
}

// Activate toggles whether a plan id is the active plan for its name.
func (h *PlanHandler) Activate(c *gin.Context) {
	ctx := c.Request.Context()

	planID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid plan id"})
		return
	}
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "active is required"})
		return
	}

	plan, err := h.stores.Plans.Get(ctx, planID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plan not found"})
			return
		}
		slog.ErrorContext(ctx, "failed loading plan", "error", err, "plan_id", planID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate plan"})
		return
	}

	if *req.Active {
		err = h.stores.Plans.SetActive(ctx, plan.Name, plan.ID)
	} else {
		err = h.stores.Plans.Deactivate(ctx, plan.Name)
	}
	if err != nil {
		slog.ErrorContext(ctx, "failed toggling plan activation", "error", err, "plan_id", planID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to activate plan"})
		return
	}

	slog.InfoContext(ctx, "plan activation changed", "plan_id", planID, "name", plan.Name, "active", *req.Active)
	c.JSON(http.StatusOK, gin.H{"id": plan.ID, "name": plan.Name, "active": *req.Active})
}
