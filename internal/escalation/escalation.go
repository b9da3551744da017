// Package escalation advances active incidents through their plan
// steps. Each pass handles new incidents, repeats notifications whose
// wait elapsed, moves exhausted steps forward, and retires incidents
// whose final step ran dry.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/klaxonhq/klaxon/common/id"
	"github.com/klaxonhq/klaxon/common/logger"
	"github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/render"
)

// catalog is the slice of the cache the engine reads.
type catalog interface {
	Plan(id int64) (*model.Plan, bool)
	Notification(id int64) (*model.PlanNotification, bool)
	Role(id int64) (string, bool)
	Target(name string) (model.Target, bool)
	TargetByID(id int64) (model.Target, bool)
	Priority(name string) (model.Priority, bool)
	TargetsForRole(ctx context.Context, role, target string) ([]string, error)
}

type incidentStore interface {
	NewIncidents(ctx context.Context) ([]model.NewIncident, error)
	EscalationRows(ctx context.Context) ([]model.EscalationRow, error)
	DeactivateExhausted(ctx context.Context) (int64, error)
	SetStep(ctx context.Context, incidentID int64, step int) error
	Invalidate(ctx context.Context, incidentID int64) error
}

type messageStore interface {
	Insert(ctx context.Context, p model.InsertMessageParams) error
}

type auditStore interface {
	Append(ctx context.Context, messageID int64, change model.AuditChange, old, new, description string) error
}

type trackingRenderer interface {
	RenderTracking(plan *model.Plan, application string, context map[string]any) (render.TrackingContent, bool)
}

type Engine struct {
	incidents incidentStore
	messages  messageStore
	audit     auditStore
	cache     catalog
	renderer  trackingRenderer

	// sendQ receives out-of-band tracking notifications directly; they
	// have no message row and skip aggregation.
	sendQ chan<- *model.Message
}

func New(incidents incidentStore, messages messageStore, audit auditStore, c catalog,
	renderer trackingRenderer, sendQ chan<- *model.Message,
) *Engine {
	return &Engine{incidents: incidents, messages: messages, audit: audit, cache: c, renderer: renderer, sendQ: sendQ}
}

// Deactivate retires incidents whose final step is fully exhausted.
func (e *Engine) Deactivate(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "klaxon.sender.escalation"})
	n, err := e.incidents.DeactivateExhausted(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.InfoContext(ctx, "deactivated exhausted incidents", "count", n)
	}
	return nil
}

type pendingStep struct {
	planID        int64
	applicationID int64
	step          int
}

// Escalate runs one escalation pass.
func (e *Engine) Escalate(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "klaxon.sender.escalation"})

	// New incidents enter step 1 and fire their tracking notification.
	newIncidents, err := e.incidents.NewIncidents(ctx)
	if err != nil {
		return err
	}
	escalations := map[int64]pendingStep{}
	for _, inc := range newIncidents {
		escalations[inc.ID] = pendingStep{planID: inc.PlanID, applicationID: inc.ApplicationID, step: 1}
		e.sendTracking(ctx, inc)
	}
	slog.InfoContext(ctx, "new incidents picked up", "count", len(newIncidents))

	// Existing incidents: repeat under-sent notifications, queue a step
	// advance where the current step is spent.
	rows, err := e.incidents.EscalationRows(ctx)
	if err != nil {
		return err
	}
	msgCount := 0
	for _, row := range rows {
		if row.Count < row.Max {
			pn, ok := e.cache.Notification(row.PlanNotificationID)
			if !ok {
				slog.ErrorContext(ctx, "plan notification missing from cache",
					"plan_notification_id", row.PlanNotificationID)
				continue
			}
			created, err := e.createMessages(ctx, row.IncidentID, row.ApplicationID, pn)
			if err != nil {
				return err
			}
			if created {
				msgCount++
			}
		} else {
			escalations[row.IncidentID] = pendingStep{
				planID:        row.PlanID,
				applicationID: row.ApplicationID,
				step:          row.CurrentStep + 1,
			}
		}
	}

	for incidentID, pending := range escalations {
		n, err := e.advance(ctx, incidentID, pending)
		if err != nil {
			return err
		}
		msgCount += n
	}

	slog.InfoContext(ctx, "escalation pass finished", "new_messages", msgCount)
	return nil
}

// advance moves one incident to its pending step and emits the step's
// messages. A step with no notifications invalidates the incident.
func (e *Engine) advance(ctx context.Context, incidentID int64, pending pendingStep) (int, error) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		IncidentID: logger.Ptr(incidentID),
		PlanID:     logger.Ptr(pending.planID),
	})

	plan, ok := e.cache.Plan(pending.planID)
	if !ok {
		slog.ErrorContext(ctx, "plan missing from cache, invalidating incident")
		return 0, e.incidents.Invalidate(ctx, incidentID)
	}
	notificationIDs := plan.Steps[pending.step]
	if len(notificationIDs) == 0 {
		slog.ErrorContext(ctx, "plan has no notifications at step, incident is invalid",
			"step", pending.step)
		return 0, e.incidents.Invalidate(ctx, incidentID)
	}

	created := 0
	for _, pnID := range notificationIDs {
		pn, ok := e.cache.Notification(pnID)
		if !ok {
			slog.ErrorContext(ctx, "plan notification missing from cache", "plan_notification_id", pnID)
			continue
		}
		ok, err := e.createMessages(ctx, incidentID, pending.applicationID, pn)
		if err != nil {
			return created, err
		}
		if ok {
			created++
		}
	}

	step := pending.step
	if created == 0 {
		// Nothing could be generated for the step, usually a role lookup
		// failure. Hold the incident at the previous step so the next
		// pass sees it and retries the advance; committing the new step
		// with no message rows would strand the incident, since every
		// escalation query keys off messages at the current step.
		step = pending.step - 1
	}
	if err := e.incidents.SetStep(ctx, incidentID, step); err != nil {
		return created, err
	}
	return created, nil
}

// createMessages emits the message rows for one plan notification. When
// the role expands to nobody the plan creator is notified instead, at
// low priority, with an explanatory body prefix.
func (e *Engine) createMessages(ctx context.Context, incidentID, applicationID int64, pn *model.PlanNotification) (bool, error) {
	role, ok := e.cache.Role(pn.RoleID)
	if !ok {
		slog.ErrorContext(ctx, "unknown role on plan notification",
			"plan_notification_id", pn.ID, "role_id", pn.RoleID)
		return false, nil
	}
	target, ok := e.cache.TargetByID(pn.TargetID)
	if !ok {
		slog.ErrorContext(ctx, "unknown target on plan notification",
			"plan_notification_id", pn.ID, "target_id", pn.TargetID)
		return false, nil
	}

	names, err := e.cache.TargetsForRole(ctx, role, target.Name)
	if err != nil {
		slog.ErrorContext(ctx, "role expansion failed", "error", err,
			"role", role, "target", target.Name)
		names = nil
	}

	priorityID := pn.PriorityID
	body := ""
	changedTarget := false

	if len(names) == 0 {
		metrics.RoleLookupErrors.Inc()

		plan, ok := e.cache.Plan(pn.PlanID)
		if !ok || plan.Creator == "" {
			slog.ErrorContext(ctx, "no targets for notification and no plan creator to fall back to",
				"incident_id", incidentID, "plan_notification_id", pn.ID,
				"role", role, "target", target.Name)
			return false, nil
		}
		low, ok := e.cache.Priority("low")
		if !ok {
			slog.ErrorContext(ctx, "no targets for notification and low priority is undefined",
				"incident_id", incidentID, "plan_notification_id", pn.ID,
				"role", role, "target", target.Name)
			return false, nil
		}
		slog.ErrorContext(ctx, "no targets for notification, reaching out to plan creator at low priority",
			"incident_id", incidentID, "plan_notification_id", pn.ID,
			"role", role, "target", target.Name, "creator", plan.Creator)

		body = fmt.Sprintf("You are receiving this as you created this plan and we can't resolve %s of %s at this time.\n\n",
			role, target.Name)
		names = []string{plan.Creator}
		priorityID = low.ID
		changedTarget = true
	}

	for _, name := range names {
		t, ok := e.cache.Target(name)
		if !ok {
			metrics.TargetsNotFound.Inc()
			slog.ErrorContext(ctx, "no target found", "name", name)
			continue
		}
		messageID := id.New()
		err := e.messages.Insert(ctx, model.InsertMessageParams{
			ID:                 messageID,
			PlanID:             pn.PlanID,
			PlanNotificationID: pn.ID,
			IncidentID:         incidentID,
			ApplicationID:      applicationID,
			TargetID:           t.ID,
			PriorityID:         priorityID,
			Body:               body,
		})
		if err != nil {
			return false, err
		}
		if changedTarget {
			if err := e.audit.Append(ctx, messageID, model.TargetChange,
				role+"|"+target.Name, name,
				"Changing target as we failed resolving original target"); err != nil {
				slog.ErrorContext(ctx, "failed to audit target change", "error", err)
			}
		}
	}
	return true, nil
}

// sendTracking emits the plan's out-of-band tracking notification for a
// new incident, when one is configured for the incident's application.
func (e *Engine) sendTracking(ctx context.Context, inc model.NewIncident) {
	plan, ok := e.cache.Plan(inc.PlanID)
	if !ok || plan.TrackingType == nil || plan.TrackingKey == nil {
		return
	}
	if *plan.TrackingType != "email" {
		slog.WarnContext(ctx, "unsupported tracking type", "type", *plan.TrackingType,
			"plan_id", plan.ID)
		return
	}

	context := map[string]any{}
	if len(inc.Context) > 0 {
		if err := json.Unmarshal(inc.Context, &context); err != nil {
			slog.ErrorContext(ctx, "incident context undecodable for tracking notification",
				"error", err, "incident_id", inc.ID)
			context = map[string]any{}
		}
	}
	context["klaxon"] = map[string]any{
		"incident_id": inc.ID,
		"plan":        plan.Name,
		"plan_id":     plan.ID,
		"application": inc.Application,
	}

	content, ok := e.renderer.RenderTracking(plan, inc.Application, context)
	if !ok {
		return
	}

	e.sendQ <- &model.Message{
		NoReply:     true,
		Mode:        "email",
		Destination: *plan.TrackingKey,
		Application: inc.Application,
		Subject:     content.Subject,
		Body:        content.Body,
		ExtraHTML:   content.HTML,
		IncidentID:  logger.Ptr(inc.ID),
	}
}
