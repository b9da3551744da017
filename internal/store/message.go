package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/klaxonhq/klaxon/internal/model"
)

type MessageStore struct {
	q Querier
}

// Insert emits one message row for a plan notification. Sent rows carry
// body "" until the renderer fills them in at dispatch time.
func (s *MessageStore) Insert(ctx context.Context, p model.InsertMessageParams) error {
	_, err := s.q.Exec(ctx, `INSERT INTO message
        (id, created, plan_id, plan_notification_id, incident_id, application_id, target_id, priority_id, body, active)
    VALUES ($1, NOW(), $2, $3, $4, $5, $6, $7, $8, TRUE)`,
		p.ID, p.PlanID, p.PlanNotificationID, p.IncidentID, p.ApplicationID, p.TargetID, p.PriorityID, p.Body)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

const unsentMessagesSQL = `SELECT
    message.body,
    message.id,
    target.name,
    priority.name,
    priority.id,
    application.name,
    COALESCE(plan.name, ''),
    plan.id,
    incident.id,
    incident.context,
    COALESCE(plan_notification.template, '')
FROM message
JOIN application ON message.application_id = application.id
JOIN priority ON message.priority_id = priority.id
JOIN target ON message.target_id = target.id
LEFT OUTER JOIN plan ON message.plan_id = plan.id
LEFT OUTER JOIN plan_notification ON message.plan_notification_id = plan_notification.id
LEFT OUTER JOIN incident ON message.incident_id = incident.id
WHERE message.active`

// Unsent streams the active unsent messages, excluding ids currently
// buffered for aggregation. Contexts are decoded and the engine metadata
// is injected under context["klaxon"].
func (s *MessageStore) Unsent(ctx context.Context, excludeIDs []int64) ([]model.Message, error) {
	query := unsentMessagesSQL
	var args []any
	if len(excludeIDs) > 0 {
		query += ` AND NOT (message.id = ANY($1))`
		args = append(args, excludeIDs)
	}

	rows, err := s.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying unsent messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var (
			m       model.Message
			rawCtx  []byte
			msgID   int64
		)
		if err := rows.Scan(&m.Body, &msgID, &m.Target, &m.Priority, &m.PriorityID,
			&m.Application, &m.Plan, &m.PlanID, &m.IncidentID, &rawCtx, &m.Template); err != nil {
			return nil, fmt.Errorf("scanning unsent message: %w", err)
		}
		m.MessageID = msgID
		if len(rawCtx) > 0 {
			context := map[string]any{}
			if err := json.Unmarshal(rawCtx, &context); err == nil {
				context["klaxon"] = map[string]any{
					"message_id":  m.MessageID,
					"target":      m.Target,
					"priority":    m.Priority,
					"application": m.Application,
					"plan":        m.Plan,
					"plan_id":     m.PlanID,
					"incident_id": m.IncidentID,
					"template":    m.Template,
				}
				m.Context = context
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ActiveIDs filters the given message ids down to those still active.
// Claims may have deactivated buffered messages between intake and flush.
func (s *MessageStore) ActiveIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	rows, err := s.q.Query(ctx, `SELECT id FROM message WHERE active AND id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying active message ids: %w", err)
	}
	defer rows.Close()

	active := make(map[int64]bool, len(ids))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning message id: %w", err)
		}
		active[id] = true
	}
	return active, rows.Err()
}

// MarkSent finalizes a sent message row.
func (s *MessageStore) MarkSent(ctx context.Context, m *model.Message) error {
	_, err := s.q.Exec(ctx, `UPDATE message
    SET destination = $1,
        mode_id = $2,
        template_id = $3,
        subject = $4,
        body = $5,
        active = FALSE,
        sent = NOW()
    WHERE id = $6`,
		m.Destination, m.ModeID, m.TemplateID, m.Subject, m.Body, m.MessageID)
	if err != nil {
		return fmt.Errorf("marking message sent: %w", err)
	}
	return nil
}

// MarkBatchSent finalizes every message of an aggregated batch in one
// statement, stamping the shared batch id.
func (s *MessageStore) MarkBatchSent(ctx context.Context, m *model.Message) error {
	_, err := s.q.Exec(ctx, `UPDATE message
    SET destination = $1,
        mode_id = $2,
        template_id = $3,
        subject = $4,
        body = $5,
        batch = $6,
        active = FALSE,
        sent = NOW()
    WHERE id = ANY($7)`,
		m.Destination, m.ModeID, m.TemplateID, m.Subject, m.Body, m.BatchID, m.AggregatedIDs)
	if err != nil {
		return fmt.Errorf("marking batch sent: %w", err)
	}
	return nil
}

// UpdateMode records a mode rewrite (vendor failure fallback) on the row.
func (s *MessageStore) UpdateMode(ctx context.Context, messageID, modeID int64, destination string) error {
	_, err := s.q.Exec(ctx, `UPDATE message SET mode_id = $1, destination = $2 WHERE id = $3`,
		modeID, destination, messageID)
	if err != nil {
		return fmt.Errorf("updating message mode: %w", err)
	}
	return nil
}

// Deactivate drops a message that cannot be delivered to any contact.
func (s *MessageStore) Deactivate(ctx context.Context, messageID int64) error {
	_, err := s.q.Exec(ctx, `UPDATE message SET active = FALSE WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("deactivating message: %w", err)
	}
	return nil
}

// Content loads the stored subject/body of a message. Response echoes
// have their content in the row rather than a template.
func (s *MessageStore) Content(ctx context.Context, messageID int64) (subject, body string, err error) {
	var subj *string
	err = s.q.QueryRow(ctx, `SELECT subject, body FROM message WHERE id = $1`, messageID).Scan(&subj, &body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", ErrNotFound
		}
		return "", "", fmt.Errorf("querying message content: %w", err)
	}
	if subj != nil {
		subject = *subj
	}
	return subject, body, nil
}

// Get returns the read-model of one message row for the API.
func (s *MessageStore) Get(ctx context.Context, messageID int64) (map[string]any, error) {
	var (
		id          int64
		incidentID  *int64
		planID      *int64
		target      string
		priority    string
		application string
		mode        *string
		destination *string
		subject     *string
		body        string
		batch       *string
		active      bool
	)
	err := s.q.QueryRow(ctx, `SELECT message.id, message.incident_id, message.plan_id,
        target.name, priority.name, application.name, mode.name,
        message.destination, message.subject, message.body, message.batch, message.active
    FROM message
    JOIN target ON message.target_id = target.id
    JOIN priority ON message.priority_id = priority.id
    JOIN application ON message.application_id = application.id
    LEFT OUTER JOIN mode ON message.mode_id = mode.id
    WHERE message.id = $1`, messageID).Scan(
		&id, &incidentID, &planID, &target, &priority, &application, &mode,
		&destination, &subject, &body, &batch, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return map[string]any{
		"id":          id,
		"incident_id": incidentID,
		"plan_id":     planID,
		"target":      target,
		"priority":    priority,
		"application": application,
		"mode":        mode,
		"destination": destination,
		"subject":     subject,
		"body":        body,
		"batch":       batch,
		"active":      active,
	}, nil
}
