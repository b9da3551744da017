package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/klaxonhq/klaxon/internal/model"
)

type IncidentStore struct {
	q Querier
}

const newIncidentsSQL = `SELECT
    incident.id,
    incident.plan_id,
    incident.application_id,
    incident.context,
    application.name
FROM incident
JOIN application ON incident.application_id = application.id
WHERE incident.current_step = 0 AND incident.active`

// NewIncidents returns incidents still at step 0 awaiting their first
// escalation.
func (s *IncidentStore) NewIncidents(ctx context.Context) ([]model.NewIncident, error) {
	rows, err := s.q.Query(ctx, newIncidentsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying new incidents: %w", err)
	}
	defer rows.Close()

	var out []model.NewIncident
	for rows.Next() {
		var n model.NewIncident
		if err := rows.Scan(&n.ID, &n.PlanID, &n.ApplicationID, &n.Context, &n.Application); err != nil {
			return nil, fmt.Errorf("scanning new incident: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// Per (incident, plan_notification, target): message count against the
// allowed max, and the age of the newest message against the wait.
const escalationRowsSQL = `SELECT
    incident_id,
    plan_id,
    application_id,
    plan_notification_id,
    MAX(cnt) AS cnt,
    max_sends,
    MIN(age) AS age,
    wait,
    step,
    current_step,
    step_count
FROM (
    SELECT
        m.incident_id AS incident_id,
        m.plan_notification_id AS plan_notification_id,
        COUNT(m.id) AS cnt,
        pn."repeat" + 1 AS max_sends,
        EXTRACT(EPOCH FROM (NOW() - MAX(m.created)))::bigint AS age,
        pn.wait AS wait,
        pn.step AS step,
        i.current_step AS current_step,
        p.step_count AS step_count,
        m.plan_id AS plan_id,
        m.application_id AS application_id
    FROM message m
    JOIN incident i ON m.incident_id = i.id
    JOIN plan_notification pn ON m.plan_notification_id = pn.id
    JOIN plan p ON m.plan_id = p.id
    WHERE i.active
    GROUP BY m.incident_id, m.plan_notification_id, m.target_id,
             pn."repeat", pn.wait, pn.step, i.current_step, p.step_count, m.plan_id, m.application_id
) per_target
GROUP BY incident_id, plan_id, application_id, plan_notification_id, max_sends, wait, step, current_step, step_count
HAVING MIN(age) > wait AND (MAX(cnt) < max_sends
                            OR (MAX(cnt) = max_sends AND step = current_step
                                AND step < step_count))`

// EscalationRows returns the (incident, plan_notification) pairs that are
// due for either a repeat send or a step advance.
func (s *IncidentStore) EscalationRows(ctx context.Context) ([]model.EscalationRow, error) {
	rows, err := s.q.Query(ctx, escalationRowsSQL)
	if err != nil {
		return nil, fmt.Errorf("querying escalation rows: %w", err)
	}
	defer rows.Close()

	var out []model.EscalationRow
	for rows.Next() {
		var r model.EscalationRow
		if err := rows.Scan(&r.IncidentID, &r.PlanID, &r.ApplicationID, &r.PlanNotificationID, &r.Count,
			&r.Max, &r.Age, &r.Wait, &r.Step, &r.CurrentStep, &r.StepCount); err != nil {
			return nil, fmt.Errorf("scanning escalation row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// An incident at its final step is exhausted when every notification of
// that step has emitted its full repeat+1 sends and the newest send is
// older than the notification's wait.
const deactivateExhaustedSQL = `UPDATE incident SET active = FALSE WHERE id IN (
    SELECT DISTINCT incident_id
    FROM (
        SELECT
            incident_id,
            plan_notification_id,
            max_sends,
            MAX(cnt) AS max_count,
            BOOL_AND(age > wait) AS waited_out
        FROM (
            SELECT
                m.incident_id AS incident_id,
                m.plan_notification_id AS plan_notification_id,
                COUNT(m.id) AS cnt,
                pn."repeat" + 1 AS max_sends,
                EXTRACT(EPOCH FROM (NOW() - MAX(m.sent)))::bigint AS age,
                pn.wait AS wait
            FROM message m
            JOIN incident i ON m.incident_id = i.id
            JOIN plan_notification pn ON m.plan_notification_id = pn.id
            JOIN plan p ON m.plan_id = p.id
            WHERE i.active
              AND i.current_step = p.step_count
              AND pn.step = i.current_step
            GROUP BY m.incident_id, m.plan_notification_id, m.target_id, pn."repeat", pn.wait
        ) per_target
        GROUP BY incident_id, plan_notification_id, max_sends
        HAVING MAX(cnt) = max_sends AND BOOL_AND(age > wait)
    ) exhausted
)`

// DeactivateExhausted marks incidents inactive once their final step is
// fully exhausted. Returns the number of incidents deactivated.
func (s *IncidentStore) DeactivateExhausted(ctx context.Context) (int64, error) {
	tag, err := s.q.Exec(ctx, deactivateExhaustedSQL)
	if err != nil {
		return 0, fmt.Errorf("deactivating exhausted incidents: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetStep moves an incident to the given step. The maintenance loop is
// the sole writer of current_step.
func (s *IncidentStore) SetStep(ctx context.Context, incidentID int64, step int) error {
	if _, err := s.q.Exec(ctx, `UPDATE incident SET current_step = $1 WHERE id = $2`, step, incidentID); err != nil {
		return fmt.Errorf("updating incident step: %w", err)
	}
	return nil
}

// Invalidate deactivates an incident whose plan turned out to have no
// notifications for the advanced step.
func (s *IncidentStore) Invalidate(ctx context.Context, incidentID int64) error {
	if _, err := s.q.Exec(ctx, `UPDATE incident SET active = FALSE WHERE id = $1`, incidentID); err != nil {
		return fmt.Errorf("invalidating incident: %w", err)
	}
	return nil
}

// Create inserts a new incident at step 0.
func (s *IncidentStore) Create(ctx context.Context, id, planID, applicationID int64, context []byte) error {
	_, err := s.q.Exec(ctx, `INSERT INTO incident
        (id, plan_id, application_id, context, created, updated, current_step, active)
    VALUES ($1, $2, $3, $4, NOW(), NOW(), 0, TRUE)`,
		id, planID, applicationID, context)
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

// Get returns one incident by id.
func (s *IncidentStore) Get(ctx context.Context, id int64) (*model.Incident, error) {
	var inc model.Incident
	err := s.q.QueryRow(ctx, `SELECT id, plan_id, application_id, context, created, updated,
        current_step, active, owner_id
    FROM incident WHERE id = $1`, id).Scan(
		&inc.ID, &inc.PlanID, &inc.ApplicationID, &inc.Context, &inc.Created,
		&inc.Updated, &inc.CurrentStep, &inc.Active, &inc.OwnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying incident: %w", err)
	}
	return &inc, nil
}

// Claim sets the incident's owner and deactivates it along with all of
// its pending messages. An empty owner re-opens the incident.
func (s *IncidentStore) Claim(ctx context.Context, incidentID int64, owner string) error {
	active := owner == ""
	_, err := s.q.Exec(ctx, `UPDATE incident
    SET updated = NOW(),
        active = $2,
        owner_id = (SELECT id FROM target WHERE name = NULLIF($3, ''))
    WHERE id = $1`, incidentID, active, owner)
	if err != nil {
		return fmt.Errorf("claiming incident: %w", err)
	}
	if _, err := s.q.Exec(ctx, `UPDATE message SET active = FALSE WHERE incident_id = $1`, incidentID); err != nil {
		return fmt.Errorf("deactivating claimed messages: %w", err)
	}
	return nil
}

// ClaimBatch claims every incident behind an aggregated batch id and
// deactivates the sibling messages of those incidents.
func (s *IncidentStore) ClaimBatch(ctx context.Context, batchID, owner string) error {
	_, err := s.q.Exec(ctx, `UPDATE incident
    SET owner_id = (SELECT id FROM target WHERE name = $2),
        updated = NOW(),
        active = FALSE
    WHERE id IN (SELECT incident_id FROM message WHERE batch = $1)`, batchID, owner)
	if err != nil {
		return fmt.Errorf("claiming batch incidents: %w", err)
	}
	_, err = s.q.Exec(ctx, `UPDATE message SET active = FALSE
    WHERE incident_id IN (SELECT incident_id FROM message WHERE batch = $1)`, batchID)
	if err != nil {
		return fmt.Errorf("deactivating batch messages: %w", err)
	}
	return nil
}
