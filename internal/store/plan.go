package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/klaxonhq/klaxon/internal/model"
)

type PlanStore struct {
	q Querier
}

const plansSQL = `SELECT plan.id, plan.name, plan.description, target.name,
    plan.created, plan.step_count, plan.threshold_window, plan.threshold_count,
    plan.aggregation_window, plan.aggregation_reset,
    plan.tracking_type, plan.tracking_key, plan.tracking_template
FROM plan
JOIN target ON plan.user_id = target.id`

// All loads every plan with its step layout. The cache mirrors this.
func (s *PlanStore) All(ctx context.Context) (map[int64]*model.Plan, error) {
	rows, err := s.q.Query(ctx, plansSQL)
	if err != nil {
		return nil, fmt.Errorf("querying plans: %w", err)
	}
	defer rows.Close()

	plans := map[int64]*model.Plan{}
	for rows.Next() {
		var (
			p           model.Plan
			trackingRaw []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Creator, &p.Created,
			&p.StepCount, &p.ThresholdWindow, &p.ThresholdCount,
			&p.AggregationWindow, &p.AggregationReset,
			&p.TrackingType, &p.TrackingKey, &trackingRaw); err != nil {
			return nil, fmt.Errorf("scanning plan: %w", err)
		}
		if len(trackingRaw) > 0 {
			tpl := map[string]model.TrackingTemplate{}
			if err := json.Unmarshal(trackingRaw, &tpl); err == nil {
				p.TrackingTemplate = tpl
			}
		}
		p.Steps = map[int][]int64{}
		plans[p.ID] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	notifications, err := s.Notifications(ctx)
	if err != nil {
		return nil, err
	}
	for _, n := range notifications {
		if p, ok := plans[n.PlanID]; ok {
			p.Steps[n.Step] = append(p.Steps[n.Step], n.ID)
		}
	}
	return plans, nil
}

// Notifications loads every plan notification, keyed by id.
func (s *PlanStore) Notifications(ctx context.Context) (map[int64]*model.PlanNotification, error) {
	rows, err := s.q.Query(ctx, `SELECT id, plan_id, step, priority_id, target_id, role_id,
        COALESCE(template, ''), "repeat", wait
    FROM plan_notification ORDER BY plan_id, step, id`)
	if err != nil {
		return nil, fmt.Errorf("querying plan notifications: %w", err)
	}
	defer rows.Close()

	out := map[int64]*model.PlanNotification{}
	for rows.Next() {
		var n model.PlanNotification
		if err := rows.Scan(&n.ID, &n.PlanID, &n.Step, &n.PriorityID, &n.TargetID,
			&n.RoleID, &n.Template, &n.Repeat, &n.Wait); err != nil {
			return nil, fmt.Errorf("scanning plan notification: %w", err)
		}
		out[n.ID] = &n
	}
	return out, rows.Err()
}

// Get returns one plan with its step layout.
func (s *PlanStore) Get(ctx context.Context, id int64) (*model.Plan, error) {
	var (
		p           model.Plan
		trackingRaw []byte
	)
	err := s.q.QueryRow(ctx, plansSQL+` WHERE plan.id = $1`, id).Scan(
		&p.ID, &p.Name, &p.Description, &p.Creator, &p.Created,
		&p.StepCount, &p.ThresholdWindow, &p.ThresholdCount,
		&p.AggregationWindow, &p.AggregationReset,
		&p.TrackingType, &p.TrackingKey, &trackingRaw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying plan: %w", err)
	}
	if len(trackingRaw) > 0 {
		tpl := map[string]model.TrackingTemplate{}
		if err := json.Unmarshal(trackingRaw, &tpl); err == nil {
			p.TrackingTemplate = tpl
		}
	}

	p.Steps = map[int][]int64{}
	rows, err := s.q.Query(ctx, `SELECT id, step FROM plan_notification WHERE plan_id = $1 ORDER BY step, id`, id)
	if err != nil {
		return nil, fmt.Errorf("querying plan steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var nID int64
		var step int
		if err := rows.Scan(&nID, &step); err != nil {
			return nil, fmt.Errorf("scanning plan step: %w", err)
		}
		p.Steps[step] = append(p.Steps[step], nID)
	}
	return &p, rows.Err()
}

// ActiveByName resolves an active plan id by name.
func (s *PlanStore) ActiveByName(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.q.QueryRow(ctx, `SELECT plan_id FROM plan_active WHERE name = $1`, name).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("querying active plan: %w", err)
	}
	return id, nil
}

// SetActive points a plan name at the given plan id, replacing any
// previous activation for that name.
func (s *PlanStore) SetActive(ctx context.Context, name string, planID int64) error {
	_, err := s.q.Exec(ctx, `INSERT INTO plan_active (name, plan_id) VALUES ($1, $2)
    ON CONFLICT (name) DO UPDATE SET plan_id = EXCLUDED.plan_id`, name, planID)
	if err != nil {
		return fmt.Errorf("activating plan: %w", err)
	}
	return nil
}

// Deactivate removes a plan name's activation.
func (s *PlanStore) Deactivate(ctx context.Context, name string) error {
	if _, err := s.q.Exec(ctx, `DELETE FROM plan_active WHERE name = $1`, name); err != nil {
		return fmt.Errorf("deactivating plan: %w", err)
	}
	return nil
}
