package store

import (
	"context"
	"fmt"

	"github.com/klaxonhq/klaxon/internal/model"
)

type TargetStore struct {
	q Querier
}

// All loads every target with its type name.
func (s *TargetStore) All(ctx context.Context) ([]model.Target, error) {
	rows, err := s.q.Query(ctx, `SELECT target.id, target.name, target_type.name
    FROM target
    JOIN target_type ON target.type_id = target_type.id`)
	if err != nil {
		return nil, fmt.Errorf("querying targets: %w", err)
	}
	defer rows.Close()

	var out []model.Target
	for rows.Next() {
		var t model.Target
		if err := rows.Scan(&t.ID, &t.Name, &t.Type); err != nil {
			return nil, fmt.Errorf("scanning target: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Modes loads the mode table.
func (s *TargetStore) Modes(ctx context.Context) ([]model.Mode, error) {
	rows, err := s.q.Query(ctx, `SELECT id, name FROM mode`)
	if err != nil {
		return nil, fmt.Errorf("querying modes: %w", err)
	}
	defer rows.Close()

	var out []model.Mode
	for rows.Next() {
		var m model.Mode
		if err := rows.Scan(&m.ID, &m.Name); err != nil {
			return nil, fmt.Errorf("scanning mode: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Priorities loads the priority table with default modes.
func (s *TargetStore) Priorities(ctx context.Context) ([]model.Priority, error) {
	rows, err := s.q.Query(ctx, `SELECT id, name, mode_id FROM priority`)
	if err != nil {
		return nil, fmt.Errorf("querying priorities: %w", err)
	}
	defer rows.Close()

	var out []model.Priority
	for rows.Next() {
		var p model.Priority
		if err := rows.Scan(&p.ID, &p.Name, &p.ModeID); err != nil {
			return nil, fmt.Errorf("scanning priority: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Roles loads the role catalog (target_role holds role names).
func (s *TargetStore) Roles(ctx context.Context) (map[int64]string, error) {
	rows, err := s.q.Query(ctx, `SELECT id, name FROM target_role`)
	if err != nil {
		return nil, fmt.Errorf("querying roles: %w", err)
	}
	defer rows.Close()

	out := map[int64]string{}
	for rows.Next() {
		var (
			id   int64
			name string
		)
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scanning role: %w", err)
		}
		out[id] = name
	}
	return out, rows.Err()
}

// TeamMembers expands a team target into its member user names.
func (s *TargetStore) TeamMembers(ctx context.Context, team string) ([]string, error) {
	rows, err := s.q.Query(ctx, `SELECT member.name
    FROM user_team
    JOIN target team ON user_team.team_id = team.id
    JOIN target member ON user_team.user_id = member.id
    WHERE team.name = $1`, team)
	if err != nil {
		return nil, fmt.Errorf("querying team members: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning team member: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// Applications loads application names and their HMAC keys.
func (s *TargetStore) Applications(ctx context.Context) (map[string]string, error) {
	rows, err := s.q.Query(ctx, `SELECT name, key FROM application`)
	if err != nil {
		return nil, fmt.Errorf("querying applications: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, key string
		if err := rows.Scan(&name, &key); err != nil {
			return nil, fmt.Errorf("scanning application: %w", err)
		}
		out[name] = key
	}
	return out, rows.Err()
}

// ApplicationID resolves an application name to its id.
func (s *TargetStore) ApplicationID(ctx context.Context, name string) (int64, error) {
	var id int64
	if err := s.q.QueryRow(ctx, `SELECT id FROM application WHERE name = $1`, name).Scan(&id); err != nil {
		return 0, ErrNotFound
	}
	return id, nil
}

// ReprioritizationRules loads the per-target mode rewrite rules, skipping
// rows outside the allowed bounds.
func (s *TargetStore) ReprioritizationRules(ctx context.Context) ([]model.ReprioritizationRule, error) {
	rows, err := s.q.Query(ctx, `SELECT target.name, src.name, src.id, dst.name, dst.id,
        target_reprioritization.count, target_reprioritization.duration
    FROM target_reprioritization
    JOIN target ON target_reprioritization.target_id = target.id
    JOIN mode src ON target_reprioritization.src_mode_id = src.id
    JOIN mode dst ON target_reprioritization.dst_mode_id = dst.id`)
	if err != nil {
		return nil, fmt.Errorf("querying reprioritization rules: %w", err)
	}
	defer rows.Close()

	var out []model.ReprioritizationRule
	for rows.Next() {
		var r model.ReprioritizationRule
		if err := rows.Scan(&r.TargetName, &r.SrcMode, &r.SrcModeID, &r.DstMode, &r.DstModeID,
			&r.Count, &r.Duration); err != nil {
			return nil, fmt.Errorf("scanning reprioritization rule: %w", err)
		}
		if !r.Valid() {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
