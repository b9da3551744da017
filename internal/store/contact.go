package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/klaxonhq/klaxon/internal/model"
)

type ContactStore struct {
	q Querier
}

// Resolution order when a message has no preset mode:
// application-specific setting, then user default, then priority default.
const resolveByPrioritySQL = `SELECT target_contact.destination, mode.name, mode.id
FROM target
JOIN target_contact ON target_contact.target_id = target.id
JOIN mode ON mode.id = target_contact.mode_id
WHERE target.name = $1 AND target_contact.mode_id = COALESCE(
    (
        SELECT target_application_mode.mode_id
        FROM target_application_mode
        JOIN application ON target_application_mode.application_id = application.id
        WHERE target_application_mode.target_id = target.id
          AND application.name = $2
          AND target_application_mode.priority_id = $3
    ),
    (
        SELECT target_mode.mode_id
        FROM target_mode
        WHERE target_mode.target_id = target.id
          AND target_mode.priority_id = $3
    ),
    (
        SELECT mode_id FROM priority WHERE id = $3
    )
)`

// ResolveByPriority resolves (target, application, priority) to the
// contact the cascade selects. ErrNotFound means the selected mode has no
// contact row for the target.
func (s *ContactStore) ResolveByPriority(ctx context.Context, target, application string, priorityID int64) (*model.Contact, error) {
	var c model.Contact
	err := s.q.QueryRow(ctx, resolveByPrioritySQL, target, application, priorityID).
		Scan(&c.Destination, &c.Mode, &c.ModeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolving contact by priority: %w", err)
	}
	return &c, nil
}

// ResolveByMode resolves a (target, mode name) pair to its contact.
func (s *ContactStore) ResolveByMode(ctx context.Context, target, mode string) (*model.Contact, error) {
	var c model.Contact
	err := s.q.QueryRow(ctx, `SELECT target_contact.destination, mode.name, mode.id
    FROM target
    JOIN target_contact ON target_contact.target_id = target.id
    JOIN mode ON mode.id = target_contact.mode_id
    WHERE target.name = $1 AND mode.name = $2`, target, mode).
		Scan(&c.Destination, &c.Mode, &c.ModeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("resolving fallback contact: %w", err)
	}
	return &c, nil
}

// DestinationByModeID resolves a (target, mode id) pair to a destination.
// Out-of-band notifications arrive with the mode already chosen.
func (s *ContactStore) DestinationByModeID(ctx context.Context, target string, modeID int64) (string, error) {
	var destination string
	err := s.q.QueryRow(ctx, `SELECT destination FROM target_contact
    JOIN target ON target.id = target_contact.target_id
    WHERE target.name = $1 AND target_contact.mode_id = $2`, target, modeID).
		Scan(&destination)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("resolving destination: %w", err)
	}
	return destination, nil
}
