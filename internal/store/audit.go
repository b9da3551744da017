package store

import (
	"context"
	"fmt"

	"github.com/klaxonhq/klaxon/internal/model"
)

type AuditStore struct {
	q Querier
}

// Append records one message change. The changelog is append-only.
func (s *AuditStore) Append(ctx context.Context, messageID int64, change model.AuditChange, old, new, description string) error {
	_, err := s.q.Exec(ctx, `INSERT INTO message_changelog
        (date, message_id, change_type, old, new, description)
    VALUES (NOW(), $1, $2, $3, $4, $5)`,
		messageID, string(change), old, new, description)
	if err != nil {
		return fmt.Errorf("appending message changelog: %w", err)
	}
	return nil
}

// ForMessage lists the changelog of one message, oldest first.
func (s *AuditStore) ForMessage(ctx context.Context, messageID int64) ([]model.AuditEntry, error) {
	rows, err := s.q.Query(ctx, `SELECT id, message_id, change_type, old, new, description, date
    FROM message_changelog WHERE message_id = $1 ORDER BY id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("querying message changelog: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.ChangeType, &e.Old, &e.New, &e.Description, &e.Date); err != nil {
			return nil, fmt.Errorf("scanning changelog entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes changelog rows older than the 3 month retention.
func (s *AuditStore) Prune(ctx context.Context) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM message_changelog WHERE date < NOW() - INTERVAL '3 months'`)
	if err != nil {
		return 0, fmt.Errorf("pruning message changelog: %w", err)
	}
	return tag.RowsAffected(), nil
}
