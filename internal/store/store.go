package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/klaxonhq/klaxon/core/db"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Querier is the subset of pgx shared by *pgxpool.Pool and pgx.Tx, so the
// same store methods run inside and outside transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Stores bundles the store layer over one Querier.
type Stores struct {
	Incidents *IncidentStore
	Messages  *MessageStore
	Plans     *PlanStore
	Targets   *TargetStore
	Templates *TemplateStore
	Contacts  *ContactStore
	Audit     *AuditStore

	database *db.DB
}

func NewStores(q Querier) *Stores {
	return &Stores{
		Incidents: &IncidentStore{q: q},
		Messages:  &MessageStore{q: q},
		Plans:     &PlanStore{q: q},
		Targets:   &TargetStore{q: q},
		Templates: &TemplateStore{q: q},
		Contacts:  &ContactStore{q: q},
		Audit:     &AuditStore{q: q},
	}
}

// FromDB builds Stores over the pool.
func FromDB(database *db.DB) *Stores {
	s := NewStores(database.Pool())
	s.database = database
	return s
}

// InTx runs fn against stores bound to one transaction. Multi-statement
// writes like claiming go through here so a failure between statements
// rolls everything back. Stores built straight over a Querier run fn as
// is; a transactional Querier is already atomic.
func (s *Stores) InTx(ctx context.Context, fn func(*Stores) error) error {
	if s.database == nil {
		return fn(s)
	}
	return s.database.WithTx(ctx, func(tx pgx.Tx) error {
		return fn(NewStores(tx))
	})
}
