package escalation_test

import (
	"context"

	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/render"
)

// mockCatalog serves the plan/target/role lookups the engine needs from
// fixed maps.
type mockCatalog struct {
	plans         map[int64]*model.Plan
	notifications map[int64]*model.PlanNotification
	roles         map[int64]string
	targets       map[string]model.Target
	targetsByID   map[int64]model.Target
	priorities    map[string]model.Priority
	expandFn      func(ctx context.Context, role, target string) ([]string, error)
}

func (m *mockCatalog) Plan(id int64) (*model.Plan, bool) {
	p, ok := m.plans[id]
	return p, ok
}

func (m *mockCatalog) Notification(id int64) (*model.PlanNotification, bool) {
	pn, ok := m.notifications[id]
	return pn, ok
}

func (m *mockCatalog) Role(id int64) (string, bool) {
	r, ok := m.roles[id]
	return r, ok
}

func (m *mockCatalog) Target(name string) (model.Target, bool) {
	t, ok := m.targets[name]
	return t, ok
}

func (m *mockCatalog) TargetByID(id int64) (model.Target, bool) {
	t, ok := m.targetsByID[id]
	return t, ok
}

func (m *mockCatalog) Priority(name string) (model.Priority, bool) {
	p, ok := m.priorities[name]
	return p, ok
}

func (m *mockCatalog) TargetsForRole(ctx context.Context, role, target string) ([]string, error) {
	if m.expandFn != nil {
		return m.expandFn(ctx, role, target)
	}
	return []string{target}, nil
}

type mockIncidentStore struct {
	newIncidentsFn func(ctx context.Context) ([]model.NewIncident, error)
	rowsFn         func(ctx context.Context) ([]model.EscalationRow, error)
	deactivateFn   func(ctx context.Context) (int64, error)

	steps       map[int64]int
	invalidated []int64
}

func (m *mockIncidentStore) NewIncidents(ctx context.Context) ([]model.NewIncident, error) {
	if m.newIncidentsFn != nil {
		return m.newIncidentsFn(ctx)
	}
	return nil, nil
}

func (m *mockIncidentStore) EscalationRows(ctx context.Context) ([]model.EscalationRow, error) {
	if m.rowsFn != nil {
		return m.rowsFn(ctx)
	}
	return nil, nil
}

func (m *mockIncidentStore) DeactivateExhausted(ctx context.Context) (int64, error) {
	if m.deactivateFn != nil {
		return m.deactivateFn(ctx)
	}
	return 0, nil
}

func (m *mockIncidentStore) SetStep(_ context.Context, incidentID int64, step int) error {
	if m.steps == nil {
		m.steps = map[int64]int{}
	}
	m.steps[incidentID] = step
	return nil
}

func (m *mockIncidentStore) Invalidate(_ context.Context, incidentID int64) error {
	m.invalidated = append(m.invalidated, incidentID)
	return nil
}

type mockMessageStore struct {
	inserted []model.InsertMessageParams
	insertFn func(ctx context.Context, p model.InsertMessageParams) error
}

func (m *mockMessageStore) Insert(ctx context.Context, p model.InsertMessageParams) error {
	if m.insertFn != nil {
		if err := m.insertFn(ctx, p); err != nil {
			return err
		}
	}
	m.inserted = append(m.inserted, p)
	return nil
}

type auditRecord struct {
	messageID   int64
	change      model.AuditChange
	old         string
	new         string
	description string
}

type mockAuditStore struct {
	entries []auditRecord
}

func (m *mockAuditStore) Append(_ context.Context, messageID int64, change model.AuditChange, old, new, description string) error {
	m.entries = append(m.entries, auditRecord{messageID, change, old, new, description})
	return nil
}

type mockTrackingRenderer struct {
	renderFn func(plan *model.Plan, application string, context map[string]any) (render.TrackingContent, bool)
}

func (m *mockTrackingRenderer) RenderTracking(plan *model.Plan, application string, context map[string]any) (render.TrackingContent, bool) {
	if m.renderFn != nil {
		return m.renderFn(plan, application, context)
	}
	return render.TrackingContent{}, false
}
