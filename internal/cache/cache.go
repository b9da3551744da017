// Package cache mirrors the slow-changing reference data the sender
// consults on every message: plans, notifications, targets, roles,
// priorities, modes, templates and reprioritization rules. The mirror is
// derived state and can be rebuilt from the database at any time.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/klaxonhq/klaxon/common/logger"
	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/store"
)

// RoleExpander maps a (role, target) pair to concrete user names.
type RoleExpander interface {
	Expand(ctx context.Context, role, target string) ([]string, error)
}

type Cache struct {
	stores   *store.Stores
	expander RoleExpander

	mu            sync.RWMutex
	plans         map[int64]*model.Plan
	notifications map[int64]*model.PlanNotification
	targetsByName map[string]model.Target
	targetsByID   map[int64]model.Target
	roles         map[int64]string
	modesByName   map[string]model.Mode
	modesByID     map[int64]model.Mode
	priosByName   map[string]model.Priority
	priosByID     map[int64]model.Priority
	templates     map[string]*model.Template
	applications  map[string]string
	rules         map[string]map[string]model.ReprioritizationRule
}

func New(stores *store.Stores, expander RoleExpander) *Cache {
	if expander == nil {
		expander = &dbExpander{targets: stores.Targets}
	}
	return &Cache{
		stores:        stores,
		expander:      expander,
		plans:         map[int64]*model.Plan{},
		notifications: map[int64]*model.PlanNotification{},
		targetsByName: map[string]model.Target{},
		targetsByID:   map[int64]model.Target{},
		roles:         map[int64]string{},
		modesByName:   map[string]model.Mode{},
		modesByID:     map[int64]model.Mode{},
		priosByName:   map[string]model.Priority{},
		priosByID:     map[int64]model.Priority{},
		templates:     map[string]*model.Template{},
		applications:  map[string]string{},
		rules:         map[string]map[string]model.ReprioritizationRule{},
	}
}

// Refresh rebuilds the full mirror. The snapshot swap happens under the
// write lock so readers never observe a partially loaded state.
func (c *Cache) Refresh(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "klaxon.sender.cache"})

	var (
		plans         map[int64]*model.Plan
		notifications map[int64]*model.PlanNotification
		targets       []model.Target
		roles         map[int64]string
		modes         []model.Mode
		priorities    []model.Priority
		templates     map[string]*model.Template
		applications  map[string]string
		rules         []model.ReprioritizationRule
	)

	// The tables are independent, load them in parallel off the pool.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		if plans, err = c.stores.Plans.All(gctx); err != nil {
			return fmt.Errorf("refreshing plans: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if notifications, err = c.stores.Plans.Notifications(gctx); err != nil {
			return fmt.Errorf("refreshing plan notifications: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if targets, err = c.stores.Targets.All(gctx); err != nil {
			return fmt.Errorf("refreshing targets: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if roles, err = c.stores.Targets.Roles(gctx); err != nil {
			return fmt.Errorf("refreshing roles: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if modes, err = c.stores.Targets.Modes(gctx); err != nil {
			return fmt.Errorf("refreshing modes: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if priorities, err = c.stores.Targets.Priorities(gctx); err != nil {
			return fmt.Errorf("refreshing priorities: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if templates, err = c.stores.Templates.Active(gctx); err != nil {
			return fmt.Errorf("refreshing templates: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if applications, err = c.stores.Targets.Applications(gctx); err != nil {
			return fmt.Errorf("refreshing applications: %w", err)
		}
		return nil
	})
	g.Go(func() (err error) {
		if rules, err = c.stores.Targets.ReprioritizationRules(gctx); err != nil {
			return fmt.Errorf("refreshing reprioritization rules: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	targetsByName := make(map[string]model.Target, len(targets))
	targetsByID := make(map[int64]model.Target, len(targets))
	for _, t := range targets {
		targetsByName[t.Name] = t
		targetsByID[t.ID] = t
	}
	modesByName := make(map[string]model.Mode, len(modes))
	modesByID := make(map[int64]model.Mode, len(modes))
	for _, m := range modes {
		modesByName[m.Name] = m
		modesByID[m.ID] = m
	}
	priosByName := make(map[string]model.Priority, len(priorities))
	priosByID := make(map[int64]model.Priority, len(priorities))
	for _, p := range priorities {
		priosByName[p.Name] = p
		priosByID[p.ID] = p
	}
	ruleIndex := map[string]map[string]model.ReprioritizationRule{}
	for _, r := range rules {
		if ruleIndex[r.TargetName] == nil {
			ruleIndex[r.TargetName] = map[string]model.ReprioritizationRule{}
		}
		ruleIndex[r.TargetName][r.SrcMode] = r
	}

	c.mu.Lock()
	c.plans = plans
	c.notifications = notifications
	c.targetsByName = targetsByName
	c.targetsByID = targetsByID
	c.roles = roles
	c.modesByName = modesByName
	c.modesByID = modesByID
	c.priosByName = priosByName
	c.priosByID = priosByID
	c.templates = templates
	c.applications = applications
	c.rules = ruleIndex
	c.mu.Unlock()

	slog.DebugContext(ctx, "cache refreshed",
		"plans", len(plans),
		"targets", len(targets),
		"templates", len(templates))
	return nil
}

func (c *Cache) Plan(id int64) (*model.Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[id]
	return p, ok
}

func (c *Cache) Notification(id int64) (*model.PlanNotification, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.notifications[id]
	return n, ok
}

func (c *Cache) Target(name string) (model.Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.targetsByName[name]
	return t, ok
}

func (c *Cache) TargetByID(id int64) (model.Target, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.targetsByID[id]
	return t, ok
}

func (c *Cache) Role(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.roles[id]
	return r, ok
}

func (c *Cache) Mode(name string) (model.Mode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modesByName[name]
	return m, ok
}

func (c *Cache) ModeByID(id int64) (model.Mode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modesByID[id]
	return m, ok
}

func (c *Cache) Priority(name string) (model.Priority, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.priosByName[name]
	return p, ok
}

func (c *Cache) PriorityByID(id int64) (model.Priority, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.priosByID[id]
	return p, ok
}

func (c *Cache) Template(name string) (*model.Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.templates[name]
	return t, ok
}

// ApplicationKeys returns the application name to HMAC key map.
func (c *Cache) ApplicationKeys() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.applications))
	for k, v := range c.applications {
		out[k] = v
	}
	return out
}

// Rule returns the reprioritization rule for (target, srcMode), if any.
func (c *Cache) Rule(target, srcMode string) (model.ReprioritizationRule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byMode, ok := c.rules[target]
	if !ok {
		return model.ReprioritizationRule{}, false
	}
	r, ok := byMode[srcMode]
	return r, ok
}

// TargetsForRole expands (role, target) to concrete user names.
func (c *Cache) TargetsForRole(ctx context.Context, role, target string) ([]string, error) {
	return c.expander.Expand(ctx, role, target)
}

// dbExpander resolves roles from the database: "user" is the identity,
// "team" enumerates membership. Oncall roles need an external schedule
// source and resolve empty here; the escalation engine falls back to the
// plan creator in that case.
type dbExpander struct {
	targets *store.TargetStore
}

func (e *dbExpander) Expand(ctx context.Context, role, target string) ([]string, error) {
	switch role {
	case "user":
		return []string{target}, nil
	case "team":
		return e.targets.TeamMembers(ctx, target)
	default:
		return nil, nil
	}
}
