// Package contact turns (target, priority) into a concrete (mode,
// destination) pair, applying reprioritization rules and the configured
// fallback mode when the cascade comes up empty.
package contact

import (
	"context"
	"errors"
	"log/slog"

	"github.com/klaxonhq/klaxon/common/logger"
	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/store"
)

type contactStore interface {
	DestinationByModeID(ctx context.Context, target string, modeID int64) (string, error)
	ResolveByPriority(ctx context.Context, target, application string, priorityID int64) (*model.Contact, error)
	ResolveByMode(ctx context.Context, target, mode string) (*model.Contact, error)
}

// ruleSource is the slice of the cache the resolver reads.
type ruleSource interface {
	Rule(target, srcMode string) (model.ReprioritizationRule, bool)
}

type counter interface {
	Incr(ctx context.Context, target, mode string, window int64) (int64, error)
}

type Resolver struct {
	contacts     contactStore
	rules        ruleSource
	tracker      counter
	fallbackMode string
}

func New(contacts contactStore, rules ruleSource, tracker *Tracker, fallbackMode string) *Resolver {
	r := &Resolver{contacts: contacts, rules: rules, fallbackMode: fallbackMode}
	if tracker != nil {
		r.tracker = tracker
	}
	return r
}

// Resolve fills Mode, ModeID and Destination in place. It reports false
// when no contact exists for the target in any mode, fallback included.
func (r *Resolver) Resolve(ctx context.Context, m *model.Message) bool {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "klaxon.sender.contact"})

	if m.ModeSet {
		// Out-of-band notifications arrive with the mode already chosen.
		destination, err := r.contacts.DestinationByModeID(ctx, m.Target, m.ModeID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.ErrorContext(ctx, "target has no contact for preset mode",
					"target", m.Target, "mode", m.Mode)
				return r.Fallback(ctx, m)
			}
			slog.ErrorContext(ctx, "contact lookup failed", "error", err, "target", m.Target)
			return false
		}
		m.Destination = destination
	} else {
		c, err := r.contacts.ResolveByPriority(ctx, m.Target, m.Application, m.PriorityID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				slog.ErrorContext(ctx, "target has no contact for resolved mode",
					"target", m.Target, "priority", m.Priority)
				return r.Fallback(ctx, m)
			}
			slog.ErrorContext(ctx, "contact lookup failed", "error", err, "target", m.Target)
			return false
		}
		m.Destination = c.Destination
		m.Mode = c.Mode
		m.ModeID = c.ModeID
	}

	r.reprioritize(ctx, m)
	return true
}

// Fallback points the message at the target's contact for the fallback
// mode. Reports false when the target lacks even that.
func (r *Resolver) Fallback(ctx context.Context, m *model.Message) bool {
	c, err := r.contacts.ResolveByMode(ctx, m.Target, r.fallbackMode)
	if err != nil {
		slog.ErrorContext(ctx, "target has no fallback contact",
			"target", m.Target, "fallback_mode", r.fallbackMode, "error", err)
		m.Destination = ""
		m.Mode = ""
		m.ModeID = 0
		return false
	}
	m.Destination = c.Destination
	m.Mode = c.Mode
	m.ModeID = c.ModeID
	return true
}

// FallbackMode returns the configured fallback mode name.
func (r *Resolver) FallbackMode() string {
	return r.fallbackMode
}

// reprioritize switches the message to the rule's destination mode once
// the target received more than rule.Count messages in the rule's source
// mode within rule.Duration seconds.
func (r *Resolver) reprioritize(ctx context.Context, m *model.Message) {
	if r.tracker == nil {
		return
	}
	rule, ok := r.rules.Rule(m.Target, m.Mode)
	if !ok {
		return
	}
	count, err := r.tracker.Incr(ctx, m.Target, m.Mode, rule.Duration)
	if err != nil {
		slog.WarnContext(ctx, "reprioritization counter unavailable", "error", err,
			"target", m.Target)
		return
	}
	if count <= int64(rule.Count) {
		return
	}
	c, err := r.contacts.ResolveByMode(ctx, m.Target, rule.DstMode)
	if err != nil {
		slog.ErrorContext(ctx, "reprioritization target mode unresolvable",
			"target", m.Target, "dst_mode", rule.DstMode, "error", err)
		return
	}
	slog.InfoContext(ctx, "reprioritizing message",
		"target", m.Target, "src_mode", m.Mode, "dst_mode", rule.DstMode, "count", count)
	m.Destination = c.Destination
	m.Mode = c.Mode
	m.ModeID = c.ModeID
}
