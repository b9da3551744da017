// Package aggregation rate-limits per-key message floods into batches.
// A key is (plan, application, priority, target). Once the per-key send
// rate exceeds the plan's threshold the key enters aggregation mode:
// messages buffer in memory and flush as one batch per aggregation
// window until the flood subsides for aggregation_reset seconds.
package aggregation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/klaxonhq/klaxon/common/logger"
	"github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/internal/model"
)

// planSource is the slice of the cache the engine consults.
type planSource interface {
	Plan(id int64) (*model.Plan, bool)
}

type messageStore interface {
	Unsent(ctx context.Context, excludeIDs []int64) ([]model.Message, error)
	ActiveIDs(ctx context.Context, ids []int64) (map[int64]bool, error)
}

type auditStore interface {
	Append(ctx context.Context, messageID int64, change model.AuditChange, old, new, description string) error
}

type Engine struct {
	plans    planSource
	messages messageStore
	audit    auditStore
	sendQ    chan<- *model.Message

	// One mutex guards the whole map family. Intake runs on a single
	// goroutine; Flush runs on the maintenance tick.
	mu sync.Mutex

	// Per-key send timestamps bucketed by second, pruned to the plan's
	// threshold window.
	windows map[model.AggregationKey]map[int64]int

	// Messages held back from immediate sending, by id, plus the per-key
	// index over them.
	buffered map[int64]*model.Message
	queues   map[model.AggregationKey]map[int64]struct{}

	// aggregating holds the time the last message buffered for a key in
	// aggregation mode; lastBatch the time the key last flushed a batch.
	aggregating map[model.AggregationKey]int64
	lastBatch   map[model.AggregationKey]int64
}

func New(plans planSource, messages messageStore, audit auditStore, sendQ chan<- *model.Message) *Engine {
	return &Engine{
		plans:       plans,
		messages:    messages,
		audit:       audit,
		sendQ:       sendQ,
		windows:     map[model.AggregationKey]map[int64]int{},
		buffered:    map[int64]*model.Message{},
		queues:      map[model.AggregationKey]map[int64]struct{}{},
		aggregating: map[model.AggregationKey]int64{},
		lastBatch:   map[model.AggregationKey]int64{},
	}
}

// BufferedIDs returns the ids currently held back, for exclusion from
// the unsent poll.
func (e *Engine) BufferedIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int64, 0, len(e.buffered))
	for id := range e.buffered {
		out = append(out, id)
	}
	return out
}

// Poll fetches unsent message rows not already buffered and runs each
// through intake classification, preserving row order per key.
func (e *Engine) Poll(ctx context.Context) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "klaxon.sender.aggregation"})

	msgs, err := e.messages.Unsent(ctx, e.BufferedIDs())
	if err != nil {
		return fmt.Errorf("polling unsent messages: %w", err)
	}
	slog.InfoContext(ctx, "unsent messages polled", "new", len(msgs), "buffered", len(e.buffered))

	now := time.Now()
	for i := range msgs {
		e.Intake(ctx, &msgs[i], now)
	}
	return nil
}

// Intake classifies one message: out-of-band messages and messages
// under their key's rate threshold go straight to the send queue,
// everything else buffers for the next batch flush.
func (e *Engine) Intake(ctx context.Context, m *model.Message, now time.Time) {
	if m.OutOfBand() {
		e.sendQ <- m
		return
	}
	plan, ok := e.plans.Plan(*m.PlanID)
	if !ok {
		slog.WarnContext(ctx, "plan missing from cache, sending unaggregated",
			"plan_id", *m.PlanID, "message_id", m.MessageID)
		e.sendQ <- m
		return
	}

	key := m.Key()
	ts := now.Unix()

	e.mu.Lock()
	if last, ok := e.aggregating[key]; ok {
		if ts-last > plan.AggregationReset {
			// The flood subsided. Leave aggregation mode and classify this
			// message against a fresh window.
			delete(e.aggregating, key)
			delete(e.lastBatch, key)
		} else {
			e.aggregating[key] = ts
			e.bufferLocked(key, m)
			e.mu.Unlock()
			return
		}
	}

	window, ok := e.windows[key]
	if !ok {
		window = map[int64]int{}
		e.windows[key] = window
	}
	total := 0
	for bucket, n := range window {
		if ts-bucket > plan.ThresholdWindow {
			delete(window, bucket)
			continue
		}
		total += n
	}
	window[ts]++
	total++

	if total > plan.ThresholdCount {
		// Threshold crossed, this message starts the first batch.
		e.queues[key] = map[int64]struct{}{m.MessageID: {}}
		e.buffered[m.MessageID] = m
		e.lastBatch[key] = ts
		e.aggregating[key] = ts
		metrics.BufferedMessages.Set(float64(len(e.buffered)))
		e.mu.Unlock()

		desc := fmt.Sprintf("Aggregated with key (%d, %s, %s, %s)",
			key.PlanID, key.Application, key.Priority, key.Target)
		if err := e.audit.Append(ctx, m.MessageID, model.SentChange, "", "", desc); err != nil {
			slog.ErrorContext(ctx, "failed to audit aggregation start", "error", err,
				"message_id", m.MessageID)
		}
		return
	}
	e.mu.Unlock()
	e.sendQ <- m
}

func (e *Engine) bufferLocked(key model.AggregationKey, m *model.Message) {
	q, ok := e.queues[key]
	if !ok {
		q = map[int64]struct{}{}
		e.queues[key] = q
	}
	q[m.MessageID] = struct{}{}
	e.buffered[m.MessageID] = m
	metrics.BufferedMessages.Set(float64(len(e.buffered)))
}

// Flush walks every aggregating key and, where a full aggregation
// window elapsed since the last batch, emits the buffered messages:
// one message sends as itself, several collapse into a single batch
// under a fresh batch id. Messages whose rows went inactive in the
// meantime (claimed incidents) are dropped silently.
func (e *Engine) Flush(ctx context.Context, now time.Time) error {
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "klaxon.sender.aggregation"})
	ts := now.Unix()

	e.mu.Lock()
	due := make(map[model.AggregationKey][]int64)
	for key, q := range e.queues {
		plan, ok := e.plans.Plan(key.PlanID)
		if !ok || ts-e.lastBatch[key] >= plan.AggregationWindow {
			ids := make([]int64, 0, len(q))
			for id := range q {
				ids = append(ids, id)
			}
			due[key] = ids
		}
	}
	e.mu.Unlock()

	for key, ids := range due {
		activeSet, err := e.messages.ActiveIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("checking active buffered messages: %w", err)
		}
		active := make([]int64, 0, len(activeSet))
		for _, id := range ids {
			if activeSet[id] {
				active = append(active, id)
			}
		}
		slog.InfoContext(ctx, "flushing aggregation key",
			"dropped", len(ids)-len(active), "remaining", len(active),
			"plan_id", key.PlanID, "target", key.Target)

		e.mu.Lock()
		var out *model.Message
		switch len(active) {
		case 0:
		case 1:
			out = e.buffered[active[0]]
		default:
			out = e.buffered[active[0]]
			out.BatchID = strings.ReplaceAll(uuid.NewString(), "-", "")
			out.AggregatedIDs = active
		}
		for _, id := range ids {
			delete(e.buffered, id)
		}
		delete(e.queues, key)
		e.lastBatch[key] = ts
		metrics.BufferedMessages.Set(float64(len(e.buffered)))
		e.mu.Unlock()

		if out != nil {
			e.sendQ <- out
		}
	}
	return nil
}
