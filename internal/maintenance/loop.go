// Package maintenance drives the sender's periodic work. The master
// runs escalate, deactivate, poll and aggregate serially on one ticker;
// every process refreshes its cache on the same beat. The ordering is
// deliberate: messages created by escalate are picked up by poll within
// the same tick.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/klaxonhq/klaxon/common/logger"
	"github.com/klaxonhq/klaxon/internal/aggregation"
	"github.com/klaxonhq/klaxon/internal/cache"
	"github.com/klaxonhq/klaxon/internal/escalation"
	"github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/internal/store"
)

const auditPruneInterval = 4 * time.Hour

type Loop struct {
	cache       *cache.Cache
	escalation  *escalation.Engine
	aggregation *aggregation.Engine
	audit       *store.AuditStore

	master   bool
	interval time.Duration

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(c *cache.Cache, esc *escalation.Engine, agg *aggregation.Engine, audit *store.AuditStore,
	master bool, interval time.Duration,
) *Loop {
	return &Loop{
		cache:       c,
		escalation:  esc,
		aggregation: agg,
		audit:       audit,
		master:      master,
		interval:    interval,
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}
}

// Start launches the loop and, on the master, the audit pruner.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
	if l.master {
		go l.pruneAuditLogs(ctx)
	}
}

// Stop waits for the current tick to finish.
func (l *Loop) Stop() {
	close(l.stopCh)
	<-l.stoppedCh
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.stoppedCh)
	ctx = logger.WithLogFields(ctx, logger.LogFields{Component: "klaxon.sender.maintenance"})
	slog.InfoContext(ctx, "maintenance loop started", "master", l.master, "interval", l.interval)

	for {
		start := time.Now()
		l.tick(ctx, start)

		elapsed := time.Since(start)
		nap := l.interval - elapsed
		if nap < 0 {
			nap = 0
		}
		slog.InfoContext(ctx, "maintenance tick finished", "elapsed", elapsed, "sleeping", nap)

		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(nap):
		}
	}
}

func (l *Loop) tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskFailures.Inc()
			slog.ErrorContext(ctx, "maintenance tick panicked", "panic", r)
		}
	}()

	l.timed(ctx, "cache_refresh", func() error { return l.cache.Refresh(ctx) })

	if !l.master {
		return
	}
	l.timed(ctx, "escalate", func() error { return l.escalation.Escalate(ctx) })
	l.timed(ctx, "deactivate", func() error { return l.escalation.Deactivate(ctx) })
	l.timed(ctx, "poll", func() error { return l.aggregation.Poll(ctx) })
	l.timed(ctx, "aggregate", func() error { return l.aggregation.Flush(ctx, now) })
}

func (l *Loop) timed(ctx context.Context, task string, fn func() error) {
	start := time.Now()
	err := fn()
	metrics.TaskDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.TaskFailures.Inc()
		slog.ErrorContext(ctx, "maintenance task failed", "task", task, "error", err)
	}
}

func (l *Loop) pruneAuditLogs(ctx context.Context) {
	ticker := time.NewTicker(auditPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := l.audit.Prune(ctx)
			if err != nil {
				metrics.TaskFailures.Inc()
				slog.ErrorContext(ctx, "audit log prune failed", "error", err)
				continue
			}
			slog.InfoContext(ctx, "pruned old audit logs", "deleted", n)
		}
	}
}
