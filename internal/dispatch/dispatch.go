// Package dispatch drains the send queue: resolve the contact, render
// the content, deliver through a slave or a local vendor, and finalize
// the message row. A vendor failure on a non-email mode retries once
// over the email fallback before giving up.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/klaxonhq/klaxon/common/logger"
	"github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/rpc"
)

type contactResolver interface {
	Resolve(ctx context.Context, m *model.Message) bool
	Fallback(ctx context.Context, m *model.Message) bool
	FallbackMode() string
}

type messageRenderer interface {
	Render(ctx context.Context, m *model.Message) error
}

type vendorRegistry interface {
	Send(ctx context.Context, m *model.Message) (time.Duration, error)
}

type messageStore interface {
	MarkSent(ctx context.Context, m *model.Message) error
	MarkBatchSent(ctx context.Context, m *model.Message) error
	UpdateMode(ctx context.Context, messageID, modeID int64, destination string) error
	Deactivate(ctx context.Context, messageID int64) error
}

type auditStore interface {
	Append(ctx context.Context, messageID int64, change model.AuditChange, old, new, description string) error
}

type slaveCaller interface {
	Call(ctx context.Context, addr, endpoint string, data any) error
}

type Dispatcher struct {
	sendQ    <-chan *model.Message
	resolver contactResolver
	renderer messageRenderer
	vendors  vendorRegistry
	messages messageStore
	audit    auditStore

	client slaveCaller
	slaves []string
	next   atomic.Uint64

	workers int
	wg      sync.WaitGroup
}

type Config struct {
	Workers int
	Slaves  []string
}

func New(cfg Config, sendQ <-chan *model.Message, resolver contactResolver, renderer messageRenderer,
	vendors vendorRegistry, messages messageStore, audit auditStore, client slaveCaller,
) *Dispatcher {
	return &Dispatcher{
		sendQ:    sendQ,
		resolver: resolver,
		renderer: renderer,
		vendors:  vendors,
		messages: messages,
		audit:    audit,
		client:   client,
		slaves:   cfg.Slaves,
		workers:  cfg.Workers,
	}
}

// Start launches the worker pool. Workers exit when ctx is cancelled or
// the send queue closes; Wait blocks for them.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	slog.InfoContext(ctx, "dispatcher workers started", "workers", d.workers)
}

func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			metrics.TaskFailures.Inc()
			slog.ErrorContext(ctx, "dispatch worker panicked, respawning", "panic", r)
			d.wg.Add(1)
			go d.worker(ctx)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-d.sendQ:
			if !ok {
				return
			}
			d.Process(ctx, m)
		}
	}
}

// Process runs the full pipeline for one message.
func (d *Dispatcher) Process(ctx context.Context, m *model.Message) {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		MessageID:  logger.Ptr(m.MessageID),
		IncidentID: m.IncidentID,
		Component:  "klaxon.sender.dispatch",
	})

	if m.NoReply {
		// Tracking notifications arrive with mode and destination preset.
		d.deliver(ctx, m)
		return
	}

	if !d.resolver.Resolve(ctx, m) {
		d.markNoContact(ctx, m)
		return
	}

	if err := d.renderer.Render(ctx, m); err != nil {
		metrics.TaskFailures.Inc()
		slog.ErrorContext(ctx, "failed loading message content", "error", err)
		return
	}

	d.deliver(ctx, m)
}

func (d *Dispatcher) deliver(ctx context.Context, m *model.Message) {
	err := d.distributedSend(ctx, m)
	if err != nil && m.Mode != "email" && !m.NoReply {
		// Fall back to email once, then give up.
		oldMode := m.Mode
		slog.ErrorContext(ctx, "send failed, reclassifying as email",
			"error", err, "mode", oldMode, "destination", m.Destination)
		if d.resolver.Fallback(ctx, m) {
			if m.MessageID != 0 {
				if uerr := d.messages.UpdateMode(ctx, m.MessageID, m.ModeID, m.Destination); uerr != nil {
					slog.ErrorContext(ctx, "failed recording mode change", "error", uerr)
				}
				if aerr := d.audit.Append(ctx, m.MessageID, model.ModeChange, oldMode, m.Mode,
					"Changing mode due to original mode failure"); aerr != nil {
					slog.ErrorContext(ctx, "failed to audit mode change", "error", aerr)
				}
			}
			if rerr := d.renderer.Render(ctx, m); rerr != nil {
				slog.ErrorContext(ctx, "failed re-rendering fallback message", "error", rerr)
			}
			err = d.distributedSend(ctx, m)
		}
	}
	if err != nil {
		metrics.TaskFailures.Inc()
		slog.ErrorContext(ctx, "unable to send message",
			"error", err, "mode", m.Mode, "destination", m.Destination,
			"subject", logger.Truncate(m.Subject, 80))
		return
	}

	metrics.MessagesSent.Inc()
	if m.MessageID == 0 {
		return
	}

	if m.Subject == "" {
		slog.WarnContext(ctx, "message has blank subject")
	}
	if len(m.Subject) > 255 {
		cut := 255
		for cut > 0 && !utf8.RuneStart(m.Subject[cut]) {
			cut--
		}
		m.Subject = m.Subject[:cut]
	}
	var markErr error
	if len(m.AggregatedIDs) > 0 {
		markErr = d.messages.MarkBatchSent(ctx, m)
	} else {
		markErr = d.messages.MarkSent(ctx, m)
	}
	if markErr != nil {
		slog.ErrorContext(ctx, "failed marking message sent", "error", markErr)
	}
}

// distributedSend hands the message to a slave, round-robin across the
// configured set, falling through unhealthy ones. Local delivery is the
// last resort.
func (d *Dispatcher) distributedSend(ctx context.Context, m *model.Message) error {
	start := 0
	if n := len(d.slaves); n > 0 {
		start = int(d.next.Add(1)-1) % n
	}
	for i := range d.slaves {
		addr := d.slaves[(start+i)%len(d.slaves)]
		if err := d.client.Call(ctx, addr, rpc.EndpointSlaveSend, m); err != nil {
			metrics.RPCPassFailure.Inc()
			slog.WarnContext(ctx, "slave hand-off failed", "slave", addr, "error", err)
			continue
		}
		metrics.RPCPassSuccess.Inc()
		return nil
	}
	if len(d.slaves) > 0 {
		slog.ErrorContext(ctx, "all slaves failed, sending locally")
	}

	latency, err := d.vendors.Send(ctx, m)
	if err != nil {
		return fmt.Errorf("local send: %w", err)
	}
	slog.InfoContext(ctx, "message sent locally", "mode", m.Mode, "latency", latency)
	return nil
}

func (d *Dispatcher) markNoContact(ctx context.Context, m *model.Message) {
	if m.MessageID == 0 {
		slog.WarnContext(ctx, "cannot deactivate contactless message without id",
			"target", m.Target)
		return
	}
	if err := d.messages.Deactivate(ctx, m.MessageID); err != nil {
		slog.ErrorContext(ctx, "failed deactivating contactless message", "error", err)
		return
	}
	if err := d.audit.Append(ctx, m.MessageID, model.ModeChange, d.resolver.FallbackMode(), "invalid",
		"Ignore message as we failed to resolve target contact"); err != nil {
		slog.ErrorContext(ctx, "failed to audit contact failure", "error", err)
	}
}
