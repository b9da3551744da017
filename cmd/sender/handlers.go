package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/klaxonhq/klaxon/internal/cache"
	"github.com/klaxonhq/klaxon/internal/metrics"
	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/rpc"
)

// slaveSendHandler accepts a fully prepared message from the master and
// queues it for local delivery.
func slaveSendHandler(sendQ chan<- *model.Message) rpc.Handler {
	return func(ctx context.Context, data msgpack.RawMessage) error {
		var m model.Message
		if err := msgpack.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("decoding message: %w", err)
		}
		select {
		case sendQ <- &m:
			return nil
		default:
			return fmt.Errorf("send queue full")
		}
	}
}

type notification struct {
	Target      string         `msgpack:"target"`
	Role        string         `msgpack:"role"`
	Priority    string         `msgpack:"priority"`
	Mode        string         `msgpack:"mode"`
	Subject     string         `msgpack:"subject"`
	Body        string         `msgpack:"body"`
	Template    string         `msgpack:"template"`
	Context     map[string]any `msgpack:"context"`
	Application string         `msgpack:"application"`
}

// notificationHandler accepts an out-of-band notification from the API.
// These carry no message row and no plan, so they skip the database and
// aggregation entirely.
func notificationHandler(mirror *cache.Cache, sendQ chan<- *model.Message) rpc.Handler {
	return func(ctx context.Context, data msgpack.RawMessage) error {
		var n notification
		if err := msgpack.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decoding notification: %w", err)
		}
		if n.Target == "" {
			return fmt.Errorf("notification has no target")
		}

		base := model.Message{
			Target:      n.Target,
			Application: n.Application,
			Subject:     n.Subject,
			Body:        n.Body,
			Template:    n.Template,
			Context:     n.Context,
		}
		if n.Mode != "" {
			mode, ok := mirror.Mode(n.Mode)
			if !ok {
				return fmt.Errorf("unknown mode %q", n.Mode)
			}
			base.Mode = mode.Name
			base.ModeID = mode.ID
			base.ModeSet = true
		} else {
			priority, ok := mirror.Priority(n.Priority)
			if !ok {
				return fmt.Errorf("unknown priority %q", n.Priority)
			}
			base.Priority = priority.Name
			base.PriorityID = priority.ID
		}

		targets := []string{n.Target}
		if n.Role != "" && n.Role != "user" {
			names, err := mirror.TargetsForRole(ctx, n.Role, n.Target)
			if err != nil {
				return fmt.Errorf("expanding role %q of %q: %w", n.Role, n.Target, err)
			}
			if len(names) == 0 {
				return fmt.Errorf("role %q of %q resolves to nobody", n.Role, n.Target)
			}
			targets = names
		}

		for _, name := range targets {
			m := base
			m.Target = name
			select {
			case sendQ <- &m:
			default:
				return fmt.Errorf("send queue full")
			}
		}
		metrics.Notifications.Inc()
		slog.InfoContext(ctx, "notification accepted",
			"target", n.Target, "role", n.Role, "mode", n.Mode, "fanout", len(targets))
		return nil
	}
}
