package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/klaxonhq/klaxon/internal/store"
)

// Keys mirrors the application signing keys for the API process, which
// does not run the sender's full cache.
type Keys struct {
	targets *store.TargetStore

	mu   sync.RWMutex
	keys map[string]string
}

func NewKeys(targets *store.TargetStore) *Keys {
	return &Keys{targets: targets, keys: map[string]string{}}
}

func (k *Keys) Refresh(ctx context.Context) error {
	keys, err := k.targets.Applications(ctx)
	if err != nil {
		return fmt.Errorf("refreshing application keys: %w", err)
	}
	k.mu.Lock()
	k.keys = keys
	k.mu.Unlock()
	return nil
}

func (k *Keys) ApplicationKeys() map[string]string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make(map[string]string, len(k.keys))
	for name, key := range k.keys {
		out[name] = key
	}
	return out
}

// Run refreshes the mirror on an interval until ctx is cancelled.
func (k *Keys) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := k.Refresh(ctx); err != nil {
				slog.ErrorContext(ctx, "application key refresh failed", "error", err)
			}
		}
	}
}
