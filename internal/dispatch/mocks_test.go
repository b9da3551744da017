package dispatch_test

import (
	"context"
	"sync"
	"time"

	"github.com/klaxonhq/klaxon/internal/model"
)

type mockResolver struct {
	resolveFn  func(ctx context.Context, m *model.Message) bool
	fallbackFn func(ctx context.Context, m *model.Message) bool
}

func (r *mockResolver) Resolve(ctx context.Context, m *model.Message) bool {
	if r.resolveFn != nil {
		return r.resolveFn(ctx, m)
	}
	return true
}

func (r *mockResolver) Fallback(ctx context.Context, m *model.Message) bool {
	if r.fallbackFn != nil {
		return r.fallbackFn(ctx, m)
	}
	return false
}

func (r *mockResolver) FallbackMode() string {
	return "email"
}

type mockRenderer struct {
	calls    int
	renderFn func(ctx context.Context, m *model.Message) error
}

func (r *mockRenderer) Render(ctx context.Context, m *model.Message) error {
	r.calls++
	if r.renderFn != nil {
		return r.renderFn(ctx, m)
	}
	return nil
}

type mockVendors struct {
	sent   []sentRecord
	sendFn func(ctx context.Context, m *model.Message) (time.Duration, error)
}

type sentRecord struct {
	mode        string
	destination string
	subject     string
}

func (v *mockVendors) Send(ctx context.Context, m *model.Message) (time.Duration, error) {
	v.sent = append(v.sent, sentRecord{mode: m.Mode, destination: m.Destination, subject: m.Subject})
	if v.sendFn != nil {
		return v.sendFn(ctx, m)
	}
	return time.Millisecond, nil
}

type modeUpdate struct {
	messageID   int64
	modeID      int64
	destination string
}

type mockMessageStore struct {
	mu              sync.Mutex
	markedSent      []*model.Message
	markedBatchSent []*model.Message
	modeUpdates     []modeUpdate
	deactivated     []int64
}

func (s *mockMessageStore) MarkSent(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markedSent = append(s.markedSent, m)
	return nil
}

func (s *mockMessageStore) sent() []*model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.Message(nil), s.markedSent...)
}

func (s *mockMessageStore) MarkBatchSent(_ context.Context, m *model.Message) error {
	s.markedBatchSent = append(s.markedBatchSent, m)
	return nil
}

func (s *mockMessageStore) UpdateMode(_ context.Context, messageID, modeID int64, destination string) error {
	s.modeUpdates = append(s.modeUpdates, modeUpdate{messageID, modeID, destination})
	return nil
}

func (s *mockMessageStore) Deactivate(_ context.Context, messageID int64) error {
	s.deactivated = append(s.deactivated, messageID)
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

func (a *mockAuditStore) Append(_ context.Context, messageID int64, change model.AuditChange, old, new, description string) error {
	a.entries = append(a.entries, auditRecord{messageID, change, old, new, description})
	return nil
}

type rpcCall struct {
	addr     string
	endpoint string
}

type mockSlaveCaller struct {
	calls  []rpcCall
	callFn func(ctx context.Context, addr, endpoint string, data any) error
}

func (c *mockSlaveCaller) Call(ctx context.Context, addr, endpoint string, data any) error {
	c.calls = append(c.calls, rpcCall{addr, endpoint})
	if c.callFn != nil {
		return c.callFn(ctx, addr, endpoint, data)
	}
	return nil
}
