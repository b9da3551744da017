package aggregation_test

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/klaxonhq/klaxon/internal/aggregation"
	"github.com/klaxonhq/klaxon/internal/model"
)

type mockPlanSource struct {
	plans map[int64]*model.Plan
}

func (m *mockPlanSource) Plan(id int64) (*model.Plan, bool) {
	p, ok := m.plans[id]
	return p, ok
}

type mockMessageStore struct {
	unsentFn    func(ctx context.Context, excludeIDs []int64) ([]model.Message, error)
	activeIDsFn func(ctx context.Context, ids []int64) (map[int64]bool, error)
}

func (m *mockMessageStore) Unsent(ctx context.Context, excludeIDs []int64) ([]model.Message, error) {
	if m.unsentFn != nil {
		return m.unsentFn(ctx, excludeIDs)
	}
	return nil, nil
}

func (m *mockMessageStore) ActiveIDs(ctx context.Context, ids []int64) (map[int64]bool, error) {
	if m.activeIDsFn != nil {
		return m.activeIDsFn(ctx, ids)
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

type auditRecord struct {
	messageID   int64
	change      model.AuditChange
	description string
}

type mockAuditStore struct {
	entries []auditRecord
}

func (m *mockAuditStore) Append(_ context.Context, messageID int64, change model.AuditChange, _, _, description string) error {
	m.entries = append(m.entries, auditRecord{messageID, change, description})
	return nil
}

var _ = Describe("Aggregation Engine", func() {
	var (
		ctx      context.Context
		plans    *mockPlanSource
		messages *mockMessageStore
		audit    *mockAuditStore
		sendQ    chan *model.Message
		engine   *aggregation.Engine
		t0       time.Time
	)

	planID := int64(10)

	msg := func(id int64) *model.Message {
		pid := planID
		return &model.Message{
			MessageID:   id,
			PlanID:      &pid,
			Plan:        "db-outage",
			Target:      "alice",
			Priority:    "urgent",
			Application: "monitor",
			Template:    "default",
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		plans = &mockPlanSource{plans: map[int64]*model.Plan{
			planID: {
				ID:                planID,
				Name:              "db-outage",
				ThresholdWindow:   60,
				ThresholdCount:    2,
				AggregationWindow: 300,
				AggregationReset:  120,
			},
		}}
		messages = &mockMessageStore{}
		audit = &mockAuditStore{}
		sendQ = make(chan *model.Message, 16)
		engine = aggregation.New(plans, messages, audit, sendQ)
		t0 = time.Unix(1_700_000_000, 0)
	})

	Describe("Intake", func() {
		It("passes messages through while the key is under threshold", func() {
			engine.Intake(ctx, msg(1), t0)
			engine.Intake(ctx, msg(2), t0)

			Expect(sendQ).To(HaveLen(2))
			Expect(engine.BufferedIDs()).To(BeEmpty())
			Expect(audit.entries).To(BeEmpty())
		})

		It("passes out-of-band messages through untouched", func() {
			m := msg(1)
			m.PlanID = nil
			engine.Intake(ctx, m, t0)

			Expect(sendQ).To(Receive(Equal(m)))
		})

		It("buffers the message that crosses the threshold and audits it", func() {
			engine.Intake(ctx, msg(1), t0)
			engine.Intake(ctx, msg(2), t0)
			engine.Intake(ctx, msg(3), t0)

			Expect(sendQ).To(HaveLen(2))
			Expect(engine.BufferedIDs()).To(ConsistOf(int64(3)))

			Expect(audit.entries).To(HaveLen(1))
			Expect(audit.entries[0].messageID).To(Equal(int64(3)))
			Expect(audit.entries[0].change).To(Equal(model.SentChange))
			Expect(audit.entries[0].description).To(Equal("Aggregated with key (10, monitor, urgent, alice)"))
		})

		It("keeps buffering while the key is in aggregation mode", func() {
			engine.Intake(ctx, msg(1), t0)
			engine.Intake(ctx, msg(2), t0)
			engine.Intake(ctx, msg(3), t0)
			engine.Intake(ctx, msg(4), t0.Add(30*time.Second))

			Expect(sendQ).To(HaveLen(2))
			Expect(engine.BufferedIDs()).To(ConsistOf(int64(3), int64(4)))
		})

		It("leaves aggregation mode after the reset gap elapses", func() {
			engine.Intake(ctx, msg(1), t0)
			engine.Intake(ctx, msg(2), t0)
			engine.Intake(ctx, msg(3), t0)

			engine.Intake(ctx, msg(4), t0.Add(121*time.Second))

			Expect(sendQ).To(HaveLen(3))
			Expect(engine.BufferedIDs()).To(ConsistOf(int64(3)))
		})
	})

	Describe("Flush", func() {
		// Drive the key into aggregation mode with two buffered messages.
		buildBacklog := func() {
			engine.Intake(ctx, msg(1), t0)
			engine.Intake(ctx, msg(2), t0)
			engine.Intake(ctx, msg(3), t0)
			engine.Intake(ctx, msg(4), t0.Add(time.Second))
			for len(sendQ) > 0 {
				<-sendQ
			}
		}

		It("does nothing before the aggregation window elapses", func() {
			buildBacklog()

			Expect(engine.Flush(ctx, t0.Add(60*time.Second))).To(Succeed())

			Expect(sendQ).To(BeEmpty())
			Expect(engine.BufferedIDs()).To(ConsistOf(int64(3), int64(4)))
		})

		It("collapses several buffered messages into one batch", func() {
			buildBacklog()

			Expect(engine.Flush(ctx, t0.Add(301*time.Second))).To(Succeed())

			var batch *model.Message
			Expect(sendQ).To(Receive(&batch))
			Expect(batch.AggregatedIDs).To(ConsistOf(int64(3), int64(4)))
			Expect(batch.BatchID).To(HaveLen(32))
			Expect(batch.BatchID).NotTo(ContainSubstring("-"))
			Expect(engine.BufferedIDs()).To(BeEmpty())
		})

		It("sends a lone survivor as itself, without a batch id", func() {
			buildBacklog()
			messages.activeIDsFn = func(_ context.Context, ids []int64) (map[int64]bool, error) {
				return map[int64]bool{3: true}, nil
			}

			Expect(engine.Flush(ctx, t0.Add(301*time.Second))).To(Succeed())

			var out *model.Message
			Expect(sendQ).To(Receive(&out))
			Expect(out.MessageID).To(Equal(int64(3)))
			Expect(out.BatchID).To(BeEmpty())
			Expect(out.AggregatedIDs).To(BeEmpty())
			Expect(engine.BufferedIDs()).To(BeEmpty())
		})

		It("drops the whole batch when every buffered message went inactive", func() {
			buildBacklog()
			messages.activeIDsFn = func(_ context.Context, ids []int64) (map[int64]bool, error) {
				return map[int64]bool{}, nil
			}

			Expect(engine.Flush(ctx, t0.Add(301*time.Second))).To(Succeed())

			Expect(sendQ).To(BeEmpty())
			Expect(engine.BufferedIDs()).To(BeEmpty())
		})
	})

	Describe("Poll", func() {
		It("excludes buffered ids from the unsent query", func() {
			engine.Intake(ctx, msg(1), t0)
			engine.Intake(ctx, msg(2), t0)
			engine.Intake(ctx, msg(3), t0)
			for len(sendQ) > 0 {
				<-sendQ
			}

			var gotExclude []int64
			messages.unsentFn = func(_ context.Context, excludeIDs []int64) ([]model.Message, error) {
				gotExclude = excludeIDs
				return []model.Message{*msg(4)}, nil
			}

			Expect(engine.Poll(ctx)).To(Succeed())

			Expect(gotExclude).To(ConsistOf(int64(3)))

			// The fixture timestamps are long past the reset gap relative to
			// the poll clock, so the polled message goes straight out.
			var out *model.Message
			Expect(sendQ).To(Receive(&out))
			Expect(out.MessageID).To(Equal(int64(4)))
		})
	})
})
