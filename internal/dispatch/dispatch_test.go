package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/klaxonhq/klaxon/internal/dispatch"
	"github.com/klaxonhq/klaxon/internal/model"
)

var _ = Describe("Dispatcher", func() {
	var (
		ctx      context.Context
		resolver *mockResolver
		renderer *mockRenderer
		vendors  *mockVendors
		messages *mockMessageStore
		audit    *mockAuditStore
		client   *mockSlaveCaller
		sendQ    chan *model.Message
	)

	newDispatcher := func(slaves ...string) *dispatch.Dispatcher {
		return dispatch.New(dispatch.Config{Workers: 1, Slaves: slaves},
			sendQ, resolver, renderer, vendors, messages, audit, client)
	}

	msg := func() *model.Message {
		incidentID := int64(500)
		return &model.Message{
			MessageID:  42,
			Target:     "alice",
			Priority:   "urgent",
			PriorityID: 1,
			Plan:       "db-outage",
			IncidentID: &incidentID,
			Template:   "default",
			Subject:    "db is down",
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		resolver = &mockResolver{
			resolveFn: func(_ context.Context, m *model.Message) bool {
				m.Mode = "email"
				m.ModeID = 1
				m.Destination = "alice@example.com"
				return true
			},
		}
		renderer = &mockRenderer{}
		vendors = &mockVendors{}
		messages = &mockMessageStore{}
		audit = &mockAuditStore{}
		client = &mockSlaveCaller{}
		sendQ = make(chan *model.Message, 4)
	})

	Describe("Process", func() {
		It("resolves, renders, sends and marks the message sent", func() {
			m := msg()
			newDispatcher().Process(ctx, m)

			Expect(vendors.sent).To(HaveLen(1))
			Expect(vendors.sent[0].mode).To(Equal("email"))
			Expect(vendors.sent[0].destination).To(Equal("alice@example.com"))
			Expect(renderer.calls).To(Equal(1))
			Expect(messages.markedSent).To(ConsistOf(m))
			Expect(audit.entries).To(BeEmpty())
		})

		It("truncates oversized subjects before marking sent", func() {
			m := msg()
			renderer.renderFn = func(_ context.Context, m *model.Message) error {
				m.Subject = strings.Repeat("x", 300)
				return nil
			}

			newDispatcher().Process(ctx, m)

			Expect(messages.markedSent).To(HaveLen(1))
			Expect(messages.markedSent[0].Subject).To(HaveLen(255))
		})

		It("truncates on a rune boundary, never mid-sequence", func() {
			m := msg()
			renderer.renderFn = func(_ context.Context, m *model.Message) error {
				m.Subject = strings.Repeat("x", 254) + "éé"
				return nil
			}

			newDispatcher().Process(ctx, m)

			Expect(messages.markedSent).To(HaveLen(1))
			Expect(messages.markedSent[0].Subject).To(Equal(strings.Repeat("x", 254)))
			Expect(utf8.ValidString(messages.markedSent[0].Subject)).To(BeTrue())
		})

		It("marks batches through the batch path", func() {
			m := msg()
			m.BatchID = "deadbeef"
			m.AggregatedIDs = []int64{42, 43}

			newDispatcher().Process(ctx, m)

			Expect(messages.markedBatchSent).To(ConsistOf(m))
			Expect(messages.markedSent).To(BeEmpty())
		})

		It("delivers preset tracking messages without resolving a contact", func() {
			m := msg()
			m.MessageID = 0
			m.NoReply = true
			m.Mode = "email"
			m.Destination = "alerts@example.com"
			resolver.resolveFn = func(context.Context, *model.Message) bool {
				Fail("tracking messages must not hit the resolver")
				return false
			}

			newDispatcher().Process(ctx, m)

			Expect(vendors.sent).To(HaveLen(1))
			Expect(vendors.sent[0].destination).To(Equal("alerts@example.com"))
			Expect(messages.markedSent).To(BeEmpty())
		})

		Context("when the vendor send fails on a non-email mode", func() {
			BeforeEach(func() {
				resolver.resolveFn = func(_ context.Context, m *model.Message) bool {
					m.Mode = "sms"
					m.ModeID = 2
					m.Destination = "+15551234567"
					return true
				}
				resolver.fallbackFn = func(_ context.Context, m *model.Message) bool {
					m.Mode = "email"
					m.ModeID = 1
					m.Destination = "alice@example.com"
					return true
				}
				vendors.sendFn = func(_ context.Context, m *model.Message) (time.Duration, error) {
					if m.Mode == "sms" {
						return 0, errors.New("gateway timeout")
					}
					return time.Millisecond, nil
				}
			})

			It("retries once over email and records the mode change", func() {
				m := msg()
				newDispatcher().Process(ctx, m)

				Expect(vendors.sent).To(HaveLen(2))
				Expect(vendors.sent[0].mode).To(Equal("sms"))
				Expect(vendors.sent[1].mode).To(Equal("email"))

				Expect(messages.modeUpdates).To(ConsistOf(modeUpdate{42, 1, "alice@example.com"}))
				Expect(audit.entries).To(HaveLen(1))
				Expect(audit.entries[0].change).To(Equal(model.ModeChange))
				Expect(audit.entries[0].old).To(Equal("sms"))
				Expect(audit.entries[0].new).To(Equal("email"))
				Expect(audit.entries[0].description).To(Equal("Changing mode due to original mode failure"))

				// Rendered once for sms, once more for the email retry.
				Expect(renderer.calls).To(Equal(2))
				Expect(messages.markedSent).To(ConsistOf(m))
			})

			It("gives up when the email retry fails too", func() {
				vendors.sendFn = func(context.Context, *model.Message) (time.Duration, error) {
					return 0, errors.New("gateway timeout")
				}

				newDispatcher().Process(ctx, msg())

				Expect(vendors.sent).To(HaveLen(2))
				Expect(messages.markedSent).To(BeEmpty())
				Expect(messages.markedBatchSent).To(BeEmpty())
			})
		})

		Context("when no contact resolves at all", func() {
			BeforeEach(func() {
				resolver.resolveFn = func(context.Context, *model.Message) bool {
					return false
				}
			})

			It("deactivates the message and audits the dead end", func() {
				newDispatcher().Process(ctx, msg())

				Expect(vendors.sent).To(BeEmpty())
				Expect(messages.deactivated).To(ConsistOf(int64(42)))
				Expect(audit.entries).To(HaveLen(1))
				Expect(audit.entries[0].change).To(Equal(model.ModeChange))
				Expect(audit.entries[0].old).To(Equal("email"))
				Expect(audit.entries[0].new).To(Equal("invalid"))
			})
		})
	})

	Describe("distributed send", func() {
		It("hands the message to the first healthy slave", func() {
			m := msg()
			newDispatcher("10.0.0.1:2321", "10.0.0.2:2321").Process(ctx, m)

			Expect(client.calls).To(HaveLen(1))
			Expect(client.calls[0].addr).To(Equal("10.0.0.1:2321"))
			Expect(client.calls[0].endpoint).To(Equal("v0/slave_send"))
			Expect(vendors.sent).To(BeEmpty())
			Expect(messages.markedSent).To(ConsistOf(m))
		})

		It("rotates the starting slave across sends", func() {
			d := newDispatcher("10.0.0.1:2321", "10.0.0.2:2321")
			d.Process(ctx, msg())
			d.Process(ctx, msg())

			Expect(client.calls).To(HaveLen(2))
			Expect(client.calls[0].addr).To(Equal("10.0.0.1:2321"))
			Expect(client.calls[1].addr).To(Equal("10.0.0.2:2321"))
		})

		It("falls through failing slaves to the local vendor", func() {
			client.callFn = func(_ context.Context, addr, _ string, _ any) error {
				if addr == "10.0.0.1:2321" {
					return errors.New("connection refused")
				}
				return nil
			}

			newDispatcher("10.0.0.1:2321", "10.0.0.2:2321").Process(ctx, msg())

			Expect(client.calls).To(HaveLen(2))
			Expect(vendors.sent).To(BeEmpty())
		})

		It("sends locally when every slave is down", func() {
			client.callFn = func(context.Context, string, string, any) error {
				return errors.New("connection refused")
			}

			newDispatcher("10.0.0.1:2321").Process(ctx, msg())

			Expect(client.calls).To(HaveLen(1))
			Expect(vendors.sent).To(HaveLen(1))
		})
	})

	Describe("worker pool", func() {
		It("drains the queue until the context is cancelled", func() {
			workerCtx, cancel := context.WithCancel(ctx)
			d := newDispatcher()
			d.Start(workerCtx)

			m := msg()
			sendQ <- m
			Eventually(messages.sent).Should(ConsistOf(m))

			cancel()
			d.Wait()
		})
	})
})
