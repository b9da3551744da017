package escalation_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/klaxonhq/klaxon/common/id"
	"github.com/klaxonhq/klaxon/internal/escalation"
	"github.com/klaxonhq/klaxon/internal/model"
	"github.com/klaxonhq/klaxon/internal/render"
)

var _ = BeforeSuite(func() {
	Expect(id.Init(99)).To(Succeed())
})

var _ = Describe("Escalation Engine", func() {
	var (
		ctx       context.Context
		catalog   *mockCatalog
		incidents *mockIncidentStore
		messages  *mockMessageStore
		audit     *mockAuditStore
		renderer  *mockTrackingRenderer
		sendQ     chan *model.Message
		engine    *escalation.Engine
	)

	const (
		urgentID = int64(1)
		lowID    = int64(4)

		roleUser   = int64(1)
		roleOncall = int64(2)
	)

	newPlan := func() *model.Plan {
		return &model.Plan{
			ID:        10,
			Name:      "db-outage",
			Creator:   "carol",
			StepCount: 2,
			Steps: map[int][]int64{
				1: {101},
				2: {102},
			},
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		catalog = &mockCatalog{
			plans: map[int64]*model.Plan{10: newPlan()},
			notifications: map[int64]*model.PlanNotification{
				101: {ID: 101, PlanID: 10, Step: 1, PriorityID: urgentID, TargetID: 1, RoleID: roleUser, Template: "default", Repeat: 1, Wait: 300},
				102: {ID: 102, PlanID: 10, Step: 2, PriorityID: urgentID, TargetID: 2, RoleID: roleUser, Template: "default"},
			},
			roles: map[int64]string{roleUser: "user", roleOncall: "oncall-primary"},
			targets: map[string]model.Target{
				"alice": {ID: 1, Name: "alice", Type: "user"},
				"bob":   {ID: 2, Name: "bob", Type: "user"},
				"carol": {ID: 3, Name: "carol", Type: "user"},
			},
			targetsByID: map[int64]model.Target{
				1: {ID: 1, Name: "alice", Type: "user"},
				2: {ID: 2, Name: "bob", Type: "user"},
				4: {ID: 4, Name: "sre", Type: "team"},
			},
			priorities: map[string]model.Priority{
				"urgent": {ID: urgentID, Name: "urgent"},
				"low":    {ID: lowID, Name: "low"},
			},
		}
		incidents = &mockIncidentStore{}
		messages = &mockMessageStore{}
		audit = &mockAuditStore{}
		renderer = &mockTrackingRenderer{}
		sendQ = make(chan *model.Message, 8)
		engine = escalation.New(incidents, messages, audit, catalog, renderer, sendQ)
	})

	Describe("Escalate", func() {
		It("moves a new incident to step one and notifies the step targets", func() {
			incidents.newIncidentsFn = func(context.Context) ([]model.NewIncident, error) {
				return []model.NewIncident{{ID: 500, PlanID: 10, ApplicationID: 7, Application: "monitor"}}, nil
			}

			Expect(engine.Escalate(ctx)).To(Succeed())

			Expect(messages.inserted).To(HaveLen(1))
			got := messages.inserted[0]
			Expect(got.ID).NotTo(BeZero())
			Expect(got.PlanID).To(Equal(int64(10)))
			Expect(got.PlanNotificationID).To(Equal(int64(101)))
			Expect(got.IncidentID).To(Equal(int64(500)))
			Expect(got.ApplicationID).To(Equal(int64(7)))
			Expect(got.TargetID).To(Equal(int64(1)))
			Expect(got.PriorityID).To(Equal(urgentID))
			Expect(got.Body).To(BeEmpty())

			Expect(incidents.steps).To(HaveKeyWithValue(int64(500), 1))
			Expect(audit.entries).To(BeEmpty())
		})

		It("repeats an under-sent notification without advancing the step", func() {
			incidents.rowsFn = func(context.Context) ([]model.EscalationRow, error) {
				return []model.EscalationRow{{
					IncidentID: 500, PlanID: 10, ApplicationID: 7,
					PlanNotificationID: 101, Count: 1, Max: 2, CurrentStep: 1,
				}}, nil
			}

			Expect(engine.Escalate(ctx)).To(Succeed())

			Expect(messages.inserted).To(HaveLen(1))
			Expect(messages.inserted[0].PlanNotificationID).To(Equal(int64(101)))
			Expect(incidents.steps).To(BeEmpty())
		})

		It("advances to the next step once the current one is spent", func() {
			incidents.rowsFn = func(context.Context) ([]model.EscalationRow, error) {
				return []model.EscalationRow{{
					IncidentID: 500, PlanID: 10, ApplicationID: 7,
					PlanNotificationID: 101, Count: 2, Max: 2, CurrentStep: 1,
				}}, nil
			}

			Expect(engine.Escalate(ctx)).To(Succeed())

			Expect(messages.inserted).To(HaveLen(1))
			Expect(messages.inserted[0].PlanNotificationID).To(Equal(int64(102)))
			Expect(messages.inserted[0].TargetID).To(Equal(int64(2)))
			Expect(incidents.steps).To(HaveKeyWithValue(int64(500), 2))
		})

		It("invalidates an incident whose pending step has no notifications", func() {
			incidents.rowsFn = func(context.Context) ([]model.EscalationRow, error) {
				return []model.EscalationRow{{
					IncidentID: 500, PlanID: 10, ApplicationID: 7,
					PlanNotificationID: 102, Count: 1, Max: 1, CurrentStep: 2,
				}}, nil
			}

			Expect(engine.Escalate(ctx)).To(Succeed())

			Expect(messages.inserted).To(BeEmpty())
			Expect(incidents.invalidated).To(ConsistOf(int64(500)))
		})

		Context("when the role expands to nobody", func() {
			BeforeEach(func() {
				catalog.plans[10].Steps[1] = []int64{103}
				catalog.notifications[103] = &model.PlanNotification{
					ID: 103, PlanID: 10, Step: 1, PriorityID: urgentID,
					TargetID: 4, RoleID: roleOncall, Template: "default",
				}
				catalog.expandFn = func(context.Context, string, string) ([]string, error) {
					return nil, nil
				}
				incidents.newIncidentsFn = func(context.Context) ([]model.NewIncident, error) {
					return []model.NewIncident{{ID: 501, PlanID: 10, ApplicationID: 7, Application: "monitor"}}, nil
				}
			})

			It("notifies the plan creator at low priority with an explanation", func() {
				Expect(engine.Escalate(ctx)).To(Succeed())

				Expect(messages.inserted).To(HaveLen(1))
				got := messages.inserted[0]
				Expect(got.TargetID).To(Equal(int64(3)))
				Expect(got.PriorityID).To(Equal(lowID))
				Expect(got.Body).To(Equal("You are receiving this as you created this plan and we can't resolve oncall-primary of sre at this time.\n\n"))

				Expect(audit.entries).To(HaveLen(1))
				entry := audit.entries[0]
				Expect(entry.messageID).To(Equal(got.ID))
				Expect(entry.change).To(Equal(model.TargetChange))
				Expect(entry.old).To(Equal("oncall-primary|sre"))
				Expect(entry.new).To(Equal("carol"))

				Expect(incidents.steps).To(HaveKeyWithValue(int64(501), 1))
			})

			It("holds the incident at step zero when even the creator is unreachable", func() {
				catalog.plans[10].Creator = ""

				Expect(engine.Escalate(ctx)).To(Succeed())

				Expect(messages.inserted).To(BeEmpty())
				Expect(incidents.steps).To(HaveKeyWithValue(int64(501), 0))
			})

			It("holds a later advance at the previous step instead of stranding the incident", func() {
				// A step committed with zero message rows would never show
				// up in another escalation query, so the advance must be
				// left retryable.
				catalog.notifications[102].TargetID = 4
				catalog.notifications[102].RoleID = roleOncall
				catalog.plans[10].Creator = ""
				incidents.newIncidentsFn = nil
				incidents.rowsFn = func(context.Context) ([]model.EscalationRow, error) {
					return []model.EscalationRow{{
						IncidentID: 501, PlanID: 10, ApplicationID: 7,
						PlanNotificationID: 101, Count: 1, Max: 1, CurrentStep: 1,
					}}, nil
				}

				Expect(engine.Escalate(ctx)).To(Succeed())

				Expect(messages.inserted).To(BeEmpty())
				Expect(incidents.invalidated).To(BeEmpty())
				Expect(incidents.steps).To(HaveKeyWithValue(int64(501), 1))
			})
		})

		Context("when the plan has a tracking notification", func() {
			BeforeEach(func() {
				trackingType := "email"
				trackingKey := "alerts@example.com"
				catalog.plans[10].TrackingType = &trackingType
				catalog.plans[10].TrackingKey = &trackingKey
				renderer.renderFn = func(_ *model.Plan, _ string, context map[string]any) (render.TrackingContent, bool) {
					Expect(context).To(HaveKey("klaxon"))
					return render.TrackingContent{Subject: "incident opened", Body: "details"}, true
				}
				incidents.newIncidentsFn = func(context.Context) ([]model.NewIncident, error) {
					return []model.NewIncident{{ID: 502, PlanID: 10, ApplicationID: 7, Application: "monitor"}}, nil
				}
			})

			It("queues the tracking email out of band", func() {
				Expect(engine.Escalate(ctx)).To(Succeed())

				var tracking *model.Message
				Eventually(sendQ).Should(Receive(&tracking))
				Expect(tracking.NoReply).To(BeTrue())
				Expect(tracking.Mode).To(Equal("email"))
				Expect(tracking.Destination).To(Equal("alerts@example.com"))
				Expect(tracking.Subject).To(Equal("incident opened"))
				Expect(tracking.IncidentID).To(HaveValue(Equal(int64(502))))
				Expect(tracking.PlanID).To(BeNil())
			})
		})
	})

	Describe("Deactivate", func() {
		It("retires exhausted incidents", func() {
			incidents.deactivateFn = func(context.Context) (int64, error) {
				return 3, nil
			}
			Expect(engine.Deactivate(ctx)).To(Succeed())
		})
	})
})
