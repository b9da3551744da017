package model

// Message is the pipeline payload for one concrete notification: the
// unsent message row joined with target, priority, application and plan
// names. It travels the intake and send queues and, packed as msgpack,
// the master-to-slave RPC channel.
type Message struct {
	MessageID   int64          `msgpack:"message_id"`
	Target      string         `msgpack:"target"`
	Priority    string         `msgpack:"priority"`
	PriorityID  int64          `msgpack:"priority_id"`
	Application string         `msgpack:"application"`
	Plan        string         `msgpack:"plan"`
	PlanID      *int64         `msgpack:"plan_id"`
	IncidentID  *int64         `msgpack:"incident_id"`
	Context     map[string]any `msgpack:"context"`
	Template    string         `msgpack:"template"`

	// Resolved by the contact resolver.
	Mode        string `msgpack:"mode"`
	ModeID      int64  `msgpack:"mode_id"`
	Destination string `msgpack:"destination"`

	// Populated by the renderer.
	Subject    string `msgpack:"subject"`
	Body       string `msgpack:"body"`
	TemplateID *int64 `msgpack:"template_id"`
	ExtraHTML  string `msgpack:"extra_html,omitempty"`

	// Batch fields, present only for aggregated sends.
	BatchID       string  `msgpack:"batch_id,omitempty"`
	AggregatedIDs []int64 `msgpack:"aggregated_ids,omitempty"`

	// Out-of-band notifications carry no message row. NoReply marks
	// tracking notifications whose destination is pre-set.
	NoReply bool `msgpack:"noreply,omitempty"`

	// ModeSet reports whether an out-of-band notification arrived with an
	// explicit mode, which skips the priority cascade.
	ModeSet bool `msgpack:"mode_set,omitempty"`
}

// OutOfBand reports whether the message bypasses aggregation (no plan).
func (m *Message) OutOfBand() bool {
	return m.PlanID == nil
}

// Key returns the aggregation key K for this message.
func (m *Message) Key() AggregationKey {
	var planID int64
	if m.PlanID != nil {
		planID = *m.PlanID
	}
	return AggregationKey{
		PlanID:      planID,
		Application: m.Application,
		Priority:    m.Priority,
		Target:      m.Target,
	}
}

// AggregationKey identifies a rate-limit/aggregation bucket.
type AggregationKey struct {
	PlanID      int64
	Application string
	Priority    string
	Target      string
}

// InsertMessageParams are the columns written when the escalation engine
// emits a message row. Body is normally empty; the creator-fallback path
// pre-populates it with an explanation.
type InsertMessageParams struct {
	ID                 int64
	PlanID             int64
	PlanNotificationID int64
	IncidentID         int64
	ApplicationID      int64
	TargetID           int64
	PriorityID         int64
	Body               string
}
