package model

import (
	"encoding/json"
	"time"
)

// Incident is a single triggering event for a plan. Created with
// CurrentStep=0 and Active=true; CurrentStep advances monotonically and
// the incident deactivates exactly once, when claimed or exhausted.
type Incident struct {
	ID            int64
	PlanID        int64
	ApplicationID int64
	Context       json.RawMessage
	Created       time.Time
	Updated       time.Time
	CurrentStep   int
	Active        bool
	OwnerID       *int64
}

// NewIncident is the joined row the escalation pass reads for incidents
// still at step 0.
type NewIncident struct {
	ID            int64
	PlanID        int64
	ApplicationID int64
	Context       json.RawMessage
	Application   string
}

// EscalationRow is one (incident, plan_notification) aggregate from the
// escalation query: message count vs the allowed max and the age of the
// most recent message vs the notification's wait.
type EscalationRow struct {
	IncidentID         int64
	PlanID             int64
	ApplicationID      int64
	PlanNotificationID int64
	Count              int
	Max                int
	Age                int64
	Wait               int64
	Step               int
	CurrentStep        int
	StepCount          int
}
