package model

import "time"

// Plan is an ordered multi-step escalation policy. Plans are immutable
// after creation; activation is a separate flag (at most one active plan
// per name). Steps hold PlanNotification ids, not pointers - notification
// bodies resolve through the cache.
type Plan struct {
	ID                int64
	Name              string
	Description       string
	Creator           string
	Created           time.Time
	StepCount         int
	ThresholdWindow   int64 // seconds
	ThresholdCount    int
	AggregationWindow int64 // seconds between batch flushes while aggregating
	AggregationReset  int64 // idle seconds after which aggregation mode ends
	TrackingType      *string
	TrackingKey       *string

	// TrackingTemplate maps application name to its tracking rendering.
	TrackingTemplate map[string]TrackingTemplate

	// Steps maps step number (1-based) to the PlanNotification ids of that step.
	Steps map[int][]int64
}

// TrackingTemplate is the per-application rendering of a plan's
// out-of-band tracking notification.
type TrackingTemplate struct {
	EmailSubject string `json:"email_subject"`
	EmailText    string `json:"email_text"`
	EmailHTML    string `json:"email_html,omitempty"`
}

// PlanNotification is one (priority, role, target, template, repeat, wait)
// tuple within a plan step. Repeat is the number of additional sends beyond
// the first; total sends per step = Repeat + 1.
type PlanNotification struct {
	ID         int64
	PlanID     int64
	Step       int
	PriorityID int64
	TargetID   int64
	RoleID     int64
	Template   string
	Repeat     int
	Wait       int64 // seconds between sends at this step
}
