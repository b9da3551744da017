package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment so business context (incident_id,
// message_id, ...) is included in every log statement along the path.
type LogFields struct {
	IncidentID  *int64  // Incident being escalated
	MessageID   *int64  // Message row being dispatched
	PlanID      *int64  // Escalation plan
	Application *string // Owning application name
	Mode        *string // Delivery mode (email, sms, call, chat)
	Component   string  // Component name (e.g. "klaxon.sender.dispatcher")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, next LogFields) LogFields {
	result := existing

	if next.IncidentID != nil {
		result.IncidentID = next.IncidentID
	}
	if next.MessageID != nil {
		result.MessageID = next.MessageID
	}
	if next.PlanID != nil {
		result.PlanID = next.PlanID
	}
	if next.Application != nil {
		result.Application = next.Application
	}
	if next.Mode != nil {
		result.Mode = next.Mode
	}
	if next.Component != "" {
		result.Component = next.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value, for setting LogFields inline.
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
