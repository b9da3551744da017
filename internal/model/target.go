package model

// Target is a user or a role expansion source (team, oncall rotation).
type Target struct {
	ID   int64
	Name string
	Type string
}

// Contact is a (mode, destination) pair for a target.
type Contact struct {
	TargetID    int64
	ModeID      int64
	Mode        string
	Destination string
}

// Mode is a delivery mode (email, sms, call, chat).
type Mode struct {
	ID   int64
	Name string
}

// Priority carries its default mode for the contact resolution cascade.
type Priority struct {
	ID     int64
	Name   string
	ModeID int64
}

// ReprioritizationRule rewrites SrcMode to DstMode for a target once
// Count messages went out via SrcMode within Duration seconds.
// Bounds: 1 <= Count <= 255, 60 <= Duration <= 3600.
type ReprioritizationRule struct {
	TargetName string
	SrcMode    string
	SrcModeID  int64
	DstMode    string
	DstModeID  int64
	Count      int
	Duration   int64
}

// Valid reports whether the rule is within the allowed bounds.
func (r ReprioritizationRule) Valid() bool {
	return r.Count >= 1 && r.Count <= 255 && r.Duration >= 60 && r.Duration <= 3600
}
