package engine

// Reason is the machine-readable explanation attached to every evaluation.
// Clients and audit logs use it to distinguish "off by kill switch" from
// "off because the subject lost the percentage draw".
type Reason string

const (
	// ReasonNotFound: the flag is not defined; evaluation fails closed.
	ReasonNotFound Reason = "NOT_FOUND"

	// ReasonDisabled: the kill switch is off; overrides everything else.
	ReasonDisabled Reason = "DISABLED"

	// ReasonWindow: the current time is outside the flag's active window.
	ReasonWindow Reason = "OUTSIDE_WINDOW"

	// ReasonDependency: a dependency flag evaluated false for this subject.
	ReasonDependency Reason = "DEPENDENCY"

	// ReasonPinned: the subject is explicitly allow-listed.
	ReasonPinned Reason = "PINNED"

	// ReasonSegment: the subject matched an allowed segment rule.
	ReasonSegment Reason = "SEGMENT"

	// ReasonRollout: the subject's bucket fell under the rollout percentage.
	ReasonRollout Reason = "ROLLOUT"

	// ReasonNoMatch: no rule admitted the subject.
	ReasonNoMatch Reason = "NO_MATCH"
)

// Result is the outcome of a single flag evaluation.
type Result struct {
	Enabled bool   `json:"enabled"`
	Reason  Reason `json:"reason"`
}
