package registry

import (
	"fmt"
	"slices"
	"time"
)

// Subject is the entity being evaluated for flag or experiment membership,
// typically a user or a session.
type Subject struct {
	// ID must be stable across evaluations; it is the hashing input for
	// percentage bucketing, so an unstable ID breaks stickiness.
	ID string `json:"id"`

	// Attributes is a flexible map used by segment predicates and experiment
	// audience filters (e.g. "email", "region", "plan").
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Attr returns the named attribute or the empty string.
func (s Subject) Attr(name string) string {
	if s.Attributes == nil {
		return ""
	}
	return s.Attributes[name]
}

// Window is an optional activity interval. A flag or experiment evaluates
// false (or control) outside its window even when enabled.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether now falls inside the window. Zero bounds are open:
// a zero Start means "active since forever", a zero End means "never expires".
func (w *Window) Contains(now time.Time) bool {
	if w == nil {
		return true
	}
	if !w.Start.IsZero() && now.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && now.After(w.End) {
		return false
	}
	return true
}

// FlagDefinition is the full configuration of a feature flag.
//
// Definitions are treated as immutable once published to the registry: every
// mutation clones the definition and swaps the pointer, so concurrent readers
// always observe an atomically consistent snapshot. Callers must not mutate a
// definition obtained from the registry.
//
// The struct is JSON-serializable end to end (Postgres JSONB columns and the
// Redis snapshot cache both store this shape). Segment membership logic lives
// in SegmentRule, referenced by name, never embedded here.
type FlagDefinition struct {
	// Key is the unique natural identifier (slug).
	Key string `json:"key"`

	// Enabled is the kill switch. When false the flag evaluates false for
	// everyone, overriding every other rule.
	Enabled bool `json:"enabled"`

	// RolloutPercentage is the current exposure level in [0,100].
	RolloutPercentage int `json:"rollout_percentage"`

	// AllowedSubjectIDs are explicit opt-ins, always enabled regardless of
	// the rollout percentage.
	AllowedSubjectIDs []string `json:"allowed_subject_ids,omitempty"`

	// AllowedSegments are names of registered segment rules; a subject
	// matching any of them is enabled regardless of percentage.
	AllowedSegments []string `json:"allowed_segments,omitempty"`

	// Dependencies are flag keys that must all evaluate true for this flag
	// to evaluate true.
	Dependencies []string `json:"dependencies,omitempty"`

	// ActiveWindow optionally bounds when the flag is live.
	ActiveWindow *Window `json:"active_window,omitempty"`

	// Description is informational only.
	Description string `json:"description,omitempty"`

	// allowed is the compiled O(1) lookup set built from AllowedSubjectIDs.
	allowed map[string]struct{}
}

// Compile builds the internal lookup structures. The registry calls it on
// Define; decoders restoring definitions from storage must call it before
// handing the definition to the evaluation engine.
func (d *FlagDefinition) Compile() {
	if len(d.AllowedSubjectIDs) == 0 {
		d.allowed = nil
		return
	}

	set := make(map[string]struct{}, len(d.AllowedSubjectIDs))
	for _, id := range d.AllowedSubjectIDs {
		set[id] = struct{}{}
	}
	d.allowed = set
}

// HasSubject reports whether the subject id is explicitly allow-listed.
func (d *FlagDefinition) HasSubject(id string) bool {
	if id == "" {
		return false
	}
	if d.allowed != nil {
		_, ok := d.allowed[id]
		return ok
	}
	// Uncompiled definitions fall back to a linear scan rather than
	// silently dropping the allow list.
	return slices.Contains(d.AllowedSubjectIDs, id)
}

// validate enforces the define-time invariants that must never be checked on
// the evaluation hot path.
func (d *FlagDefinition) validate() error {
	if d.Key == "" {
		return fmt.Errorf("%w: flag key is required", ErrValidation)
	}
	if d.RolloutPercentage < 0 || d.RolloutPercentage > 100 {
		return fmt.Errorf("%w: rollout percentage must be between 0 and 100, got %d", ErrValidation, d.RolloutPercentage)
	}
	if slices.Contains(d.Dependencies, d.Key) {
		return fmt.Errorf("%w: flag %q cannot depend on itself", ErrValidation, d.Key)
	}
	if d.ActiveWindow != nil && !d.ActiveWindow.Start.IsZero() && !d.ActiveWindow.End.IsZero() {
		if d.ActiveWindow.End.Before(d.ActiveWindow.Start) {
			return fmt.Errorf("%w: active window ends before it starts", ErrValidation)
		}
	}
	return nil
}

// clone returns a deep copy suitable for copy-on-write mutation.
func (d *FlagDefinition) clone() *FlagDefinition {
	cp := *d
	cp.AllowedSubjectIDs = slices.Clone(d.AllowedSubjectIDs)
	cp.AllowedSegments = slices.Clone(d.AllowedSegments)
	cp.Dependencies = slices.Clone(d.Dependencies)
	if d.ActiveWindow != nil {
		w := *d.ActiveWindow
		cp.ActiveWindow = &w
	}
	cp.Compile()
	return &cp
}
