// Package experiment implements deterministic variant assignment for A/B and
// multivariate experiments.
//
// Assignment rides on the same hashing as percentage rollouts: the subject's
// bucket for the experiment key is walked against the cumulative variant
// weights, so a given (subject, experiment) pair always resolves to the same
// variant without any per-subject storage. Subjects outside the experiment's
// audience or active window fall back to the control variant, which by
// convention is the first variant in the definition.
package experiment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rcavalcanti/bifrost/internal/bucket"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

// Variant is one arm of an experiment.
type Variant struct {
	// ID names the arm, e.g. "control", "treatment-a".
	ID string `json:"id"`

	// Weight is the arm's share of bucket space, in percent. Weights of all
	// variants must sum to exactly 100.
	Weight int `json:"weight"`
}

// Experiment defines a keyed split of the subject population into variants.
type Experiment struct {
	// Key uniquely identifies the experiment and salts the bucketing hash.
	Key string `json:"key"`

	// Variants lists the arms in definition order. The first variant is the
	// control arm and receives all out-of-audience traffic.
	Variants []Variant `json:"variants"`

	// AudienceSegment optionally restricts the experiment to subjects
	// matching a registered segment. Empty means everyone participates.
	AudienceSegment string `json:"audience_segment,omitempty"`

	// ActiveWindow optionally bounds the experiment in time. Outside the
	// window every subject resolves to control.
	ActiveWindow *registry.Window `json:"active_window,omitempty"`

	// Description is free-form operator documentation.
	Description string `json:"description,omitempty"`
}

// Control returns the control variant id (first arm). Empty for an
// experiment with no variants, which Validate rejects.
func (e *Experiment) Control() string {
	if len(e.Variants) == 0 {
		return ""
	}
	return e.Variants[0].ID
}

// Validate checks structural invariants. Violations wrap
// registry.ErrValidation so the API layer maps them to 400s uniformly.
func (e *Experiment) Validate() error {
	if strings.TrimSpace(e.Key) == "" {
		return fmt.Errorf("%w: experiment key is required", registry.ErrValidation)
	}

	if len(e.Variants) < 2 {
		return fmt.Errorf("%w: experiment %q needs at least two variants", registry.ErrValidation, e.Key)
	}

	total := 0
	seen := make(map[string]struct{}, len(e.Variants))
	for _, v := range e.Variants {
		if strings.TrimSpace(v.ID) == "" {
			return fmt.Errorf("%w: experiment %q has a variant with an empty id", registry.ErrValidation, e.Key)
		}
		if _, dup := seen[v.ID]; dup {
			return fmt.Errorf("%w: experiment %q declares variant %q twice", registry.ErrValidation, e.Key, v.ID)
		}
		seen[v.ID] = struct{}{}

		if v.Weight < 0 || v.Weight > bucket.Size {
			return fmt.Errorf("%w: experiment %q variant %q weight %d is outside [0, %d]",
				registry.ErrValidation, e.Key, v.ID, v.Weight, bucket.Size)
		}
		total += v.Weight
	}

	if total != bucket.Size {
		return fmt.Errorf("%w: experiment %q variant weights sum to %d, want %d",
			registry.ErrValidation, e.Key, total, bucket.Size)
	}

	if e.ActiveWindow != nil && !e.ActiveWindow.Start.IsZero() && !e.ActiveWindow.End.IsZero() &&
		e.ActiveWindow.End.Before(e.ActiveWindow.Start) {
		return fmt.Errorf("%w: experiment %q window ends before it starts", registry.ErrValidation, e.Key)
	}

	return nil
}

// sameVariants reports whether two variant lists are identical in order,
// ids and weights. Redefining an experiment with different arms would
// silently reshuffle subjects, so Define rejects it.
func sameVariants(a, b []Variant) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// clone deep-copies the experiment so registered definitions stay immutable.
func (e *Experiment) clone() *Experiment {
	c := *e
	c.Variants = append([]Variant(nil), e.Variants...)
	if e.ActiveWindow != nil {
		w := *e.ActiveWindow
		c.ActiveWindow = &w
	}
	return &c
}

// ErrVariantsChanged signals an attempt to redefine an experiment with a
// different variant set. Callers must pick a new experiment key instead,
// which re-salts the hash and produces a clean reshuffle.
var ErrVariantsChanged = errors.New("experiment variants cannot change after definition")

// SegmentSource resolves audience segments; *registry.Registry satisfies it,
// as does the eval plane's cache-backed source.
type SegmentSource interface {
	Segment(name string) (*registry.SegmentRule, bool)
}

// variantFor walks the cumulative weights against the subject's bucket.
// Weights partition [0, bucket.Size) into contiguous spans in definition
// order, so the mapping is stable under everything except weight edits.
func variantFor(e *Experiment, subjectID string) string {
	b := bucket.Of(subjectID, e.Key)

	cumulative := 0
	for _, v := range e.Variants {
		cumulative += v.Weight
		if b < cumulative {
			return v.ID
		}
	}

	// Unreachable with validated weights; fail toward control.
	return e.Control()
}

// Resolve returns the variant for the subject at the given instant. Subjects
// outside the active window, outside the audience segment, or with an empty
// id always land on control.
func Resolve(e *Experiment, segments SegmentSource, subject registry.Subject, now time.Time) string {
	if e.ActiveWindow != nil && !e.ActiveWindow.Contains(now) {
		return e.Control()
	}

	if subject.ID == "" {
		return e.Control()
	}

	if e.AudienceSegment != "" {
		if segments == nil {
			return e.Control()
		}
		rule, ok := segments.Segment(e.AudienceSegment)
		if !ok || !rule.Matches(subject) {
			return e.Control()
		}
	}

	return variantFor(e, subject.ID)
}

// SortedKeys returns experiment keys in lexical order, for deterministic
// listings.
func SortedKeys(m map[string]*Experiment) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
