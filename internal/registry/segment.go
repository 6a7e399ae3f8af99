package registry

import (
	"fmt"
	"strings"
)

// SegmentPredicate is a pure function from subject attributes to membership.
// Predicates must be side-effect free and safe for concurrent use.
type SegmentPredicate func(Subject) bool

// Segment rule kinds. Rules are stored as (kind, params) records so that
// definitions remain serializable across Postgres and Redis; the predicate is
// rebuilt from the record wherever the rule is loaded. This keeps the actual
// matching logic in one place instead of duplicating it per flag.
const (
	// SegmentAttrEquals matches when params["attribute"] equals params["value"].
	SegmentAttrEquals = "ATTR_EQUALS"

	// SegmentAttrSuffix matches when the attribute ends with params["suffix"].
	// Typical use: email domain segments ("internal" = ends with "@company.com").
	SegmentAttrSuffix = "ATTR_SUFFIX"

	// SegmentAttrPrefix matches when the attribute starts with params["prefix"].
	SegmentAttrPrefix = "ATTR_PREFIX"

	// SegmentAttrIn matches when the attribute is one of the comma-separated
	// values in params["values"].
	SegmentAttrIn = "ATTR_IN"
)

// SegmentRule is a named, serializable membership rule. It is owned by the
// registry and referenced from FlagDefinition.AllowedSegments by name.
type SegmentRule struct {
	Name   string            `json:"name"`
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`

	// predicate is compiled from Kind/Params, or injected directly via
	// RegisterSegmentPredicate for rules that only exist in code.
	predicate SegmentPredicate
}

// Matches evaluates the rule against a subject. An uncompiled rule never
// matches (fail closed).
func (r *SegmentRule) Matches(s Subject) bool {
	if r == nil || r.predicate == nil {
		return false
	}
	return r.predicate(s)
}

// Compile builds the predicate from the rule's kind and params. It must be
// called after deserializing a rule from storage.
func (r *SegmentRule) Compile() error {
	if r.Name == "" {
		return fmt.Errorf("%w: segment name is required", ErrValidation)
	}

	attr := r.Params["attribute"]

	switch r.Kind {
	case SegmentAttrEquals:
		want := r.Params["value"]
		if attr == "" {
			return fmt.Errorf("%w: segment %q: ATTR_EQUALS requires an attribute", ErrValidation, r.Name)
		}
		r.predicate = func(s Subject) bool { return s.Attr(attr) == want }

	case SegmentAttrSuffix:
		suffix := r.Params["suffix"]
		if attr == "" || suffix == "" {
			return fmt.Errorf("%w: segment %q: ATTR_SUFFIX requires attribute and suffix", ErrValidation, r.Name)
		}
		r.predicate = func(s Subject) bool { return strings.HasSuffix(s.Attr(attr), suffix) }

	case SegmentAttrPrefix:
		prefix := r.Params["prefix"]
		if attr == "" || prefix == "" {
			return fmt.Errorf("%w: segment %q: ATTR_PREFIX requires attribute and prefix", ErrValidation, r.Name)
		}
		r.predicate = func(s Subject) bool { return strings.HasPrefix(s.Attr(attr), prefix) }

	case SegmentAttrIn:
		raw := r.Params["values"]
		if attr == "" || raw == "" {
			return fmt.Errorf("%w: segment %q: ATTR_IN requires attribute and values", ErrValidation, r.Name)
		}
		values := make(map[string]struct{})
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values[v] = struct{}{}
			}
		}
		r.predicate = func(s Subject) bool {
			_, ok := values[s.Attr(attr)]
			return ok
		}

	default:
		return fmt.Errorf("%w: segment %q: unknown kind %q", ErrValidation, r.Name, r.Kind)
	}

	return nil
}
