// Package registry holds the authoritative in-memory state for feature flag
// definitions and segment rules.
//
// The workload is read-heavy (every request evaluates flags) and write-light
// (a percentage changes a handful of times per rollout). The registry
// therefore stores immutable *FlagDefinition values behind an RWMutex:
// readers take the read lock only long enough to fetch the current pointer
// and always observe a fully consistent definition, while writers clone,
// mutate, and swap. Writers serialize on the registry mutex, which is the
// single authorized write path for RolloutPercentage.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns all FlagDefinitions and SegmentRules. Construct it explicitly
// and pass it by reference; there is deliberately no package-level singleton.
type Registry struct {
	mu       sync.RWMutex
	flags    map[string]*FlagDefinition
	segments map[string]*SegmentRule
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		flags:    make(map[string]*FlagDefinition),
		segments: make(map[string]*SegmentRule),
	}
}

// Define inserts or replaces a flag definition.
//
// It fails with ErrValidation if the percentage is out of [0,100], the flag
// depends on itself, or the resulting dependency graph contains a cycle.
// Cycles are rejected here so the evaluation engine never has to defend
// against them on the hot path.
func (r *Registry) Define(def FlagDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkCyclesLocked(&def); err != nil {
		return err
	}

	stored := def.clone()
	r.flags[stored.Key] = stored
	return nil
}

// Get returns the current definition for the key or ErrNotFound.
// The returned definition is an immutable snapshot; callers must not mutate it.
func (r *Registry) Get(key string) (*FlagDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.flags[key]
	if !ok {
		return nil, fmt.Errorf("flag %q: %w", key, ErrNotFound)
	}
	return def, nil
}

// Delete removes a flag definition. Deleting an unknown key is a no-op.
func (r *Registry) Delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, key)
}

// Keys returns all defined flag keys in sorted order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.flags))
	for k := range r.flags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetRolloutPercentage updates the exposure level for a flag. This is the
// single authorized mutation path for the percentage; the rollout controller
// is its only production caller. Values are clamped to [0,100].
func (r *Registry) SetRolloutPercentage(key string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.flags[key]
	if !ok {
		return fmt.Errorf("flag %q: %w", key, ErrNotFound)
	}

	next := def.clone()
	next.RolloutPercentage = pct
	r.flags[key] = next
	return nil
}

// SetEnabled toggles the kill switch for a flag.
func (r *Registry) SetEnabled(key string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.flags[key]
	if !ok {
		return fmt.Errorf("flag %q: %w", key, ErrNotFound)
	}

	next := def.clone()
	next.Enabled = enabled
	r.flags[key] = next
	return nil
}

// RegisterSegment adds or replaces a serializable segment rule, compiling its
// predicate from the rule's kind and params.
func (r *Registry) RegisterSegment(rule SegmentRule) error {
	if err := rule.Compile(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[rule.Name] = &rule
	return nil
}

// RegisterSegmentPredicate adds or replaces a code-only segment rule. These
// rules cannot be synced to other processes; prefer RegisterSegment for
// anything the evaluation plane also needs.
func (r *Registry) RegisterSegmentPredicate(name string, predicate SegmentPredicate) error {
	if name == "" {
		return fmt.Errorf("%w: segment name is required", ErrValidation)
	}
	if predicate == nil {
		return fmt.Errorf("%w: segment %q: predicate is required", ErrValidation, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[name] = &SegmentRule{Name: name, predicate: predicate}
	return nil
}

// Segment returns the named segment rule, if registered.
func (r *Registry) Segment(name string) (*SegmentRule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rule, ok := r.segments[name]
	return rule, ok
}

// Segments returns all registered segment rules, sorted by name.
func (r *Registry) Segments() []*SegmentRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rules := make([]*SegmentRule, 0, len(r.segments))
	for _, rule := range r.segments {
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules
}

// checkCyclesLocked walks the dependency graph as it would look after
// inserting candidate, rejecting any cycle. Dependencies on flags that are
// not defined yet are allowed (they simply evaluate false until defined).
func (r *Registry) checkCyclesLocked(candidate *FlagDefinition) error {
	deps := func(key string) []string {
		if key == candidate.Key {
			return candidate.Dependencies
		}
		if def, ok := r.flags[key]; ok {
			return def.Dependencies
		}
		return nil
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int)

	var visit func(key string) error
	visit = func(key string) error {
		switch state[key] {
		case visiting:
			return fmt.Errorf("%w: dependency cycle involving flag %q", ErrValidation, key)
		case done:
			return nil
		}

		state[key] = visiting
		for _, dep := range deps(key) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[key] = done
		return nil
	}

	return visit(candidate.Key)
}
