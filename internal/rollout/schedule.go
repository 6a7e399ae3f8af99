package rollout

import (
	"fmt"
	"time"

	"github.com/rcavalcanti/bifrost/internal/registry"
)

// Thresholds are the absolute health limits the gate checks before each
// promotion. Absolute (rather than baseline-relative) comparisons keep the
// decision reproducible; the gate still queries the baseline cohort for audit
// context.
type Thresholds struct {
	// MaxErrorRate is the highest tolerated error ratio (0.02 = 2%).
	MaxErrorRate float64 `json:"max_error_rate"`

	// MaxLatencyP95 is the highest tolerated p95 latency in seconds.
	MaxLatencyP95 float64 `json:"max_latency_p95"`

	// MinConversionRate is the lowest tolerated conversion ratio.
	// Zero disables the check (not every rollout has a conversion funnel).
	MinConversionRate float64 `json:"min_conversion_rate"`
}

// Schedule describes a staged rollout for one flag. The controller owns the
// mutable progress (stage index, timers); the schedule itself is immutable
// after Start.
type Schedule struct {
	// FlagKey references the flag whose percentage this rollout drives.
	FlagKey string `json:"flag_key"`

	// Stages is the ordered sequence of target percentages, e.g. [1,5,25,50,100].
	// Must be non-empty and strictly increasing within [0,100].
	Stages []int `json:"stages"`

	// StageDuration is the dwell time each stage must hold before the next
	// promotion is attempted.
	StageDuration time.Duration `json:"stage_duration"`

	// Thresholds are consulted by the metrics gate before each promotion.
	Thresholds Thresholds `json:"thresholds"`

	// ServiceRef optionally names an infrastructure target; when set, every
	// percentage write also fans out to the traffic collaborator.
	ServiceRef string `json:"service_ref,omitempty"`
}

// Validate enforces the schedule invariants at creation time.
func (s *Schedule) Validate() error {
	if s.FlagKey == "" {
		return fmt.Errorf("%w: schedule flag key is required", registry.ErrValidation)
	}
	if len(s.Stages) == 0 {
		return fmt.Errorf("%w: schedule needs at least one stage", registry.ErrValidation)
	}
	if s.StageDuration <= 0 {
		return fmt.Errorf("%w: stage duration must be positive", registry.ErrValidation)
	}

	prev := -1
	for i, pct := range s.Stages {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%w: stage %d percentage %d out of range", registry.ErrValidation, i, pct)
		}
		if pct <= prev {
			return fmt.Errorf("%w: stages must be strictly increasing, got %v", registry.ErrValidation, s.Stages)
		}
		prev = pct
	}

	if s.Thresholds.MaxErrorRate < 0 || s.Thresholds.MinConversionRate < 0 || s.Thresholds.MaxLatencyP95 < 0 {
		return fmt.Errorf("%w: thresholds cannot be negative", registry.ErrValidation)
	}

	return nil
}

// State is the lifecycle position of a rollout.
type State string

const (
	// StateStaging: a stage is active and dwelling; ticks may promote it.
	StateStaging State = "STAGING"

	// StatePaused: operator suspended tick processing; percentage unchanged.
	StatePaused State = "PAUSED"

	// StateRolledBack: terminal; the flag was reverted to 0%.
	StateRolledBack State = "ROLLED_BACK"

	// StateComplete: terminal; the final stage dwelled successfully.
	StateComplete State = "COMPLETE"
)

// Status is a read-only snapshot of a rollout's progress, served by the
// control API and used by the audit log.
type Status struct {
	Schedule        Schedule  `json:"schedule"`
	State           State     `json:"state"`
	StageIndex      int       `json:"stage_index"`
	Percentage      int       `json:"percentage"`
	LastGood        int       `json:"last_good_percentage"`
	StageStartedAt  time.Time `json:"stage_started_at"`
	LastEvaluatedAt time.Time `json:"last_evaluated_at"`
}
