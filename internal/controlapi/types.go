package controlapi

import (
	"regexp"
	"strings"
	"time"

	"github.com/rcavalcanti/bifrost/internal/experiment"
	"github.com/rcavalcanti/bifrost/internal/registry"
	"github.com/rcavalcanti/bifrost/internal/rollout"
)

// keyRegex ensures keys are URL-safe slugs (lowercase, numbers, hyphens).
var keyRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

// validateKey enforces format and length rules for natural keys (flags,
// experiments, segments share the same slug convention).
func validateKey(key, what string) *ErrorResponse {
	if key == "" {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: what + " key is required",
		}
	}
	if len(key) < 3 || len(key) > 255 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: what + " key must be between 3 and 255 characters",
		}
	}
	if !keyRegex.MatchString(key) {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: what + " key must contain only lowercase letters, numbers, and hyphens (slug format)",
		}
	}
	return nil
}

// WindowDTO is the wire form of an activity window. Zero bounds are open.
type WindowDTO struct {
	Start time.Time `json:"start,omitempty"`
	End   time.Time `json:"end,omitempty"`
}

func (w *WindowDTO) toDomain() *registry.Window {
	if w == nil {
		return nil
	}
	return &registry.Window{Start: w.Start, End: w.End}
}

func windowFromDomain(w *registry.Window) *WindowDTO {
	if w == nil {
		return nil
	}
	return &WindowDTO{Start: w.Start, End: w.End}
}

// FlagDTO is the flag resource on the wire. It mirrors the persisted
// definition; the compiled lookup structures never leave the process.
type FlagDTO struct {
	Key               string     `json:"key"`
	Enabled           bool       `json:"enabled"`
	RolloutPercentage int        `json:"rollout_percentage"`
	AllowedSubjectIDs []string   `json:"allowed_subject_ids,omitempty"`
	AllowedSegments   []string   `json:"allowed_segments,omitempty"`
	Dependencies      []string   `json:"dependencies,omitempty"`
	ActiveWindow      *WindowDTO `json:"active_window,omitempty"`
	Description       string     `json:"description,omitempty"`
}

func flagFromDomain(def *registry.FlagDefinition) FlagDTO {
	return FlagDTO{
		Key:               def.Key,
		Enabled:           def.Enabled,
		RolloutPercentage: def.RolloutPercentage,
		AllowedSubjectIDs: def.AllowedSubjectIDs,
		AllowedSegments:   def.AllowedSegments,
		Dependencies:      def.Dependencies,
		ActiveWindow:      windowFromDomain(def.ActiveWindow),
		Description:       def.Description,
	}
}

// CreateFlagRequest defines the payload for POST /flags.
type CreateFlagRequest struct {
	Key               string     `json:"key"`
	Enabled           bool       `json:"enabled"`
	RolloutPercentage int        `json:"rollout_percentage"`
	AllowedSubjectIDs []string   `json:"allowed_subject_ids,omitempty"`
	AllowedSegments   []string   `json:"allowed_segments,omitempty"`
	Dependencies      []string   `json:"dependencies,omitempty"`
	ActiveWindow      *WindowDTO `json:"active_window,omitempty"`
	Description       string     `json:"description,omitempty"`
}

// Sanitize trims and lowercases the natural key so dirty input never reaches
// the domain layer.
func (r *CreateFlagRequest) Sanitize() {
	r.Key = strings.ToLower(strings.TrimSpace(r.Key))
	r.Description = strings.TrimSpace(r.Description)
}

// Validate checks the wire-level rules. Domain invariants (percentage range,
// cycles) are enforced again by registry.Define.
func (r *CreateFlagRequest) Validate() *ErrorResponse {
	return validateKey(r.Key, "flag")
}

func (r *CreateFlagRequest) toDomain() *registry.FlagDefinition {
	return &registry.FlagDefinition{
		Key:               r.Key,
		Enabled:           r.Enabled,
		RolloutPercentage: r.RolloutPercentage,
		AllowedSubjectIDs: r.AllowedSubjectIDs,
		AllowedSegments:   r.AllowedSegments,
		Dependencies:      r.Dependencies,
		ActiveWindow:      r.ActiveWindow.toDomain(),
		Description:       r.Description,
	}
}

// UpdateFlagRequest defines the payload for PATCH /flags/{key}. Pointers
// distinguish "missing field" (leave alone) from an explicit zero value.
type UpdateFlagRequest struct {
	Enabled           *bool      `json:"enabled,omitempty"`
	RolloutPercentage *int       `json:"rollout_percentage,omitempty"`
	AllowedSubjectIDs *[]string  `json:"allowed_subject_ids,omitempty"`
	AllowedSegments   *[]string  `json:"allowed_segments,omitempty"`
	Dependencies      *[]string  `json:"dependencies,omitempty"`
	ActiveWindow      *WindowDTO `json:"active_window,omitempty"`
	Description       *string    `json:"description,omitempty"`
}

// apply merges the patch into a copy of the current definition.
func (r *UpdateFlagRequest) apply(def *registry.FlagDefinition) *registry.FlagDefinition {
	next := *def
	if r.Enabled != nil {
		next.Enabled = *r.Enabled
	}
	if r.RolloutPercentage != nil {
		next.RolloutPercentage = *r.RolloutPercentage
	}
	if r.AllowedSubjectIDs != nil {
		next.AllowedSubjectIDs = *r.AllowedSubjectIDs
	}
	if r.AllowedSegments != nil {
		next.AllowedSegments = *r.AllowedSegments
	}
	if r.Dependencies != nil {
		next.Dependencies = *r.Dependencies
	}
	if r.ActiveWindow != nil {
		next.ActiveWindow = r.ActiveWindow.toDomain()
	}
	if r.Description != nil {
		next.Description = *r.Description
	}
	return &next
}

// SegmentRequest defines the payload for PUT /segments.
type SegmentRequest struct {
	Name   string            `json:"name"`
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

func (r *SegmentRequest) Sanitize() {
	r.Name = strings.ToLower(strings.TrimSpace(r.Name))
	r.Kind = strings.ToUpper(strings.TrimSpace(r.Kind))
}

func (r *SegmentRequest) Validate() *ErrorResponse {
	return validateKey(r.Name, "segment")
}

func (r *SegmentRequest) toDomain() *registry.SegmentRule {
	return &registry.SegmentRule{
		Name:   r.Name,
		Kind:   r.Kind,
		Params: r.Params,
	}
}

// SegmentDTO is the segment resource on the wire.
type SegmentDTO struct {
	Name   string            `json:"name"`
	Kind   string            `json:"kind"`
	Params map[string]string `json:"params,omitempty"`
}

func segmentFromDomain(rule *registry.SegmentRule) SegmentDTO {
	return SegmentDTO{Name: rule.Name, Kind: rule.Kind, Params: rule.Params}
}

// ExperimentRequest defines the payload for POST /experiments.
type ExperimentRequest struct {
	Key             string               `json:"key"`
	Variants        []experiment.Variant `json:"variants"`
	AudienceSegment string               `json:"audience_segment,omitempty"`
	ActiveWindow    *WindowDTO           `json:"active_window,omitempty"`
	Description     string               `json:"description,omitempty"`
}

func (r *ExperimentRequest) Sanitize() {
	r.Key = strings.ToLower(strings.TrimSpace(r.Key))
	r.AudienceSegment = strings.TrimSpace(r.AudienceSegment)
	r.Description = strings.TrimSpace(r.Description)
}

func (r *ExperimentRequest) Validate() *ErrorResponse {
	return validateKey(r.Key, "experiment")
}

func (r *ExperimentRequest) toDomain() *experiment.Experiment {
	return &experiment.Experiment{
		Key:             r.Key,
		Variants:        r.Variants,
		AudienceSegment: r.AudienceSegment,
		ActiveWindow:    r.ActiveWindow.toDomain(),
		Description:     r.Description,
	}
}

// StartRolloutRequest defines the payload for POST /rollouts.
type StartRolloutRequest struct {
	FlagKey       string             `json:"flag_key"`
	Stages        []int              `json:"stages"`
	StageDuration string             `json:"stage_duration"`
	Thresholds    rollout.Thresholds `json:"thresholds"`
	ServiceRef    string             `json:"service_ref,omitempty"`
}

func (r *StartRolloutRequest) Sanitize() {
	r.FlagKey = strings.ToLower(strings.TrimSpace(r.FlagKey))
}

// toDomain parses the duration and builds the schedule. Schedule.Validate
// owns the numeric invariants.
func (r *StartRolloutRequest) toDomain() (rollout.Schedule, *ErrorResponse) {
	if errResp := validateKey(r.FlagKey, "flag"); errResp != nil {
		return rollout.Schedule{}, errResp
	}

	d, err := time.ParseDuration(r.StageDuration)
	if err != nil {
		return rollout.Schedule{}, &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "stage_duration must be a Go duration string (e.g. \"1h\")",
		}
	}

	return rollout.Schedule{
		FlagKey:       r.FlagKey,
		Stages:        r.Stages,
		StageDuration: d,
		Thresholds:    r.Thresholds,
		ServiceRef:    r.ServiceRef,
	}, nil
}

// ListResponse is a standard wrapper for list endpoints.
type ListResponse struct {
	Data  interface{} `json:"data"`
	Total int         `json:"total"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	// Code is a machine-readable error code (e.g. "ERR_INVALID_INPUT").
	Code string `json:"code"`

	// Message is a human-readable description of the error.
	Message string `json:"message"`
}
