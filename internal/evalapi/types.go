package evalapi

import (
	"github.com/rcavalcanti/bifrost/internal/engine"
	"github.com/rcavalcanti/bifrost/internal/registry"
)

// SubjectDTO is the wire form of an evaluation subject.
type SubjectDTO struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (s SubjectDTO) toDomain() registry.Subject {
	return registry.Subject{ID: s.ID, Attributes: s.Attributes}
}

// EvaluateRequest defines the payload for POST /v1/evaluate.
type EvaluateRequest struct {
	FlagKey string     `json:"flag_key"`
	Subject SubjectDTO `json:"subject"`
}

// EvaluateResponse carries the decision and the rule that produced it.
type EvaluateResponse struct {
	FlagKey string        `json:"flag_key"`
	Enabled bool          `json:"enabled"`
	Reason  engine.Reason `json:"reason"`
}

// VariantRequest defines the payload for POST /v1/variant.
type VariantRequest struct {
	ExperimentKey string     `json:"experiment_key"`
	Subject       SubjectDTO `json:"subject"`
}

// VariantResponse names the arm the subject landed on.
type VariantResponse struct {
	ExperimentKey string `json:"experiment_key"`
	Variant       string `json:"variant"`
}

// ConversionRequest defines the payload for POST /v1/conversions. EventName
// distinguishes conversion kinds ("signup", "add-to-cart"); empty means the
// generic "conversion".
type ConversionRequest struct {
	ExperimentKey string     `json:"experiment_key"`
	Subject       SubjectDTO `json:"subject"`
	EventName     string     `json:"event_name,omitempty"`
	Value         float64    `json:"value"`
}

// ErrorResponse represents a standard structured API error.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
