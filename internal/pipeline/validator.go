package pipeline

import (
	"github.com/dohr-michael/quill/internal/models"
	"github.com/dohr-michael/quill/internal/storage"
	"github.com/dohr-michael/quill/internal/tokens"
)

// ValidationResult reports a prompt that fits.
type ValidationResult struct {
	Tokens   int
	Limit    int
	Reserved int
}

// Validator confirms a candidate prompt fits within the provider's
// effective limit after the reserved response budget is held back. It is
// stateless with respect to the prompt, so repeated validation of an
// unchanged prompt returns identical results.
type Validator struct {
	counter       *tokens.CachingCounter
	profiles      models.Profiles
	requestedSize int
	reserved      int
}

// NewValidator creates a validator for the configured context profile.
func NewValidator(counter *tokens.CachingCounter, profiles models.Profiles, requestedSize, reserved int) *Validator {
	return &Validator{
		counter:       counter,
		profiles:      profiles,
		requestedSize: requestedSize,
		reserved:      reserved,
	}
}

// EffectiveLimit exposes the pre-computed limit for a model.
func (v *Validator) EffectiveLimit(modelID string) int {
	return v.profiles.EffectiveLimit(modelID, v.requestedSize)
}

// Validate counts the prompt and compares it against the effective limit
// minus the reserved response budget.
func (v *Validator) Validate(prompt []storage.Message, modelID string) (ValidationResult, error) {
	total := v.counter.MessagesTokens(prompt)
	limit := v.EffectiveLimit(modelID) - v.reserved

	if total > limit {
		return ValidationResult{}, &storage.ValidationOverError{
			Tokens: total,
			Limit:  limit,
			By:     total - limit,
		}
	}
	return ValidationResult{Tokens: total, Limit: limit, Reserved: v.reserved}, nil
}
