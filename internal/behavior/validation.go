package behavior

import (
	"context"

	"relaykit/internal/mediator"
	"relaykit/internal/result"
)

// Validation rejects requests whose Validate method fails, before any work
// happens. Requests without the method pass through untouched.
type Validation struct{}

func NewValidation() *Validation { return &Validation{} }

func (v *Validation) Name() string  { return "validation" }
func (v *Validation) Priority() int { return mediator.PriorityValidation }

func (v *Validation) Handle(ctx context.Context, req any, next mediator.Next) result.Result[any] {
	if val, ok := req.(mediator.Validatable); ok {
		if err := val.Validate(); err != nil {
			return result.FailErr[any](result.CodeValidationFailed, err)
		}
	}
	return next(ctx)
}
