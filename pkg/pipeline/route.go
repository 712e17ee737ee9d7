// Package pipeline drives one design request through the agent state machine
// with bounded refinement: Plan, Generate, Execute, Validate, then route on
// the validation score.
package pipeline

import (
	"fmt"

	"github.com/cadforge/cadforge/pkg/models"
)

// Default routing thresholds.
const (
	DefaultPassThreshold   = 0.80
	DefaultRefineThreshold = 0.40
	DefaultReplanThreshold = 0.20
)

// Thresholds are the score cut points for routing after validation. The
// ordering Replan <= Refine <= Pass is required.
type Thresholds struct {
	Pass   float64
	Refine float64
	Replan float64
}

// DefaultThresholds returns the standard routing thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Pass:   DefaultPassThreshold,
		Refine: DefaultRefineThreshold,
		Replan: DefaultReplanThreshold,
	}
}

// Validate checks the threshold ordering.
func (t Thresholds) Validate() error {
	if t.Replan > t.Refine || t.Refine > t.Pass {
		return fmt.Errorf("pipeline: thresholds must satisfy replan <= refine <= pass, got %v <= %v <= %v",
			t.Replan, t.Refine, t.Pass)
	}
	return nil
}

// Next is the routing outcome of one validation verdict.
type Next string

const (
	NextCompleted Next = "completed"
	NextRefining  Next = "refining"
	NextPlanning  Next = "planning" // replan with feedback
	NextFailed    Next = "failed"
)

// Route decides where the pipeline goes after a validation verdict. remaining
// is the number of iterations left in the budget; a non-passing verdict with
// no budget left always fails. Threshold boundaries are inclusive on the
// lower edge of their band: a score equal to Pass completes, equal to Refine
// refines, equal to Replan replans.
func Route(v models.ValidationResult, remaining int, refineEnabled bool, th Thresholds) Next {
	switch {
	case v.Overall >= th.Pass:
		return NextCompleted
	case remaining <= 0:
		return NextFailed
	case v.Overall >= th.Refine:
		if refineEnabled {
			return NextRefining
		}
		// With refinement disabled the only improvement path is a replan.
		return NextPlanning
	case v.Overall >= th.Replan:
		return NextPlanning
	default:
		return NextFailed
	}
}

// FailureReason maps a Failed route to its machine-readable reason.
func FailureReason(v models.ValidationResult, th Thresholds) string {
	if v.Overall < th.Replan {
		return models.ReasonScoreBelowFloor
	}
	return models.ReasonBudgetExceeded
}
