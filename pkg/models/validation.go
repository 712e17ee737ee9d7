package models

// ValidationResult is the validator's verdict on one pipeline iteration.
// Overall and all dimensional scores are in [0, 1].
type ValidationResult struct {
	Overall      float64            `json:"overall"`
	Dimensions   map[string]float64 `json:"dimensions,omitempty"`
	Issues       []string           `json:"issues,omitempty"`
	Suggestions  []string           `json:"suggestions,omitempty"`
	IsValid      bool               `json:"is_valid"`
	ShouldRefine bool               `json:"should_refine"`
}

// Feedback renders the result as refinement feedback for the generator or
// planner: issues first, then suggestions. Empty when there is nothing to say.
func (v *ValidationResult) Feedback() string {
	if v == nil {
		return ""
	}
	var out string
	for _, issue := range v.Issues {
		out += "- issue: " + issue + "\n"
	}
	for _, s := range v.Suggestions {
		out += "- suggestion: " + s + "\n"
	}
	return out
}
