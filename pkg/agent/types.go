// Package agent wraps the LLM provider behind three fixed capabilities:
// planning, script generation, and validation. Each adapter builds a
// structured prompt, parses the typed response, enforces structural
// invariants, and retries with feedback before surfacing a failure.
package agent

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cadforge/cadforge/pkg/metrics"
)

// Agent roles. A role is a named capability, not a type hierarchy.
const (
	RolePlanner   = "planner"
	RoleGenerator = "generator"
	RoleValidator = "validator"
)

// Sentinel errors surfaced after an adapter exhausts its retries.
var (
	ErrPlanningFailed   = errors.New("agent: planning failed")
	ErrGenerationFailed = errors.New("agent: generation failed")
	ErrValidationFailed = errors.New("agent: validation failed")
)

// RetryConfig bounds an adapter's internal retry loop. Retries are invisible
// to the pipeline; only the exhausted failure surfaces.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig is applied when a zero RetryConfig is given.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     8 * time.Second,
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultRetryConfig.MaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultRetryConfig.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultRetryConfig.MaxBackoff
	}
	return c
}

// backoff sleeps with exponential growth, honoring cancellation. attempt is
// zero-based.
func (c RetryConfig) backoff(ctx context.Context, attempt int) error {
	d := c.InitialBackoff << attempt
	if d > c.MaxBackoff || d <= 0 {
		d = c.MaxBackoff
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func recordCall(role string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.ProviderCalls.WithLabelValues(role, outcome).Inc()
}

var codeFenceRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")

// extractJSON strips a Markdown code fence when the model wrapped its JSON in
// one, otherwise returns the trimmed text as-is.
func extractJSON(text string) string {
	if m := codeFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

// feedbackSection renders an optional feedback block appended to a prompt.
func feedbackSection(label, feedback string) string {
	if feedback == "" {
		return ""
	}
	return fmt.Sprintf("\n\n%s:\n%s", label, feedback)
}
