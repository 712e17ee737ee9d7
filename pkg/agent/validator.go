package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cadforge/cadforge/pkg/dag"
	"github.com/cadforge/cadforge/pkg/decision"
	"github.com/cadforge/cadforge/pkg/llm"
	"github.com/cadforge/cadforge/pkg/models"
)

const validatorSystemPrompt = `You are a CAD validation agent. Rate how well the generated scripts satisfy
the design request. Consider correctness of the modeled geometry, coverage of
the requested features, and script quality.

Respond with JSON only, no prose:
{"score": <float 0..1>, "issues": ["..."], "suggestions": ["..."]}`

// Score thresholds fixed by the validation contract.
const (
	passScore   = 0.80
	refineScore = 0.40
)

// Component weights. Geometric applies only when an execution report exists;
// without one the review weight grows and weights renormalize.
const (
	geometricWeight      = 0.4
	semanticWeight       = 0.3
	reviewWeight         = 0.3
	reviewWeightNoReport = 0.5
)

// ValidateInput is one validation call. Report is nil when execution was
// disabled or produced nothing.
type ValidateInput struct {
	RequestID string
	SessionID string
	Prompt    string
	Graph     *dag.TaskGraph
	Scripts   map[string]string
	Report    *models.ExecutionReport
	Iteration int
}

type reviewResponse struct {
	Score       float64  `json:"score"`
	Issues      []string `json:"issues,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Validator scores the produced design against the request.
type Validator struct {
	provider llm.Provider
	cache    *decision.Cache // may be nil
	retry    RetryConfig
	logger   *slog.Logger
}

// NewValidator creates a validator adapter.
func NewValidator(provider llm.Provider, cache *decision.Cache, retry RetryConfig, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{
		provider: provider,
		cache:    cache,
		retry:    retry.withDefaults(),
		logger:   logger.With("agent", RoleValidator),
	}
}

// Validate combines the geometric, semantic, and model-review components into
// one weighted score. Provider failures exhaust retries and surface as
// ErrValidationFailed.
func (v *Validator) Validate(ctx context.Context, in ValidateInput) (models.ValidationResult, error) {
	cacheKey := decision.Key{
		SessionID:   in.SessionID,
		Role:        RoleValidator,
		Prompt:      in.Prompt,
		StateDigest: validationDigest(in),
		Iteration:   in.Iteration,
	}
	if v.cache != nil {
		if payload, ok := v.cache.Get(ctx, cacheKey); ok {
			var cached models.ValidationResult
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
		}
	}

	review, err := v.review(ctx, in)
	if err != nil {
		return models.ValidationResult{}, err
	}

	geometric, geoIssues := geometricScore(in.Report, in.Scripts)
	semantic := semanticScore(in.Prompt, in.Graph)

	gw, sw, rw := geometricWeight, semanticWeight, reviewWeight
	if in.Report == nil {
		gw, rw = 0, reviewWeightNoReport
	}
	total := gw + sw + rw
	overall := (geometric*gw + semantic*sw + review.Score*rw) / total

	result := models.ValidationResult{
		Overall: overall,
		Dimensions: map[string]float64{
			"geometric":  geometric,
			"semantic":   semantic,
			"llm_review": review.Score,
		},
		Issues:       append(geoIssues, review.Issues...),
		Suggestions:  review.Suggestions,
		IsValid:      overall >= passScore,
		ShouldRefine: overall >= refineScore && overall < passScore,
	}

	if v.cache != nil {
		if payload, err := json.Marshal(result); err == nil {
			if err := v.cache.Put(ctx, cacheKey, payload); err != nil {
				v.logger.Warn("Failed to cache validation", "error", err)
			}
		}
	}
	v.logger.Info("Validation scored",
		"request_id", in.RequestID, "overall", overall,
		"geometric", geometric, "semantic", semantic, "llm_review", review.Score)
	return result, nil
}

// review asks the model for its quality rating, retrying malformed responses.
func (v *Validator) review(ctx context.Context, in ValidateInput) (reviewResponse, error) {
	var lastErr error
	violation := ""
	for attempt := 0; attempt < v.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := v.retry.backoff(ctx, attempt-1); err != nil {
				return reviewResponse{}, err
			}
		}

		resp, err := v.provider.Complete(ctx, llm.Request{
			Messages:    v.messages(in, violation),
			Temperature: 0,
			MaxTokens:   2048,
		})
		recordCall(RoleValidator, err)
		if err != nil {
			lastErr = err
			v.logger.Warn("Validator provider call failed",
				"request_id", in.RequestID, "attempt", attempt+1, "error", err)
			continue
		}

		var parsed reviewResponse
		if err := json.Unmarshal([]byte(extractJSON(resp.Text)), &parsed); err != nil {
			lastErr = fmt.Errorf("invalid review JSON: %w", err)
			violation = lastErr.Error()
			continue
		}
		parsed.Score = clamp01(parsed.Score)
		return parsed, nil
	}
	return reviewResponse{}, fmt.Errorf("%w after %d attempts: %v", ErrValidationFailed, v.retry.MaxRetries, lastErr)
}

func (v *Validator) messages(in ValidateInput, violation string) []llm.Message {
	scripts, _ := json.Marshal(in.Scripts)

	var b strings.Builder
	fmt.Fprintf(&b, "Design request:\n%s\n\nScripts:\n%s", in.Prompt, scripts)
	if in.Report != nil {
		report, _ := json.Marshal(in.Report)
		b.WriteString(feedbackSection("Execution report", string(report)))
	}
	if violation != "" {
		b.WriteString(feedbackSection("Your previous response was rejected", violation))
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: validatorSystemPrompt},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

// geometricScore rates the execution outcome. nil report returns a zero score
// that the caller weights at zero.
func geometricScore(report *models.ExecutionReport, scripts map[string]string) (float64, []string) {
	if report == nil {
		return 0, nil
	}
	score := 1.0
	var issues []string
	if !report.Success {
		score -= 0.5
		issues = append(issues, "execution did not complete successfully")
	}
	if !report.IsManifold {
		score -= 0.3
		issues = append(issues, "result geometry is not manifold")
	}
	if report.HasInvalidFaces {
		score -= 0.2
		issues = append(issues, "result geometry has invalid faces")
	}
	if report.HasSelfIntersections {
		score -= 0.2
		issues = append(issues, "result geometry self-intersects")
	}
	if expected := expectedBodies(scripts); expected > 0 && len(report.Artifacts) != expected {
		score -= 0.2
		issues = append(issues, fmt.Sprintf(
			"artifact count mismatch: got %d, scripts declare %d", len(report.Artifacts), expected))
	}
	return clamp01(score), issues
}

// expectedBodies counts distinct artifact names the scripts' RESULT sentinels
// declare.
func expectedBodies(scripts map[string]string) int {
	names := make(map[string]bool)
	for _, script := range scripts {
		if name := ArtifactName(script); name != "" {
			names[name] = true
		}
	}
	return len(names)
}

// promptOperationHints maps request keywords to the operations a plan should
// contain when the keyword appears.
var promptOperationHints = map[string]dag.Operation{
	"cube":      dag.OpCreatePrimitive,
	"box":       dag.OpCreatePrimitive,
	"sphere":    dag.OpCreatePrimitive,
	"cylinder":  dag.OpCreatePrimitive,
	"cone":      dag.OpCreatePrimitive,
	"hole":      dag.OpBooleanOp,
	"cut":       dag.OpBooleanOp,
	"union":     dag.OpBooleanOp,
	"subtract":  dag.OpBooleanOp,
	"intersect": dag.OpBooleanOp,
	"move":      dag.OpTransform,
	"rotate":    dag.OpTransform,
	"translate": dag.OpTransform,
	"scale":     dag.OpTransform,
	"pattern":   dag.OpPattern,
	"array":     dag.OpPattern,
	"fillet":    dag.OpFilletChamfer,
	"chamfer":   dag.OpFilletChamfer,
	"round":     dag.OpFilletChamfer,
	"extrude":   dag.OpExtrudeRevolve,
	"revolve":   dag.OpExtrudeRevolve,
	"sketch":    dag.OpSketchCreate,
}

// semanticScore is the overlap ratio between operations the prompt hints at
// and operations the plan actually contains. A prompt with no recognized
// hints scores full marks; there is nothing to contradict.
func semanticScore(prompt string, graph *dag.TaskGraph) float64 {
	if graph == nil {
		return 0
	}
	expected := make(map[dag.Operation]bool)
	lower := strings.ToLower(prompt)
	for keyword, op := range promptOperationHints {
		if strings.Contains(lower, keyword) {
			expected[op] = true
		}
	}
	if len(expected) == 0 {
		return 1.0
	}

	present := make(map[dag.Operation]bool)
	for _, task := range graph.Tasks() {
		present[task.Operation] = true
	}
	matched := 0
	for op := range expected {
		if present[op] {
			matched++
		}
	}
	return float64(matched) / float64(len(expected))
}

// validationDigest keys the decision cache on everything that determines the
// verdict: the graph, the scripts, and the execution report.
func validationDigest(in ValidateInput) string {
	var b strings.Builder
	if in.Graph != nil {
		b.WriteString(graphDigest(in.Graph))
	}
	scripts, _ := json.Marshal(in.Scripts)
	b.Write(scripts)
	if in.Report != nil {
		report, _ := json.Marshal(in.Report)
		b.Write(report)
	}
	return b.String()
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
