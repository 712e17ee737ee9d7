package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/cadforge/cadforge/pkg/agent"
	"github.com/cadforge/cadforge/pkg/models"
)

// StubExecutor is an in-process ScriptExecutor for development and tests. It
// performs no geometry work: each script's RESULT sentinel becomes one clean
// artifact. Scripts without a sentinel count as execution errors.
type StubExecutor struct{}

// NewStubExecutor creates a stub executor.
func NewStubExecutor() *StubExecutor {
	return &StubExecutor{}
}

// Execute synthesizes a successful report from the scripts' sentinels.
func (e *StubExecutor) Execute(ctx context.Context, scripts map[string]string, requestID string, _ time.Duration) (*models.ExecutionReport, error) {
	start := time.Now()
	slog.Info("Stub executor: synthesizing execution report",
		"request_id", requestID, "scripts", len(scripts))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &models.ExecutionReport{
		Success:    true,
		IsManifold: true,
	}

	names := make(map[string]bool)
	taskIDs := make([]string, 0, len(scripts))
	for id := range scripts {
		taskIDs = append(taskIDs, id)
	}
	sort.Strings(taskIDs)
	for _, id := range taskIDs {
		name := agent.ArtifactName(scripts[id])
		if name == "" {
			report.Success = false
			report.Errors = append(report.Errors,
				fmt.Sprintf("script %s declares no artifact", id))
			continue
		}
		if names[name] {
			continue // later scripts may refine the same artifact
		}
		names[name] = true
		report.Artifacts = append(report.Artifacts, models.Artifact{
			ID:   uuid.NewString(),
			Name: name,
			Kind: "solid",
		})
	}

	report.Duration = time.Since(start)
	return report, nil
}
