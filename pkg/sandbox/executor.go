// Package sandbox defines the script-executor collaborator contract. The
// core never runs generated scripts itself; an external sandbox does, and the
// core only consumes its report.
package sandbox

import (
	"context"
	"time"

	"github.com/cadforge/cadforge/pkg/models"
)

// ScriptExecutor executes generated scripts in an isolated environment and
// reports the resulting geometry. Implementations must sandbox the scripts;
// the core never trusts them.
type ScriptExecutor interface {
	Execute(ctx context.Context, scripts map[string]string, requestID string, timeout time.Duration) (*models.ExecutionReport, error)
}
