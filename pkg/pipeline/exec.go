package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cadforge/cadforge/pkg/dag"
	"github.com/cadforge/cadforge/pkg/models"
	"github.com/cadforge/cadforge/pkg/queue"
)

// executeGraph runs the graph layer by layer through the command pool. Each
// task becomes one command; the next layer is dispatched only after every
// command of the current layer has terminated. Task failures are folded into
// the returned report, not surfaced as errors; an error means the run itself
// cannot continue (infrastructure failure or cancellation).
func (r *Run) executeGraph(ctx context.Context) (*models.ExecutionReport, error) {
	levels, err := r.graph.TopologicalLevels()
	if err != nil {
		return nil, err
	}
	cfg := r.rt.cfg
	awaitTimeout := cfg.CommandTimeout*time.Duration(cfg.TaskMaxAttempts) + 10*time.Second

	started := time.Now()
	merged := &models.ExecutionReport{Success: true, IsManifold: true}
	var reportMu sync.Mutex
	reports := make(map[string]*models.ExecutionReport)

	for li, layer := range levels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		cmdIDs := make([]string, 0, len(layer))
		var eg errgroup.Group
		for _, taskID := range layer {
			taskID := taskID
			task, err := r.graph.Task(taskID)
			if err != nil {
				return nil, err
			}
			script := r.scripts[taskID]
			if err := r.graph.Mark(taskID, dag.StatusReady, ""); err != nil {
				return nil, err
			}

			cmdID := r.req.ID + ":" + taskID
			_, err = r.rt.pool.Submit(queue.Command{
				ID:        cmdID,
				Priority:  commandPriority(task.Priority),
				SessionID: r.req.SessionID,
				Metadata: map[string]string{
					"task_id":    taskID,
					"request_id": r.req.ID,
					"operation":  string(task.Operation),
				},
				Timeout:     cfg.CommandTimeout,
				MaxAttempts: cfg.TaskMaxAttempts,
				Handler: func(cctx context.Context) error {
					rep, err := r.rt.executor.Execute(cctx,
						map[string]string{taskID: script}, r.req.ID, cfg.CommandTimeout)
					if err != nil {
						return err
					}
					reportMu.Lock()
					reports[taskID] = rep
					reportMu.Unlock()
					if !rep.Success {
						return fmt.Errorf("task %s reported execution failure", taskID)
					}
					return nil
				},
			})
			if err != nil {
				return nil, err
			}
			cmdIDs = append(cmdIDs, cmdID)
			if err := r.graph.Mark(taskID, dag.StatusRunning, ""); err != nil {
				return nil, err
			}

			eg.Go(func() error {
				res, err := r.rt.pool.AwaitResult(cmdID, awaitTimeout)
				if err != nil {
					return fmt.Errorf("task %s: %w", taskID, err)
				}
				switch res.State {
				case queue.StateCompleted:
					return r.graph.Mark(taskID, dag.StatusCompleted, r.artifactOf(taskID, reports, &reportMu))
				case queue.StateCancelled:
					_ = r.graph.Mark(taskID, dag.StatusCancelled, "")
					return fmt.Errorf("task %s cancelled", taskID)
				default:
					_ = r.graph.Mark(taskID, dag.StatusFailed, "")
					if res.Err != nil {
						return fmt.Errorf("task %s %s after %d attempts: %w",
							taskID, res.State, res.Attempts, res.Err)
					}
					return fmt.Errorf("task %s %s after %d attempts", taskID, res.State, res.Attempts)
				}
			})
		}

		// Cancelling the run cancels this layer's commands through the pool.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				for _, id := range cmdIDs {
					r.rt.pool.Cancel(id)
				}
			case <-watchDone:
			}
		}()
		layerErr := eg.Wait()
		close(watchDone)

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if layerErr != nil {
			// Downstream layers depend on this one; stop dispatching and let
			// validation see the failure.
			merged.Success = false
			merged.Errors = append(merged.Errors, layerErr.Error())
			break
		}

		// A completed layer is a durable waypoint: its artifacts enter the run
		// state and a checkpoint marks the progress.
		r.recordLayerArtifacts(layer, reports, &reportMu)
		if cp := r.rt.checkpointer; cp != nil {
			cp.Enqueue(r.snapshot(), fmt.Sprintf("layer_%d", li))
		}
	}

	reportMu.Lock()
	for _, layer := range levels {
		for _, taskID := range layer {
			if rep := reports[taskID]; rep != nil {
				mergeReport(merged, rep)
			}
		}
	}
	reportMu.Unlock()
	merged.Duration = time.Since(started)
	return merged, nil
}

// recordLayerArtifacts publishes a completed layer's artifacts into the run
// state so the layer checkpoint reflects them.
func (r *Run) recordLayerArtifacts(layer []string, reports map[string]*models.ExecutionReport, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.Artifacts == nil {
		r.state.Artifacts = make(map[string]string)
	}
	for _, taskID := range layer {
		rep := reports[taskID]
		if rep == nil {
			continue
		}
		for _, a := range rep.Artifacts {
			r.state.Artifacts[a.ID] = a.Name
			r.objects[a.Name] = a.Kind
		}
	}
}

func (r *Run) artifactOf(taskID string, reports map[string]*models.ExecutionReport, mu *sync.Mutex) string {
	mu.Lock()
	defer mu.Unlock()
	if rep := reports[taskID]; rep != nil && len(rep.Artifacts) > 0 {
		return rep.Artifacts[0].ID
	}
	return ""
}

func mergeReport(dst, src *models.ExecutionReport) {
	if !src.Success {
		dst.Success = false
	}
	if !src.IsManifold {
		dst.IsManifold = false
	}
	dst.HasInvalidFaces = dst.HasInvalidFaces || src.HasInvalidFaces
	dst.HasSelfIntersections = dst.HasSelfIntersections || src.HasSelfIntersections
	dst.Artifacts = append(dst.Artifacts, src.Artifacts...)
	dst.Errors = append(dst.Errors, src.Errors...)
	dst.Warnings = append(dst.Warnings, src.Warnings...)
}

// commandPriority maps a task's layer priority onto the queue's band. Lower
// task priorities run earlier, matching the queue's ordering.
func commandPriority(p int) queue.Priority {
	if p < int(queue.PriorityCritical) {
		return queue.PriorityCritical
	}
	if p > int(queue.PriorityLow) {
		return queue.PriorityLow
	}
	return queue.Priority(p)
}
