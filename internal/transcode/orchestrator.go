package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"jclipper/internal/jobs"
	"jclipper/internal/output"
	"jclipper/internal/planner"
)

// ProgressReporter receives job state changes for pushing to connected
// clients.
type ProgressReporter interface {
	BroadcastProgress(jobID string, state jobs.State, message string)
}

// Orchestrator runs the preview-then-final render pipeline for each job.
// Renders execute in per-job goroutines; the caller gets a job id back
// immediately and polls (or subscribes) for progress.
type Orchestrator struct {
	transcoder Transcoder
	store      *jobs.Store
	outputs    *output.Manager
	history    *jobs.History
	timeout    time.Duration
	logger     *slog.Logger

	mu       sync.RWMutex
	reporter ProgressReporter
	wg       sync.WaitGroup
}

// NewOrchestrator wires the render pipeline. timeout bounds each phase
// independently; a hung ffmpeg is killed rather than left to block the job
// forever.
func NewOrchestrator(transcoder Transcoder, store *jobs.Store, outputs *output.Manager, history *jobs.History, timeout time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		transcoder: transcoder,
		store:      store,
		outputs:    outputs,
		history:    history,
		timeout:    timeout,
		logger:     logger,
	}
}

// SetProgressReporter attaches a reporter for state change pushes.
func (o *Orchestrator) SetProgressReporter(reporter ProgressReporter) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reporter = reporter
}

// Render registers a job for the spec and starts its render pipeline.
// The returned snapshot is in the Pending state.
func (o *Orchestrator) Render(spec *planner.RenderSpec) (jobs.Job, error) {
	id := uuid.NewString()

	if _, err := o.outputs.JobDir(id); err != nil {
		return jobs.Job{}, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job := o.store.Add(id, spec, cancel)

	o.logger.Info("Render accepted",
		"job_id", id,
		"media", spec.MediaName,
		"start", spec.ClipStart,
		"end", spec.ClipEnd,
		"format", spec.Format.String())

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(ctx, id, spec)
	}()

	return *job, nil
}

// Wait blocks until every in-flight render goroutine has returned; used
// during shutdown after cancelling the jobs.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// run executes the preview and final phases for one job.
func (o *Orchestrator) run(ctx context.Context, id string, spec *planner.RenderSpec) {
	o.transition(id, jobs.StateRenderingPreview, "rendering preview")
	if err := o.renderPhase(ctx, id, spec, PhasePreview, o.outputs.PreviewPath(id)); err != nil {
		o.fail(ctx, id, err)
		return
	}
	o.store.SetPreviewPath(id, o.outputs.PreviewPath(id))

	if ctx.Err() != nil {
		return // cancelled between phases
	}

	o.transition(id, jobs.StateRenderingFinal, "rendering final")
	scratchFinal := o.outputs.ScratchFinalPath(id, spec.Format)
	if err := o.renderPhase(ctx, id, spec, PhaseFinal, scratchFinal); err != nil {
		o.fail(ctx, id, err)
		return
	}

	published, err := o.outputs.Publish(id, spec)
	if err != nil {
		o.fail(ctx, id, err)
		return
	}
	o.store.SetFinalPath(id, published)

	record := &jobs.Record{
		ID:       uuid.NewString(),
		Name:     spec.MediaName,
		Path:     published,
		Format:   spec.Format,
		Duration: spec.Duration(),
	}
	if err := o.history.Add(record); err != nil {
		o.logger.Error("Failed to record clip in history", "job_id", id, "error", err)
	}

	o.transition(id, jobs.StateReady, "ready")
	o.logger.Info("Render complete", "job_id", id, "path", published)
}

// renderPhase runs one transcode pass under the phase timeout and persists
// its log.
func (o *Orchestrator) renderPhase(ctx context.Context, id string, spec *planner.RenderSpec, phase Phase, dst string) error {
	phaseCtx := ctx
	var cancel context.CancelFunc
	if o.timeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	out, err := o.transcoder.Transcode(phaseCtx, spec, phase, dst)
	if out != "" {
		if logErr := o.outputs.WriteJobLog(id, out); logErr != nil {
			o.logger.Warn("Failed to persist transcode log", "job_id", id, "error", logErr)
		}
	}
	return err
}

// fail marks the job failed unless it was cancelled, in which case the store
// entry is already gone and nothing should be written.
func (o *Orchestrator) fail(ctx context.Context, id string, err error) {
	if errors.Is(ctx.Err(), context.Canceled) {
		o.logger.Debug("Render cancelled", "job_id", id)
		return
	}

	detail := err.Error()
	timedOut := false
	var terr *TranscodeError
	if errors.As(err, &terr) {
		timedOut = terr.Timeout
		if terr.Output != "" {
			detail = fmt.Sprintf("%s: %s", terr.Error(), terr.Output)
		}
	}

	o.store.Fail(id, detail, timedOut)
	o.broadcast(id, jobs.StateFailed, detail)
	o.logger.Error("Render failed", "job_id", id, "timeout", timedOut, "error", err)
}

// transition applies a state change and pushes it to subscribers.
func (o *Orchestrator) transition(id string, state jobs.State, message string) {
	o.store.SetState(id, state)
	o.broadcast(id, state, message)
}

func (o *Orchestrator) broadcast(id string, state jobs.State, message string) {
	o.mu.RLock()
	reporter := o.reporter
	o.mu.RUnlock()

	if reporter != nil {
		reporter.BroadcastProgress(id, state, message)
	}
}
