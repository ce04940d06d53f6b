package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RunState is the lifecycle state of one ingestion run.
type RunState string

const (
	StateIdle     RunState = "idle"
	StateRunning  RunState = "running"
	StateComplete RunState = "complete"
	StateError    RunState = "error"
)

// Progress accounts attempted submissions against the discovered total.
// Processed is monotonically non-decreasing within one run.
type Progress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// Status is the externally visible snapshot of the pipeline.
type Status struct {
	State        RunState `json:"state"`
	RunID        string   `json:"runId,omitempty"`
	Progress     Progress `json:"progress"`
	FailedChunks int      `json:"failedChunks"`
	Error        string   `json:"error,omitempty"`
}

// Orchestrator composes discovery and submission into one run at a time.
// A discovery failure aborts the run; submission failures are tolerated per
// chunk and the run still completes.
type Orchestrator struct {
	discoverer *Discoverer
	submitter  *Submitter

	mu      sync.Mutex
	status  Status
	running bool
}

// NewOrchestrator wires the pipeline from its two halves.
func NewOrchestrator(discoverer *Discoverer, submitter *Submitter) *Orchestrator {
	return &Orchestrator{
		discoverer: discoverer,
		submitter:  submitter,
		status:     Status{State: StateIdle},
	}
}

// Status returns a snapshot of the current run.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Run executes one ingestion pass under ctx, which must derive from the
// session context so session invalidation cancels in-flight work. Only one
// run may be active at a time.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("ingestion run already in progress")
	}
	o.running = true
	runID := uuid.NewString()
	o.status = Status{State: StateRunning, RunID: runID}
	o.mu.Unlock()

	log.Infof("Starting ingestion run %s", runID)

	candidates, err := o.discoverer.BuildCandidateSet(ctx)
	if err != nil {
		o.fail(err)
		return err
	}

	o.mu.Lock()
	o.status.Progress.Total = len(candidates)
	o.mu.Unlock()

	if len(candidates) == 0 {
		o.finish(&SubmitResult{})
		log.Infof("Ingestion run %s complete: nothing to analyze", runID)
		return nil
	}

	result, err := o.submitter.Submit(ctx, candidates, func(processed, failedChunks int) {
		o.mu.Lock()
		o.status.Progress.Processed = processed
		o.status.FailedChunks = failedChunks
		o.mu.Unlock()
	})
	if err != nil {
		o.fail(err)
		return err
	}

	o.finish(result)
	log.Infof("Ingestion run %s complete: %d tracks attempted, %d failed chunks",
		runID, result.Processed, result.FailedChunks)
	return nil
}

func (o *Orchestrator) fail(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
	o.status.State = StateError
	o.status.Error = err.Error()
}

func (o *Orchestrator) finish(result *SubmitResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = false
	o.status.State = StateComplete
	o.status.Progress.Processed = result.Processed
	o.status.FailedChunks = result.FailedChunks
}
