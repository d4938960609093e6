// Package engine implements the ExecutionEngine (C6): the top-level
// driver that profiles a model once, builds a template pool and a
// Layout, boots the initial Pipeline, runs batches, and reacts to peer
// failure by tearing down the current communicator and reconfiguring in
// place instead of crashing the whole job.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ppexec/ppexec/config"
	"github.com/ppexec/ppexec/layout"
	"github.com/ppexec/ppexec/pipeline"
	"github.com/ppexec/ppexec/profiler"
	"github.com/ppexec/ppexec/stage"
	"github.com/ppexec/ppexec/template"
	"github.com/ppexec/ppexec/transport"
)

// SetupError wraps a failure during Prepare: profiling, planning, or
// sharding-policy rejection.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string { return fmt.Sprintf("engine: setup (%s): %v", e.Stage, e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// NotPreparedError means Execute or Reconfigure was called before a
// successful Prepare.
var NotPreparedError = errors.New("engine: Prepare has not completed successfully")

// AlreadyPreparedError means Prepare was called a second time. Prepare runs
// once per engine; Reconfigure does not make it callable again.
var AlreadyPreparedError = errors.New("engine: already prepared")

// ReconfigurationPendingError means Execute observed a peer failure and is
// refusing to start another batch until Reconfigure runs.
var ReconfigurationPendingError = errors.New("engine: reconfiguration pending, call Reconfigure before Execute")

// PipelineFactory builds the concrete Pipeline (and the transport/runtime
// it is built from) for one (template, rank, microbatch count)
// assignment. Out of scope per spec.md: the engine only consumes this
// collaborator, exactly like DataLoader/Optimizer at the stage layer.
type PipelineFactory func(tpl *template.PipelineTemplate, rank, microbatches int) (*pipeline.Pipeline, transport.Transport, *stage.StageRuntime, error)

// PlanRange bounds the node counts the engine asks the TemplatePlanner to
// produce candidates for when assembling the Instantiator's pool.
type PlanRange struct {
	MinNodes int
	MaxNodes int
}

// Config wires an ExecutionEngine to its collaborators, per spec.md's C6
// component boundary.
type Config struct {
	ConfigEngine        config.ConfigurationEngine
	Store               *profiler.Store
	Planner             profiler.TemplatePlanner
	Policy              profiler.ShardingPolicy
	Factory             PipelineFactory
	AcceleratorsPerNode int
	GlobalMicrobatches  int
	DiversityThreshold  int
	PlanRange           PlanRange
	Rank                int
}

// ExecutionEngine drives Prepare -> repeated Execute -> (on failure)
// Reconfigure -> repeated Execute for one worker.
type ExecutionEngine struct {
	cfg          config.ConfigurationEngine
	store        *profiler.Store
	planner      profiler.TemplatePlanner
	policy       profiler.ShardingPolicy
	factory      PipelineFactory
	accelerators int
	globalMB     int
	threshold    int
	planRange    PlanRange
	rank         int

	mu             sync.Mutex
	prepared       bool
	pool           []*template.PipelineTemplate
	layoutResult   *layout.Layout
	pipe           *pipeline.Pipeline
	tr             transport.Transport
	runtime        *stage.StageRuntime
	needsReconfig  bool
	watcherRunning bool
	watcherCancel  context.CancelFunc
	watcherGroup   *errgroup.Group
}

// New builds an ExecutionEngine from cfg. Prepare must run before Execute.
func New(cfg Config) *ExecutionEngine {
	return &ExecutionEngine{
		cfg:          cfg.ConfigEngine,
		store:        cfg.Store,
		planner:      cfg.Planner,
		policy:       cfg.Policy,
		factory:      cfg.Factory,
		accelerators: cfg.AcceleratorsPerNode,
		globalMB:     cfg.GlobalMicrobatches,
		threshold:    cfg.DiversityThreshold,
		planRange:    cfg.PlanRange,
		rank:         cfg.Rank,
	}
}

// Prepare profiles the model once (via tag), plans one candidate template
// per node count in PlanRange that survives the sharding policy, runs the
// Instantiator over that pool at the engine's current world size, and
// boots the Pipeline for this worker's assignment. Calling Prepare a second
// time is an error, whether or not Reconfigure ran in between.
func (e *ExecutionEngine) Prepare(ctx context.Context, tag string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.prepared {
		return AlreadyPreparedError
	}

	artifact, err := e.store.Load(tag)
	if err != nil {
		return &SetupError{Stage: "profile", Err: err}
	}

	pool, err := e.buildPool(artifact)
	if err != nil {
		return err
	}

	lay, err := layout.Instantiator{}.Instantiate(pool, e.cfg.WorldSize(), e.globalMB, e.threshold)
	if err != nil {
		return &SetupError{Stage: "instantiate", Err: err}
	}
	if len(lay.Assignments) == 0 {
		return &SetupError{Stage: "instantiate", Err: errors.New("layout produced no assignments")}
	}

	assignment := lay.Assignments[e.rank%len(lay.Assignments)]
	pipe, tr, rt, err := e.factory(assignment.Template, e.rank, assignment.Microbatches)
	if err != nil {
		return &SetupError{Stage: "build pipeline", Err: err}
	}

	e.pool = pool
	e.layoutResult = lay
	e.pipe = pipe
	e.tr = tr
	e.runtime = rt
	e.prepared = true
	return nil
}

func (e *ExecutionEngine) buildPool(artifact *profiler.Artifact) ([]*template.PipelineTemplate, error) {
	var pool []*template.PipelineTemplate
	for n := e.planRange.MinNodes; n <= e.planRange.MaxNodes; n++ {
		tpl, err := e.planner.Plan(artifact, n, e.accelerators)
		if err != nil {
			continue
		}
		if err := e.policy.Check(artifact, tpl); err != nil {
			continue
		}
		pool = append(pool, tpl)
	}
	if len(pool) == 0 {
		return nil, &SetupError{Stage: "plan", Err: errors.New("no admissible template survived planning and sharding policy")}
	}
	return pool, nil
}

// Execute runs exactly one batch: it refuses to start if a
// reconfiguration is pending, lazily spawns the failure-watcher goroutine
// whenever none is running (the first call, and the first call after each
// Reconfigure), runs the batch, applies the optimizer step, and
// classifies any transport error as a reconfiguration trigger (returning
// ReconfigurationPendingError, already flagged for the caller to act on)
// versus a fatal error (returned unmodified).
func (e *ExecutionEngine) Execute(ctx context.Context) error {
	e.mu.Lock()
	if !e.prepared {
		e.mu.Unlock()
		return NotPreparedError
	}
	if e.needsReconfig {
		e.mu.Unlock()
		return ReconfigurationPendingError
	}
	if !e.watcherRunning {
		e.startWatcher()
	}
	pipe, runtime := e.pipe, e.runtime
	e.mu.Unlock()

	if err := pipe.Train(ctx); err != nil {
		if errors.Is(err, stage.ErrIteratorInvalidated) {
			e.mu.Lock()
			e.needsReconfig = true
			e.mu.Unlock()
			return ReconfigurationPendingError
		}
		if isTeardown(err) {
			e.mu.Lock()
			e.needsReconfig = true
			e.mu.Unlock()
			runtime.InvalidateIterator()
			return ReconfigurationPendingError
		}
		return err
	}
	return pipe.OptimizerStep()
}

// isTeardown classifies err as a communicator teardown: a typed
// *transport.Error with KindTeardown is checked first, a legacy prefix
// match on the error text second, mirroring the two-tier classification
// spec.md describes.
func isTeardown(err error) bool {
	var te *transport.Error
	if errors.As(err, &te) {
		return te.Kind == transport.KindTeardown
	}
	return transport.ClassifyLegacy(err.Error())
}

// startWatcher spawns the daemonic goroutine that blocks on the
// ConfigurationEngine's failure notification, tears down the current
// transport, and flags a pending reconfiguration. Must be called with
// e.mu held.
func (e *ExecutionEngine) startWatcher() {
	watchCtx, cancel := context.WithCancel(context.Background())
	e.watcherCancel = cancel
	e.watcherRunning = true
	group, gctx := errgroup.WithContext(watchCtx)
	e.watcherGroup = group

	tr := e.tr
	cfgEngine := e.cfg
	group.Go(func() error {
		if err := cfgEngine.RecvReconfigurationNotification(gctx); err != nil {
			return nil // context canceled by ExitWatcher/shutdown, not a failure
		}
		e.mu.Lock()
		e.needsReconfig = true
		e.mu.Unlock()
		e.runtime.InvalidateIterator()
		return tr.Close()
	})
}

// Reconfigure delegates to the Layout's reconfigure against a fresh
// template pool, rebuilds this worker's Pipeline, resets the iterator,
// stops the retired watcher, and clears the pending-reconfiguration flag
// so Execute can resume.
func (e *ExecutionEngine) Reconfigure(ctx context.Context, pool []*template.PipelineTemplate, layers []stage.Layer, optimizer stage.Optimizer, dataloader stage.DataLoader) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.prepared {
		return NotPreparedError
	}

	if e.watcherCancel != nil {
		e.watcherCancel()
		_ = e.watcherGroup.Wait()
		e.watcherRunning = false
	}

	lay, err := layout.Instantiator{}.Instantiate(pool, e.cfg.WorldSize(), e.globalMB, e.threshold)
	if err != nil {
		return &SetupError{Stage: "reconfigure instantiate", Err: err}
	}
	if len(lay.Assignments) == 0 {
		return &SetupError{Stage: "reconfigure instantiate", Err: errors.New("layout produced no assignments")}
	}

	var l layout.Layout
	if _, _, newLoader, err := l.Reconfigure(ctx, pool, layers, optimizer, dataloader); err != nil {
		return &SetupError{Stage: "reconfigure", Err: err}
	} else if newLoader != nil {
		e.runtime.ResetIterator(newLoader)
	}

	assignment := lay.Assignments[e.rank%len(lay.Assignments)]
	pipe, tr, rt, err := e.factory(assignment.Template, e.rank, assignment.Microbatches)
	if err != nil {
		return &SetupError{Stage: "reconfigure build pipeline", Err: err}
	}

	e.pool = pool
	e.layoutResult = lay
	e.pipe = pipe
	e.tr = tr
	e.runtime = rt
	e.needsReconfig = false
	return nil
}

// NeedsReconfiguration reports whether Execute has observed a pending
// peer failure not yet resolved by Reconfigure.
func (e *ExecutionEngine) NeedsReconfiguration() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.needsReconfig
}

// Layout exposes the current Instantiator result, for diagnostics and
// tests.
func (e *ExecutionEngine) Layout() *layout.Layout {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.layoutResult
}
