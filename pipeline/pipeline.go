// Package pipeline binds one Schedule, one Transport, and one
// StageRuntime for a single replica (C4) and drives train(): it pulls
// instructions from the Schedule, dispatches each to its owner, and
// advances the replica's global step counter once per batch.
package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ppexec/ppexec/schedule"
	"github.com/ppexec/ppexec/stage"
	"github.com/ppexec/ppexec/transport"
)

// Pipeline is one replica's view of the executor: a fixed stage position
// in a template, the instruction stream for this batch's microbatch
// count, the P2P transport to its neighbors, and the stage runtime doing
// the actual compute.
type Pipeline struct {
	SessionID uuid.UUID

	sched     *schedule.Schedule
	transport transport.Transport
	runtime   *stage.StageRuntime
	metrics   stage.MetricsSink

	globalSteps int64
}

// New binds sched, transport, and runtime into one Pipeline. transport
// may be a no-op/nil-safe stub only at a single-stage template (tested by
// the caller, not enforced here); metrics defaults to stage.NoopMetrics{}
// if nil.
func New(sched *schedule.Schedule, tr transport.Transport, rt *stage.StageRuntime, metrics stage.MetricsSink) *Pipeline {
	if metrics == nil {
		metrics = stage.NoopMetrics{}
	}
	return &Pipeline{
		SessionID: uuid.New(),
		sched:     sched,
		transport: tr,
		runtime:   rt,
		metrics:   metrics,
	}
}

// GlobalSteps returns the number of completed train() calls so far.
func (p *Pipeline) GlobalSteps() int64 { return p.globalSteps }

// UnknownInstructionError means Train encountered an Instruction tag it
// has no handler for — a Schedule/Pipeline version mismatch. Fatal.
type UnknownInstructionError struct {
	Op schedule.Op
}

func (e *UnknownInstructionError) Error() string {
	return fmt.Sprintf("pipeline: no handler for instruction %s", e.Op)
}

// Train runs every step group the Schedule yields for this batch,
// dispatching each Instruction to the Transport (Send*/Recv*) or the
// StageRuntime (Load/Forward/Backward), then increments the global step
// counter and emits the per-batch scalar metrics (learning rate, and mean
// training loss at the last stage, -1 elsewhere).
func (p *Pipeline) Train(ctx context.Context) error {
	for _, cmds := range p.sched.Steps() {
		for _, instr := range cmds {
			if err := p.dispatch(ctx, instr); err != nil {
				return err
			}
		}
	}

	p.globalSteps++
	p.writeSamplesLogs()
	return nil
}

func (p *Pipeline) dispatch(ctx context.Context, instr schedule.Instruction) error {
	buf := instr.BufferID
	switch instr.Op {
	case schedule.LoadMicrobatch:
		return p.runtime.LoadMicrobatch(ctx, buf)
	case schedule.Forward:
		return p.runtime.ForwardPass(ctx, buf)
	case schedule.Backward:
		return p.runtime.BackwardPass(buf)
	case schedule.SendActivation:
		stop := p.metrics.Start("comm/send_activations")
		defer stop()
		return p.transport.SendActivation(buf, p.runtime.Buffer(buf).Outputs.Tensors())
	case schedule.RecvActivation:
		stop := p.metrics.Start("comm/recv_activations")
		defer stop()
		tensors, err := p.transport.RecvActivation(buf)
		if err != nil {
			return err
		}
		p.runtime.Buffer(buf).Inputs = wrapTensors(tensors)
		return nil
	case schedule.SendGradient:
		stop := p.metrics.Start("comm/send_gradients")
		defer stop()
		return p.transport.SendGradient(buf, p.runtime.Buffer(buf).Inputs.Tensors())
	case schedule.RecvGradient:
		stop := p.metrics.Start("comm/recv_gradients")
		defer stop()
		outputs := p.runtime.Buffer(buf).Outputs.Tensors()
		grads, err := p.transport.RecvGradient(buf, outputs)
		if err != nil {
			return err
		}
		applyGrads(outputs, grads)
		return nil
	default:
		return &UnknownInstructionError{Op: instr.Op}
	}
}

func wrapTensors(tensors []*transport.Tensor) stage.Tuple {
	out := make(stage.Tuple, len(tensors))
	for i, t := range tensors {
		out[i] = stage.TensorValue{Tensor: t}
	}
	return out
}

// applyGrads seeds grads (aligned to the requires_grad-filtered
// subsequence of outputs, per transport.RecvGradient's contract) back
// onto the matching entries of outputs, so BackwardPass finds them there.
func applyGrads(outputs []*transport.Tensor, grads []*transport.Tensor) {
	gi := 0
	for _, o := range outputs {
		if !o.RequiresGrad {
			continue
		}
		o.Grad = grads[gi].Data
		gi++
	}
}

func (p *Pipeline) writeSamplesLogs() {
	lr := p.runtime.LR()
	loss := -1.0
	if mean, ok := p.runtime.TotalLossMean(); ok {
		loss = mean
	}
	p.runtime.ResetTotalLoss()

	p.metrics.Scalar("samples/lr", p.globalSteps, lr)
	p.metrics.Scalar("samples/train_loss", p.globalSteps, loss)
}

// IsFirstStage reports whether this replica's stage owns the model's
// first layer.
func (p *Pipeline) IsFirstStage() bool { return p.runtime.IsFirstStage() }

// IsLastStage reports whether this replica's stage owns the model's last
// layer.
func (p *Pipeline) IsLastStage() bool { return p.runtime.IsLastStage() }

// OptimizerStep applies the optimizer and advances the learning-rate
// schedule. The Schedule itself never emits OptimizerStep; the driver
// (engine.ExecutionEngine) calls this once per batch after Train returns.
func (p *Pipeline) OptimizerStep() error {
	return p.runtime.OptimizerStep()
}
