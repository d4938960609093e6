// Package stage implements the runtime owned by one pipeline stage (C3):
// the layers resident on this stage, the optimizer, the learning-rate
// schedule, and the microbatch buffers load_microbatch/forward_pass/
// backward_pass/optimizer_step operate on.
package stage

import (
	"context"
	"fmt"
	"math"

	"github.com/ppexec/ppexec/dtype"
	"github.com/ppexec/ppexec/transport"
)

// ShapeDescriptor stands in for a bare batch-size-like constant a layer
// returns instead of a tensor (torch.Size in the original). forward_pass
// normalizes every ShapeDescriptor into a rank-1 integer Tensor before a
// non-last stage writes its outputs slot, so it can cross the wire.
type ShapeDescriptor []int64

// Value is one element of a Tuple: either a tensor or a shape descriptor.
// Exactly one of TensorValue/ShapeValue should be constructed per element;
// Layer authors never need to implement Value themselves.
type Value interface {
	isValue()
}

type TensorValue struct{ Tensor *transport.Tensor }

func (TensorValue) isValue() {}

type ShapeValue struct{ Shape ShapeDescriptor }

func (ShapeValue) isValue() {}

// Tuple is the ordered value set threaded through a stage's layers, and
// the unit load_microbatch/forward_pass/backward_pass exchange.
type Tuple []Value

// Tensors extracts the TensorValue elements of t, in order, dropping any
// ShapeValue elements. Used wherever a collaborator (Differentiator,
// Transport) only deals in tensors.
func (t Tuple) Tensors() []*transport.Tensor {
	out := make([]*transport.Tensor, 0, len(t))
	for _, v := range t {
		if tv, ok := v.(TensorValue); ok {
			out = append(out, tv.Tensor)
		}
	}
	return out
}

// normalizeShapes rewrites every ShapeValue in t into a rank-1 integer
// Tensor, per spec: non-tensor metadata must cross the wire as a tensor.
func normalizeShapes(t Tuple) Tuple {
	out := make(Tuple, len(t))
	for i, v := range t {
		if sv, ok := v.(ShapeValue); ok {
			out[i] = TensorValue{Tensor: &transport.Tensor{
				Shape:        []int64{int64(len(sv.Shape))},
				DType:        dtype.I64,
				RequiresGrad: false,
				Data:         shapeToBytes(sv.Shape),
			}}
			continue
		}
		out[i] = v
	}
	return out
}

func shapeToBytes(s ShapeDescriptor) []byte {
	b := make([]byte, 8*len(s))
	for i, d := range s {
		u := uint64(d)
		for j := 0; j < 8; j++ {
			b[i*8+j] = byte(u >> (8 * j))
		}
	}
	return b
}

func zeroGrads(t Tuple) {
	for _, v := range t {
		if tv, ok := v.(TensorValue); ok {
			tv.Tensor.Grad = nil
		}
	}
}

// Layer is one opaque, ordered unit of model computation a stage owns: a
// layer-list walk and method-type reflection over the model in the
// original, re-expressed here as a closed apply capability.
type Layer interface {
	Apply(ctx context.Context, in Tuple) (Tuple, error)
	Index() int
	Checkpointable() bool
}

// DataLoader produces the next Tuple of inputs (first stage) or labels
// (last stage). Out of scope per spec.md; the core only consumes this
// interface.
type DataLoader interface {
	Next(ctx context.Context) (Tuple, error)
	Len() int
}

// Differentiator is the autograd/backward engine collaborator: out of
// scope per spec.md ("the autograd/backward engine"), consumed here as an
// interface exactly like DataLoader/Optimizer. Backward populates .Grad
// on every requires_grad entry of inputs given the (possibly externally
// seeded) .Grad already present on outputs.
type Differentiator interface {
	Backward(inputs, outputs []*transport.Tensor) error
}

// Optimizer applies one parameter update. Out of scope per spec.md; the
// core only reads Overflowed() to decide whether to skip the LR step.
type Optimizer interface {
	Step() error
	Overflowed() bool
	LR() float64
}

// LRScheduler advances the learning-rate schedule by one step.
type LRScheduler interface {
	Step()
}

// MicrobatchBuffer is the slot described in spec.md's data model: for one
// in-flight microbatch on this stage, the received/loaded inputs, the
// tensors sent downstream, and labels meaningful only at the first/last
// stage.
type MicrobatchBuffer struct {
	Inputs  Tuple
	Outputs Tuple
	Labels  Tuple
}

// Config wires a StageRuntime to its owned layers and collaborators. Rank
// is assigned explicitly (the source's `self.my_rank: dist.get_rank()`
// type-annotation bug is not reproduced).
type Config struct {
	Rank           int
	Layers         []Layer
	InputLoader    DataLoader // non-nil only at the first stage
	LabelLoader    DataLoader // non-nil only at the last stage
	Differentiator Differentiator
	Optimizer      Optimizer
	LRScheduler    LRScheduler
	NumPipeBuffers int
	FirstStage     bool
	LastStage      bool
	Metrics        MetricsSink
}

// StageRuntime owns one stage's layers, optimizer, and learning-rate
// schedule, and executes load_microbatch/forward_pass/backward_pass/
// optimizer_step against its microbatch buffers.
type StageRuntime struct {
	rank           int
	layers         []Layer
	checkpointable []bool // stamped once at construction, per layer

	inputLoader    DataLoader
	labelLoader    DataLoader
	differentiator Differentiator
	optimizer      Optimizer
	lrScheduler    LRScheduler
	metrics        MetricsSink

	firstStage bool
	lastStage  bool

	buffers []MicrobatchBuffer

	currentLoss    map[int]*transport.Tensor // buffer_id -> loss tensor, last stage only
	totalLoss      float64
	totalLossCount int
	iteratorValid  bool
}

// New builds a StageRuntime with one MicrobatchBuffer per pipe buffer.
func New(cfg Config) *StageRuntime {
	checkpointable := make([]bool, len(cfg.Layers))
	for i, l := range cfg.Layers {
		checkpointable[i] = l.Checkpointable()
	}
	return &StageRuntime{
		rank:           cfg.Rank,
		layers:         cfg.Layers,
		checkpointable: checkpointable,
		inputLoader:    cfg.InputLoader,
		labelLoader:    cfg.LabelLoader,
		differentiator: cfg.Differentiator,
		optimizer:      cfg.Optimizer,
		lrScheduler:    cfg.LRScheduler,
		metrics:        cfg.Metrics,
		firstStage:     cfg.FirstStage,
		lastStage:      cfg.LastStage,
		buffers:        make([]MicrobatchBuffer, cfg.NumPipeBuffers),
		currentLoss:    make(map[int]*transport.Tensor),
		iteratorValid:  true,
	}
}

func (s *StageRuntime) Rank() int          { return s.rank }
func (s *StageRuntime) IsFirstStage() bool { return s.firstStage }
func (s *StageRuntime) IsLastStage() bool  { return s.lastStage }

// Checkpointable returns the stamped checkpointability of owned layer i.
func (s *StageRuntime) Checkpointable(layerIdx int) bool {
	return s.checkpointable[layerIdx]
}

// Buffer exposes the microbatch buffer at bufferID, e.g. for the Pipeline
// to splice transport-received tensors in or read tensors out.
func (s *StageRuntime) Buffer(bufferID int) *MicrobatchBuffer {
	return &s.buffers[bufferID]
}

// ResetIterator rebuilds the data iterator, matching the original's
// reset_data_iterator: called by engine.ExecutionEngine.Reconfigure with
// the dataloader layout.Layout.Reconfigure hands back.
func (s *StageRuntime) ResetIterator(loader DataLoader) {
	if s.firstStage {
		s.inputLoader = loader
	} else if s.lastStage {
		s.labelLoader = loader
	}
	s.iteratorValid = true
}

// InvalidateIterator marks the current iterator unusable. Set by the
// engine on CommunicatorTeardown; load_microbatch refuses to run again
// until ResetIterator is called.
func (s *StageRuntime) InvalidateIterator() { s.iteratorValid = false }

// ErrIteratorInvalidated is returned by LoadMicrobatch after the engine has
// observed a peer failure and invalidated the data iterator, until
// ResetIterator runs again. Exported so engine.ExecutionEngine can
// recognize it with errors.Is instead of a string match.
var ErrIteratorInvalidated = fmt.Errorf("stage: data iterator invalidated by a prior reconfiguration")

// LoadMicrobatch pulls the next microbatch from the dataloader iterator
// into inputs[buf] (first stage) and the next labels from the labels
// loader into labels[buf] (last stage); a no-op on every other stage.
func (s *StageRuntime) LoadMicrobatch(ctx context.Context, bufferID int) error {
	stop := s.metrics.Start("execution/load_microbatch")
	defer stop()

	if !s.firstStage && !s.lastStage {
		return nil
	}
	if !s.iteratorValid {
		return ErrIteratorInvalidated
	}

	if s.firstStage {
		batch, err := s.inputLoader.Next(ctx)
		if err != nil {
			return fmt.Errorf("stage: load_microbatch: %w", err)
		}
		s.buffers[bufferID].Inputs = prepareInputs(batch)
	}
	if s.lastStage {
		labels, err := s.labelLoader.Next(ctx)
		if err != nil {
			return fmt.Errorf("stage: load_microbatch: %w", err)
		}
		s.buffers[bufferID].Labels = prepareInputs(labels)
	}
	return nil
}

// prepareInputs sets requires_grad only on floating-point tensors,
// mirroring the original's device-copy + requires_grad stamp.
func prepareInputs(t Tuple) Tuple {
	out := make(Tuple, len(t))
	for i, v := range t {
		tv, ok := v.(TensorValue)
		if !ok {
			out[i] = v
			continue
		}
		clone := tv.Tensor.Clone(isFloatingPoint(tv.Tensor.DType))
		out[i] = TensorValue{Tensor: clone}
	}
	return out
}

func isFloatingPoint(c dtype.Code) bool {
	switch c {
	case dtype.F16, dtype.BF16, dtype.F32, dtype.F64:
		return true
	default:
		return false
	}
}

// ForwardPass zeroes grads on inputs[buf], applies every owned layer in
// order, and either accumulates the loss (last stage) or normalizes
// non-tensor metadata and writes outputs[buf] (every other stage).
func (s *StageRuntime) ForwardPass(ctx context.Context, bufferID int) error {
	stop := s.metrics.Start("execution/forward")
	defer stop()

	buf := &s.buffers[bufferID]
	zeroGrads(buf.Inputs)

	cur := buf.Inputs
	for _, layer := range s.layers {
		var err error
		cur, err = layer.Apply(ctx, cur)
		if err != nil {
			return fmt.Errorf("stage: forward_pass: layer %d: %w", layer.Index(), err)
		}
	}

	if s.lastStage {
		if len(cur) == 0 {
			return fmt.Errorf("stage: forward_pass: last stage produced no loss tensor")
		}
		lossVal, ok := cur[0].(TensorValue)
		if !ok {
			return fmt.Errorf("stage: forward_pass: last stage's first output must be a tensor loss")
		}
		s.currentLoss[bufferID] = lossVal.Tensor
		s.totalLoss += scalarOf(lossVal.Tensor)
		s.totalLossCount++
	} else {
		buf.Outputs = normalizeShapes(cur)
	}
	return nil
}

// scalarOf reads a loss value out of a tensor's payload. Real tensor math
// is out of scope; a loss tensor here is a rank-0 float64 payload.
func scalarOf(t *transport.Tensor) float64 {
	if len(t.Data) < 8 {
		return 0
	}
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(t.Data[i]) << (8 * i)
	}
	return math.Float64frombits(u)
}

// BackwardPass runs backward on the loss (last stage) or on outputs[buf]
// filtered to requires_grad entries, seeded by the pre-received gradient
// tensors the Pipeline already wrote into those entries' Grad field, then
// clears outputs[buf].
func (s *StageRuntime) BackwardPass(bufferID int) error {
	stop := s.metrics.Start("execution/backward")
	defer stop()

	buf := &s.buffers[bufferID]
	var err error
	if s.lastStage {
		loss := s.currentLoss[bufferID]
		if loss == nil {
			return fmt.Errorf("stage: backward_pass: no loss recorded for buffer %d", bufferID)
		}
		err = s.differentiator.Backward(buf.Inputs.Tensors(), []*transport.Tensor{loss})
		delete(s.currentLoss, bufferID)
	} else {
		outs := requiresGradTensors(buf.Outputs)
		err = s.differentiator.Backward(buf.Inputs.Tensors(), outs)
	}
	buf.Outputs = nil
	return err
}

func requiresGradTensors(t Tuple) []*transport.Tensor {
	var out []*transport.Tensor
	for _, v := range t {
		if tv, ok := v.(TensorValue); ok && tv.Tensor.RequiresGrad {
			out = append(out, tv.Tensor)
		}
	}
	return out
}

// OptimizerStep applies the optimizer, then advances the learning-rate
// schedule unless the optimizer reported an overflow.
func (s *StageRuntime) OptimizerStep() error {
	stop := s.metrics.Start("execution/step")
	defer stop()

	if err := s.optimizer.Step(); err != nil {
		return fmt.Errorf("stage: optimizer_step: %w", err)
	}
	if !s.optimizer.Overflowed() {
		s.lrScheduler.Step()
	}
	return nil
}

// TotalLossMean returns the running mean of accumulated losses and
// whether any microbatch contributed one this batch (always false on a
// non-last stage).
func (s *StageRuntime) TotalLossMean() (float64, bool) {
	if s.totalLossCount == 0 {
		return 0, false
	}
	return s.totalLoss / float64(s.totalLossCount), true
}

// LR returns the optimizer's live learning rate, read at write-samples
// time exactly as the original reads it off live optimizer state.
func (s *StageRuntime) LR() float64 { return s.optimizer.LR() }

// ResetTotalLoss zeroes the batch-level loss accumulator. Called once per
// batch after metrics are emitted, matching write_samples_logs resetting
// total_loss to None.
func (s *StageRuntime) ResetTotalLoss() {
	s.totalLoss = 0
	s.totalLossCount = 0
}
