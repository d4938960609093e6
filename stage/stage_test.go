package stage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppexec/ppexec/dtype"
	"github.com/ppexec/ppexec/transport"
)

// identityLayer passes the tuple through unchanged, recording every Apply
// call it received.
type identityLayer struct {
	index  int
	ckpt   bool
	calls  []Tuple
}

func (l *identityLayer) Apply(_ context.Context, in Tuple) (Tuple, error) {
	l.calls = append(l.calls, in)
	return in, nil
}
func (l *identityLayer) Index() int          { return l.index }
func (l *identityLayer) Checkpointable() bool { return l.ckpt }

// lossLayer replaces its input tuple with a single loss tensor.
type lossLayer struct {
	index int
	value float64
}

func (l *lossLayer) Apply(context.Context, Tuple) (Tuple, error) {
	return Tuple{TensorValue{Tensor: NewLossTensor(l.value)}}, nil
}
func (l *lossLayer) Index() int          { return l.index }
func (l *lossLayer) Checkpointable() bool { return false }

type fakeLoader struct {
	batches []Tuple
	i       int
}

func (f *fakeLoader) Next(context.Context) (Tuple, error) {
	if f.i >= len(f.batches) {
		return nil, errors.New("exhausted")
	}
	b := f.batches[f.i]
	f.i++
	return b, nil
}
func (f *fakeLoader) Len() int { return len(f.batches) }

type fakeDifferentiator struct {
	calls       int
	lastOutputs int
}

func (d *fakeDifferentiator) Backward(inputs, outputs []*transport.Tensor) error {
	d.calls++
	d.lastOutputs = len(outputs)
	for _, in := range inputs {
		in.Grad = []byte{1}
	}
	return nil
}

type fakeOptimizer struct {
	stepped    bool
	overflowed bool
	lr         float64
}

func (o *fakeOptimizer) Step() error       { o.stepped = true; return nil }
func (o *fakeOptimizer) Overflowed() bool  { return o.overflowed }
func (o *fakeOptimizer) LR() float64       { return o.lr }

type fakeLRScheduler struct{ steps int }

func (s *fakeLRScheduler) Step() { s.steps++ }

func floatTensor(v float64) *transport.Tensor {
	return &transport.Tensor{Shape: []int64{1}, DType: dtype.F32, RequiresGrad: true, Data: []byte{byte(v)}}
}

func TestStageRuntime_LoadMicrobatch_FirstStageOnly(t *testing.T) {
	loader := &fakeLoader{batches: []Tuple{{TensorValue{Tensor: floatTensor(1)}}}}
	rt := New(Config{
		Layers:         []Layer{&identityLayer{index: 0}},
		InputLoader:    loader,
		Differentiator: &fakeDifferentiator{},
		Optimizer:      &fakeOptimizer{},
		LRScheduler:    &fakeLRScheduler{},
		NumPipeBuffers: 2,
		FirstStage:     true,
		Metrics:        NoopMetrics{},
	})

	require.NoError(t, rt.LoadMicrobatch(context.Background(), 0))
	assert.Len(t, rt.Buffer(0).Inputs, 1)
	assert.Equal(t, 1, loader.i)
}

func TestStageRuntime_LoadMicrobatch_IntermediateStageNoop(t *testing.T) {
	rt := New(Config{
		Layers:         []Layer{&identityLayer{index: 1}},
		Differentiator: &fakeDifferentiator{},
		Optimizer:      &fakeOptimizer{},
		LRScheduler:    &fakeLRScheduler{},
		NumPipeBuffers: 2,
		Metrics:        NoopMetrics{},
	})
	require.NoError(t, rt.LoadMicrobatch(context.Background(), 0))
	assert.Nil(t, rt.Buffer(0).Inputs)
}

func TestStageRuntime_ForwardPass_NonLastStage_WritesOutputs(t *testing.T) {
	layer := &identityLayer{index: 0}
	rt := New(Config{
		Layers:         []Layer{layer},
		Differentiator: &fakeDifferentiator{},
		Optimizer:      &fakeOptimizer{},
		LRScheduler:    &fakeLRScheduler{},
		NumPipeBuffers: 2,
		Metrics:        NoopMetrics{},
	})
	rt.Buffer(0).Inputs = Tuple{TensorValue{Tensor: floatTensor(2)}, ShapeValue{Shape: ShapeDescriptor{4}}}

	require.NoError(t, rt.ForwardPass(context.Background(), 0))
	outputs := rt.Buffer(0).Outputs
	require.Len(t, outputs, 2)
	_, isShape := outputs[1].(ShapeValue)
	assert.False(t, isShape, "ShapeValue must be normalized into a tensor before crossing the wire")
	tv, ok := outputs[1].(TensorValue)
	require.True(t, ok)
	assert.Equal(t, dtype.I64, tv.Tensor.DType)

	mean, ok := rt.TotalLossMean()
	assert.False(t, ok, "non-last stage never accumulates loss")
	assert.Zero(t, mean)
}

func TestStageRuntime_ForwardPass_LastStage_AccumulatesLoss(t *testing.T) {
	rt := New(Config{
		Layers:         []Layer{&lossLayer{index: 0, value: 3}},
		Differentiator: &fakeDifferentiator{},
		Optimizer:      &fakeOptimizer{},
		LRScheduler:    &fakeLRScheduler{},
		NumPipeBuffers: 2,
		LastStage:      true,
		Metrics:        NoopMetrics{},
	})
	rt.Buffer(0).Inputs = Tuple{TensorValue{Tensor: floatTensor(1)}}
	rt.Buffer(1).Inputs = Tuple{TensorValue{Tensor: floatTensor(1)}}

	require.NoError(t, rt.ForwardPass(context.Background(), 0))
	require.NoError(t, rt.ForwardPass(context.Background(), 1))

	mean, ok := rt.TotalLossMean()
	require.True(t, ok)
	assert.InDelta(t, 3.0, mean, 1e-9)

	rt.ResetTotalLoss()
	_, ok = rt.TotalLossMean()
	assert.False(t, ok)
}

func TestStageRuntime_BackwardPass_LastStage_ClearsOutputsAndLoss(t *testing.T) {
	diff := &fakeDifferentiator{}
	rt := New(Config{
		Layers:         []Layer{&lossLayer{index: 0, value: 1}},
		Differentiator: diff,
		Optimizer:      &fakeOptimizer{},
		LRScheduler:    &fakeLRScheduler{},
		NumPipeBuffers: 2,
		LastStage:      true,
		Metrics:        NoopMetrics{},
	})
	rt.Buffer(0).Inputs = Tuple{TensorValue{Tensor: floatTensor(1)}}
	require.NoError(t, rt.ForwardPass(context.Background(), 0))

	require.NoError(t, rt.BackwardPass(0))
	assert.Equal(t, 1, diff.calls)
	assert.Nil(t, rt.Buffer(0).Outputs)

	// A second BackwardPass on the same buffer with no recorded loss fails.
	err := rt.BackwardPass(0)
	assert.Error(t, err)
}

func TestStageRuntime_BackwardPass_NonLastStage_FiltersRequiresGrad(t *testing.T) {
	diff := &fakeDifferentiator{}
	rt := New(Config{
		Layers:         []Layer{&identityLayer{index: 0}},
		Differentiator: diff,
		Optimizer:      &fakeOptimizer{},
		LRScheduler:    &fakeLRScheduler{},
		NumPipeBuffers: 2,
		Metrics:        NoopMetrics{},
	})
	grad := floatTensor(1)
	grad.RequiresGrad = false
	rt.Buffer(0).Outputs = Tuple{TensorValue{Tensor: floatTensor(1)}, TensorValue{Tensor: grad}}
	rt.Buffer(0).Inputs = Tuple{TensorValue{Tensor: floatTensor(1)}}

	require.NoError(t, rt.BackwardPass(0))
	assert.Equal(t, 1, diff.calls)
	assert.Equal(t, 1, diff.lastOutputs, "only the requires_grad output is handed to Backward")
	assert.Nil(t, rt.Buffer(0).Outputs)
}

func TestStageRuntime_OptimizerStep_SkipsLRScheduleOnOverflow(t *testing.T) {
	opt := &fakeOptimizer{overflowed: true}
	lr := &fakeLRScheduler{}
	rt := New(Config{
		Layers:         []Layer{&identityLayer{index: 0}},
		Differentiator: &fakeDifferentiator{},
		Optimizer:      opt,
		LRScheduler:    lr,
		NumPipeBuffers: 2,
		Metrics:        NoopMetrics{},
	})
	require.NoError(t, rt.OptimizerStep())
	assert.True(t, opt.stepped)
	assert.Zero(t, lr.steps)
}

func TestStageRuntime_OptimizerStep_AdvancesLRScheduleWithoutOverflow(t *testing.T) {
	opt := &fakeOptimizer{overflowed: false}
	lr := &fakeLRScheduler{}
	rt := New(Config{
		Layers:         []Layer{&identityLayer{index: 0}},
		Differentiator: &fakeDifferentiator{},
		Optimizer:      opt,
		LRScheduler:    lr,
		NumPipeBuffers: 2,
		Metrics:        NoopMetrics{},
	})
	require.NoError(t, rt.OptimizerStep())
	assert.Equal(t, 1, lr.steps)
}

func TestStageRuntime_Checkpointable_StampedAtConstruction(t *testing.T) {
	rt := New(Config{
		Layers:         []Layer{&identityLayer{index: 0, ckpt: true}, &identityLayer{index: 1, ckpt: false}},
		Differentiator: &fakeDifferentiator{},
		Optimizer:      &fakeOptimizer{},
		LRScheduler:    &fakeLRScheduler{},
		NumPipeBuffers: 2,
		Metrics:        NoopMetrics{},
	})
	assert.True(t, rt.Checkpointable(0))
	assert.False(t, rt.Checkpointable(1))
}

func TestStageRuntime_ResetIterator_RevalidatesAfterInvalidation(t *testing.T) {
	loader := &fakeLoader{batches: []Tuple{{TensorValue{Tensor: floatTensor(1)}}}}
	rt := New(Config{
		Layers:         []Layer{&identityLayer{index: 0}},
		InputLoader:    loader,
		Differentiator: &fakeDifferentiator{},
		Optimizer:      &fakeOptimizer{},
		LRScheduler:    &fakeLRScheduler{},
		NumPipeBuffers: 2,
		FirstStage:     true,
		Metrics:        NoopMetrics{},
	})
	rt.InvalidateIterator()
	err := rt.LoadMicrobatch(context.Background(), 0)
	assert.Error(t, err)

	rt.ResetIterator(loader)
	require.NoError(t, rt.LoadMicrobatch(context.Background(), 0))
}
