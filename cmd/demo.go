package cmd

import (
	"context"
	"math/rand"

	"github.com/ppexec/ppexec/pipeline"
	"github.com/ppexec/ppexec/schedule"
	"github.com/ppexec/ppexec/stage"
	"github.com/ppexec/ppexec/template"
	"github.com/ppexec/ppexec/transport"
)

// randomInputLoader and sumToLossLayer stand in for the real
// dataloader/autograd/optimizer collaborators spec.md puts out of scope;
// they exist only to give `ppexec run` something to execute end to end
// against a single-node template.
type randomInputLoader struct{ rng *rand.Rand }

func (l *randomInputLoader) Next(ctx context.Context) (stage.Tuple, error) {
	bits := make([]byte, 8)
	l.rng.Read(bits)
	return stage.Tuple{stage.TensorValue{Tensor: &transport.Tensor{Data: bits}}}, nil
}
func (l *randomInputLoader) Len() int { return 1 << 30 }

type sumToLossLayer struct{ idx int }

func (sumToLossLayer) Apply(ctx context.Context, in stage.Tuple) (stage.Tuple, error) {
	return stage.Tuple{stage.TensorValue{Tensor: stage.NewLossTensor(1.0)}}, nil
}
func (l sumToLossLayer) Index() int         { return l.idx }
func (sumToLossLayer) Checkpointable() bool { return false }

type demoDifferentiator struct{}

func (demoDifferentiator) Backward(inputs, outputs []*transport.Tensor) error { return nil }

type demoOptimizer struct{ lr float64 }

func (o *demoOptimizer) Step() error      { return nil }
func (*demoOptimizer) Overflowed() bool   { return false }
func (o *demoOptimizer) LR() float64      { return o.lr }

type demoLRScheduler struct{ opt *demoOptimizer }

func (s *demoLRScheduler) Step() { s.opt.lr *= 0.999 }

// newLocalSingleRankFactory returns an engine.PipelineFactory that trains a
// single-node template in-process, with no real compute behind it, so the
// CLI has a runnable end-to-end path without a real model/transport
// bootstrap.
func newLocalSingleRankFactory() func(tpl *template.PipelineTemplate, rank, microbatches int) (*pipeline.Pipeline, transport.Transport, *stage.StageRuntime, error) {
	return func(tpl *template.PipelineTemplate, rank, microbatches int) (*pipeline.Pipeline, transport.Transport, *stage.StageRuntime, error) {
		opt := &demoOptimizer{lr: 0.01}
		rt := stage.New(stage.Config{
			Rank:           rank,
			Layers:         []stage.Layer{sumToLossLayer{idx: 0}},
			InputLoader:    &randomInputLoader{rng: rand.New(rand.NewSource(int64(rank) + 1))},
			LabelLoader:    &randomInputLoader{rng: rand.New(rand.NewSource(int64(rank) + 2))},
			Differentiator: demoDifferentiator{},
			Optimizer:      opt,
			LRScheduler:    &demoLRScheduler{opt: opt},
			NumPipeBuffers: schedule.NumPipeBuffers(microbatches, tpl.NumStages(), 0),
			FirstStage:     true,
			LastStage:      true,
			Metrics:        stage.NoopMetrics{},
		})
		sched := schedule.New(microbatches, tpl.NumStages(), 0)
		tr := noopTransport{}
		return pipeline.New(sched, tr, rt, stage.NoopMetrics{}), tr, rt, nil
	}
}

// noopTransport satisfies transport.Transport for the single-node demo
// factory, which never exercises cross-stage communication.
type noopTransport struct{}

func (noopTransport) SendActivation(int, []*transport.Tensor) error { return nil }
func (noopTransport) RecvActivation(int) ([]*transport.Tensor, error) { return nil, nil }
func (noopTransport) SendGradient(int, []*transport.Tensor) error   { return nil }
func (noopTransport) RecvGradient(int, []*transport.Tensor) ([]*transport.Tensor, error) {
	return nil, nil
}
func (noopTransport) Close() error { return nil }
