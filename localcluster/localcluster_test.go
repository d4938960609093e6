package localcluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppexec/ppexec/stage"
	"github.com/ppexec/ppexec/template"
	"github.com/ppexec/ppexec/transport"
)

type passThroughLayer struct{ idx int }

func (passThroughLayer) Apply(ctx context.Context, in stage.Tuple) (stage.Tuple, error) { return in, nil }
func (l passThroughLayer) Index() int                                                  { return l.idx }
func (passThroughLayer) Checkpointable() bool                                          { return false }

type lossLayer struct{ idx int }

func (lossLayer) Apply(ctx context.Context, in stage.Tuple) (stage.Tuple, error) {
	return stage.Tuple{stage.TensorValue{Tensor: stage.NewLossTensor(2.0)}}, nil
}
func (l lossLayer) Index() int         { return l.idx }
func (lossLayer) Checkpointable() bool { return false }

type constLoader struct{}

func (constLoader) Next(ctx context.Context) (stage.Tuple, error) {
	return stage.Tuple{stage.TensorValue{Tensor: &transport.Tensor{Data: make([]byte, 8)}}}, nil
}
func (constLoader) Len() int { return 1 << 30 }

type noopDifferentiator struct{}

func (noopDifferentiator) Backward(inputs, outputs []*transport.Tensor) error { return nil }

type noopOptimizer struct{}

func (noopOptimizer) Step() error      { return nil }
func (noopOptimizer) Overflowed() bool { return false }
func (noopOptimizer) LR() float64      { return 0.01 }

type noopLRScheduler struct{}

func (noopLRScheduler) Step() {}

func threeStageTemplate(t *testing.T) *template.PipelineTemplate {
	t.Helper()
	tpl, err := template.New(6, []template.Stage{
		{LayerLo: 0, LayerHi: 2, AcceleratorsPerNode: 1},
		{LayerLo: 2, LayerHi: 4, AcceleratorsPerNode: 1},
		{LayerLo: 4, LayerHi: 6, AcceleratorsPerNode: 1},
	})
	require.NoError(t, err)
	return tpl
}

func TestCluster_RunBatch_ThreeStagesCompleteOneBatch(t *testing.T) {
	tpl := threeStageTemplate(t)
	ranks := []RankConfig{
		{Layers: []stage.Layer{passThroughLayer{0}}, InputLoader: constLoader{}, Differentiator: noopDifferentiator{}, Optimizer: noopOptimizer{}, LRScheduler: noopLRScheduler{}, Metrics: stage.NoopMetrics{}},
		{Layers: []stage.Layer{passThroughLayer{1}}, Differentiator: noopDifferentiator{}, Optimizer: noopOptimizer{}, LRScheduler: noopLRScheduler{}, Metrics: stage.NoopMetrics{}},
		{Layers: []stage.Layer{lossLayer{2}}, LabelLoader: constLoader{}, Differentiator: noopDifferentiator{}, Optimizer: noopOptimizer{}, LRScheduler: noopLRScheduler{}, Metrics: stage.NoopMetrics{}},
	}

	c, err := New(tpl, 3, ranks)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.RunBatch(context.Background()))
	for i := 0; i < 3; i++ {
		assert.EqualValues(t, 1, c.Pipeline(i).GlobalSteps())
	}
}

func TestNew_RejectsRankCountMismatch(t *testing.T) {
	tpl := threeStageTemplate(t)
	_, err := New(tpl, 3, []RankConfig{{}})
	assert.Error(t, err)
}
