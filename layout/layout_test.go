package layout

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppexec/ppexec/template"
)

func mustTemplate(t *testing.T, numLayers int, stageNodes ...int) *template.PipelineTemplate {
	t.Helper()
	stages := make([]template.Stage, len(stageNodes))
	lo := 0
	perStage := numLayers / len(stageNodes)
	for i := range stageNodes {
		hi := lo + perStage
		if i == len(stageNodes)-1 {
			hi = numLayers
		}
		stages[i] = template.Stage{LayerLo: lo, LayerHi: hi, AcceleratorsPerNode: stageNodes[i]}
		lo = hi
	}
	tpl, err := template.New(numLayers, stages)
	require.NoError(t, err)
	return tpl
}

func TestInstantiator_Instantiate_CoversExactWorkerCount(t *testing.T) {
	twoStage := mustTemplate(t, 8, 1, 1)  // NumNodes() == 2
	threeStage := mustTemplate(t, 9, 1, 1, 1) // NumNodes() == 3

	l, err := Instantiator{}.Instantiate([]*template.PipelineTemplate{twoStage, threeStage}, 6, 12, 1)
	require.NoError(t, err)
	assert.Equal(t, 6, l.TotalNodes())
	assert.Equal(t, 12, l.TotalMicrobatches())
}

func TestInstantiator_Instantiate_NoFeasibleMultisetErrors(t *testing.T) {
	threeStage := mustTemplate(t, 9, 1, 1, 1) // NumNodes() == 3
	_, err := Instantiator{}.Instantiate([]*template.PipelineTemplate{threeStage}, 4, 8, 1)
	assert.Error(t, err)
}

func TestInstantiator_Instantiate_PrefersThresholdDiversityWhenFeasible(t *testing.T) {
	twoStage := mustTemplate(t, 8, 1, 1)   // NumNodes() == 2
	fourStage := mustTemplate(t, 8, 1, 1, 1, 1) // NumNodes() == 4

	// 6 workers admit {2,2,2} and {2,4}; only the latter meets threshold 2.
	l, err := Instantiator{}.Instantiate([]*template.PipelineTemplate{twoStage, fourStage}, 6, 8, 2)
	require.NoError(t, err)
	assert.Equal(t, 6, l.TotalNodes())
	assert.GreaterOrEqual(t, l.DistinctTemplates(), 2)
}

func TestInstantiator_Instantiate_BalancesMicrobatchesAcrossReplicas(t *testing.T) {
	oneNode := mustTemplate(t, 4, 1)

	l, err := Instantiator{}.Instantiate([]*template.PipelineTemplate{oneNode}, 3, 10, 1)
	require.NoError(t, err)
	require.Len(t, l.Assignments, 3)

	counts := make(map[int]int)
	for _, a := range l.Assignments {
		counts[a.Microbatches]++
	}
	// 10 split across 3 replicas: two replicas get 3, one gets 4.
	assert.Equal(t, 2, counts[3])
	assert.Equal(t, 1, counts[4])
}

func TestLayout_SetPipelines_AssignsIncrementingReplicaIndex(t *testing.T) {
	tpl := mustTemplate(t, 4, 1)
	var l Layout
	l.SetPipelines([]*template.PipelineTemplate{tpl, tpl}, map[uuid.UUID]int{})

	require.Len(t, l.Assignments, 2)
	assert.Equal(t, 0, l.Assignments[0].ReplicaIndex)
	assert.Equal(t, 1, l.Assignments[1].ReplicaIndex)
}

func TestLayout_Reconfigure_RejectsEmptyTemplateSet(t *testing.T) {
	var l Layout
	_, _, _, err := l.Reconfigure(context.Background(), nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestLayout_Reconfigure_RespectsCanceledContext(t *testing.T) {
	tpl := mustTemplate(t, 4, 1)
	var l Layout
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, _, err := l.Reconfigure(ctx, []*template.PipelineTemplate{tpl}, nil, nil, nil)
	assert.Error(t, err)
}
