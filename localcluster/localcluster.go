// Package localcluster wires every stage of one pipeline template into a
// single in-process run: one goroutine per rank, adjacent stages joined by
// a transport.Link, all driven concurrently by an errgroup. It exists so a
// full multi-stage replica can be exercised and tested without a real
// process group, the same role ClusterSimulator plays for the teacher's
// multi-instance simulation.
package localcluster

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ppexec/ppexec/pipeline"
	"github.com/ppexec/ppexec/schedule"
	"github.com/ppexec/ppexec/stage"
	"github.com/ppexec/ppexec/template"
	"github.com/ppexec/ppexec/transport"
)

// RankConfig is the per-rank collaborator set localcluster.New needs to
// build that rank's StageRuntime. InputLoader is only consulted at rank 0,
// LabelLoader only at the last rank; New ignores the other one.
type RankConfig struct {
	Layers         []stage.Layer
	InputLoader    stage.DataLoader
	LabelLoader    stage.DataLoader
	Differentiator stage.Differentiator
	Optimizer      stage.Optimizer
	LRScheduler    stage.LRScheduler
	Metrics        stage.MetricsSink
}

// Cluster is one fully-wired replica of tpl: NumStages() ranks, each with
// its own Pipeline, Transport, and StageRuntime, chained by shared Links.
type Cluster struct {
	pipelines  []*pipeline.Pipeline
	transports []transport.Transport
	runtimes   []*stage.StageRuntime
}

// New builds a Cluster for tpl processing microbatches microbatches per
// batch. len(ranks) must equal tpl.NumStages().
func New(tpl *template.PipelineTemplate, microbatches int, ranks []RankConfig) (*Cluster, error) {
	numStages := tpl.NumStages()
	if len(ranks) != numStages {
		return nil, fmt.Errorf("localcluster: need %d rank configs for template with %d stages, got %d", numStages, numStages, len(ranks))
	}

	links := make([]*transport.Link, numStages-1)
	for i := range links {
		links[i] = transport.NewLink()
	}

	c := &Cluster{
		pipelines:  make([]*pipeline.Pipeline, numStages),
		transports: make([]transport.Transport, numStages),
		runtimes:   make([]*stage.StageRuntime, numStages),
	}

	for i := 0; i < numStages; i++ {
		var up, down *transport.Link
		if i > 0 {
			up = links[i-1]
		}
		if i < numStages-1 {
			down = links[i]
		}
		tr := transport.NewChannelTransport(up, down)

		sched := schedule.New(microbatches, numStages, i)
		cfg := ranks[i]
		isFirst := i == 0
		isLast := i == numStages-1

		stageCfg := stage.Config{
			Rank:           i,
			Layers:         cfg.Layers,
			Differentiator: cfg.Differentiator,
			Optimizer:      cfg.Optimizer,
			LRScheduler:    cfg.LRScheduler,
			NumPipeBuffers: sched.NumPipeBuffers(),
			FirstStage:     isFirst,
			LastStage:      isLast,
			Metrics:        cfg.Metrics,
		}
		if isFirst {
			stageCfg.InputLoader = cfg.InputLoader
		}
		if isLast {
			stageCfg.LabelLoader = cfg.LabelLoader
		}
		rt := stage.New(stageCfg)

		c.transports[i] = tr
		c.runtimes[i] = rt
		c.pipelines[i] = pipeline.New(sched, tr, rt, cfg.Metrics)
	}
	return c, nil
}

// RunBatch trains every rank's Pipeline for one batch concurrently and
// applies the optimizer step on every rank once all ranks finish training,
// matching the per-batch ordering pipeline.Pipeline documents. The first
// rank error cancels the others via the errgroup's shared context.
func (c *Cluster) RunBatch(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.pipelines {
		p := p
		g.Go(func() error { return p.Train(gctx) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, p := range c.pipelines {
		if err := p.OptimizerStep(); err != nil {
			return err
		}
	}
	return nil
}

// Close tears down every rank's transport.
func (c *Cluster) Close() error {
	var firstErr error
	for _, tr := range c.transports {
		if err := tr.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Pipeline returns rank i's Pipeline, e.g. for inspecting GlobalSteps in
// tests.
func (c *Cluster) Pipeline(rank int) *pipeline.Pipeline { return c.pipelines[rank] }
