// Package layout implements the Instantiator (C5) and the Layout type it
// produces: given a pool of pipeline templates and the current worker
// count, choose how many replicas of each template to run and how to
// split the global microbatch count across them.
package layout

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/ppexec/ppexec/stage"
	"github.com/ppexec/ppexec/template"
)

// ReplicaAssignment is one (template, replica_id) pair plus the
// microbatch count assigned to that replica, per spec.md's Layout data
// model.
type ReplicaAssignment struct {
	Template     *template.PipelineTemplate
	ReplicaIndex int
	Microbatches int
}

// Layout is a concrete selection of templates × replica counts ×
// microbatch assignments for the current worker set.
type Layout struct {
	Assignments []ReplicaAssignment
}

// SetPipelines replaces the current assignment set with one built fresh
// from templates and a per-template microbatch plan; it is the consumer-
// facing half of the Layout interface spec.md §6 describes.
func (l *Layout) SetPipelines(templates []*template.PipelineTemplate, microbatchPlan map[uuid.UUID]int) {
	assignments := make([]ReplicaAssignment, 0, len(templates))
	replicaIdx := make(map[uuid.UUID]int)
	for _, t := range templates {
		idx := replicaIdx[t.ID]
		replicaIdx[t.ID] = idx + 1
		assignments = append(assignments, ReplicaAssignment{
			Template:     t,
			ReplicaIndex: idx,
			Microbatches: microbatchPlan[t.ID],
		})
	}
	l.Assignments = assignments
}

// TotalNodes sums NumNodes() across every assignment.
func (l *Layout) TotalNodes() int {
	total := 0
	for _, a := range l.Assignments {
		total += a.Template.NumNodes()
	}
	return total
}

// TotalMicrobatches sums Microbatches across every assignment.
func (l *Layout) TotalMicrobatches() int {
	total := 0
	for _, a := range l.Assignments {
		total += a.Microbatches
	}
	return total
}

// DistinctTemplates counts the number of distinct template IDs present.
func (l *Layout) DistinctTemplates() int {
	seen := make(map[uuid.UUID]struct{})
	for _, a := range l.Assignments {
		seen[a.Template.ID] = struct{}{}
	}
	return len(seen)
}

// Reconfigure rebuilds the (layers, optimizer, dataloader) triple against
// a new template set, per spec.md §6's consumed Layout interface. Real
// reconfiguration (rebuilding an optimizer/dataloader bound to new
// layer-range assignments) is an out-of-scope collaborator concern; this
// passes the inputs through, leaving assembly to the caller, which is
// exactly the amount of policy spec.md assigns to this layer.
func (l *Layout) Reconfigure(ctx context.Context, templates []*template.PipelineTemplate, layers []stage.Layer, optimizer stage.Optimizer, dataloader stage.DataLoader) ([]stage.Layer, stage.Optimizer, stage.DataLoader, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	if len(templates) == 0 {
		return nil, nil, nil, fmt.Errorf("layout: reconfigure requires at least one surviving template")
	}
	return layers, optimizer, dataloader, nil
}

// Instantiator chooses, for the current worker count, how many replicas
// of each template to run and how many microbatches each replica gets
// (C5). The scoring objective favors (a) full node utilization, (b)
// distinct-template diversity, (c) a balanced microbatch distribution,
// and is deterministic given the same pool and worker count.
type Instantiator struct{}

// Instantiate enumerates admissible replica multisets by integer
// partition of workerCount into the node-counts present in pool, ranks
// them by the objective above, and returns the top scorer as a Layout.
func (Instantiator) Instantiate(pool []*template.PipelineTemplate, workerCount, globalMicrobatches, threshold int) (*Layout, error) {
	if len(pool) == 0 {
		return nil, fmt.Errorf("layout: empty template pool")
	}
	sorted := append([]*template.PipelineTemplate(nil), pool...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.String() < sorted[j].ID.String() })

	candidates := enumerate(sorted, workerCount)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("layout: no template multiset sums to %d workers", workerCount)
	}

	best := pickBest(candidates, sorted, globalMicrobatches, threshold)
	return buildLayout(best, sorted, globalMicrobatches), nil
}

// enumerate returns every multiset of pool templates (by replica count,
// 0 or more of each) whose total node count equals target.
func enumerate(pool []*template.PipelineTemplate, target int) []map[uuid.UUID]int {
	var out []map[uuid.UUID]int
	counts := make(map[uuid.UUID]int)
	var rec func(i, remaining int)
	rec = func(i, remaining int) {
		if i == len(pool) {
			if remaining == 0 {
				snapshot := make(map[uuid.UUID]int, len(counts))
				for k, v := range counts {
					if v > 0 {
						snapshot[k] = v
					}
				}
				out = append(out, snapshot)
			}
			return
		}
		nodes := pool[i].NumNodes()
		maxCount := 0
		if nodes > 0 {
			maxCount = remaining / nodes
		}
		for c := 0; c <= maxCount; c++ {
			counts[pool[i].ID] = c
			rec(i+1, remaining-c*nodes)
		}
		delete(counts, pool[i].ID)
	}
	rec(0, target)
	return out
}

func score(counts map[uuid.UUID]int, pool []*template.PipelineTemplate, globalMicrobatches int) float64 {
	replicas := 0
	for _, c := range counts {
		replicas += c
	}
	if replicas == 0 {
		return -1 << 30
	}
	plan := splitEvenly(globalMicrobatches, replicas)
	mbCounts := make([]float64, len(plan))
	for i, v := range plan {
		mbCounts[i] = float64(v)
	}
	variance := 0.0
	if len(mbCounts) > 1 {
		variance = stat.Variance(mbCounts, nil)
	}
	distinct := float64(len(counts))
	return distinct - variance
}

func pickBest(candidates []map[uuid.UUID]int, pool []*template.PipelineTemplate, globalMicrobatches, threshold int) map[uuid.UUID]int {
	meetsThreshold := func(c map[uuid.UUID]int) bool { return len(c) >= threshold }

	var pass []map[uuid.UUID]int
	for _, c := range candidates {
		if meetsThreshold(c) {
			pass = append(pass, c)
		}
	}
	if len(pass) == 0 {
		pass = candidates
	}

	sort.Slice(pass, func(i, j int) bool {
		si, sj := score(pass[i], pool, globalMicrobatches), score(pass[j], pool, globalMicrobatches)
		if si != sj {
			return si > sj
		}
		return canonicalKey(pass[i]) < canonicalKey(pass[j])
	})
	return pass[0]
}

func canonicalKey(counts map[uuid.UUID]int) string {
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id.String())
	}
	sort.Strings(ids)
	key := ""
	for _, id := range ids {
		key += fmt.Sprintf("%s:%d;", id, counts[uuid.MustParse(id)])
	}
	return key
}

// splitEvenly divides total across n buckets as equally as possible,
// deterministically: the first total%n buckets get one extra.
func splitEvenly(total, n int) []int {
	if n == 0 {
		return nil
	}
	base := total / n
	extra := total % n
	out := make([]int, n)
	for i := range out {
		out[i] = base
		if i < extra {
			out[i]++
		}
	}
	return out
}

func buildLayout(counts map[uuid.UUID]int, pool []*template.PipelineTemplate, globalMicrobatches int) *Layout {
	byID := make(map[uuid.UUID]*template.PipelineTemplate, len(pool))
	for _, t := range pool {
		byID[t.ID] = t
	}

	totalReplicas := 0
	ids := make([]uuid.UUID, 0, len(counts))
	for id, c := range counts {
		totalReplicas += c
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

	plan := splitEvenly(globalMicrobatches, totalReplicas)

	var assignments []ReplicaAssignment
	planIdx := 0
	for _, id := range ids {
		tpl := byID[id]
		for r := 0; r < counts[id]; r++ {
			assignments = append(assignments, ReplicaAssignment{
				Template:     tpl,
				ReplicaIndex: r,
				Microbatches: plan[planIdx],
			})
			planIdx++
		}
	}
	return &Layout{Assignments: assignments}
}
