package dag

import (
	"fmt"
	"sort"

	"github.com/ignatij/dagflow/pkg/models"
)

// EdgeKey identifies a dependency edge.
type EdgeKey struct {
	Upstream   string
	Downstream string
}

// Snapshot is the execution state a resolution is computed from.
type Snapshot struct {
	// States holds the status of the latest attempt per task. Tasks with no
	// attempt yet are absent.
	States map[string]models.TaskStatus
	// Conditions holds the evaluated boolean for conditional edges whose
	// upstream has finished. A missing entry counts as false.
	Conditions map[EdgeKey]bool
}

// Skip is a task that must move straight to SKIPPED.
type Skip struct {
	TaskID string
	Reason string
}

// Resolution is the outcome of one resolver pass.
type Resolution struct {
	// Ready is ordered by priority descending, then task id ascending.
	Ready   []string
	Skipped []Skip
}

// Empty reports whether the pass produced nothing to act on.
func (r Resolution) Empty() bool { return len(r.Ready) == 0 && len(r.Skipped) == 0 }

type verdict int

const (
	waiting verdict = iota
	satisfied
	skipped
)

// Resolve inspects every task without an attempt and classifies it as ready,
// skipped, or still waiting. It reads only its arguments, so repeated calls
// with the same snapshot return the same result.
func Resolve(g *Graph, snap Snapshot) Resolution {
	var res Resolution
	for i, id := range g.ids {
		if _, started := snap.States[id]; started {
			continue
		}
		ready := true
		var skipReason string
		for _, e := range g.incoming[i] {
			v, reason := evalEdge(e, snap)
			if v == skipped {
				skipReason = reason
				break
			}
			if v == waiting {
				ready = false
			}
		}
		switch {
		case skipReason != "":
			res.Skipped = append(res.Skipped, Skip{TaskID: id, Reason: skipReason})
		case ready:
			res.Ready = append(res.Ready, id)
		}
	}
	sort.SliceStable(res.Ready, func(a, b int) bool {
		pa := g.tasks[g.index[res.Ready[a]]].Priority
		pb := g.tasks[g.index[res.Ready[b]]].Priority
		if pa != pb {
			return pa > pb
		}
		return res.Ready[a] < res.Ready[b]
	})
	return res
}

// ReadyTasks returns only the ready set of Resolve.
func ReadyTasks(g *Graph, snap Snapshot) []string {
	return Resolve(g, snap).Ready
}

func evalEdge(e models.Dependency, snap Snapshot) (verdict, string) {
	up, ok := snap.States[e.Upstream]
	if !ok || !up.IsTerminal() {
		return waiting, ""
	}
	switch e.Kind {
	case models.CompletionDependency:
	case models.SuccessDependency, models.SkipOnFailureDependency:
		if up != models.SuccessTaskStatus {
			return skipped, fmt.Sprintf("upstream %s ended %s (%s edge)", e.Upstream, up, e.Kind)
		}
	}
	if e.Condition != "" && !snap.Conditions[EdgeKey{Upstream: e.Upstream, Downstream: e.Downstream}] {
		return skipped, fmt.Sprintf("condition %q on edge %s -> %s is false", e.Condition, e.Upstream, e.Downstream)
	}
	return satisfied, ""
}
