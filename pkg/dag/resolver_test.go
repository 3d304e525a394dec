package dag_test

import (
	"testing"

	"github.com/ignatij/dagflow/pkg/dag"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, def models.WorkflowDefinition) *dag.Graph {
	t.Helper()
	g, err := dag.Build(def)
	require.NoError(t, err)
	return g
}

func states(kv ...string) map[string]models.TaskStatus {
	out := make(map[string]models.TaskStatus, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		out[kv[i]] = models.TaskStatus(kv[i+1])
	}
	return out
}

func TestResolve_RootsAreReadyAtStart(t *testing.T) {
	g := mustBuild(t, definition(
		[]models.TaskDefinition{task("b"), task("a"), task("c")},
		edge("a", "c", ""),
	))
	assert.Equal(t, []string{"a", "b"}, dag.ReadyTasks(g, dag.Snapshot{}))
}

func TestResolve_PriorityThenID(t *testing.T) {
	low := models.TaskDefinition{ID: "low", Type: models.JobTaskType, Priority: 1}
	high := models.TaskDefinition{ID: "high", Type: models.JobTaskType, Priority: 5}
	tieA := models.TaskDefinition{ID: "tie-a", Type: models.JobTaskType, Priority: 3}
	tieB := models.TaskDefinition{ID: "tie-b", Type: models.JobTaskType, Priority: 3}
	g := mustBuild(t, definition([]models.TaskDefinition{low, tieB, high, tieA}))

	assert.Equal(t, []string{"high", "tie-a", "tie-b", "low"}, dag.ReadyTasks(g, dag.Snapshot{}))
}

func TestResolve_EdgeKinds(t *testing.T) {
	tests := []struct {
		name        string
		kind        models.DependencyKind
		upstream    models.TaskStatus
		wantReady   bool
		wantSkipped bool
	}{
		{"success edge waits on running upstream", models.SuccessDependency, models.RunningTaskStatus, false, false},
		{"success edge waits on pending retry", models.SuccessDependency, models.RetryScheduledTaskStatus, false, false},
		{"success edge satisfied", models.SuccessDependency, models.SuccessTaskStatus, true, false},
		{"success edge blocked by failure", models.SuccessDependency, models.FailedTaskStatus, false, true},
		{"success edge propagates skip", models.SuccessDependency, models.SkippedTaskStatus, false, true},
		{"completion edge after failure", models.CompletionDependency, models.FailedTaskStatus, true, false},
		{"completion edge after cancel", models.CompletionDependency, models.CancelledTaskStatus, true, false},
		{"skip on failure satisfied", models.SkipOnFailureDependency, models.SuccessTaskStatus, true, false},
		{"skip on failure skips", models.SkipOnFailureDependency, models.FailedTaskStatus, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := mustBuild(t, definition([]models.TaskDefinition{task("up"), task("down")}, edge("up", "down", tt.kind)))
			res := dag.Resolve(g, dag.Snapshot{States: states("up", string(tt.upstream))})

			assert.Equal(t, tt.wantReady, contains(res.Ready, "down"))
			skippedDown := false
			for _, s := range res.Skipped {
				if s.TaskID == "down" {
					skippedDown = true
					assert.NotEmpty(t, s.Reason)
				}
			}
			assert.Equal(t, tt.wantSkipped, skippedDown)
		})
	}
}

func TestResolve_AllInboundEdgesMustBeSatisfied(t *testing.T) {
	g := mustBuild(t, definition(
		[]models.TaskDefinition{task("a"), task("b"), task("c")},
		edge("a", "c", ""), edge("b", "c", ""),
	))
	res := dag.Resolve(g, dag.Snapshot{States: states("a", "SUCCESS", "b", "RUNNING")})
	assert.True(t, res.Empty())

	res = dag.Resolve(g, dag.Snapshot{States: states("a", "SUCCESS", "b", "SUCCESS")})
	assert.Equal(t, []string{"c"}, res.Ready)
}

func TestResolve_Conditions(t *testing.T) {
	cond := models.Dependency{Upstream: "check", Downstream: "deploy", Kind: models.SuccessDependency, Condition: "approved"}
	g := mustBuild(t, definition([]models.TaskDefinition{task("check"), task("deploy")}, cond))
	key := dag.EdgeKey{Upstream: "check", Downstream: "deploy"}

	t.Run("true condition runs", func(t *testing.T) {
		res := dag.Resolve(g, dag.Snapshot{States: states("check", "SUCCESS"), Conditions: map[dag.EdgeKey]bool{key: true}})
		assert.Equal(t, []string{"deploy"}, res.Ready)
	})

	t.Run("false condition skips", func(t *testing.T) {
		res := dag.Resolve(g, dag.Snapshot{States: states("check", "SUCCESS"), Conditions: map[dag.EdgeKey]bool{key: false}})
		require.Len(t, res.Skipped, 1)
		assert.Contains(t, res.Skipped[0].Reason, "approved")
	})

	t.Run("missing condition counts as false", func(t *testing.T) {
		res := dag.Resolve(g, dag.Snapshot{States: states("check", "SUCCESS")})
		require.Len(t, res.Skipped, 1)
	})
}

func TestResolve_Idempotent(t *testing.T) {
	g := mustBuild(t, definition(
		[]models.TaskDefinition{task("a"), task("b"), task("c"), task("d")},
		edge("a", "b", ""), edge("a", "c", models.SkipOnFailureDependency), edge("b", "d", models.CompletionDependency),
	))
	snap := dag.Snapshot{States: states("a", "FAILED")}

	first := dag.Resolve(g, snap)
	second := dag.Resolve(g, snap)
	assert.Equal(t, first, second)
	assert.Equal(t, states("a", "FAILED"), snap.States, "snapshot must not be mutated")
}

func TestResolve_SkipsStartedTasks(t *testing.T) {
	g := mustBuild(t, definition([]models.TaskDefinition{task("a"), task("b")}))
	res := dag.Resolve(g, dag.Snapshot{States: states("a", "QUEUED")})
	assert.Equal(t, []string{"b"}, res.Ready)
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
