package dag_test

import (
	"errors"
	"testing"

	"github.com/ignatij/dagflow/pkg/dag"
	"github.com/ignatij/dagflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func task(id string) models.TaskDefinition {
	return models.TaskDefinition{ID: id, Type: models.JobTaskType}
}

func edge(up, down string, kind models.DependencyKind) models.Dependency {
	return models.Dependency{Upstream: up, Downstream: down, Kind: kind}
}

func definition(tasks []models.TaskDefinition, deps ...models.Dependency) models.WorkflowDefinition {
	return models.WorkflowDefinition{Name: "wf", Tasks: tasks, Dependencies: deps}
}

type typeSet map[models.TaskType]bool

func (s typeSet) Supports(t models.TaskType) bool { return s[t] }

func TestValidate(t *testing.T) {
	t.Run("acyclic graph passes", func(t *testing.T) {
		def := definition(
			[]models.TaskDefinition{task("a"), task("b"), task("c"), task("d")},
			edge("a", "b", ""), edge("a", "c", models.CompletionDependency), edge("b", "d", ""), edge("c", "d", ""),
		)
		assert.NoError(t, dag.Validate(def, nil))
	})

	t.Run("cycle is reported with its path", func(t *testing.T) {
		def := definition(
			[]models.TaskDefinition{task("a"), task("b"), task("c")},
			edge("a", "b", ""), edge("b", "c", ""), edge("c", "a", ""),
		)
		err := dag.Validate(def, nil)
		require.Error(t, err)
		var gerr *models.InvalidGraphError
		require.True(t, errors.As(err, &gerr))
		assert.Equal(t, []string{"a", "b", "c", "a"}, gerr.Cycle)
	})

	t.Run("self edge is a cycle", func(t *testing.T) {
		def := definition([]models.TaskDefinition{task("a")}, edge("a", "a", ""))
		var gerr *models.InvalidGraphError
		require.True(t, errors.As(dag.Validate(def, nil), &gerr))
		assert.Equal(t, []string{"a", "a"}, gerr.Cycle)
	})

	t.Run("dangling reference", func(t *testing.T) {
		def := definition([]models.TaskDefinition{task("a")}, edge("a", "ghost", ""))
		var derr *models.DanglingReferenceError
		require.True(t, errors.As(dag.Validate(def, nil), &derr))
		assert.Equal(t, "ghost", derr.Missing)
	})

	t.Run("duplicate task", func(t *testing.T) {
		def := definition([]models.TaskDefinition{task("a"), task("a")})
		var derr *models.DuplicateTaskError
		require.True(t, errors.As(dag.Validate(def, nil), &derr))
		assert.Equal(t, "a", derr.TaskID)
	})

	t.Run("duplicate edge", func(t *testing.T) {
		def := definition([]models.TaskDefinition{task("a"), task("b")}, edge("a", "b", ""), edge("a", "b", models.CompletionDependency))
		assert.ErrorIs(t, dag.Validate(def, nil), models.ErrInvalidGraph)
	})

	t.Run("rollback depth bounded by longest path", func(t *testing.T) {
		def := definition([]models.TaskDefinition{task("a"), task("b")}, edge("a", "b", ""))
		def.Rollback = &models.RollbackConfig{Depth: 1}
		assert.NoError(t, dag.Validate(def, nil))

		def.Rollback.Depth = 2
		err := dag.Validate(def, nil)
		assert.ErrorIs(t, err, models.ErrValidation)
		assert.Contains(t, err.Error(), "longest path")
	})

	t.Run("unknown task type", func(t *testing.T) {
		def := definition([]models.TaskDefinition{{ID: "a", Type: "TELEPORT"}})
		var uerr *models.UnknownTaskTypeError
		require.True(t, errors.As(dag.Validate(def, nil), &uerr))
	})

	t.Run("type without executor", func(t *testing.T) {
		def := definition([]models.TaskDefinition{{ID: "a", Type: models.ScriptTaskType}})
		var uerr *models.UnknownTaskTypeError
		require.True(t, errors.As(dag.Validate(def, typeSet{models.JobTaskType: true}), &uerr))
		assert.NoError(t, dag.Validate(def, typeSet{models.ScriptTaskType: true}))
	})

	t.Run("policy bounds", func(t *testing.T) {
		bad := []models.TaskDefinition{
			{ID: "a", Type: models.JobTaskType, Retry: models.RetryPolicy{MaxRetries: -1}},
			{ID: "a", Type: models.JobTaskType, Retry: models.RetryPolicy{BackoffMultiplier: 0.5}},
			{ID: "a", Type: models.JobTaskType, SLA: &models.SLAConfig{MaxExecutionSeconds: 0}},
		}
		for _, tk := range bad {
			assert.ErrorIs(t, dag.Validate(definition([]models.TaskDefinition{tk}), nil), models.ErrValidation)
		}
	})

	t.Run("empty name and tasks", func(t *testing.T) {
		assert.ErrorIs(t, dag.Validate(models.WorkflowDefinition{Tasks: []models.TaskDefinition{task("a")}}, nil), models.ErrValidation)
		assert.ErrorIs(t, dag.Validate(models.WorkflowDefinition{Name: "wf"}, nil), models.ErrValidation)
	})
}

func TestGraph_Traversals(t *testing.T) {
	// a -> b -> d, a -> c -> d, d -> e
	def := definition(
		[]models.TaskDefinition{task("e"), task("d"), task("c"), task("b"), task("a")},
		edge("a", "b", ""), edge("a", "c", ""), edge("b", "d", ""), edge("c", "d", ""), edge("d", "e", ""),
	)
	g, err := dag.Build(def)
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, g.TopologicalOrder())
	assert.Equal(t, 3, g.LongestPath())

	t.Run("upstream walk is bounded by depth", func(t *testing.T) {
		assert.Equal(t, []string{"d"}, g.Upstream([]string{"e"}, 1))
		assert.Equal(t, []string{"d", "c", "b"}, g.Upstream([]string{"e"}, 2))
		assert.Equal(t, []string{"d", "c", "b", "a"}, g.Upstream([]string{"e"}, 5))
		assert.Empty(t, g.Upstream([]string{"e"}, 0))
	})
}

func TestGraph_FailureTolerated(t *testing.T) {
	def := definition(
		[]models.TaskDefinition{task("a"), task("b"), task("c"), task("d")},
		edge("a", "b", models.SkipOnFailureDependency),
		edge("c", "d", models.SkipOnFailureDependency),
		edge("c", "b", models.SuccessDependency),
	)
	g, err := dag.Build(def)
	require.NoError(t, err)

	assert.True(t, g.FailureTolerated("a"))
	assert.False(t, g.FailureTolerated("c"), "a SUCCESS edge makes the task required")
	assert.False(t, g.FailureTolerated("d"), "leaf tasks are required")
}
