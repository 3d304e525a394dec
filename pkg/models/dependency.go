package models

// DependencyKind decides which upstream outcomes satisfy an edge.
type DependencyKind string

const (
	SuccessDependency       DependencyKind = "SUCCESS"         // Upstream must succeed
	CompletionDependency    DependencyKind = "COMPLETION"      // Upstream must finish, any outcome
	SkipOnFailureDependency DependencyKind = "SKIP_ON_FAILURE" // Upstream failure skips the downstream
)

// Valid reports whether k is a known kind. The empty kind defaults to SUCCESS.
func (k DependencyKind) Valid() bool {
	switch k {
	case "", SuccessDependency, CompletionDependency, SkipOnFailureDependency:
		return true
	}
	return false
}

// Normalize maps the empty kind to SUCCESS.
func (k DependencyKind) Normalize() DependencyKind {
	if k == "" {
		return SuccessDependency
	}
	return k
}

// Dependency is a directed edge: Downstream waits on Upstream.
type Dependency struct {
	Upstream   string         `json:"upstream" db:"upstream"`             // Prerequisite task
	Downstream string         `json:"downstream" db:"downstream"`         // Task that depends on Upstream
	Kind       DependencyKind `json:"kind,omitempty" db:"kind"`           // Defaults to SUCCESS
	Condition  string         `json:"condition,omitempty" db:"condition"` // Resolved to a bool by a ConditionEvaluator
}
