package service

import (
	"encoding/json"
	"fmt"
)

// ConditionEvaluator decides a conditional edge from the upstream task's output.
type ConditionEvaluator interface {
	Evaluate(condition string, output json.RawMessage) (bool, error)
}

// OutputFlagEvaluator treats the condition as the name of a boolean field in
// the upstream JSON output. A missing field, or an empty or non-object
// output, evaluates to false.
type OutputFlagEvaluator struct{}

func (OutputFlagEvaluator) Evaluate(condition string, output json.RawMessage) (bool, error) {
	if len(output) == 0 {
		return false, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(output, &fields); err != nil {
		return false, nil
	}
	raw, ok := fields[condition]
	if !ok {
		return false, nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, fmt.Errorf("condition %q: field is not a boolean: %s", condition, raw)
	}
	return v, nil
}
