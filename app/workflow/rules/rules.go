package rules

import (
	"fmt"
	"mesflow/app/objects"
	"reflect"
	"sort"
	"strings"
)

// Match is the winning rule plus its declared action.
type Match struct {
	Rule        *objects.WorkflowRule
	Action      string
	TargetStage int
}

// Warning reports a malformed condition. Conditions never abort an instance;
// they degrade to "no match" and the orchestrator logs the warning to history.
type Warning struct {
	RuleID string
	Reason string
}

// Evaluate filters the rules to the trigger point, orders them by descending
// priority (ties broken by lowest rule id) and returns the first whose
// condition holds against the context. A nil Match means default sequential
// progression.
func Evaluate(wfRules []*objects.WorkflowRule, trigger string, context objects.Table) (*Match, []Warning) {
	var warnings []Warning
	var candidates []*objects.WorkflowRule

	for _, rule := range wfRules {
		if rule.TriggerPoint == trigger {
			candidates = append(candidates, rule)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ID < candidates[j].ID
	})

	for _, rule := range candidates {
		ok, err := test(rule, context)
		if err != nil {
			warnings = append(warnings, Warning{RuleID: rule.ID, Reason: err.Error()})
			continue
		}
		if ok {
			return &Match{
				Rule:        rule,
				Action:      rule.Action,
				TargetStage: rule.TargetStage,
			}, warnings
		}
	}
	return nil, warnings
}

func test(rule *objects.WorkflowRule, context objects.Table) (bool, error) {
	if context == nil || !context.Has(rule.Field) {
		return false, fmt.Errorf("condition field '%s' missing from context", rule.Field)
	}
	actual := context.Get(rule.Field)
	expected := rule.ConditionValue()

	switch rule.Operator {
	case objects.OperatorEq:
		return looseEqual(actual, expected), nil
	case objects.OperatorNe:
		return !looseEqual(actual, expected), nil
	case objects.OperatorGt, objects.OperatorLt:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false, fmt.Errorf("operator '%s' needs numeric operands for field '%s'", rule.Operator, rule.Field)
		}
		if rule.Operator == objects.OperatorGt {
			return a > b, nil
		}
		return a < b, nil
	case objects.OperatorIn:
		set := reflect.ValueOf(expected)
		if expected == nil || set.Kind() != reflect.Slice {
			return false, fmt.Errorf("operator 'in' needs a list value for field '%s'", rule.Field)
		}
		for i := 0; i < set.Len(); i++ {
			if looseEqual(actual, set.Index(i).Interface()) {
				return true, nil
			}
		}
		return false, nil
	case objects.OperatorContains:
		aStr, aok := actual.(string)
		bStr, bok := expected.(string)
		if aok && bok {
			return strings.Contains(aStr, bStr), nil
		}
		list := reflect.ValueOf(actual)
		if list.Kind() == reflect.Slice {
			for i := 0; i < list.Len(); i++ {
				if looseEqual(list.Index(i).Interface(), expected) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, fmt.Errorf("operator 'contains' needs a string or list field '%s'", rule.Field)
	}
	return false, fmt.Errorf("unknown operator '%s'", rule.Operator)
}

// looseEqual compares across the numeric types json decoding produces.
func looseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == b
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
