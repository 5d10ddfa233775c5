package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"
)

type ConditionLogic = string

const (
	ConditionLogicAnd ConditionLogic = "and"
	ConditionLogicOr  ConditionLogic = "or"
)

// ConditionTree 触发条件树, 只有一层 and/or
type ConditionTree struct {
	Logic      ConditionLogic `json:"logic"`
	Conditions []*Condition   `json:"conditions"`
}

// Condition 单个字段谓词
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
	ValueEnd any    `json:"value_end,omitempty"` // between 的上界
}

// EvaluationContext 条件的求值上下文, PreviousRecord 只在更新事件中存在
type EvaluationContext struct {
	Record         *JSONContext
	PreviousRecord *JSONContext
}

type ConditionResult struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
	Passed   bool   `json:"passed"`
	Error    string `json:"error,omitempty"`
}

type ConditionEvaluation struct {
	Passed  bool               `json:"passed"`
	Logic   ConditionLogic     `json:"logic"`
	Results []*ConditionResult `json:"results"`
}

// ParseConditionTree 解析存储的条件 JSON, 空内容视为无条件
func ParseConditionTree(raw []byte) (*ConditionTree, error) {
	tree := &ConditionTree{Logic: ConditionLogicAnd, Conditions: make([]*Condition, 0)}
	if len(strings.TrimSpace(string(raw))) == 0 || string(raw) == "null" {
		return tree, nil
	}
	if err := json.Unmarshal(raw, tree); err != nil {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "parse trigger conditions failed, err: %v", err)
	}
	if tree.Logic == "" {
		tree.Logic = ConditionLogicAnd
	}
	tree.Logic = strings.ToLower(tree.Logic)
	if tree.Logic != ConditionLogicAnd && tree.Logic != ConditionLogicOr {
		return nil, errors.WithMessagef(ErrWorkflowDefinitionInvalid, "unknown condition logic: %s", tree.Logic)
	}
	return tree, nil
}

// EvaluateConditions 纯函数, 不做任何 IO, 单个条件出错只会记录在结果里
func EvaluateConditions(tree *ConditionTree, ectx *EvaluationContext) *ConditionEvaluation {
	ret := &ConditionEvaluation{Passed: true, Logic: ConditionLogicAnd, Results: make([]*ConditionResult, 0)}
	if tree == nil || len(tree.Conditions) == 0 {
		// 无条件触发
		return ret
	}
	if ectx == nil {
		ectx = &EvaluationContext{}
	}
	if strings.EqualFold(tree.Logic, ConditionLogicOr) {
		ret.Logic = ConditionLogicOr
	}
	anyPassed := false
	allPassed := true
	for _, condition := range tree.Conditions {
		result := evaluateCondition(condition, ectx)
		ret.Results = append(ret.Results, result)
		if result.Passed {
			anyPassed = true
		} else {
			allPassed = false
		}
	}
	if ret.Logic == ConditionLogicOr {
		ret.Passed = anyPassed
	} else {
		ret.Passed = allPassed
	}
	return ret
}

func evaluateCondition(condition *Condition, ectx *EvaluationContext) (result *ConditionResult) {
	result = &ConditionResult{}
	if condition == nil {
		result.Error = "condition is nil"
		return result
	}
	result.Field = condition.Field
	result.Operator = condition.Operator
	result.Expected = condition.Value
	defer func() {
		if r := recover(); r != nil {
			result.Passed = false
			result.Error = fmt.Sprintf("condition panic: %v", r)
		}
	}()
	actual, _ := ectx.Record.GetPath(condition.Field)
	result.Actual = actual
	var previous any
	hasPrevious := ectx.PreviousRecord != nil
	if hasPrevious {
		previous, _ = ectx.PreviousRecord.GetPath(condition.Field)
	}
	passed, err := applyOperator(strings.ToLower(strings.TrimSpace(condition.Operator)), actual, condition.Value, condition.ValueEnd, previous, hasPrevious)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Passed = passed
	return result
}

func applyOperator(operator string, actual, expected, expectedEnd, previous any, hasPrevious bool) (bool, error) {
	switch operator {
	case "eq", "equals":
		return valuesEqual(actual, expected), nil
	case "neq", "not_equals":
		return !valuesEqual(actual, expected), nil
	case "contains":
		return containsValue(actual, expected), nil
	case "not_contains":
		return !containsValue(actual, expected), nil
	case "starts_with":
		if actual == nil {
			return false, nil
		}
		return strings.HasPrefix(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected))), nil
	case "ends_with":
		if actual == nil {
			return false, nil
		}
		return strings.HasSuffix(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected))), nil
	case "gt", "lt", "gte", "lte":
		if actual == nil {
			return false, nil
		}
		cmp, err := compareOrdered(actual, expected)
		if err != nil {
			return false, err
		}
		switch operator {
		case "gt":
			return cmp > 0, nil
		case "lt":
			return cmp < 0, nil
		case "gte":
			return cmp >= 0, nil
		}
		return cmp <= 0, nil
	case "between":
		if actual == nil {
			return false, nil
		}
		low, err := compareOrdered(actual, expected)
		if err != nil {
			return false, err
		}
		high, err := compareOrdered(actual, expectedEnd)
		if err != nil {
			return false, err
		}
		return low >= 0 && high <= 0, nil
	case "is_empty":
		return isEmptyValue(actual), nil
	case "is_not_empty":
		return !isEmptyValue(actual), nil
	case "in":
		if actual == nil {
			return false, nil
		}
		return listContains(toList(expected), actual), nil
	case "not_in":
		if actual == nil {
			return true, nil
		}
		return !listContains(toList(expected), actual), nil
	case "changed":
		if !hasPrevious {
			return false, nil
		}
		return valueChanged(previous, actual), nil
	case "changed_to":
		if !hasPrevious {
			return false, nil
		}
		return valueChanged(previous, actual) && valuesEqual(actual, expected), nil
	case "changed_from":
		if !hasPrevious {
			return false, nil
		}
		return valueChanged(previous, actual) && valuesEqual(previous, expected), nil
	case "has_rel":
		return isTruthy(actual), nil
	case "no_rel":
		return !isTruthy(actual), nil
	}
	return false, errors.Errorf("unsupported operator: %s", operator)
}

// containsValue 字符串忽略大小写的子串判断, 集合则判断元素
func containsValue(actual, expected any) bool {
	if actual == nil {
		return false
	}
	if isCollection(actual) && reflect.ValueOf(actual).Kind() != reflect.Map {
		return listContains(toList(actual), expected)
	}
	return strings.Contains(strings.ToLower(stringify(actual)), strings.ToLower(stringify(expected)))
}

func valueChanged(previous, current any) bool {
	if isCollection(previous) || isCollection(current) {
		return !reflect.DeepEqual(previous, current)
	}
	return !valuesEqual(previous, current)
}
