package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// 条件判断和表达式共用的值比较规则
// 记录来自 JSON, 数字可能是 float64/int64/json.Number, 也可能是数字字符串

func stringify(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprint(v)
}

// toNumber 只接受数字类型和非空数字字符串, bool/nil 不算数字
func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		if strings.TrimSpace(t) == "" {
			return 0, false
		}
		f, err := cast.ToFloat64E(strings.TrimSpace(t))
		return f, err == nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		f, err := cast.ToFloat64E(t)
		return f, err == nil
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
	}
	return false, false
}

// toTime 日期识别, 数字不当作日期(数字优先按数值比较)
func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		tm, err := cast.ToTimeE(s)
		if err != nil {
			return time.Time{}, false
		}
		return tm, true
	}
	return time.Time{}, false
}

// valuesEqual 相等判断: 数值优先, 其次布尔, 最后忽略大小写的字符串比较
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if a, ok := toNumber(actual); ok {
		if e, ok := toNumber(expected); ok {
			return a == e
		}
	}
	_, actualIsBool := actual.(bool)
	_, expectedIsBool := expected.(bool)
	if actualIsBool || expectedIsBool {
		a, okA := toBool(actual)
		e, okE := toBool(expected)
		return okA && okE && a == e
	}
	if isCollection(actual) || isCollection(expected) {
		return reflect.DeepEqual(actual, expected)
	}
	return strings.EqualFold(stringify(actual), stringify(expected))
}

// compareOrdered 返回 -1/0/1, 数值优先, 其次日期
func compareOrdered(actual, expected any) (int, error) {
	if actual == nil || expected == nil {
		return 0, errors.New("cannot order a missing value")
	}
	if a, ok := toNumber(actual); ok {
		if e, ok := toNumber(expected); ok {
			return compareFloat(a, e), nil
		}
	}
	if a, ok := toTime(actual); ok {
		if e, ok := toTime(expected); ok {
			switch {
			case a.Before(e):
				return -1, nil
			case a.After(e):
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, errors.Errorf("values %v and %v are not comparable", actual, expected)
}

func compareFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func isCollection(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return true
	}
	return false
}

// isEmptyValue nil, 空字符串, 空集合/空对象
func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// isTruthy 接近 JS 的真值语义: 空集合仍然是真
func isTruthy(v any) bool {
	if v == nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	}
	if n, ok := toNumber(v); ok {
		return n != 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		return !rv.IsNil()
	}
	return true
}

// toList 字面量列表或者逗号分隔字符串
func toList(v any) []any {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok {
		ret := make([]any, 0)
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				ret = append(ret, part)
			}
		}
		return ret
	}
	if list, err := cast.ToSliceE(v); err == nil {
		return list
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		ret := make([]any, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			ret = append(ret, rv.Index(i).Interface())
		}
		return ret
	}
	return []any{v}
}

func listContains(list []any, v any) bool {
	for _, item := range list {
		if valuesEqual(v, item) {
			return true
		}
	}
	return false
}
