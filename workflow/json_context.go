package workflow

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// JSONContext 封装记录快照/配置等 JSON 数据，提供按路径读写
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建上下文, 非法 JSON 返回空上下文
func NewJSONContext(b []byte) *JSONContext {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		_ = json.Unmarshal(b, &ctx.data)
	}
	return ctx
}

// NewJSONContextFromMap 从 map 创建上下文(引用,不拷贝)
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// Get 获取值，支持嵌套路径, 数组节点可以用下标
// 例如: Get("owner", "email") 获取 owner.email
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if c == nil || len(keys) == 0 {
		return nil, false
	}
	return lookupPath(c.data, keys)
}

// GetPath 点分路径, 例如 GetPath("owner.manager.id")
func (c *JSONContext) GetPath(path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}
	return c.Get(strings.Split(path, ".")...)
}

func lookupPath(root any, keys []string) (any, bool) {
	current := root
	for _, key := range keys {
		switch node := current.(type) {
		case map[string]any:
			val, exists := node[key]
			if !exists {
				return nil, false
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// GetString 获取字符串值
func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 获取 int64 值
func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// FirstString 依次尝试多个字段, 返回第一个非空字符串
func (c *JSONContext) FirstString(fields ...string) string {
	for _, field := range fields {
		if v, ok := c.GetPath(field); ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// Set 设置值，支持嵌套路径
func (c *JSONContext) Set(keys []string, value any) error {
	if len(keys) == 0 {
		return errors.New("keys cannot be empty")
	}
	current := c.data
	for i := 0; i < len(keys)-1; i++ {
		key := keys[i]
		nextMap, ok := current[key].(map[string]any)
		if !ok {
			// 不存在或者不是 map，覆盖它
			nextMap = make(map[string]any)
			current[key] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
	return nil
}

// ToBytes 转换为 JSON 字节
func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

func (c *JSONContext) ToBytesWithoutError() []byte {
	bytes, err := json.Marshal(c.data)
	if err != nil {
		return nil
	}
	return bytes
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *JSONContext) ToMap() map[string]any {
	if c == nil {
		return nil
	}
	return c.data
}

// Clone 深拷贝上下文
func (c *JSONContext) Clone() *JSONContext {
	b, _ := c.ToBytes()
	return NewJSONContext(b)
}

// Unmarshal 将上下文反序列化到指定结构体
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// MergeJSONContexts 合并多个上下文（后面的会覆盖前面的）
func MergeJSONContexts(contexts ...*JSONContext) *JSONContext {
	result := NewJSONContext(nil)
	for _, ctx := range contexts {
		if ctx != nil {
			for k, v := range ctx.data {
				result.data[k] = v
			}
		}
	}
	return result
}

// decodeConfig 把松散的配置 map 解码到结构体并做 validate 校验
func decodeConfig(raw map[string]any, v any) error {
	if err := NewJSONContextFromMap(raw).Unmarshal(v); err != nil {
		return errors.WithMessage(err, "decode config failed")
	}
	if err := validatorUtil.Struct(v); err != nil {
		return errors.WithMessage(err, "validate config failed")
	}
	return nil
}
