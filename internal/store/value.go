package store

import (
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// NewKey 生成一个按时间递增的唯一 key (ULID)，作为 AllocateKey 的默认实现。
func NewKey() string {
	return ulid.Make().String()
}

// Normalize 把任意可 JSON 序列化的值转换成存储的值模型：
// 数字统一为 float64，结构体变为 map[string]interface{}，切片变为 []interface{}。
func Normalize(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("store: value is not serializable: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("store: failed to normalize value: %w", err)
	}
	return out, nil
}

// Clone 深拷贝一个已规范化的值，避免调用方修改存储内部状态。
func Clone(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, child := range v {
			out[k] = Clone(child)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, child := range v {
			out[i] = Clone(child)
		}
		return out
	default:
		return v
	}
}

// Decode 把存储中读出的值解码进 out (通常是结构体指针)。
func Decode(value interface{}, out interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: failed to marshal value: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store: failed to decode value: %w", err)
	}
	return nil
}
