// Package codec 负责在有序序列和共享存储的树模型之间来回转换。
//
// 共享存储的树模型无法区分有序序列和以小整数为 key 的映射：
// 写进去的 [a, b] 读回来可能是 {"0": a, "1": b}。Encode 把序列显式写成
// 下标映射，Decode 把形如下标映射的节点还原成序列。
package codec

import (
	"strconv"
)

// Encode 递归地把所有非空序列转换为以 "0".."n-1" 为 key 的映射。
// 空序列保持为空序列：空映射无法和空对象区分，还原时会丢失类型。
func Encode(value interface{}) interface{} {
	switch v := value.(type) {
	case []interface{}:
		if len(v) == 0 {
			return []interface{}{}
		}
		out := make(map[string]interface{}, len(v))
		for i, elem := range v {
			out[strconv.Itoa(i)] = Encode(elem)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = Encode(elem)
		}
		return out
	default:
		return value
	}
}

// Decode 递归还原序列。一个节点当且仅当它是非空映射、并且 key 恰好是
// 十进制的 "0".."n-1" 时才被视为序列；其它映射保持为映射。
// Decode 是幂等的：Decode(Decode(x)) 与 Decode(x) 相同。
func Decode(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		if IsIndexMapping(v) {
			out := make([]interface{}, len(v))
			for i := range out {
				out[i] = Decode(v[strconv.Itoa(i)])
			}
			return out
		}
		out := make(map[string]interface{}, len(v))
		for k, elem := range v {
			out[k] = Decode(elem)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = Decode(elem)
		}
		return out
	default:
		return value
	}
}

// IsIndexMapping 判断 m 的 key 是否恰好是 "0".."len(m)-1"。
// key 数量等于 len(m) 且每个下标都存在，即可推出没有多余或重复的 key；
// 因为只按 strconv.Itoa 的规范形式查找，"01"、"+1" 这类写法不会匹配。
func IsIndexMapping(m map[string]interface{}) bool {
	if len(m) == 0 {
		return false
	}
	for i := 0; i < len(m); i++ {
		if _, ok := m[strconv.Itoa(i)]; !ok {
			return false
		}
	}
	return true
}
