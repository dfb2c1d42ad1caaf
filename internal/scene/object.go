package scene

import (
	"fmt"

	"collaborative-canvas/internal/store"
)

// 快照中的保留字段
const (
	FieldID    = "id"
	FieldOwner = "user"
	FieldType  = "type"
	// fieldVersion 是编辑器自带的版本号，不参与同步
	fieldVersion = "version"
)

// Object 是场景中的一个可绘制元素 (路径、形状、文本框)。
// Props 保存几何、样式和内容，结构任意；其中的有序序列 (例如路径点) 必须保持为 []interface{}。
type Object struct {
	ID    string
	Owner string
	Type  string
	Props map[string]interface{}

	// Coords 是根据 Props 推导出的四个角点，每次属性被整体覆盖后重新计算
	Coords Coords
}

// NewObject 创建一个尚未分配 ID 的本地对象
func NewObject(objType string, props map[string]interface{}) *Object {
	if props == nil {
		props = make(map[string]interface{})
	}
	o := &Object{Type: objType, Props: props}
	o.SetCoords()
	return o
}

// FromSnapshot 从快照构造对象。快照必须已经过序列还原 (codec.Decode)。
func FromSnapshot(snapshot map[string]interface{}) (*Object, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("scene: nil snapshot")
	}
	o := &Object{Props: make(map[string]interface{})}
	o.Apply(snapshot)
	if o.Type == "" {
		return nil, fmt.Errorf("scene: snapshot has no %q field", FieldType)
	}
	if id, ok := snapshot[FieldID].(string); ok {
		o.ID = id
	}
	return o, nil
}

// Apply 用快照整体覆盖对象的可变字段并重新计算几何。ID 不会被修改。
func (o *Object) Apply(snapshot map[string]interface{}) {
	props := make(map[string]interface{}, len(snapshot))
	for k, v := range snapshot {
		switch k {
		case FieldID, fieldVersion:
		case FieldOwner:
			if owner, ok := v.(string); ok {
				o.Owner = owner
			}
		case FieldType:
			if t, ok := v.(string); ok {
				o.Type = t
			}
		default:
			props[k] = store.Clone(v)
		}
	}
	o.Props = props
	o.SetCoords()
}

// Snapshot 序列化对象，返回深拷贝，包含 id/user/type 三个保留字段。
func (o *Object) Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(o.Props)+3)
	for k, v := range o.Props {
		if k == fieldVersion {
			continue
		}
		out[k] = store.Clone(v)
	}
	out[FieldType] = o.Type
	if o.ID != "" {
		out[FieldID] = o.ID
	}
	if o.Owner != "" {
		out[FieldOwner] = o.Owner
	}
	return out
}

// Float 读取一个数值属性，不存在或类型不符时返回 def。
func (o *Object) Float(key string, def float64) float64 {
	switch v := o.Props[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}
