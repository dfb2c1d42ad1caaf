// Package store 定义共享存储 (SharedStore) 的能力接口。
// 具体实现见 store/memory (进程内) 和 infra/state/redis (Redis)。
package store

import (
	"context"
)

// Unsubscribe 取消一个订阅。重复调用是安全的。
type Unsubscribe func()

// ChildHandlers 描述对某个子树直接子节点的事件回调。
// 任一回调可以为 nil。
type ChildHandlers struct {
	OnAdded   func(key string, value interface{})
	OnChanged func(key string, value interface{})
	OnRemoved func(key string, previous interface{})
}

// SharedStore 是一个层级 key-value 树，多个客户端同时读写。
// 值只包含 map[string]interface{}、[]interface{}、string、float64、bool 以及 nil。
// 同一 key 的 changed 事件按提交顺序投递；不同 key 之间没有顺序保证。
type SharedStore interface {
	// Read 读取 path 处的完整值。不存在时返回 ErrNotFound。
	Read(ctx context.Context, path string) (interface{}, error)

	// Write 用 value 整体替换 path 处的值 (upsert)。value 为 nil 等同于 Delete。
	Write(ctx context.Context, path string, value interface{}) error

	// Update 与 Write 相同，但只在 path 的父节点存在时写入，否则返回 ErrNotFound 且不做任何修改。
	// 存在性检查与写入是原子的，用于更新可能被并发删除的条目中的字段。
	Update(ctx context.Context, path string, value interface{}) error

	// Delete 删除 path 处的值及其子树。不存在不视为错误。
	Delete(ctx context.Context, path string) error

	// AllocateKey 在 parentPath 下生成一个唯一且按时间递增的 key (不写入任何数据)。
	AllocateKey(parentPath string) string

	// SubscribeChildEvents 订阅 path 的直接子节点事件。
	// 订阅建立时，已存在的子节点会先以 OnAdded 的形式投递一遍。
	SubscribeChildEvents(path string, handlers ChildHandlers) (Unsubscribe, error)

	// SubscribeValue 订阅 path 的整体值变化，建立时立即以当前值 (不存在为 nil) 回调一次。
	SubscribeValue(path string, onChange func(value interface{})) (Unsubscribe, error)

	// OnConnectionStateChange 立即以当前连接状态回调一次，之后每次状态切换都会回调。
	OnConnectionStateChange(callback func(connected bool)) Unsubscribe

	// RegisterDisconnectCleanup 登记一个由服务端执行的删除动作：
	// 当本客户端的连接非正常断开时，path 会被删除。
	RegisterDisconnectCleanup(ctx context.Context, path string) error
}
