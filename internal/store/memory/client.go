package memory

import (
	"context"
	"sort"
	"sync"

	"collaborative-canvas/internal/store"
)

// Client 是连接到 Tree 的一个客户端，实现 store.SharedStore。
type Client struct {
	tree *Tree
	id   string

	mu         sync.Mutex
	connected  bool
	closed     bool
	connSubs   map[int]func(bool)
	nextConnID int
	hooks      []string
	writes     []string
}

var _ store.SharedStore = (*Client)(nil)

// ID 返回客户端标识
func (c *Client) ID() string { return c.id }

// Read 实现 store.SharedStore
func (c *Client) Read(ctx context.Context, path string) (interface{}, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.tree.read(path)
}

// Write 实现 store.SharedStore
func (c *Client) Write(ctx context.Context, path string, value interface{}) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	normalized, err := store.Normalize(value)
	if err != nil {
		return err
	}
	if err := c.tree.mutate(path, normalized); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, path)
	c.mu.Unlock()
	return nil
}

// Update 实现 store.SharedStore
func (c *Client) Update(ctx context.Context, path string, value interface{}) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	normalized, err := store.Normalize(value)
	if err != nil {
		return err
	}
	if err := c.tree.mutateIf(path, normalized, true); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, path)
	c.mu.Unlock()
	return nil
}

// Delete 实现 store.SharedStore
func (c *Client) Delete(ctx context.Context, path string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.tree.mutate(path, nil)
}

// AllocateKey 实现 store.SharedStore
func (c *Client) AllocateKey(parentPath string) string {
	return store.NewKey()
}

// SubscribeChildEvents 实现 store.SharedStore
func (c *Client) SubscribeChildEvents(path string, handlers store.ChildHandlers) (store.Unsubscribe, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	sub := &subscription{kind: childSubscription, path: path, children: handlers}
	unsub, current, err := c.tree.subscribe(c, sub)
	if err != nil {
		return nil, err
	}
	if children, ok := current.(map[string]interface{}); ok && handlers.OnAdded != nil {
		keys := make([]string, 0, len(children))
		for k := range children {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !sub.active.Load() {
				break
			}
			handlers.OnAdded(k, children[k])
		}
	}
	return unsub, nil
}

// SubscribeValue 实现 store.SharedStore
func (c *Client) SubscribeValue(path string, onChange func(value interface{})) (store.Unsubscribe, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	sub := &subscription{kind: valueSubscription, path: path, onValue: onChange}
	unsub, current, err := c.tree.subscribe(c, sub)
	if err != nil {
		return nil, err
	}
	if onChange != nil {
		onChange(current)
	}
	return unsub, nil
}

// OnConnectionStateChange 实现 store.SharedStore
func (c *Client) OnConnectionStateChange(callback func(connected bool)) store.Unsubscribe {
	c.mu.Lock()
	c.nextConnID++
	id := c.nextConnID
	c.connSubs[id] = callback
	connected := c.connected
	c.mu.Unlock()

	callback(connected)

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.connSubs, id)
			c.mu.Unlock()
		})
	}
}

// RegisterDisconnectCleanup 实现 store.SharedStore
func (c *Client) RegisterDisconnectCleanup(ctx context.Context, path string) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	if _, err := store.Split(path); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.hooks {
		if p == path {
			return nil
		}
	}
	c.hooks = append(c.hooks, path)
	return nil
}

// --- 测试与开发用的控制方法 ---

// Drop 模拟非正常断线：连接状态变为 false，服务端执行已登记的清理动作。
func (c *Client) Drop() {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return
	}
	c.connected = false
	hooks := c.hooks
	c.hooks = nil
	callbacks := c.connCallbacksLocked()
	c.mu.Unlock()

	c.tree.runHooks(c.id, hooks)
	for _, cb := range callbacks {
		cb(false)
	}
}

// Reconnect 模拟网络恢复
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.connected || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = true
	callbacks := c.connCallbacksLocked()
	c.mu.Unlock()

	for _, cb := range callbacks {
		cb(true)
	}
}

// Close 关闭客户端。与断线一样，已登记的清理动作会被执行。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	hooks := c.hooks
	c.hooks = nil
	c.connSubs = make(map[int]func(bool))
	c.mu.Unlock()

	c.tree.runHooks(c.id, hooks)
	c.tree.dropSubscriptionsOf(c)
	c.tree.mu.Lock()
	delete(c.tree.clients, c.id)
	c.tree.mu.Unlock()
	return nil
}

// Connected 返回当前连接状态
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PendingCleanups 返回已登记但尚未执行的清理路径
func (c *Client) PendingCleanups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hooks...)
}

// Writes 返回该客户端成功写入过的路径 (按顺序)，测试用来统计出站写入。
func (c *Client) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *Client) connCallbacksLocked() []func(bool) {
	ids := make([]int, 0, len(c.connSubs))
	for id := range c.connSubs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	out := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.connSubs[id])
	}
	return out
}

func (c *Client) checkOpen() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return store.ErrClosed
	}
	return nil
}
