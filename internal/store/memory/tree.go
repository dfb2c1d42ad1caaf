// Package memory 提供 SharedStore 的进程内实现。
// 一个 Tree 代表一份共享数据，多个 Client 连接到同一个 Tree，
// 各自拥有连接状态、订阅和断线清理动作。主要用于测试和本地开发 (STORE_BACKEND=memory)。
package memory

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"collaborative-canvas/internal/store"

	"github.com/sirupsen/logrus"
)

type subscriptionKind int

const (
	childSubscription subscriptionKind = iota
	valueSubscription
)

type subscription struct {
	id       int
	kind     subscriptionKind
	path     string
	owner    *Client
	children store.ChildHandlers
	onValue  func(interface{})
	active   atomic.Bool
}

// Tree 是共享数据本身，所有 Client 的读写都落在这里。
type Tree struct {
	mu      sync.Mutex
	root    map[string]interface{}
	subs    map[int]*subscription
	nextID  int
	denied  []string
	clients map[string]*Client
	log     *logrus.Entry
}

// NewTree 创建一棵空树
func NewTree() *Tree {
	return &Tree{
		root:    make(map[string]interface{}),
		subs:    make(map[int]*subscription),
		clients: make(map[string]*Client),
		log:     logrus.WithField("component", "memory_store"),
	}
}

// Connect 创建一个新的客户端连接，初始为已连接状态。
func (t *Tree) Connect(clientID string) *Client {
	c := &Client{
		tree:      t,
		id:        clientID,
		connected: true,
		connSubs:  make(map[int]func(bool)),
	}
	t.mu.Lock()
	t.clients[clientID] = c
	t.mu.Unlock()
	return c
}

// Deny 让 prefix 下的所有写入和删除都返回 store.ErrAccessDenied，用来模拟授权策略。
func (t *Tree) Deny(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.denied = append(t.denied, strings.Trim(prefix, "/"))
}

// Allow 撤销之前的 Deny
func (t *Tree) Allow(prefix string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix = strings.Trim(prefix, "/")
	kept := t.denied[:0]
	for _, p := range t.denied {
		if p != prefix {
			kept = append(kept, p)
		}
	}
	t.denied = kept
}

func (t *Tree) checkAccessLocked(path string) error {
	for _, p := range t.denied {
		if store.IsWithin(path, p) {
			return fmt.Errorf("%w: %s", store.ErrAccessDenied, path)
		}
	}
	return nil
}

// --- 树操作 (调用方持有 t.mu) ---

func (t *Tree) getLocked(segs []string) interface{} {
	var node interface{} = t.root
	for _, s := range segs {
		m, ok := node.(map[string]interface{})
		if !ok {
			return nil
		}
		node, ok = m[s]
		if !ok {
			return nil
		}
	}
	return node
}

func (t *Tree) setLocked(segs []string, value interface{}) {
	node := t.root
	for _, s := range segs[:len(segs)-1] {
		next, ok := node[s].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			node[s] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = value
}

// deleteLocked 删除节点，并清理因此变空的父节点 (空节点在树里不存在)
func (t *Tree) deleteLocked(segs []string) {
	parents := make([]map[string]interface{}, 0, len(segs))
	node := t.root
	for _, s := range segs[:len(segs)-1] {
		next, ok := node[s].(map[string]interface{})
		if !ok {
			return
		}
		parents = append(parents, node)
		node = next
	}
	delete(node, segs[len(segs)-1])
	for i := len(parents) - 1; i >= 0 && len(node) == 0; i-- {
		delete(parents[i], segs[i])
		node = parents[i]
	}
}

type pendingEvent struct {
	sub      *subscription
	kind     string
	key      string
	value    interface{}
	previous interface{}
}

// mutate 在锁内修改树并计算所有受影响订阅的事件，锁外投递。
func (t *Tree) mutate(path string, value interface{}) error {
	return t.mutateIf(path, value, false)
}

// mutateIf 在 requireParent 为 true 时，只有 path 的父节点存在才写入，否则返回 ErrNotFound。
// 检查和写入在同一次加锁内完成。
func (t *Tree) mutateIf(path string, value interface{}, requireParent bool) error {
	segs, err := store.Split(path)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if err := t.checkAccessLocked(path); err != nil {
		t.mu.Unlock()
		return err
	}
	if requireParent && len(segs) > 1 && t.getLocked(segs[:len(segs)-1]) == nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: parent of %s", store.ErrNotFound, path)
	}

	affected := make([]*subscription, 0)
	before := make(map[int]interface{})
	for _, sub := range t.subs {
		if store.IsWithin(sub.path, path) || store.IsWithin(path, sub.path) {
			affected = append(affected, sub)
			subSegs, _ := store.Split(sub.path)
			before[sub.id] = store.Clone(t.getLocked(subSegs))
		}
	}

	if isEmpty(value) {
		t.deleteLocked(segs)
	} else {
		t.setLocked(segs, value)
	}

	events := make([]pendingEvent, 0)
	sort.Slice(affected, func(i, j int) bool { return affected[i].id < affected[j].id })
	for _, sub := range affected {
		subSegs, _ := store.Split(sub.path)
		after := t.getLocked(subSegs)
		events = append(events, diff(sub, before[sub.id], after)...)
	}
	t.mu.Unlock()

	deliver(events)
	return nil
}

func isEmpty(value interface{}) bool {
	if value == nil {
		return true
	}
	if m, ok := value.(map[string]interface{}); ok && len(m) == 0 {
		return true
	}
	return false
}

func diff(sub *subscription, before, after interface{}) []pendingEvent {
	if sub.kind == valueSubscription {
		if reflect.DeepEqual(before, after) {
			return nil
		}
		return []pendingEvent{{sub: sub, kind: "value", value: store.Clone(after)}}
	}

	oldChildren, _ := before.(map[string]interface{})
	newChildren, _ := after.(map[string]interface{})
	keys := make([]string, 0, len(oldChildren)+len(newChildren))
	seen := make(map[string]bool)
	for k := range oldChildren {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range newChildren {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	events := make([]pendingEvent, 0)
	for _, k := range keys {
		oldVal, hadOld := oldChildren[k]
		newVal, hasNew := newChildren[k]
		switch {
		case !hadOld && hasNew:
			events = append(events, pendingEvent{sub: sub, kind: "added", key: k, value: store.Clone(newVal)})
		case hadOld && !hasNew:
			events = append(events, pendingEvent{sub: sub, kind: "removed", key: k, previous: oldVal})
		case !reflect.DeepEqual(oldVal, newVal):
			events = append(events, pendingEvent{sub: sub, kind: "changed", key: k, value: store.Clone(newVal)})
		}
	}
	return events
}

func deliver(events []pendingEvent) {
	for _, ev := range events {
		if !ev.sub.active.Load() {
			continue
		}
		switch ev.kind {
		case "value":
			if ev.sub.onValue != nil {
				ev.sub.onValue(ev.value)
			}
		case "added":
			if ev.sub.children.OnAdded != nil {
				ev.sub.children.OnAdded(ev.key, ev.value)
			}
		case "changed":
			if ev.sub.children.OnChanged != nil {
				ev.sub.children.OnChanged(ev.key, ev.value)
			}
		case "removed":
			if ev.sub.children.OnRemoved != nil {
				ev.sub.children.OnRemoved(ev.key, ev.previous)
			}
		}
	}
}

func (t *Tree) read(path string) (interface{}, error) {
	segs, err := store.Split(path)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.getLocked(segs)
	if v == nil {
		return nil, store.ErrNotFound
	}
	return store.Clone(v), nil
}

func (t *Tree) subscribe(owner *Client, sub *subscription) (store.Unsubscribe, interface{}, error) {
	segs, err := store.Split(sub.path)
	if err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	t.nextID++
	sub.id = t.nextID
	sub.owner = owner
	sub.active.Store(true)
	t.subs[sub.id] = sub
	current := store.Clone(t.getLocked(segs))
	t.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			sub.active.Store(false)
			t.mu.Lock()
			delete(t.subs, sub.id)
			t.mu.Unlock()
		})
	}
	return unsub, current, nil
}

func (t *Tree) dropSubscriptionsOf(owner *Client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, sub := range t.subs {
		if sub.owner == owner {
			sub.active.Store(false)
			delete(t.subs, id)
		}
	}
}

// runHooks 以服务端身份执行断线清理动作
func (t *Tree) runHooks(clientID string, paths []string) {
	for _, p := range paths {
		if err := t.mutate(p, nil); err != nil {
			t.log.WithError(err).WithFields(logrus.Fields{"client_id": clientID, "path": p}).Warn("Disconnect cleanup failed")
		}
	}
}
