package service

import (
	"sync"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/store"

	"github.com/sirupsen/logrus"
)

// ActivityMonitor 监听房间目录，并为每个房间订阅其在线名单子树。
// 名单非空的房间为活跃房间，每个事件到达时重新计算。
type ActivityMonitor struct {
	store store.SharedStore
	log   *logrus.Entry

	mu           sync.Mutex
	active       map[string]bool
	roomUnsubs   map[string]store.Unsubscribe
	unsubCatalog store.Unsubscribe
	listeners    []func(roomID string, active bool)
}

// NewActivityMonitor 创建 ActivityMonitor 实例
func NewActivityMonitor(st store.SharedStore) *ActivityMonitor {
	if st == nil {
		panic("SharedStore cannot be nil for ActivityMonitor")
	}
	return &ActivityMonitor{
		store:      st,
		log:        logrus.WithField("component", "activity_monitor"),
		active:     make(map[string]bool),
		roomUnsubs: make(map[string]store.Unsubscribe),
	}
}

// Start 开始监听。重复调用会先停止之前的订阅。
func (m *ActivityMonitor) Start() error {
	m.Stop()

	unsub, err := m.store.SubscribeChildEvents(domain.RoomsMetaRoot, store.ChildHandlers{
		OnAdded:   func(roomID string, _ interface{}) { m.watch(roomID) },
		OnRemoved: func(roomID string, _ interface{}) { m.unwatch(roomID) },
	})
	if err != nil {
		m.log.WithError(err).Error("Failed to subscribe to room catalog")
		return err
	}
	m.mu.Lock()
	m.unsubCatalog = unsub
	m.mu.Unlock()
	return nil
}

// Stop 取消所有订阅并清空状态
func (m *ActivityMonitor) Stop() {
	m.mu.Lock()
	unsubs := make([]store.Unsubscribe, 0, len(m.roomUnsubs)+1)
	if m.unsubCatalog != nil {
		unsubs = append(unsubs, m.unsubCatalog)
	}
	for _, u := range m.roomUnsubs {
		unsubs = append(unsubs, u)
	}
	m.unsubCatalog = nil
	m.roomUnsubs = make(map[string]store.Unsubscribe)
	m.active = make(map[string]bool)
	m.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
}

// IsActive 判断房间当前是否有在线参与者
func (m *ActivityMonitor) IsActive(roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[roomID]
}

// Snapshot 返回所有已知房间的活跃状态副本
func (m *ActivityMonitor) Snapshot() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.active))
	for k, v := range m.active {
		out[k] = v
	}
	return out
}

// OnChange 注册活跃状态变化回调
func (m *ActivityMonitor) OnChange(fn func(roomID string, active bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// watch 订阅一个房间的名单，之前的订阅先取消
func (m *ActivityMonitor) watch(roomID string) {
	m.unwatch(roomID)

	unsub, err := m.store.SubscribeValue(domain.UsersPath(roomID), func(value interface{}) {
		users, _ := value.(map[string]interface{})
		m.setActive(roomID, len(users) > 0)
	})
	if err != nil {
		m.log.WithError(err).WithField("room_id", roomID).Warn("Failed to subscribe to room presence")
		return
	}

	m.mu.Lock()
	if old, ok := m.roomUnsubs[roomID]; ok {
		// 并发的 watch 已经登记过，保留最新的一个
		defer old()
	}
	m.roomUnsubs[roomID] = unsub
	m.mu.Unlock()
}

func (m *ActivityMonitor) unwatch(roomID string) {
	m.mu.Lock()
	unsub := m.roomUnsubs[roomID]
	delete(m.roomUnsubs, roomID)
	_, known := m.active[roomID]
	delete(m.active, roomID)
	m.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if known {
		m.notify(roomID, false)
	}
}

func (m *ActivityMonitor) setActive(roomID string, active bool) {
	m.mu.Lock()
	prev, known := m.active[roomID]
	m.active[roomID] = active
	m.mu.Unlock()

	if !known || prev != active {
		m.notify(roomID, active)
	}
}

func (m *ActivityMonitor) notify(roomID string, active bool) {
	m.mu.Lock()
	listeners := append([]func(string, bool){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(roomID, active)
	}
}
