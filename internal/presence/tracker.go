// Package presence 维护参与者在房间里的在线条目和实时名单。
package presence

import (
	"context"
	"sync"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/store"

	"github.com/sirupsen/logrus"
)

// DefaultRefreshInterval 是刷新房间 lastActive 和条目 last_seen 的默认间隔
const DefaultRefreshInterval = 60 * time.Second

// RoomToucher 更新房间的 lastActive
type RoomToucher interface {
	TouchRoom(ctx context.Context, roomID string) error
}

// Option 配置 Tracker
type Option func(*Tracker)

// WithRefreshInterval 修改刷新间隔，非正数被忽略
func WithRefreshInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.refreshInterval = d
		}
	}
}

// WithDispatcher 把存储回调和定时器回调投递到会话事件循环上
func WithDispatcher(d func(func())) Option {
	return func(t *Tracker) {
		if d != nil {
			t.dispatch = d
		}
	}
}

// WithClock 替换时间源，测试用
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker 管理一个参与者在一个房间的在线状态
type Tracker struct {
	store           store.SharedStore
	rooms           RoomToucher
	roomID          string
	participant     domain.Participant
	refreshInterval time.Duration
	dispatch        func(func())
	now             func() time.Time
	log             *logrus.Entry

	mu          sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc
	unsubConn   store.Unsubscribe
	unsubRoster store.Unsubscribe
	roster      []domain.PresenceEntry
	listeners   []func([]domain.PresenceEntry)
	connected   bool
}

// NewTracker 创建 Tracker。participant 的 Name/Color 为空时自动生成。
func NewTracker(st store.SharedStore, rooms RoomToucher, roomID string, participant domain.Participant, opts ...Option) *Tracker {
	if st == nil || rooms == nil {
		panic("store and room toucher must be non-nil for presence.Tracker")
	}
	if roomID == "" || participant.ID == "" {
		panic("roomID and participant ID are required for presence.Tracker")
	}
	if participant.Name == "" {
		participant.Name = RandomName()
	}
	if participant.Color == "" {
		participant.Color = RandomColor()
	}
	t := &Tracker{
		store:           st,
		rooms:           rooms,
		roomID:          roomID,
		participant:     participant,
		refreshInterval: DefaultRefreshInterval,
		dispatch:        func(fn func()) { fn() },
		now:             time.Now,
		roster:          []domain.PresenceEntry{},
		log: logrus.WithFields(logrus.Fields{
			"component":      "presence",
			"room_id":        roomID,
			"participant_id": participant.ID,
		}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Participant 返回最终使用的身份 (含生成的名字和颜色)
func (t *Tracker) Participant() domain.Participant { return t.participant }

// Attach 开始跟踪：订阅名单、监听连接状态并启动定时刷新。已挂载时先卸载 (但不删除条目)。
func (t *Tracker) Attach(ctx context.Context) error {
	t.teardown()

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.ctx = runCtx
	t.cancel = cancel
	t.mu.Unlock()

	unsubRoster, err := t.store.SubscribeValue(domain.UsersPath(t.roomID), func(value interface{}) {
		t.dispatch(func() { t.setRoster(runCtx, parseRoster(value)) })
	})
	if err != nil {
		cancel()
		t.log.WithError(err).Error("Failed to subscribe to roster")
		return err
	}

	unsubConn := t.store.OnConnectionStateChange(func(connected bool) {
		t.dispatch(func() { t.onConnectionState(runCtx, connected) })
	})

	t.mu.Lock()
	t.unsubRoster = unsubRoster
	t.unsubConn = unsubConn
	t.mu.Unlock()

	go t.refreshLoop(runCtx)
	t.log.Info("Presence attached")
	return nil
}

// Detach 干净退出：停止刷新、取消订阅并删除自己的条目
func (t *Tracker) Detach(ctx context.Context) {
	if !t.teardown() {
		return
	}
	if err := t.store.Delete(ctx, domain.UserPath(t.roomID, t.participant.ID)); err != nil {
		t.log.WithError(err).Warn("Failed to remove presence entry on detach")
	}
	t.log.Info("Presence detached")
}

// teardown 取消定时器和订阅，返回之前是否处于挂载状态
func (t *Tracker) teardown() bool {
	t.mu.Lock()
	cancel, unsubConn, unsubRoster := t.cancel, t.unsubConn, t.unsubRoster
	t.cancel, t.unsubConn, t.unsubRoster = nil, nil, nil
	t.connected = false
	t.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	if unsubConn != nil {
		unsubConn()
	}
	if unsubRoster != nil {
		unsubRoster()
	}
	return true
}

// Roster 返回完整名单
func (t *Tracker) Roster() []domain.PresenceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.PresenceEntry{}, t.roster...)
}

// OnRosterChange 注册名单变化回调，回调在事件循环上执行
func (t *Tracker) OnRosterChange(fn func([]domain.PresenceEntry)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners = append(t.listeners, fn)
}

func (t *Tracker) setRoster(ctx context.Context, entries []domain.PresenceEntry) {
	if ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	t.roster = entries
	listeners := append([]func([]domain.PresenceEntry){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(append([]domain.PresenceEntry{}, entries...))
	}
}

// onConnectionState 在每次连上时重新登记断线清理、写入条目并更新房间活跃时间
func (t *Tracker) onConnectionState(ctx context.Context, connected bool) {
	if ctx.Err() != nil {
		return
	}
	t.mu.Lock()
	t.connected = connected
	t.mu.Unlock()

	if !connected {
		t.log.Warn("Store connection lost")
		return
	}

	path := domain.UserPath(t.roomID, t.participant.ID)
	if err := t.store.RegisterDisconnectCleanup(ctx, path); err != nil {
		t.log.WithError(err).Error("Failed to register disconnect cleanup")
	}
	t.writeEntry(ctx)
	t.touchRoom(ctx)
	t.log.Debug("Presence registered")
}

func (t *Tracker) writeEntry(ctx context.Context) {
	entry := domain.PresenceEntry{
		ID:       t.participant.ID,
		Name:     t.participant.Name,
		Color:    t.participant.Color,
		LastSeen: t.now().UnixMilli(),
	}
	if err := t.store.Write(ctx, domain.UserPath(t.roomID, t.participant.ID), entry); err != nil {
		t.log.WithError(err).Error("Failed to write presence entry")
	}
}

func (t *Tracker) touchRoom(ctx context.Context) {
	if err := t.rooms.TouchRoom(ctx, t.roomID); err != nil {
		t.log.WithError(err).Warn("Failed to touch room")
	}
}

// Refresh 立即执行一次刷新 (房间 lastActive 和条目 last_seen)
func (t *Tracker) Refresh() {
	t.mu.Lock()
	ctx, connected := t.ctx, t.connected
	t.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	t.touchRoom(ctx)
	if connected {
		t.writeEntry(ctx)
	}
}

func (t *Tracker) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(t.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.dispatch(t.Refresh)
		}
	}
}
