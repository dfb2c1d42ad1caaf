// Package scenesync 负责本地场景和共享存储 rooms/{id}/objects 之间的双向同步。
package scenesync

import (
	"context"
	"sync"

	"collaborative-canvas/internal/codec"
	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/scene"
	"collaborative-canvas/internal/store"

	"github.com/sirupsen/logrus"
)

// outboundKinds 是会触发写入的本地事件
var outboundKinds = map[scene.EventKind]bool{
	scene.EventCreated:     true,
	scene.EventModified:    true,
	scene.EventMoved:       true,
	scene.EventScaled:      true,
	scene.EventRotated:     true,
	scene.EventTextChanged: true,
}

// Dispatcher 把存储回调投递到会话的事件循环上执行
type Dispatcher func(func())

// Option 配置 Engine
type Option func(*Engine)

// WithDispatcher 指定回调投递方式。默认在回调所在的 goroutine 上直接执行。
func WithDispatcher(d Dispatcher) Option {
	return func(e *Engine) {
		if d != nil {
			e.dispatch = d
		}
	}
}

// WithLogger 替换默认日志
func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// Engine 把一个本地场景挂载到一个房间。
// 出站：本地事件序列化后写入 objects/{id}；入站：子节点事件还原后应用到本地场景。
type Engine struct {
	store         store.SharedStore
	scene         *scene.Scene
	roomID        string
	participantID string
	objectsPath   string
	dispatch      Dispatcher
	log           *logrus.Entry

	mu         sync.Mutex
	ctx        context.Context
	session    *syncSession
	unsubStore store.Unsubscribe
	unsubScene func()
}

// NewEngine 创建同步引擎
func NewEngine(st store.SharedStore, sc *scene.Scene, roomID, participantID string, opts ...Option) *Engine {
	if st == nil || sc == nil {
		panic("store and scene must be non-nil for scenesync.Engine")
	}
	if roomID == "" || participantID == "" {
		panic("roomID and participantID are required for scenesync.Engine")
	}
	e := &Engine{
		store:         st,
		scene:         sc,
		roomID:        roomID,
		participantID: participantID,
		objectsPath:   domain.ObjectsPath(roomID),
		dispatch:      func(fn func()) { fn() },
		log: logrus.WithFields(logrus.Fields{
			"component":      "scene_sync",
			"room_id":        roomID,
			"participant_id": participantID,
		}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Attach 开始同步。已挂载时先完整卸载再重新挂载。
// 已存在的远端对象会以 added 事件投递并在本地物化。
func (e *Engine) Attach(ctx context.Context) error {
	e.Detach()

	sess := &syncSession{}
	e.mu.Lock()
	e.ctx = ctx
	e.session = sess
	e.unsubScene = e.scene.Subscribe(func(ev scene.Event) { e.onLocalEvent(sess, ev) })
	e.mu.Unlock()

	unsub, err := e.store.SubscribeChildEvents(e.objectsPath, store.ChildHandlers{
		OnAdded: func(key string, value interface{}) {
			e.dispatch(func() { e.onRemoteAdded(sess, key, value) })
		},
		OnChanged: func(key string, value interface{}) {
			e.dispatch(func() { e.onRemoteChanged(sess, key, value) })
		},
		OnRemoved: func(key string, _ interface{}) {
			e.dispatch(func() { e.onRemoteRemoved(sess, key) })
		},
	})
	if err != nil {
		e.Detach()
		e.log.WithError(err).Error("Failed to subscribe to object events")
		return err
	}

	e.mu.Lock()
	if e.session == sess {
		e.unsubStore = unsub
		unsub = nil
	}
	e.mu.Unlock()
	if unsub != nil {
		// 订阅期间已被卸载
		unsub()
	}
	e.log.Info("Scene sync attached")
	return nil
}

// Detach 停止同步并取消所有订阅，可重复调用
func (e *Engine) Detach() {
	e.mu.Lock()
	unsubStore, unsubScene := e.unsubStore, e.unsubScene
	wasAttached := e.session != nil
	e.unsubStore, e.unsubScene, e.session = nil, nil, nil
	e.mu.Unlock()

	if unsubScene != nil {
		unsubScene()
	}
	if unsubStore != nil {
		unsubStore()
	}
	if wasAttached {
		e.log.Info("Scene sync detached")
	}
}

// AddObject 为对象分配 ID 和所有者后加入本地场景，随之产生的 created 事件只写入一次。
func (e *Engine) AddObject(o *scene.Object) *scene.Object {
	if o.ID == "" {
		o.ID = e.store.AllocateKey(e.objectsPath)
		o.Owner = e.participantID
	}
	e.scene.Add(o)
	return o
}

// DeleteObjects 删除选中的对象：本地实例和远端键在同一步中移除，之后到达的 removed 回声不做任何事。
func (e *Engine) DeleteObjects(objects []*scene.Object) {
	ctx := e.context()
	for _, o := range objects {
		if o == nil {
			continue
		}
		e.scene.Remove(o)
		if o.ID == "" {
			continue
		}
		if err := e.store.Delete(ctx, domain.ObjectPath(e.roomID, o.ID)); err != nil {
			e.log.WithError(err).WithField("object_id", o.ID).Error("Failed to delete object from store")
		}
	}
}

// DeleteByID 按 ID 删除，找不到的 ID 被忽略
func (e *Engine) DeleteByID(ids []string) {
	objects := make([]*scene.Object, 0, len(ids))
	for _, id := range ids {
		if o := e.scene.Find(id); o != nil {
			objects = append(objects, o)
		}
	}
	e.DeleteObjects(objects)
}

func (e *Engine) context() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

func (e *Engine) current(sess *syncSession) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session == sess
}

// --- 出站 ---

func (e *Engine) onLocalEvent(sess *syncSession, ev scene.Event) {
	if !outboundKinds[ev.Kind] || ev.Object == nil {
		return
	}
	if sess.applyingInbound() {
		metrics.EchoSuppressed.Inc()
		return
	}

	o := ev.Object
	if o.ID == "" {
		o.ID = e.store.AllocateKey(e.objectsPath)
		o.Owner = e.participantID
	}

	logCtx := e.log.WithFields(logrus.Fields{"object_id": o.ID, "event": ev.Kind})
	payload := codec.Encode(o.Snapshot())
	if err := e.store.Write(e.context(), domain.ObjectPath(e.roomID, o.ID), payload); err != nil {
		logCtx.WithError(err).Error("Failed to write object snapshot")
		return
	}
	metrics.OutboundWrites.WithLabelValues(string(ev.Kind)).Inc()
	logCtx.Debug("Object snapshot written")
}

// --- 入站 ---

func (e *Engine) onRemoteAdded(sess *syncSession, key string, value interface{}) {
	if !e.current(sess) {
		return
	}
	defer sess.beginInboundApply()()
	metrics.InboundEvents.WithLabelValues("added").Inc()

	if e.scene.Find(key) != nil {
		return
	}
	snapshot, ok := codec.Decode(value).(map[string]interface{})
	if !ok {
		e.log.WithField("object_id", key).Warn("Ignoring non-object snapshot")
		return
	}
	o, err := scene.FromSnapshot(snapshot)
	if err != nil {
		e.log.WithError(err).WithField("object_id", key).Warn("Ignoring malformed snapshot")
		return
	}
	o.ID = key
	e.scene.Add(o)
}

func (e *Engine) onRemoteChanged(sess *syncSession, key string, value interface{}) {
	if !e.current(sess) {
		return
	}
	defer sess.beginInboundApply()()
	metrics.InboundEvents.WithLabelValues("changed").Inc()

	o := e.scene.Find(key)
	if o == nil {
		return
	}
	if e.scene.IsEditing(o) {
		// 本地编辑期间丢弃远端更新，编辑结束后的写入会覆盖远端
		metrics.DroppedWhileEditing.Inc()
		e.log.WithField("object_id", key).Debug("Dropped remote update while editing")
		return
	}
	snapshot, ok := codec.Decode(value).(map[string]interface{})
	if !ok {
		return
	}
	o.Apply(snapshot)
	e.scene.Notify(scene.EventModified, o)
}

func (e *Engine) onRemoteRemoved(sess *syncSession, key string) {
	if !e.current(sess) {
		return
	}
	defer sess.beginInboundApply()()
	metrics.InboundEvents.WithLabelValues("removed").Inc()

	if o := e.scene.Find(key); o != nil {
		e.scene.Remove(o)
	}
}
