package session

import (
	"context"
	"encoding/json"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/presence"
	"collaborative-canvas/internal/scene"
	"collaborative-canvas/internal/scenesync"
	"collaborative-canvas/internal/store"
)

// Conn 是一个会话独占的存储连接，关闭时视为该参与者离开
type Conn interface {
	store.SharedStore
	Close() error
}

// Sender 把编码好的帧交给浏览器连接，返回 false 表示已丢弃
type Sender interface {
	Send(frame []byte) bool
}

// Config 描述一个参与者会话
type Config struct {
	Room            domain.RoomMeta
	Participant     domain.Participant
	Store           Conn
	Rooms           presence.RoomToucher
	Out             Sender
	RefreshInterval time.Duration
}

// Session 持有一个参与者在一个房间内的全部状态：服务端场景、同步引擎和在线状态。
// 除构造和 Close 之外，所有状态只在 loop 上访问。
type Session struct {
	room    domain.RoomMeta
	store   Conn
	out     Sender
	loop    *Loop
	scene   *scene.Scene
	engine  *scenesync.Engine
	tracker *presence.Tracker
	log     *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	// applyingClient 在应用浏览器帧期间为 true，此时产生的场景事件不回送给浏览器
	applyingClient bool
	// known 记录浏览器已经拥有的每个对象的状态，用于过滤自身修改的回声
	known      map[string]map[string]interface{}
	unsubScene func()

	closeOnce sync.Once
}

// New 创建会话，但不开始同步
func New(cfg Config) *Session {
	if cfg.Store == nil || cfg.Out == nil || cfg.Rooms == nil {
		panic("store, sender and room toucher are required for session.Session")
	}
	if cfg.Room.ID == "" || cfg.Participant.ID == "" {
		panic("room id and participant id are required for session.Session")
	}

	loop := NewLoop()
	dispatch := func(fn func()) { loop.Post(fn) }
	sc := scene.New()
	log := logrus.WithFields(logrus.Fields{
		"component":      "session",
		"room_id":        cfg.Room.ID,
		"participant_id": cfg.Participant.ID,
	})

	opts := []presence.Option{presence.WithDispatcher(dispatch)}
	if cfg.RefreshInterval > 0 {
		opts = append(opts, presence.WithRefreshInterval(cfg.RefreshInterval))
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		room:    cfg.Room.Public(),
		store:   cfg.Store,
		out:     cfg.Out,
		loop:    loop,
		scene:   sc,
		engine:  scenesync.NewEngine(cfg.Store, sc, cfg.Room.ID, cfg.Participant.ID, scenesync.WithDispatcher(dispatch), scenesync.WithLogger(log.WithField("component", "scene_sync"))),
		tracker: presence.NewTracker(cfg.Store, cfg.Rooms, cfg.Room.ID, cfg.Participant, opts...),
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		known:   make(map[string]map[string]interface{}),
	}
	s.tracker.OnRosterChange(s.onRoster)
	return s
}

// Participant 返回会话使用的身份 (含生成的名字和颜色)
func (s *Session) Participant() domain.Participant { return s.tracker.Participant() }

// RoomID 返回会话所在房间
func (s *Session) RoomID() string { return s.room.ID }

// Start 发送欢迎帧并挂载场景同步和在线状态。
// 房间中已有的对象随后以 scene:added 帧到达浏览器。
func (s *Session) Start() error {
	var err error
	ok := s.loop.Do(func() {
		p := s.tracker.Participant()
		room := s.room
		s.send(OutboundFrame{Type: FrameWelcome, Room: &room, Self: &SelfInfo{ID: p.ID, Name: p.Name, Color: p.Color}})

		s.unsubScene = s.scene.Subscribe(s.onSceneEvent)
		if err = s.engine.Attach(s.ctx); err != nil {
			return
		}
		if err = s.tracker.Attach(s.ctx); err != nil {
			s.engine.Detach()
		}
	})
	if !ok {
		return store.ErrClosed
	}
	if err != nil {
		s.log.WithError(err).Error("Failed to start session")
		return err
	}
	s.log.Info("Session started")
	return nil
}

// HandleFrame 解码浏览器帧并投递到事件循环
func (s *Session) HandleFrame(raw []byte) {
	var frame InboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Type == "" {
		s.log.WithError(err).Debug("Discarding malformed frame")
		s.sendAsync(OutboundFrame{Type: FrameError, Error: "malformed frame"})
		return
	}
	s.loop.Post(func() { s.apply(frame) })
}

// Close 停止同步、删除在线条目并关闭存储连接。可重复调用。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.loop.Do(func() {
			s.engine.Detach()
			if s.unsubScene != nil {
				s.unsubScene()
				s.unsubScene = nil
			}
			s.tracker.Detach(s.ctx)
		})
		s.loop.Stop()
		s.cancel()
		if err := s.store.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close store connection")
		}
		s.log.Info("Session closed")
	})
}

// apply 在事件循环上把一帧浏览器操作映射为场景调用
func (s *Session) apply(frame InboundFrame) {
	s.applyingClient = true
	defer func() { s.applyingClient = false }()

	logCtx := s.log.WithField("frame", frame.Type)

	switch frame.Type {
	case FrameObjectAdded:
		if o := s.scene.Find(frameObjectID(frame)); o != nil {
			s.modify(o, frame.Object, scene.EventModified)
			return
		}
		o, err := scene.FromSnapshot(frame.Object)
		if err != nil {
			logCtx.WithError(err).Debug("Rejecting object without type")
			s.send(OutboundFrame{Type: FrameError, Ref: frame.Ref, Error: err.Error()})
			return
		}
		// 新对象的 ID 和所有者由服务端分配
		o.ID, o.Owner = "", ""
		s.engine.AddObject(o)
		s.known[o.ID] = o.Snapshot()
		s.send(OutboundFrame{Type: FrameObjectAck, Ref: frame.Ref, ID: o.ID})

	case FrameObjectModified, FrameObjectMoving, FrameObjectScaling, FrameObjectRotating, FrameTextChanged:
		o := s.scene.Find(frameObjectID(frame))
		if o == nil {
			// 对象已被别人删除
			logCtx.Debug("Ignoring change for unknown object")
			return
		}
		s.modify(o, frame.Object, frameKinds[frame.Type])

	case FrameObjectsDelete:
		ids := frame.IDs
		if len(ids) == 0 && frame.ID != "" {
			ids = []string{frame.ID}
		}
		s.engine.DeleteByID(ids)
		for _, id := range ids {
			delete(s.known, id)
		}

	case FrameEditingStart:
		if o := s.scene.Find(frame.ID); o != nil {
			s.scene.BeginEditing(o)
		}

	case FrameEditingEnd:
		s.scene.EndEditing()

	default:
		logCtx.Debug("Unknown frame type")
		s.send(OutboundFrame{Type: FrameError, Error: "unknown frame type: " + frame.Type})
	}
}

func (s *Session) modify(o *scene.Object, snapshot map[string]interface{}, kind scene.EventKind) {
	if snapshot == nil {
		return
	}
	snapshot[scene.FieldOwner] = o.Owner
	o.Apply(snapshot)
	s.known[o.ID] = o.Snapshot()
	s.scene.Notify(kind, o)
}

// onSceneEvent 把远端引起的场景变化转发给浏览器
func (s *Session) onSceneEvent(ev scene.Event) {
	if s.applyingClient || ev.Object == nil {
		return
	}
	id := ev.Object.ID
	if ev.Kind == scene.EventRemoved {
		delete(s.known, id)
		s.send(OutboundFrame{Type: FrameSceneRemoved, ID: id})
		return
	}

	snap := ev.Object.Snapshot()
	prev, delivered := s.known[id]
	if delivered && reflect.DeepEqual(prev, snap) {
		// 自己刚写出去的修改从存储回来了
		return
	}
	typ := sceneFrameType(ev.Kind)
	if !delivered {
		// 浏览器还没有这个对象，修改也按新增发送完整快照
		typ = FrameSceneAdded
	}
	// known 只记录浏览器确实收到的状态
	if s.send(OutboundFrame{Type: typ, ID: id, Object: snap}) {
		s.known[id] = snap
	}
}

func (s *Session) onRoster(entries []domain.PresenceEntry) {
	compact := presence.CompactView(entries)
	s.send(OutboundFrame{
		Type:    FramePresence,
		Users:   entries,
		Visible: compact.Visible,
		More:    compact.More,
		Total:   compact.Total,
	})
}

func (s *Session) send(frame OutboundFrame) bool {
	raw, err := json.Marshal(frame)
	if err != nil {
		s.log.WithError(err).WithField("frame", frame.Type).Error("Failed to encode outbound frame")
		return false
	}
	if !s.out.Send(raw) {
		s.log.WithField("frame", frame.Type).Warn("Outbound frame dropped")
		return false
	}
	return true
}

// sendAsync 从事件循环之外发送
func (s *Session) sendAsync(frame OutboundFrame) {
	s.loop.Post(func() { s.send(frame) })
}

func frameObjectID(frame InboundFrame) string {
	if frame.ID != "" {
		return frame.ID
	}
	if id, ok := frame.Object[scene.FieldID].(string); ok {
		return id
	}
	return ""
}
