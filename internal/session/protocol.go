package session

import (
	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/scene"
)

// 浏览器 -> 服务端
const (
	FrameObjectAdded    = "object:added"
	FrameObjectModified = "object:modified"
	FrameObjectMoving   = "object:moving"
	FrameObjectScaling  = "object:scaling"
	FrameObjectRotating = "object:rotating"
	FrameTextChanged    = "text:changed"
	FrameObjectsDelete  = "objects:delete"
	FrameEditingStart   = "editing:start"
	FrameEditingEnd     = "editing:end"
)

// 服务端 -> 浏览器
const (
	FrameWelcome      = "welcome"
	FrameSceneAdded   = "scene:added"
	FrameSceneChanged = "scene:changed"
	FrameSceneRemoved = "scene:removed"
	FrameObjectAck    = "object:ack"
	FramePresence     = "presence"
	FrameError        = "error"
)

// frameKinds 把浏览器的修改帧映射为本地场景事件
var frameKinds = map[string]scene.EventKind{
	FrameObjectModified: scene.EventModified,
	FrameObjectMoving:   scene.EventMoved,
	FrameObjectScaling:  scene.EventScaled,
	FrameObjectRotating: scene.EventRotated,
	FrameTextChanged:    scene.EventTextChanged,
}

// InboundFrame 是浏览器发来的一帧
type InboundFrame struct {
	Type   string                 `json:"type"`
	Ref    string                 `json:"ref,omitempty"` // object:added 的客户端关联号，原样出现在 object:ack 中
	Object map[string]interface{} `json:"object,omitempty"`
	ID     string                 `json:"id,omitempty"`
	IDs    []string               `json:"ids,omitempty"`
}

// OutboundFrame 是发往浏览器的一帧
type OutboundFrame struct {
	Type    string                   `json:"type"`
	Ref     string                   `json:"ref,omitempty"`
	ID      string                   `json:"id,omitempty"`
	Object  map[string]interface{}   `json:"object,omitempty"`
	Room    *domain.RoomMeta         `json:"room,omitempty"`
	Self    *SelfInfo                `json:"self,omitempty"`
	Users   []domain.PresenceEntry   `json:"users,omitempty"`
	Visible []domain.PresenceEntry   `json:"visible,omitempty"`
	More    bool                     `json:"more,omitempty"`
	Total   int                      `json:"total,omitempty"`
	Error   string                   `json:"error,omitempty"`
}

// SelfInfo 告诉浏览器自己的身份
type SelfInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

func sceneFrameType(kind scene.EventKind) string {
	switch kind {
	case scene.EventCreated:
		return FrameSceneAdded
	case scene.EventRemoved:
		return FrameSceneRemoved
	default:
		return FrameSceneChanged
	}
}
