package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/middleware"
	"collaborative-canvas/internal/service"
)

// ActivityReader 提供房间是否有人在线，由 service.ActivityMonitor 实现
type ActivityReader interface {
	IsActive(roomID string) bool
}

// RoomHandler 封装了房间目录和加入校验的 HTTP 处理逻辑
type RoomHandler struct {
	roomService *service.RoomService
	gate        *service.AccessGate
	activity    ActivityReader
}

// NewRoomHandler 创建 RoomHandler 实例。activity 为 nil 时所有房间都显示为不活跃。
func NewRoomHandler(roomService *service.RoomService, gate *service.AccessGate, activity ActivityReader) *RoomHandler {
	if roomService == nil || gate == nil {
		panic("RoomService and AccessGate cannot be nil for RoomHandler")
	}
	return &RoomHandler{roomService: roomService, gate: gate, activity: activity}
}

// RoomView 是对外展示的房间条目，不含密码
type RoomView struct {
	domain.RoomMeta
	Active bool `json:"active"`
}

// ListRoomsResponse 是房间列表响应
type ListRoomsResponse struct {
	Rooms []RoomView `json:"rooms"`
}

// ListRooms 返回按创建时间倒序的房间目录
func (h *RoomHandler) ListRooms(c *gin.Context) {
	rooms, err := h.roomService.ListRooms(c.Request.Context())
	if err != nil {
		HandleServiceError(c, err)
		return
	}

	views := make([]RoomView, 0, len(rooms))
	for _, r := range rooms {
		view := RoomView{RoomMeta: r.Public()}
		if h.activity != nil {
			view.Active = h.activity.IsActive(r.ID)
		}
		views = append(views, view)
	}
	SuccessResponse(c, http.StatusOK, ListRoomsResponse{Rooms: views})
}

// CreateRoomRequest 定义创建房间请求的结构体
type CreateRoomRequest struct {
	Name     string `json:"name" binding:"required,max=100"`
	Password string `json:"password" binding:"omitempty,max=100"`
}

// CreateRoom 处理创建新房间的请求
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	logCtx := logrus.WithField("participant_id", c.GetString(middleware.ContextParticipantID))

	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Invalid input format")
		ErrorResponse(c, http.StatusBadRequest, "Invalid input: name is required")
		return
	}

	meta, err := h.roomService.CreateRoom(c.Request.Context(), req.Name, req.Password)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.CreateRoom: Failed to create room via service")
		HandleServiceError(c, err)
		return
	}

	logCtx.WithField("room_id", meta.ID).Info("Handler.CreateRoom: Room created successfully")
	SuccessResponse(c, http.StatusCreated, RoomView{RoomMeta: meta.Public()})
}

// JoinRoomRequest 定义加入房间请求的结构体
type JoinRoomRequest struct {
	Password string `json:"password"`
}

// JoinRoom 校验房间密码，成功时返回房间信息。实际的实时连接通过 WebSocket 建立。
func (h *RoomHandler) JoinRoom(c *gin.Context) {
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{
		"participant_id": c.GetString(middleware.ContextParticipantID),
		"room_id":        roomID,
	})

	var req JoinRoomRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			logCtx.WithError(err).Warn("Handler.JoinRoom: Invalid input format")
			ErrorResponse(c, http.StatusBadRequest, "Invalid input")
			return
		}
	}

	meta, err := h.gate.VerifyAccess(c.Request.Context(), roomID, req.Password)
	if err != nil {
		logCtx.WithError(err).Warn("Handler.JoinRoom: Join rejected")
		HandleServiceError(c, err)
		return
	}

	logCtx.Info("Handler.JoinRoom: Access granted")
	view := RoomView{RoomMeta: meta.Public()}
	if h.activity != nil {
		view.Active = h.activity.IsActive(meta.ID)
	}
	SuccessResponse(c, http.StatusOK, view)
}
