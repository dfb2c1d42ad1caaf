package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/domain"
	httpHandler "collaborative-canvas/internal/handler/http"
	"collaborative-canvas/internal/hub"
	"collaborative-canvas/internal/middleware"
	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/session"
)

// Connector 为一个会话打开独占的存储连接，sessionID 用于断线清理
type Connector func(sessionID string) (session.Conn, error)

// Options 配置 WebSocketHandler
type Options struct {
	// AllowedOrigin 为空或 "*" 时接受任意来源
	AllowedOrigin   string
	RefreshInterval time.Duration
}

// WebSocketHandler 负责处理 WebSocket 升级请求和会话创建
type WebSocketHandler struct {
	upgrader websocket.Upgrader
	hub      *hub.Hub
	gate     *service.AccessGate
	rooms    *service.RoomService
	connect  Connector
	opts     Options
}

// NewWebSocketHandler 创建 WebSocketHandler 实例
func NewWebSocketHandler(h *hub.Hub, gate *service.AccessGate, rooms *service.RoomService, connect Connector, opts Options) *WebSocketHandler {
	if h == nil {
		panic("Hub cannot be nil for WebSocketHandler")
	}
	if gate == nil || rooms == nil {
		panic("AccessGate and RoomService cannot be nil for WebSocketHandler")
	}
	if connect == nil {
		panic("Connector cannot be nil for WebSocketHandler")
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if opts.AllowedOrigin == "" || opts.AllowedOrigin == "*" {
				return true
			}
			return r.Header.Get("Origin") == opts.AllowedOrigin
		},
	}

	return &WebSocketHandler{
		upgrader: upgrader,
		hub:      h,
		gate:     gate,
		rooms:    rooms,
		connect:  connect,
		opts:     opts,
	}
}

// HandleConnection 处理 WebSocket 连接请求
// URL 预期格式: /ws/room/{roomId}?password=...&name=...
func (h *WebSocketHandler) HandleConnection(c *gin.Context) {
	participantID := c.GetString(middleware.ContextParticipantID)
	if participantID == "" {
		logrus.Warn("WS Handler: Participant ID not found in context")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Participant not authenticated"})
		return
	}
	roomID := c.Param("roomId")
	logCtx := logrus.WithFields(logrus.Fields{"participant_id": participantID, "room_id": roomID})

	// 1. 在升级之前校验房间和密码，错误以普通 HTTP 响应返回
	meta, err := h.gate.VerifyAccess(c.Request.Context(), roomID, c.Query("password"))
	if err != nil {
		logCtx.WithError(err).Warn("WS Handler: Access rejected")
		httpHandler.HandleServiceError(c, err)
		return
	}

	// 2. 为这次连接打开独占的存储会话
	sessionID := uuid.NewString()
	conn, err := h.connect(sessionID)
	if err != nil {
		logCtx.WithError(err).Error("WS Handler: Failed to open store session")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Store unavailable"})
		return
	}

	// 3. 升级 HTTP 连接到 WebSocket
	wsConn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写回了 HTTP 错误响应
		logCtx.WithError(err).Error("WS Handler: Failed to upgrade connection")
		_ = conn.Close()
		return
	}
	logCtx = logCtx.WithField("session_id", sessionID)
	logCtx.Info("WS Handler: Connection upgraded to WebSocket")

	name := c.Query("name")
	if name == "" {
		name = c.GetString(middleware.ContextDisplayName)
	}

	client := hub.NewClient(h.hub, wsConn, roomID, participantID)
	sess := session.New(session.Config{
		Room:            *meta,
		Participant:     domain.Participant{ID: participantID, Name: name},
		Store:           conn,
		Rooms:           h.rooms,
		Out:             client,
		RefreshInterval: h.opts.RefreshInterval,
	})
	client.Bind(sess)

	if !h.hub.QueueMessage(hub.HubMessage{Type: "register", Client: client}) {
		logCtx.Error("WS Handler: Hub message channel full, failed to register client")
		client.CloseConn()
		sess.Close()
		return
	}

	client.Run(sess.Start)
	logCtx.Info("WS Handler: Session started")
}
