package hub

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/metrics"
)

// 包级别的 WebSocket 常量，供 hub 和 client 使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// 自由路径的点序列可能很长
	maxMessageSize = 256 * 1024

	sendBufferSize = 1024
)

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type   string // "register", "unregister"
	Client *Client
}

// Hub 维护每个房间的在线连接。
// 房间内的数据分发由共享存储完成，Hub 只负责连接的生命周期和统计。
type Hub struct {
	messageChan chan HubMessage

	// map[roomID]map[*Client]bool
	rooms   map[string]map[*Client]bool
	roomsMu sync.RWMutex

	// 正在关闭的会话，Shutdown 时等待它们完成
	closing sync.WaitGroup
	log     *logrus.Entry
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub() *Hub {
	return &Hub{
		messageChan: make(chan HubMessage, 512),
		rooms:       make(map[string]map[*Client]bool),
		log:         logrus.WithField("component", "hub"),
	}
}

// Run 启动 Hub 的主事件处理循环，应该在一个单独的 goroutine 中运行。
func (h *Hub) Run() {
	h.log.Info("Hub is running...")
	for msg := range h.messageChan {
		switch msg.Type {
		case "register":
			h.registerClient(msg.Client)
		case "unregister":
			h.unregisterClient(msg.Client)
		default:
			h.log.Warnf("Hub: Received unknown message type: %s", msg.Type)
		}
	}
	h.log.Info("Hub is shutting down...")
}

func (h *Hub) registerClient(client *Client) {
	if client == nil {
		h.log.Error("Hub: Attempted to register a nil client")
		return
	}
	logCtx := h.log.WithFields(logrus.Fields{
		"room_id":        client.RoomID(),
		"participant_id": client.ParticipantID(),
		"action":         "registerClient",
	})

	h.roomsMu.Lock()
	if _, ok := h.rooms[client.RoomID()]; !ok {
		h.rooms[client.RoomID()] = make(map[*Client]bool)
		logCtx.Info("Client list created for room")
	}
	h.rooms[client.RoomID()][client] = true
	h.roomsMu.Unlock()

	metrics.LiveSessions.Inc()
	logCtx.Info("Client registered to Hub")
}

func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		h.log.Error("Hub: Attempted to unregister a nil client")
		return
	}
	roomID := client.RoomID()
	logCtx := h.log.WithFields(logrus.Fields{
		"room_id":        roomID,
		"participant_id": client.ParticipantID(),
		"action":         "unregisterClient",
	})

	h.roomsMu.Lock()
	roomClients, roomExists := h.rooms[roomID]
	_, clientExists := roomClients[client]
	if clientExists {
		// 在锁内登记，Shutdown 看到房间清空时一定能等到这次关闭
		h.closing.Add(1)
		delete(roomClients, client)
		if len(roomClients) == 0 {
			delete(h.rooms, roomID)
			logCtx.Info("Room has no local clients, removed from Hub")
		}
	}
	h.roomsMu.Unlock()

	if !roomExists || !clientExists {
		logCtx.Warn("Client not found during unregister")
		return
	}

	metrics.LiveSessions.Dec()
	client.closeSend()
	// 会话关闭会删除在线条目，涉及存储 IO，不阻塞 Hub 主循环
	go func() {
		defer h.closing.Done()
		client.closeSession()
		logCtx.Info("Client unregistered from Hub")
	}()
}

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
// 返回 true 如果消息成功入队，false 如果队列已满。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		h.log.WithField("message_type", msg.Type).Warn("Hub message channel full, dropping message")
		return false
	}
}

// ActiveRoomIDs 返回本实例上有连接的房间
func (h *Hub) ActiveRoomIDs() []string {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	ids := make([]string, 0, len(h.rooms))
	for id := range h.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ClientCount 返回房间在本实例上的连接数
func (h *Hub) ClientCount(roomID string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[roomID])
}

// Shutdown 关闭所有连接并等待会话完成清理
func (h *Hub) Shutdown() {
	h.roomsMu.RLock()
	clients := make([]*Client, 0)
	for _, roomClients := range h.rooms {
		for c := range roomClients {
			clients = append(clients, c)
		}
	}
	h.roomsMu.RUnlock()

	h.log.WithField("clients", len(clients)).Info("Closing all client connections")
	for _, c := range clients {
		c.CloseConn()
	}
	// 每个连接的 ReadPump 退出后会发送 unregister
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		h.roomsMu.RLock()
		remaining := len(h.rooms)
		h.roomsMu.RUnlock()
		if remaining == 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	h.closing.Wait()
}
