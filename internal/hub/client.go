package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FrameHandler 处理一个连接上的浏览器帧，由 session.Session 实现
type FrameHandler interface {
	HandleFrame(frame []byte)
	Close()
}

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
type Client struct {
	hub           *Hub
	conn          *websocket.Conn
	roomID        string
	participantID string
	handler       FrameHandler
	log           *logrus.Entry

	sendMu     sync.Mutex
	send       chan []byte
	sendClosed bool
	overflowed bool
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, roomID, participantID string) *Client {
	return &Client{
		hub:           hub,
		conn:          conn,
		roomID:        roomID,
		participantID: participantID,
		send:          make(chan []byte, sendBufferSize),
		log:           logrus.WithFields(logrus.Fields{"room_id": roomID, "participant_id": participantID}),
	}
}

// Bind 关联处理浏览器帧的会话，必须在 Run 之前调用
func (c *Client) Bind(handler FrameHandler) { c.handler = handler }

// Send 把一帧放入发送队列，不阻塞。队列已满或连接已注销时返回 false。
// 丢掉的帧无法补发，浏览器会和场景不一致，所以队列满时直接断开这个慢客户端，
// 读 goroutine 退出后照常注销并关闭会话，浏览器重连时重新拿到完整场景。
func (c *Client) Send(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed || c.overflowed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.overflowed = true
		c.log.Warn("Client send channel full, closing slow connection")
		c.conn.Close()
		return false
	}
}

// Run 启动写 goroutine，执行 start (通常是会话的初始挂载)，成功后再开始读取浏览器帧。
func (c *Client) Run(start func() error) {
	go c.WritePump()
	if start != nil {
		if err := start(); err != nil {
			c.log.WithError(err).Error("Failed to start client session")
			c.conn.Close()
			c.unregister()
			return
		}
	}
	go c.ReadPump()
}

func (c *Client) unregister() {
	select {
	case c.hub.messageChan <- HubMessage{Type: "unregister", Client: c}:
	case <-time.After(1 * time.Second):
		c.log.Warn("Timeout sending unregister message to Hub channel")
	}
}

// ReadPump 将浏览器帧交给会话。它在自己的 goroutine 中运行。
func (c *Client) ReadPump() {
	defer func() {
		c.unregister()
		c.conn.Close()
		c.log.Info("readPump exited, unregistered client")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.log.Debug("WebSocket connection closed normally or read error")
			}
			break
		}
		if messageType != websocket.TextMessage {
			c.log.Debugf("Received non-text message type: %d", messageType)
			continue
		}
		if c.handler != nil {
			c.handler.HandleFrame(message)
		}
	}
}

// WritePump 将 send 通道中的帧写入 WebSocket 连接。它在自己的 goroutine 中运行。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.log.Info("writePump exited")
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub 注销时关闭了 send 通道
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.WithError(err).Warn("Failed to write message to websocket")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.WithError(err).Warn("Failed to send ping message")
				return
			}
			_ = c.conn.SetWriteDeadline(time.Time{})
		}
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

func (c *Client) closeSession() {
	if c.handler != nil {
		c.handler.Close()
	}
}

func (c *Client) RoomID() string        { return c.roomID }
func (c *Client) ParticipantID() string { return c.participantID }
func (c *Client) CloseConn()            { c.conn.Close() }
