package bootstrap

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	httpHandler "collaborative-canvas/internal/handler/http"
	wsHandler "collaborative-canvas/internal/handler/websocket"
	"collaborative-canvas/internal/hub"
	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/session"
	"collaborative-canvas/internal/store/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	srv  *httptest.Server
	tree *memory.Tree
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tree := memory.NewTree()
	server := tree.Connect("server")

	auth, err := service.NewAuthService("test-secret", 1)
	require.NoError(t, err)
	rooms := service.NewRoomService(server, nil)
	gate := service.NewAccessGate(rooms)
	monitor := service.NewActivityMonitor(server)
	require.NoError(t, monitor.Start())

	h := hub.NewHub()
	go h.Run()

	connect := func(sessionID string) (session.Conn, error) { return tree.Connect(sessionID), nil }
	cfg := &Config{JWTSecret: "test-secret", CORSAllowedOrigin: "*"}
	router := NewRouter(cfg, logrus.StandardLogger(), Handlers{
		Auth:      httpHandler.NewAuthHandler(auth),
		Room:      httpHandler.NewRoomHandler(rooms, gate, monitor),
		WebSocket: wsHandler.NewWebSocketHandler(h, gate, rooms, connect, wsHandler.Options{}),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		h.Shutdown()
		srv.Close()
		monitor.Stop()
	})
	return &testEnv{srv: srv, tree: tree}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func (e *testEnv) signIn(t *testing.T, name string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/auth/anonymous", "", map[string]string{"display_name": name})
	require.Equal(t, http.StatusOK, code)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	return token
}

func (e *testEnv) createRoom(t *testing.T, token, name, password string) string {
	t.Helper()
	code, body := e.do(t, http.MethodPost, "/api/rooms", token, map[string]string{"name": name, "password": password})
	require.Equal(t, http.StatusCreated, code)
	id, _ := body["id"].(string)
	require.NotEmpty(t, id)
	return id
}

func (e *testEnv) dial(t *testing.T, roomID, token, password string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	q := url.Values{"token": {token}}
	if password != "" {
		q.Set("password", password)
	}
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws/room/" + roomID + "?" + q.Encode()
	conn, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if conn != nil {
		t.Cleanup(func() { conn.Close() })
	}
	return conn, resp, err
}

// readUntil 读取帧直到出现 typ 类型并满足 match
func readUntil(t *testing.T, conn *websocket.Conn, typ string, match func(session.OutboundFrame) bool) session.OutboundFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f session.OutboundFrame
		require.NoError(t, conn.ReadJSON(&f), "等待 %s 帧超时", typ)
		if f.Type == typ && (match == nil || match(f)) {
			return f
		}
	}
}

func TestRouter_PingAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	code, body := env.do(t, http.MethodGet, "/ping", "", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pong", body["message"])

	resp, err := http.Get(env.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRouter_RoomCatalogAndJoin(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "Ada")

	// 未认证
	code, _ := env.do(t, http.MethodGet, "/api/rooms", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	// 参数错误
	code, _ = env.do(t, http.MethodPost, "/api/rooms", token, map[string]string{"name": ""})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = env.do(t, http.MethodPost, "/api/rooms", token, map[string]string{"name": "   "})
	assert.Equal(t, http.StatusBadRequest, code, "只有空白的名字由服务层拒绝")

	roomID := env.createRoom(t, token, "Design", "abc")

	code, body := env.do(t, http.MethodGet, "/api/rooms", token, nil)
	require.Equal(t, http.StatusOK, code)
	rooms, _ := body["rooms"].([]interface{})
	require.Len(t, rooms, 1)
	room := rooms[0].(map[string]interface{})
	assert.Equal(t, roomID, room["id"])
	assert.Equal(t, true, room["hasPassword"])
	assert.Equal(t, false, room["active"])
	assert.NotContains(t, room, "password", "列表中不返回密码")

	tests := []struct {
		name     string
		roomID   string
		password string
		wantCode int
	}{
		{"正确密码", roomID, "abc", http.StatusOK},
		{"大小写不同", roomID, "ABC", http.StatusForbidden},
		{"缺少密码", roomID, "", http.StatusForbidden},
		{"房间不存在", "missing", "abc", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := env.do(t, http.MethodPost, "/api/rooms/"+tt.roomID+"/join", token, map[string]string{"password": tt.password})
			assert.Equal(t, tt.wantCode, code)
			assert.NotContains(t, body, "password")
		})
	}
}

func TestRouter_WebSocketRejectsWrongPassword(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "")
	roomID := env.createRoom(t, token, "Secret", "abc")

	_, resp, err := env.dial(t, roomID, token, "nope")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, resp, err = env.dial(t, "missing", token, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRouter_WebSocketSessionsShareScene(t *testing.T) {
	env := newTestEnv(t)
	aliceToken := env.signIn(t, "Alice")
	bobToken := env.signIn(t, "Bob")
	roomID := env.createRoom(t, aliceToken, "Board", "")

	alice, _, err := env.dial(t, roomID, aliceToken, "")
	require.NoError(t, err)
	welcome := readUntil(t, alice, session.FrameWelcome, nil)
	assert.Equal(t, "Alice", welcome.Self.Name)
	assert.Equal(t, "Board", welcome.Room.Name)
	readUntil(t, alice, session.FramePresence, func(f session.OutboundFrame) bool { return f.Total == 1 })

	require.NoError(t, alice.WriteJSON(map[string]interface{}{
		"type":   session.FrameObjectAdded,
		"ref":    "tmp-1",
		"object": map[string]interface{}{"type": "rect", "left": 5},
	}))
	ack := readUntil(t, alice, session.FrameObjectAck, nil)
	assert.Equal(t, "tmp-1", ack.Ref)
	require.NotEmpty(t, ack.ID)

	bob, _, err := env.dial(t, roomID, bobToken, "")
	require.NoError(t, err)
	added := readUntil(t, bob, session.FrameSceneAdded, nil)
	assert.Equal(t, ack.ID, added.ID)
	assert.Equal(t, "rect", added.Object["type"])

	readUntil(t, alice, session.FramePresence, func(f session.OutboundFrame) bool { return f.Total == 2 })

	assert.Eventually(t, func() bool {
		_, body := env.do(t, http.MethodGet, "/api/rooms", aliceToken, nil)
		rooms, _ := body["rooms"].([]interface{})
		return len(rooms) == 1 && rooms[0].(map[string]interface{})["active"] == true
	}, 2*time.Second, 20*time.Millisecond, "有人在线的房间显示为活跃")

	// bob 断开后 alice 的名单只剩自己
	require.NoError(t, bob.Close())
	readUntil(t, alice, session.FramePresence, func(f session.OutboundFrame) bool { return f.Total == 1 })
}
