package session_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/service"
	"collaborative-canvas/internal/session"
	"collaborative-canvas/internal/store/memory"
)

const waitFor = time.Second

// browser 记录发往浏览器的帧
type browser struct {
	mu      sync.Mutex
	frames  []session.OutboundFrame
	blocked bool // 模拟发送队列已满
}

func (b *browser) Send(raw []byte) bool {
	var f session.OutboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.blocked {
		return false
	}
	b.frames = append(b.frames, f)
	return true
}

func (b *browser) setBlocked(blocked bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked = blocked
}

func (b *browser) ofType(typ string) []session.OutboundFrame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []session.OutboundFrame
	for _, f := range b.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func (b *browser) lastPresence() *session.OutboundFrame {
	frames := b.ofType(session.FramePresence)
	if len(frames) == 0 {
		return nil
	}
	return &frames[len(frames)-1]
}

func frame(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

type fixture struct {
	tree *memory.Tree
	room domain.RoomMeta
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tree := memory.NewTree()
	room := domain.RoomMeta{ID: "r1", Name: "room", CreatedAt: 1, LastActive: 1}
	require.NoError(t, tree.Connect("setup").Write(context.Background(), domain.RoomMetaPath(room.ID), room))
	return &fixture{tree: tree, room: room}
}

func (f *fixture) join(t *testing.T, id, name string) (*session.Session, *browser) {
	t.Helper()
	conn := f.tree.Connect(id)
	out := &browser{}
	s := session.New(session.Config{
		Room:        f.room,
		Participant: domain.Participant{ID: id, Name: name, Color: "c-" + id},
		Store:       conn,
		Rooms:       service.NewRoomService(conn, nil),
		Out:         out,
	})
	require.NoError(t, s.Start())
	t.Cleanup(s.Close)
	return s, out
}

func TestSession_WelcomeAndPresence(t *testing.T) {
	f := newFixture(t)
	_, aliceOut := f.join(t, "alice", "Alice")

	welcome := aliceOut.ofType(session.FrameWelcome)
	require.Len(t, welcome, 1)
	assert.Equal(t, "room", welcome[0].Room.Name)
	assert.Equal(t, "alice", welcome[0].Self.ID)

	bob, _ := f.join(t, "bob", "Bob")
	assert.Eventually(t, func() bool {
		p := aliceOut.lastPresence()
		return p != nil && p.Total == 2
	}, waitFor, 5*time.Millisecond, "alice 应看到两个在线用户")

	bob.Close()
	assert.Eventually(t, func() bool {
		p := aliceOut.lastPresence()
		return p != nil && p.Total == 1 && p.Users[0].ID == "alice"
	}, waitFor, 5*time.Millisecond, "bob 离开后名单只剩 alice")
}

func TestSession_AddedObjectReachesOtherBrowser(t *testing.T) {
	f := newFixture(t)
	alice, aliceOut := f.join(t, "alice", "Alice")
	_, bobOut := f.join(t, "bob", "Bob")

	alice.HandleFrame(frame(t, map[string]interface{}{
		"type":   session.FrameObjectAdded,
		"ref":    "tmp-1",
		"object": map[string]interface{}{"type": "rect", "left": 10, "top": 20, "width": 30, "height": 40},
	}))

	var id string
	require.Eventually(t, func() bool {
		acks := aliceOut.ofType(session.FrameObjectAck)
		if len(acks) == 0 {
			return false
		}
		id = acks[0].ID
		return acks[0].Ref == "tmp-1" && id != ""
	}, waitFor, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(bobOut.ofType(session.FrameSceneAdded)) == 1 }, waitFor, 5*time.Millisecond)
	added := bobOut.ofType(session.FrameSceneAdded)[0]
	assert.Equal(t, id, added.ID)
	assert.Equal(t, "rect", added.Object["type"])
	assert.Equal(t, "alice", added.Object["user"], "所有者是创建者")

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, aliceOut.ofType(session.FrameSceneAdded), "自己创建的对象不回送")
}

func TestSession_ChangesAreForwardedWithoutEcho(t *testing.T) {
	f := newFixture(t)
	alice, aliceOut := f.join(t, "alice", "Alice")
	bob, bobOut := f.join(t, "bob", "Bob")

	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameObjectAdded, "ref": "a",
		"object": map[string]interface{}{"type": "rect", "left": 0},
	}))
	require.Eventually(t, func() bool { return len(bobOut.ofType(session.FrameSceneAdded)) == 1 }, waitFor, 5*time.Millisecond)
	id := bobOut.ofType(session.FrameSceneAdded)[0].ID

	// bob 移动对象
	bob.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameObjectMoving, "id": id,
		"object": map[string]interface{}{"type": "rect", "left": 50},
	}))

	require.Eventually(t, func() bool { return len(aliceOut.ofType(session.FrameSceneChanged)) == 1 }, waitFor, 5*time.Millisecond)
	changed := aliceOut.ofType(session.FrameSceneChanged)[0]
	assert.Equal(t, 50.0, changed.Object["left"])
	assert.Equal(t, "alice", changed.Object["user"], "修改不改变所有者")

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, bobOut.ofType(session.FrameSceneChanged), "自己的修改不回送")
}

func TestSession_DeleteAndStaleChange(t *testing.T) {
	f := newFixture(t)
	alice, aliceOut := f.join(t, "alice", "Alice")
	bob, bobOut := f.join(t, "bob", "Bob")

	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameObjectAdded, "ref": "a",
		"object": map[string]interface{}{"type": "circle"},
	}))
	require.Eventually(t, func() bool { return len(bobOut.ofType(session.FrameSceneAdded)) == 1 }, waitFor, 5*time.Millisecond)
	id := bobOut.ofType(session.FrameSceneAdded)[0].ID

	bob.HandleFrame(frame(t, map[string]interface{}{"type": session.FrameObjectsDelete, "ids": []string{id}}))
	require.Eventually(t, func() bool { return len(aliceOut.ofType(session.FrameSceneRemoved)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, id, aliceOut.ofType(session.FrameSceneRemoved)[0].ID)

	// 对已删除对象的修改是无操作
	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameObjectModified, "id": id,
		"object": map[string]interface{}{"type": "circle", "left": 1},
	}))
	time.Sleep(30 * time.Millisecond)
	_, err := f.tree.Connect("reader").Read(context.Background(), domain.ObjectPath("r1", id))
	assert.Error(t, err, "已删除对象不应被重新写入")
	assert.Empty(t, bobOut.ofType(session.FrameSceneChanged))
}

func TestSession_RemoteChangeDroppedWhileEditing(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.join(t, "alice", "Alice")
	bob, bobOut := f.join(t, "bob", "Bob")

	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameObjectAdded, "ref": "a",
		"object": map[string]interface{}{"type": "textbox", "text": "hi"},
	}))
	require.Eventually(t, func() bool { return len(bobOut.ofType(session.FrameSceneAdded)) == 1 }, waitFor, 5*time.Millisecond)
	id := bobOut.ofType(session.FrameSceneAdded)[0].ID

	bob.HandleFrame(frame(t, map[string]interface{}{"type": session.FrameEditingStart, "id": id}))
	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameTextChanged, "id": id,
		"object": map[string]interface{}{"type": "textbox", "text": "hello"},
	}))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bobOut.ofType(session.FrameSceneChanged), "编辑中的对象不接受远端更新")

	bob.HandleFrame(frame(t, map[string]interface{}{"type": session.FrameEditingEnd}))
	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameTextChanged, "id": id,
		"object": map[string]interface{}{"type": "textbox", "text": "hello!"},
	}))
	require.Eventually(t, func() bool { return len(bobOut.ofType(session.FrameSceneChanged)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "hello!", bobOut.ofType(session.FrameSceneChanged)[0].Object["text"])
}

func TestSession_ExistingObjectsAreSentOnStart(t *testing.T) {
	f := newFixture(t)
	seed := f.tree.Connect("seed")
	require.NoError(t, seed.Write(context.Background(), domain.ObjectPath("r1", "o1"), map[string]interface{}{
		"id": "o1", "type": "path", "path": map[string]interface{}{"0": []interface{}{"M", 0.0, 0.0}},
	}))

	_, out := f.join(t, "alice", "Alice")

	require.Eventually(t, func() bool { return len(out.ofType(session.FrameSceneAdded)) == 1 }, waitFor, 5*time.Millisecond)
	added := out.ofType(session.FrameSceneAdded)[0]
	assert.Equal(t, "o1", added.ID)
	assert.Equal(t, []interface{}{[]interface{}{"M", 0.0, 0.0}}, added.Object["path"], "序列在发给浏览器前已还原")
}

func TestSession_MalformedAndUnknownFrames(t *testing.T) {
	f := newFixture(t)
	alice, out := f.join(t, "alice", "Alice")

	alice.HandleFrame([]byte("{not json"))
	alice.HandleFrame(frame(t, map[string]interface{}{"type": "bogus"}))
	alice.HandleFrame(frame(t, map[string]interface{}{"type": session.FrameObjectAdded, "ref": "x", "object": map[string]interface{}{"left": 1}}))

	require.Eventually(t, func() bool { return len(out.ofType(session.FrameError)) == 3 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, "x", out.ofType(session.FrameError)[2].Ref)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	f := newFixture(t)
	alice, _ := f.join(t, "alice", "Alice")

	alice.Close()
	alice.Close()
	alice.HandleFrame(frame(t, map[string]interface{}{"type": session.FrameEditingEnd}))

	_, err := f.tree.Connect("reader").Read(context.Background(), domain.UserPath("r1", "alice"))
	assert.Error(t, err, "关闭后在线条目被删除")
}

func TestSession_UndeliveredObjectIsSentInFullOnNextChange(t *testing.T) {
	f := newFixture(t)
	alice, aliceOut := f.join(t, "alice", "Alice")
	_, bobOut := f.join(t, "bob", "Bob")

	bobOut.setBlocked(true)
	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameObjectAdded, "ref": "a",
		"object": map[string]interface{}{"type": "rect", "left": 0, "fill": "red"},
	}))
	var id string
	require.Eventually(t, func() bool {
		acks := aliceOut.ofType(session.FrameObjectAck)
		if len(acks) == 0 {
			return false
		}
		id = acks[0].ID
		return true
	}, waitFor, 5*time.Millisecond)
	_, err := f.tree.Connect("reader").Read(context.Background(), domain.ObjectPath("r1", id))
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	bobOut.setBlocked(false)

	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameObjectMoving, "id": id,
		"object": map[string]interface{}{"type": "rect", "left": 40, "fill": "red"},
	}))

	// bob 的浏览器没收到新增帧，后续修改必须带着完整对象以新增的形式到达
	require.Eventually(t, func() bool { return len(bobOut.ofType(session.FrameSceneAdded)) == 1 }, waitFor, 5*time.Millisecond)
	added := bobOut.ofType(session.FrameSceneAdded)[0]
	assert.Equal(t, id, added.ID)
	assert.Equal(t, 40.0, added.Object["left"])
	assert.Equal(t, "red", added.Object["fill"])
	assert.Empty(t, bobOut.ofType(session.FrameSceneChanged))

	// 之后的修改照常以 changed 发送
	alice.HandleFrame(frame(t, map[string]interface{}{
		"type": session.FrameObjectMoving, "id": id,
		"object": map[string]interface{}{"type": "rect", "left": 80, "fill": "red"},
	}))
	require.Eventually(t, func() bool { return len(bobOut.ofType(session.FrameSceneChanged)) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 80.0, bobOut.ofType(session.FrameSceneChanged)[0].Object["left"])
}
