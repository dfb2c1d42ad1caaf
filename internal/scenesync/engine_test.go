package scenesync

import (
	"context"
	"errors"
	"testing"

	"collaborative-canvas/internal/codec"
	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/scene"
	"collaborative-canvas/internal/store"
	"collaborative-canvas/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRoom = "room1"

type peer struct {
	client *memory.Client
	scene  *scene.Scene
	engine *Engine
}

func newPeer(t *testing.T, tree *memory.Tree, id string) *peer {
	t.Helper()
	client := tree.Connect(id)
	sc := scene.New()
	e := NewEngine(client, sc, testRoom, id)
	require.NoError(t, e.Attach(context.Background()))
	t.Cleanup(e.Detach)
	return &peer{client: client, scene: sc, engine: e}
}

func rect(left float64) *scene.Object {
	return scene.NewObject("rect", map[string]interface{}{
		"left": left, "top": 0.0, "width": 10.0, "height": 10.0, "fill": "#ff0000",
	})
}

func TestEngine_AddObjectWritesOnceAndPropagates(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")
	bob := newPeer(t, tree, "bob")

	o := alice.engine.AddObject(rect(5))
	require.NotEmpty(t, o.ID, "AddObject 必须分配 ID")
	assert.Equal(t, "alice", o.Owner)

	assert.Equal(t, []string{domain.ObjectPath(testRoom, o.ID)}, alice.client.Writes(), "创建只应写入一次")
	assert.Equal(t, 1, alice.scene.Len(), "自己写入的 added 回声不应重复物化")

	remote := bob.scene.Find(o.ID)
	require.NotNil(t, remote, "另一参与者应物化该对象")
	assert.Equal(t, "alice", remote.Owner)
	assert.Equal(t, 5.0, remote.Props["left"])
	assert.Empty(t, bob.client.Writes(), "入站应用不能写回存储")

	stored, err := alice.client.Read(context.Background(), domain.ObjectPath(testRoom, o.ID))
	require.NoError(t, err)
	assert.Equal(t, o.ID, stored.(map[string]interface{})["id"], "存储快照的 id 必须等于 key")
}

func TestEngine_EchoSuppression(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")
	bob := newPeer(t, tree, "bob")

	o := alice.engine.AddObject(rect(0))
	before := len(alice.client.Writes())

	o.Props["left"] = 42.0
	o.SetCoords()
	alice.scene.Notify(scene.EventMoved, o)

	assert.Len(t, alice.client.Writes(), before+1, "一次本地修改只产生一次写入")
	assert.Empty(t, bob.client.Writes())
	assert.Equal(t, 42.0, bob.scene.Find(o.ID).Props["left"])
	assert.Equal(t, 42.0, bob.scene.Find(o.ID).Coords.TL.X, "入站更新后应重新计算几何")
}

func TestEngine_LocalEventWithoutIDAllocatesKey(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")

	o := rect(1)
	alice.scene.Add(o) // 直接通过场景创建，例如自由绘制的路径

	require.NotEmpty(t, o.ID)
	assert.Equal(t, "alice", o.Owner)
	assert.Len(t, alice.client.Writes(), 1)
	assert.Equal(t, 1, alice.scene.Len())
}

func TestEngine_DuplicateAddedIsIgnored(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")

	snapshot := map[string]interface{}{"id": "k1", "type": "rect", "left": 1.0}
	sess := alice.engine.session
	alice.engine.onRemoteAdded(sess, "k1", snapshot)
	alice.engine.onRemoteAdded(sess, "k1", snapshot)

	assert.Equal(t, 1, alice.scene.Len())
	assert.Empty(t, alice.client.Writes())
}

func TestEngine_StaleReferencesAreNoOps(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")
	sess := alice.engine.session

	assert.NotPanics(t, func() {
		alice.engine.onRemoteRemoved(sess, "missing")
		alice.engine.onRemoteChanged(sess, "missing", map[string]interface{}{"type": "rect"})
	})
	assert.Equal(t, 0, alice.scene.Len())
}

func TestEngine_AttachMaterializesExistingObjectsWithSequences(t *testing.T) {
	tree := memory.NewTree()
	writer := tree.Connect("writer")
	path := []interface{}{
		[]interface{}{"M", 0.0, 0.0},
		[]interface{}{"L", 10.0, 10.0},
	}
	snapshot := map[string]interface{}{"id": "p1", "type": "path", "path": path, "strokeDashArray": []interface{}{}}
	require.NoError(t, writer.Write(context.Background(), domain.ObjectPath(testRoom, "p1"), codec.Encode(snapshot)))

	bob := newPeer(t, tree, "bob")

	o := bob.scene.Find("p1")
	require.NotNil(t, o)
	assert.Equal(t, path, o.Props["path"], "索引映射应还原为有序序列")
	assert.Equal(t, []interface{}{}, o.Props["strokeDashArray"])
	assert.Empty(t, bob.client.Writes())
}

func TestEngine_DeleteObjectsIsAtomic(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")
	bob := newPeer(t, tree, "bob")

	o1 := alice.engine.AddObject(rect(1))
	o2 := alice.engine.AddObject(rect(2))
	keep := alice.engine.AddObject(rect(3))
	require.Equal(t, 3, bob.scene.Len())

	alice.engine.DeleteObjects([]*scene.Object{o1, o2})

	assert.Equal(t, []*scene.Object{keep}, alice.scene.Objects())
	for _, id := range []string{o1.ID, o2.ID} {
		_, err := alice.client.Read(context.Background(), domain.ObjectPath(testRoom, id))
		assert.True(t, errors.Is(err, store.ErrNotFound), "远端键应被删除")
		assert.Nil(t, bob.scene.Find(id))
	}
	assert.NotNil(t, bob.scene.Find(keep.ID))
}

func TestEngine_DeleteByIDIgnoresUnknown(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")
	o := alice.engine.AddObject(rect(1))

	alice.engine.DeleteByID([]string{o.ID, "unknown"})
	assert.Equal(t, 0, alice.scene.Len())
}

func TestEngine_RemoteUpdateDroppedWhileEditing(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")
	bob := newPeer(t, tree, "bob")

	o := alice.engine.AddObject(scene.NewObject("textbox", map[string]interface{}{"text": "hello"}))
	local := bob.scene.Find(o.ID)
	require.NotNil(t, local)

	bob.scene.BeginEditing(local)
	o.Props["text"] = "from alice"
	alice.scene.Notify(scene.EventTextChanged, o)
	assert.Equal(t, "hello", local.Props["text"], "编辑中的对象不接受远端更新")

	local.Props["text"] = "from bob"
	bob.scene.Notify(scene.EventTextChanged, local)
	bob.scene.EndEditing()

	assert.Equal(t, "from bob", alice.scene.Find(o.ID).Props["text"], "编辑结束后的写入为最终值")
}

func TestEngine_ReattachDoesNotDuplicateListeners(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")
	require.NoError(t, alice.engine.Attach(context.Background()))

	alice.engine.AddObject(rect(1))
	assert.Len(t, alice.client.Writes(), 1)
	assert.Equal(t, 1, alice.scene.Len())
}

func TestEngine_DetachStopsSync(t *testing.T) {
	tree := memory.NewTree()
	alice := newPeer(t, tree, "alice")
	bob := newPeer(t, tree, "bob")

	bob.engine.Detach()
	alice.engine.AddObject(rect(1))
	assert.Equal(t, 0, bob.scene.Len())

	bob.scene.Add(rect(2))
	assert.Empty(t, bob.client.Writes(), "卸载后本地事件不应写入")
}

func TestSyncSession_ReleaseIsIdempotent(t *testing.T) {
	s := &syncSession{}
	release := s.beginInboundApply()
	nested := s.beginInboundApply()
	assert.True(t, s.applyingInbound())
	nested()
	nested()
	assert.True(t, s.applyingInbound(), "外层区间仍未释放")
	release()
	assert.False(t, s.applyingInbound())
}

func TestEngine_DispatcherIsUsedForStoreCallbacks(t *testing.T) {
	tree := memory.NewTree()
	client := tree.Connect("carol")
	var queued []func()
	e := NewEngine(client, scene.New(), testRoom, "carol", WithDispatcher(func(fn func()) { queued = append(queued, fn) }))
	require.NoError(t, e.Attach(context.Background()))
	defer e.Detach()

	writer := tree.Connect("writer")
	require.NoError(t, writer.Write(context.Background(), domain.ObjectPath(testRoom, "x"), map[string]interface{}{"id": "x", "type": "rect"}))
	require.Len(t, queued, 1)
	assert.Equal(t, 0, e.scene.Len(), "回调在投递执行前不应生效")

	queued[0]()
	assert.Equal(t, 1, e.scene.Len())
}
