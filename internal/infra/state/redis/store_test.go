package redisstate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/store"
)

func newTestStore(t *testing.T, mr *miniredis.Miniredis, sessionID string) *Store {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := New(rdb, Options{KeyPrefix: "test:", SessionID: sessionID, PingInterval: 10 * time.Millisecond})
	t.Cleanup(func() {
		_ = st.Close()
		_ = rdb.Close()
	})
	return st
}

// recorder 收集在订阅 goroutine 中投递的事件
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		collection string
		key        string
		sub        []string
		aggregate  []string
		wantErr    error
	}{
		{name: "目录集合", path: "rooms_meta", collection: "rooms_meta"},
		{name: "目录子节点", path: "rooms_meta/r1", collection: "rooms_meta", key: "r1", sub: []string{}},
		{name: "嵌套字段", path: "rooms_meta/r1/lastActive", collection: "rooms_meta", key: "r1", sub: []string{"lastActive"}},
		{name: "对象集合", path: "rooms/r1/objects", collection: "rooms/r1/objects"},
		{name: "房间子树", path: "rooms/r1", aggregate: []string{"rooms/r1/objects", "rooms/r1/users"}},
		{name: "根路径不支持", path: "rooms", wantErr: store.ErrUnsupportedPath},
		{name: "非法路径", path: "rooms/a.b", wantErr: store.ErrInvalidPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := resolve(tt.path)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "错误类型不符: %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.collection, got.collection)
			assert.Equal(t, tt.key, got.key)
			if tt.sub != nil {
				assert.Equal(t, tt.sub, got.sub)
			}
			assert.Equal(t, tt.aggregate, got.aggregate)
		})
	}
}

func TestStore_ReadWriteDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	st := newTestStore(t, mr, "")
	ctx := context.Background()

	// Arrange
	meta := domain.RoomMeta{ID: "r1", Name: "room", CreatedAt: 1, LastActive: 1}
	require.NoError(t, st.Write(ctx, domain.RoomMetaPath("r1"), meta))

	// Act: 嵌套写入只修改一个字段
	require.NoError(t, st.Write(ctx, domain.RoomLastActivePath("r1"), 42))

	// Assert
	v, err := st.Read(ctx, domain.RoomLastActivePath("r1"))
	require.NoError(t, err)
	assert.Equal(t, 42.0, v)
	full, err := st.Read(ctx, domain.RoomMetaPath("r1"))
	require.NoError(t, err)
	assert.Equal(t, "room", full.(map[string]interface{})["name"], "其它字段保持不变")

	require.NoError(t, st.Delete(ctx, domain.RoomMetaPath("r1")))
	_, err = st.Read(ctx, domain.RoomMetaPath("r1"))
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.NoError(t, st.Delete(ctx, domain.RoomMetaPath("missing")), "删除不存在的路径不是错误")
}

func TestStore_UpdateRequiresExistingEntry(t *testing.T) {
	mr := miniredis.RunT(t)
	st := newTestStore(t, mr, "")
	ctx := context.Background()

	err := st.Update(ctx, domain.RoomLastActivePath("r1"), 42)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = st.Read(ctx, domain.RoomMetaPath("r1"))
	assert.True(t, errors.Is(err, store.ErrNotFound), "条目不存在时不能只写回一个字段")

	require.NoError(t, st.Write(ctx, domain.RoomMetaPath("r1"), domain.RoomMeta{ID: "r1", Name: "room", CreatedAt: 1, LastActive: 1}))
	require.NoError(t, st.Update(ctx, domain.RoomLastActivePath("r1"), 42))
	full, err := st.Read(ctx, domain.RoomMetaPath("r1"))
	require.NoError(t, err)
	assert.Equal(t, 42.0, full.(map[string]interface{})["lastActive"])
	assert.Equal(t, "room", full.(map[string]interface{})["name"])

	err = st.Update(ctx, domain.RoomMetaPath("r1"), 1)
	assert.True(t, errors.Is(err, store.ErrUnsupportedPath), "只支持更新条目内的字段")
}

func TestStore_RoomSubtreeIsAggregate(t *testing.T) {
	mr := miniredis.RunT(t)
	st := newTestStore(t, mr, "")
	ctx := context.Background()

	require.NoError(t, st.Write(ctx, domain.ObjectPath("r1", "o1"), map[string]interface{}{"type": "rect"}))
	require.NoError(t, st.Write(ctx, domain.UserPath("r1", "alice"), domain.PresenceEntry{ID: "alice"}))

	v, err := st.Read(ctx, domain.RoomPath("r1"))
	require.NoError(t, err)
	room := v.(map[string]interface{})
	assert.Contains(t, room, "objects")
	assert.Contains(t, room, "users")

	require.NoError(t, st.Delete(ctx, domain.RoomPath("r1")))
	_, err = st.Read(ctx, domain.RoomPath("r1"))
	assert.True(t, errors.Is(err, store.ErrNotFound), "房间子树应整体删除")
}

func TestStore_ChildEventsAcrossSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	writer := newTestStore(t, mr, "writer")
	reader := newTestStore(t, mr, "reader")
	ctx := context.Background()

	require.NoError(t, writer.Write(ctx, domain.ObjectPath("r1", "a"), map[string]interface{}{"type": "rect"}))

	rec := &recorder{}
	unsub, err := reader.SubscribeChildEvents(domain.ObjectsPath("r1"), store.ChildHandlers{
		OnAdded:   func(key string, _ interface{}) { rec.add("added:" + key) },
		OnChanged: func(key string, _ interface{}) { rec.add("changed:" + key) },
		OnRemoved: func(key string, _ interface{}) { rec.add("removed:" + key) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"added:a"}, rec.snapshot(), "已有子节点在订阅时同步投递")

	require.NoError(t, writer.Write(ctx, domain.ObjectPath("r1", "b"), map[string]interface{}{"type": "circle"}))
	// 订阅方收到通知后重新读取，先等 added 投递完再修改同一个 key
	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, writer.Write(ctx, domain.ObjectPath("r1", "b")+"/left", 10))
	require.NoError(t, writer.Delete(ctx, domain.ObjectPath("r1", "a")))

	want := []string{"added:a", "added:b", "changed:b", "removed:a"}
	assert.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, rec.snapshot()) }, time.Second, 5*time.Millisecond)

	unsub()
	unsub()
	require.NoError(t, writer.Write(ctx, domain.ObjectPath("r1", "c"), map[string]interface{}{"type": "line"}))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, want, rec.snapshot(), "取消订阅后不再收到事件")
}

func TestStore_ValueSubscription(t *testing.T) {
	mr := miniredis.RunT(t)
	st := newTestStore(t, mr, "s")
	ctx := context.Background()

	var mu sync.Mutex
	var values []interface{}
	unsub, err := st.SubscribeValue(domain.UsersPath("r1"), func(v interface{}) {
		mu.Lock()
		values = append(values, v)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, st.Write(ctx, domain.UserPath("r1", "alice"), domain.PresenceEntry{ID: "alice"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 2
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Nil(t, values[0], "不存在的值以 nil 回调")
	assert.Contains(t, values[1].(map[string]interface{}), "alice")
}

// writeWhileDown 模拟断线期间其它节点的写入：数据落盘了，但通知没有送达本进程
func writeWhileDown(t *testing.T, mr *miniredis.Miniredis, st *Store, collection, key, value string) {
	t.Helper()
	mr.Close()
	assert.Eventually(t, func() bool { return !st.Connected() }, time.Second, 5*time.Millisecond)
	mr.HSet(st.keys.tree(collection), key, value)
	require.NoError(t, mr.Restart())
}

func TestStore_ChildSubscriptionResyncsAfterReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	reader := newTestStore(t, mr, "reader")
	ctx := context.Background()
	require.NoError(t, reader.Write(ctx, domain.ObjectPath("r1", "kept"), map[string]interface{}{"type": "rect"}))

	rec := &recorder{}
	unsub, err := reader.SubscribeChildEvents(domain.ObjectsPath("r1"), store.ChildHandlers{
		OnAdded:   func(key string, _ interface{}) { rec.add("added:" + key) },
		OnChanged: func(key string, _ interface{}) { rec.add("changed:" + key) },
		OnRemoved: func(key string, _ interface{}) { rec.add("removed:" + key) },
	})
	require.NoError(t, err)
	defer unsub()
	require.Equal(t, []string{"added:kept"}, rec.snapshot())

	writeWhileDown(t, mr, reader, domain.ObjectsPath("r1"), "missed", `{"type":"circle"}`)

	assert.Eventually(t, func() bool { return reader.Connected() }, 2*time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"added:kept", "added:missed"}, rec.snapshot())
	}, 2*time.Second, 10*time.Millisecond, "重连后应补发断线期间漏掉的变更")

	// 重连之后的普通通知照常工作
	require.NoError(t, reader.Delete(ctx, domain.ObjectPath("r1", "kept")))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"added:kept", "added:missed", "removed:kept"}, rec.snapshot())
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_ValueSubscriptionResyncsAfterReconnect(t *testing.T) {
	mr := miniredis.RunT(t)
	reader := newTestStore(t, mr, "reader")

	var mu sync.Mutex
	var values []interface{}
	unsub, err := reader.SubscribeValue(domain.UsersPath("r1"), func(v interface{}) {
		mu.Lock()
		values = append(values, v)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	writeWhileDown(t, mr, reader, domain.UsersPath("r1"), "bob", `{"id":"bob","name":"Bob"}`)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		if len(values) != 2 {
			return false
		}
		m, ok := values[1].(map[string]interface{})
		return ok && m["bob"] != nil
	}, 2*time.Second, 10*time.Millisecond, "名单应包含断线期间加入的参与者")
}

func TestStore_DisconnectCleanupRunsOnSweep(t *testing.T) {
	mr := miniredis.RunT(t)
	server := newTestStore(t, mr, "")
	alice := newTestStore(t, mr, "alice-session")
	ctx := context.Background()

	path := domain.UserPath("r1", "alice")
	require.NoError(t, alice.Write(ctx, path, domain.PresenceEntry{ID: "alice"}))
	require.NoError(t, alice.RegisterDisconnectCleanup(ctx, path))

	sweeper := NewSessionSweeper(server)
	n, err := sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "心跳未过期时不清理")

	// 模拟进程崩溃后心跳过期
	sweeper.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = server.Read(ctx, path)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	n, err = sweeper.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "同一会话只清理一次")
}

func TestStore_CleanupRejectsNestedPaths(t *testing.T) {
	mr := miniredis.RunT(t)
	alice := newTestStore(t, mr, "alice-session")
	server := newTestStore(t, mr, "")

	err := alice.RegisterDisconnectCleanup(context.Background(), domain.UsersPath("r1"))
	assert.True(t, errors.Is(err, store.ErrUnsupportedPath))
	err = server.RegisterDisconnectCleanup(context.Background(), domain.UserPath("r1", "x"))
	assert.True(t, errors.Is(err, store.ErrUnsupportedPath), "没有会话时不能登记清理")
}

func TestStore_CloseRunsCleanup(t *testing.T) {
	mr := miniredis.RunT(t)
	server := newTestStore(t, mr, "")
	alice := newTestStore(t, mr, "alice-session")
	ctx := context.Background()

	path := domain.UserPath("r1", "alice")
	require.NoError(t, alice.Write(ctx, path, domain.PresenceEntry{ID: "alice"}))
	require.NoError(t, alice.RegisterDisconnectCleanup(ctx, path))

	require.NoError(t, alice.Close())
	require.NoError(t, alice.Close())

	_, err := server.Read(ctx, path)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(alice.Write(ctx, path, 1), store.ErrClosed))
}

func TestStore_ConnectionStateFollowsPing(t *testing.T) {
	mr := miniredis.RunT(t)
	st := newTestStore(t, mr, "s")

	rec := &recorder{}
	unsub := st.OnConnectionStateChange(func(connected bool) {
		if connected {
			rec.add("up")
		} else {
			rec.add("down")
		}
	})
	defer unsub()

	mr.SetError("ERR simulated outage")
	assert.Eventually(t, func() bool { return !st.Connected() }, time.Second, 5*time.Millisecond)
	mr.SetError("")
	assert.Eventually(t, func() bool { return st.Connected() }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"up", "down", "up"}, rec.snapshot())
}

func TestWrapErr_MapsACLDenial(t *testing.T) {
	mr := miniredis.RunT(t)
	st := newTestStore(t, mr, "")

	err := st.wrapErr(errors.New("NOPERM this user has no permissions to access one of the keys"), "rooms_meta/r1")
	assert.True(t, errors.Is(err, store.ErrAccessDenied))
	assert.Nil(t, st.wrapErr(nil, "x"))
}

func TestRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	limiter := NewRateLimiter(rdb, "test:")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		exceeded, err := limiter.CheckRateLimit(ctx, "ip:1", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, exceeded, "第 %d 次请求不应超限", i+1)
	}
	exceeded, err := limiter.CheckRateLimit(ctx, "ip:1", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, exceeded)

	mr.FastForward(2 * time.Minute)
	exceeded, err = limiter.CheckRateLimit(ctx, "ip:1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, exceeded, "窗口过期后重新计数")
}
