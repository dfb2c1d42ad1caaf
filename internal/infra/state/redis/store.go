// Package redisstate 用 Redis 实现 store.SharedStore。
//
// 布局：每个集合 (rooms_meta、rooms/{id}/objects、rooms/{id}/users) 是一个 Hash，
// field 为子节点 key，值为 JSON。每次修改后在集合对应的频道上发布被修改的 key，
// 订阅方收到后重新读取，因此乱序或重复的通知不会导致状态错误。
package redisstate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/store"
)

const (
	// resyncAll 通知订阅方整个集合都需要重新读取
	resyncAll = "*"

	defaultPingInterval = 5 * time.Second
	defaultSessionTTL   = 30 * time.Second
	maxTxRetries        = 10
)

// Options 配置 Store
type Options struct {
	KeyPrefix string
	// SessionID 为空时不支持 RegisterDisconnectCleanup (例如服务端后台任务使用的实例)
	SessionID    string
	SessionTTL   time.Duration
	PingInterval time.Duration
}

// Store 是连接到 Redis 的一个 SharedStore 会话
type Store struct {
	rdb          *redis.Client
	keys         keyspace
	sessionID    string
	sessionTTL   time.Duration
	pingInterval time.Duration
	log          *logrus.Entry

	mu         sync.Mutex
	connected  bool
	closed     bool
	connSubs   map[int]func(bool)
	nextID     int
	subs       map[int]*subscription
	hasHooks   bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

var _ store.SharedStore = (*Store)(nil)

// New 创建 Store 并启动连接探测循环
func New(rdb *redis.Client, opts Options) *Store {
	if rdb == nil {
		panic("redis client cannot be nil for redisstate.Store")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "canvas:"
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaultSessionTTL
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	s := &Store{
		rdb:          rdb,
		keys:         keyspace{prefix: opts.KeyPrefix},
		sessionID:    opts.SessionID,
		sessionTTL:   opts.SessionTTL,
		pingInterval: opts.PingInterval,
		log:          logrus.WithFields(logrus.Fields{"component": "redis_store", "session_id": opts.SessionID}),
		connSubs:     make(map[int]func(bool)),
		subs:         make(map[int]*subscription),
		loopDone:     make(chan struct{}),
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancelLoop = cancel
	s.connected = s.ping(ctx)
	go s.pingLoop(ctx)
	return s
}

// SessionID 返回会话标识
func (s *Store) SessionID() string { return s.sessionID }

// Read 实现 store.SharedStore
func (s *Store) Read(ctx context.Context, path string) (interface{}, error) {
	t, err := resolve(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, path)
	}

	switch {
	case t.aggregate != nil:
		out := make(map[string]interface{})
		for i, coll := range t.aggregate {
			children, err := s.readCollection(ctx, coll)
			if err != nil {
				return nil, err
			}
			if len(children) > 0 {
				out[t.names[i]] = children
			}
		}
		if len(out) == 0 {
			return nil, store.ErrNotFound
		}
		return out, nil

	case t.isCollection():
		children, err := s.readCollection(ctx, t.collection)
		if err != nil {
			return nil, err
		}
		if len(children) == 0 {
			return nil, store.ErrNotFound
		}
		return children, nil

	default:
		child, err := s.readChild(ctx, t.collection, t.key)
		if err != nil {
			return nil, err
		}
		v := getNested(child, t.sub)
		if v == nil {
			return nil, store.ErrNotFound
		}
		return v, nil
	}
}

// Write 实现 store.SharedStore
func (s *Store) Write(ctx context.Context, path string, value interface{}) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	normalized, err := store.Normalize(value)
	if err != nil {
		return err
	}
	if isEmpty(normalized) {
		return s.Delete(ctx, path)
	}

	t, err := resolve(path)
	if err != nil {
		return fmt.Errorf("%w: %s", err, path)
	}

	switch {
	case t.aggregate != nil:
		m, ok := normalized.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: %s expects an object", store.ErrInvalidPath, path)
		}
		for i, coll := range t.aggregate {
			if err := s.Write(ctx, coll, m[t.names[i]]); err != nil {
				return err
			}
		}
		return nil

	case t.isCollection():
		m, ok := normalized.(map[string]interface{})
		if !ok {
			return fmt.Errorf("%w: %s expects an object", store.ErrInvalidPath, path)
		}
		return s.replaceCollection(ctx, t.collection, m)

	case len(t.sub) == 0:
		raw, err := json.Marshal(normalized)
		if err != nil {
			return err
		}
		_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.keys.tree(t.collection), t.key, raw)
			pipe.Publish(ctx, s.keys.events(t.collection), t.key)
			return nil
		})
		return s.wrapErr(err, path)

	default:
		return s.updateChild(ctx, t, func(child interface{}) (interface{}, error) {
			return setNested(child, t.sub, normalized), nil
		})
	}
}

// Update 实现 store.SharedStore。只支持集合子节点内部的路径 (例如 rooms_meta/{id}/lastActive)，
// 子节点的存在性检查和写入在同一个 WATCH 事务中完成。
func (s *Store) Update(ctx context.Context, path string, value interface{}) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	normalized, err := store.Normalize(value)
	if err != nil {
		return err
	}
	t, err := resolve(path)
	if err != nil {
		return fmt.Errorf("%w: %s", err, path)
	}
	if t.aggregate != nil || t.isCollection() || len(t.sub) == 0 {
		return fmt.Errorf("%w: update on %s", store.ErrUnsupportedPath, path)
	}

	parent := t.sub[:len(t.sub)-1]
	return s.updateChild(ctx, t, func(child interface{}) (interface{}, error) {
		if getNested(child, parent) == nil {
			return nil, fmt.Errorf("%w: parent of %s", store.ErrNotFound, path)
		}
		if isEmpty(normalized) {
			return deleteNested(child, t.sub), nil
		}
		return setNested(child, t.sub, normalized), nil
	})
}

// Delete 实现 store.SharedStore。删除不存在的路径不是错误。
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	t, err := resolve(path)
	if err != nil {
		return fmt.Errorf("%w: %s", err, path)
	}

	switch {
	case t.aggregate != nil:
		for _, coll := range t.aggregate {
			if err := s.Delete(ctx, coll); err != nil {
				return err
			}
		}
		return nil

	case t.isCollection():
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, s.keys.tree(t.collection))
			pipe.Publish(ctx, s.keys.events(t.collection), resyncAll)
			return nil
		})
		return s.wrapErr(err, path)

	case len(t.sub) == 0:
		_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HDel(ctx, s.keys.tree(t.collection), t.key)
			pipe.Publish(ctx, s.keys.events(t.collection), t.key)
			return nil
		})
		return s.wrapErr(err, path)

	default:
		return s.updateChild(ctx, t, func(child interface{}) (interface{}, error) {
			return deleteNested(child, t.sub), nil
		})
	}
}

// AllocateKey 实现 store.SharedStore
func (s *Store) AllocateKey(parentPath string) string {
	return store.NewKey()
}

// OnConnectionStateChange 实现 store.SharedStore
func (s *Store) OnConnectionStateChange(callback func(connected bool)) store.Unsubscribe {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.connSubs[id] = callback
	connected := s.connected
	s.mu.Unlock()

	callback(connected)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.connSubs, id)
			s.mu.Unlock()
		})
	}
}

// Connected 返回最近一次探测的连接状态
func (s *Store) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close 关闭会话：取消订阅、停止探测，并执行已登记的断线清理
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := make([]*subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[int]*subscription)
	s.connSubs = make(map[int]func(bool))
	hasHooks := s.hasHooks
	s.mu.Unlock()

	s.cancelLoop()
	<-s.loopDone
	for _, sub := range subs {
		sub.close()
	}

	if hasHooks {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := runSessionHooks(ctx, s.rdb, s.keys, s.sessionID, s.deleteAsServer); err != nil {
			s.log.WithError(err).Warn("Failed to run disconnect cleanup on close")
		}
	}
	return nil
}

// --- 内部读写 ---

func (s *Store) readCollection(ctx context.Context, collection string) (map[string]interface{}, error) {
	fields, err := s.rdb.HGetAll(ctx, s.keys.tree(collection)).Result()
	if err != nil {
		return nil, s.wrapErr(err, collection)
	}
	out := make(map[string]interface{}, len(fields))
	for k, raw := range fields {
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"collection": collection, "key": k}).Warn("Skipping malformed child")
			continue
		}
		out[k] = v
	}
	return out, nil
}

func (s *Store) readChild(ctx context.Context, collection, key string) (interface{}, error) {
	raw, err := s.rdb.HGet(ctx, s.keys.tree(collection), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, s.wrapErr(err, collection+"/"+key)
	}
	var v interface{}
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("redis: malformed value at %s/%s: %w", collection, key, err)
	}
	return v, nil
}

func (s *Store) replaceCollection(ctx context.Context, collection string, children map[string]interface{}) error {
	values := make([]interface{}, 0, len(children)*2)
	for k, v := range children {
		if _, err := store.Split(k); err != nil {
			return err
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		values = append(values, k, raw)
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := s.keys.tree(collection)
		pipe.Del(ctx, key)
		if len(values) > 0 {
			pipe.HSet(ctx, key, values...)
		}
		pipe.Publish(ctx, s.keys.events(collection), resyncAll)
		return nil
	})
	return s.wrapErr(err, collection)
}

// updateChild 用 WATCH/MULTI 对一个子节点做读-改-写
// mutate 返回错误时放弃本次事务，错误原样返回给调用方。
func (s *Store) updateChild(ctx context.Context, t target, mutate func(child interface{}) (interface{}, error)) error {
	hashKey := s.keys.tree(t.collection)
	txf := func(tx *redis.Tx) error {
		var child interface{}
		raw, err := tx.HGet(ctx, hashKey, t.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(raw), &child); err != nil {
				return fmt.Errorf("redis: malformed value at %s/%s: %w", t.collection, t.key, err)
			}
		}

		updated, err := mutate(child)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if isEmpty(updated) {
				pipe.HDel(ctx, hashKey, t.key)
			} else {
				encoded, err := json.Marshal(updated)
				if err != nil {
					return err
				}
				pipe.HSet(ctx, hashKey, t.key, encoded)
			}
			pipe.Publish(ctx, s.keys.events(t.collection), t.key)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, hashKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, store.ErrNotFound) {
			return err
		}
		return s.wrapErr(err, t.collection+"/"+t.key)
	}
	return fmt.Errorf("redis: too many concurrent updates on %s/%s", t.collection, t.key)
}

// deleteAsServer 供断线清理使用，绕过会话的关闭状态检查
func (s *Store) deleteAsServer(ctx context.Context, path string) error {
	t, err := resolve(path)
	if err != nil {
		return err
	}
	if t.aggregate != nil || t.isCollection() || len(t.sub) > 0 {
		// 断线清理只会登记单个子节点
		return fmt.Errorf("%w: cleanup path %s", store.ErrUnsupportedPath, path)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.keys.tree(t.collection), t.key)
		pipe.Publish(ctx, s.keys.events(t.collection), t.key)
		return nil
	})
	return err
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

// wrapErr 把 Redis ACL 拒绝映射为 store.ErrAccessDenied
func (s *Store) wrapErr(err error, path string) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "NOPERM") {
		return fmt.Errorf("%w: %s", store.ErrAccessDenied, path)
	}
	return fmt.Errorf("redis: %s: %w", path, err)
}

// --- 连接探测 ---

func (s *Store) ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, s.pingInterval)
	defer cancel()
	return s.rdb.Ping(pingCtx).Err() == nil
}

func (s *Store) pingLoop(ctx context.Context) {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok := s.ping(ctx)
			if ctx.Err() != nil {
				return
			}
			s.setConnected(ok)
			if ok {
				s.heartbeat(ctx)
			}
		}
	}
}

func (s *Store) setConnected(connected bool) {
	s.mu.Lock()
	if s.connected == connected || s.closed {
		s.mu.Unlock()
		return
	}
	s.connected = connected
	callbacks := make([]func(bool), 0, len(s.connSubs))
	for id := 1; id <= s.nextID; id++ {
		if cb, ok := s.connSubs[id]; ok {
			callbacks = append(callbacks, cb)
		}
	}
	// 断线期间的通知已经丢失，恢复后每个订阅都要重新读取一次
	if connected {
		for _, sub := range s.subs {
			sub.requestResync()
		}
	}
	s.mu.Unlock()

	if connected {
		s.log.Info("Redis connection restored")
	} else {
		s.log.Warn("Redis connection lost")
	}
	for _, cb := range callbacks {
		cb(connected)
	}
}

// --- 值工具 ---

func isEmpty(value interface{}) bool {
	if value == nil {
		return true
	}
	if m, ok := value.(map[string]interface{}); ok && len(m) == 0 {
		return true
	}
	return false
}

func getNested(v interface{}, sub []string) interface{} {
	for _, s := range sub {
		m, ok := v.(map[string]interface{})
		if !ok {
			return nil
		}
		v = m[s]
	}
	return v
}

func setNested(v interface{}, sub []string, value interface{}) interface{} {
	if len(sub) == 0 {
		return value
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		m = make(map[string]interface{})
	}
	m[sub[0]] = setNested(m[sub[0]], sub[1:], value)
	return m
}

func deleteNested(v interface{}, sub []string) interface{} {
	m, ok := v.(map[string]interface{})
	if !ok {
		return v
	}
	if len(sub) == 1 {
		delete(m, sub[0])
		return m
	}
	child := deleteNested(m[sub[0]], sub[1:])
	if isEmpty(child) {
		delete(m, sub[0])
	} else {
		m[sub[0]] = child
	}
	return m
}

func equalValues(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
