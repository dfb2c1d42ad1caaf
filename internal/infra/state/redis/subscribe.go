package redisstate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/store"
)

const (
	channelSize = 100
	// resyncRetryDelay 是完整重读失败后再次尝试的间隔
	resyncRetryDelay = 500 * time.Millisecond
)

// subscription 是一个频道订阅及其处理 goroutine
type subscription struct {
	ps     *redis.PubSub
	ctx    context.Context
	cancel context.CancelFunc
	resync chan struct{}
	closed atomic.Bool
	once   sync.Once
}

func (sub *subscription) close() {
	sub.once.Do(func() {
		sub.closed.Store(true)
		sub.cancel()
		_ = sub.ps.Close()
	})
}

func (sub *subscription) active() bool { return !sub.closed.Load() }

// requestResync 让处理 goroutine 重新完整读取一次。不阻塞，多次请求合并为一次。
func (sub *subscription) requestResync() {
	select {
	case sub.resync <- struct{}{}:
	default:
	}
}

// run 处理频道消息直到订阅关闭。onKey 处理单个子节点的变更通知；
// 断线期间发布的通知不会补发，所以重连后重新订阅的确认、resyncAll 和 requestResync
// 都会触发 onResync 做一次完整重读。重读失败时稍后重试。
func (sub *subscription) run(onKey func(key string), onResync func() error) {
	msgs := sub.ps.ChannelWithSubscriptions(sub.ctx, channelSize)
	var retry <-chan time.Time
	resync := func() {
		retry = nil
		if !sub.active() {
			return
		}
		if err := onResync(); err != nil {
			retry = time.After(resyncRetryDelay)
		}
	}
	for {
		select {
		case <-sub.ctx.Done():
			return
		case <-sub.resync:
			resync()
		case <-retry:
			resync()
		case m, ok := <-msgs:
			if !ok || !sub.active() {
				return
			}
			switch m := m.(type) {
			case *redis.Subscription:
				if m.Kind == "subscribe" {
					resync()
				}
			case *redis.Message:
				if m.Payload == resyncAll {
					resync()
				} else {
					onKey(m.Payload)
				}
			}
		}
	}
}

// SubscribeChildEvents 实现 store.SharedStore，只支持集合路径。
// 回调在订阅自己的 goroutine 中执行。
func (s *Store) SubscribeChildEvents(path string, handlers store.ChildHandlers) (store.Unsubscribe, error) {
	t, err := resolve(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, path)
	}
	if !t.isCollection() {
		return nil, fmt.Errorf("%w: child events on %s", store.ErrUnsupportedPath, path)
	}

	sub, id, err := s.openSubscription(t.collection)
	if err != nil {
		return nil, err
	}
	ctx := sub.ctx

	mirror, err := s.readCollection(ctx, t.collection)
	if err != nil {
		s.dropSubscription(id, sub)
		return nil, err
	}
	for _, k := range sortedKeys(mirror) {
		if handlers.OnAdded != nil {
			handlers.OnAdded(k, store.Clone(mirror[k]))
		}
	}

	logCtx := s.log.WithFields(logrus.Fields{"collection": t.collection, "subscription": "child"})
	onKey := func(key string) {
		value, err := s.readChild(ctx, t.collection, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			logCtx.WithError(err).WithField("key", key).Warn("Failed to read changed child")
			return
		}
		prev, had := mirror[key]
		switch {
		case errors.Is(err, store.ErrNotFound):
			if had {
				delete(mirror, key)
				if sub.active() && handlers.OnRemoved != nil {
					handlers.OnRemoved(key, prev)
				}
			}
		case !had:
			mirror[key] = value
			if sub.active() && handlers.OnAdded != nil {
				handlers.OnAdded(key, store.Clone(value))
			}
		case !equalValues(prev, value):
			mirror[key] = value
			if sub.active() && handlers.OnChanged != nil {
				handlers.OnChanged(key, store.Clone(value))
			}
		}
	}
	onResync := func() error {
		current, err := s.readCollection(ctx, t.collection)
		if err != nil {
			logCtx.WithError(err).Warn("Failed to resync collection")
			return err
		}
		diffChildren(sub, mirror, current, handlers)
		mirror = current
		return nil
	}
	go sub.run(onKey, onResync)

	return s.unsubscribeFunc(id, sub), nil
}

// SubscribeValue 实现 store.SharedStore，支持集合以及集合内的任意路径
func (s *Store) SubscribeValue(path string, onChange func(value interface{})) (store.Unsubscribe, error) {
	t, err := resolve(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, path)
	}
	if t.aggregate != nil {
		return nil, fmt.Errorf("%w: value subscription on %s", store.ErrUnsupportedPath, path)
	}

	sub, id, err := s.openSubscription(t.collection)
	if err != nil {
		return nil, err
	}
	ctx := sub.ctx

	read := func() (interface{}, error) {
		v, err := s.Read(ctx, path)
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return v, err
	}

	current, err := read()
	if err != nil {
		s.dropSubscription(id, sub)
		return nil, err
	}
	onChange(store.Clone(current))

	logCtx := s.log.WithFields(logrus.Fields{"path": path, "subscription": "value"})
	refresh := func() error {
		next, err := read()
		if err != nil {
			logCtx.WithError(err).Warn("Failed to re-read subscribed value")
			return err
		}
		if equalValues(current, next) {
			return nil
		}
		current = next
		if sub.active() {
			onChange(store.Clone(next))
		}
		return nil
	}
	onKey := func(key string) {
		if !t.isCollection() && key != t.key {
			return
		}
		_ = refresh()
	}
	go sub.run(onKey, refresh)

	return s.unsubscribeFunc(id, sub), nil
}

// openSubscription 订阅集合频道并等待 Redis 确认，之后再做初始读取
func (s *Store) openSubscription(collection string) (*subscription, int, error) {
	if err := s.checkOpen(); err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := s.rdb.Subscribe(ctx, s.keys.events(collection))
	if _, err := ps.Receive(ctx); err != nil {
		cancel()
		_ = ps.Close()
		return nil, 0, s.wrapErr(err, collection)
	}
	sub := &subscription{ps: ps, ctx: ctx, cancel: cancel, resync: make(chan struct{}, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sub.close()
		return nil, 0, store.ErrClosed
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = sub
	s.mu.Unlock()
	return sub, id, nil
}

func (s *Store) dropSubscription(id int, sub *subscription) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
	sub.close()
}

func (s *Store) unsubscribeFunc(id int, sub *subscription) store.Unsubscribe {
	return func() { s.dropSubscription(id, sub) }
}

// diffChildren 比较两次完整读取的结果并投递相应事件
func diffChildren(sub *subscription, prev, next map[string]interface{}, handlers store.ChildHandlers) {
	for _, k := range sortedKeys(prev) {
		if _, ok := next[k]; !ok && sub.active() && handlers.OnRemoved != nil {
			handlers.OnRemoved(k, prev[k])
		}
	}
	for _, k := range sortedKeys(next) {
		old, had := prev[k]
		switch {
		case !had:
			if sub.active() && handlers.OnAdded != nil {
				handlers.OnAdded(k, store.Clone(next[k]))
			}
		case !equalValues(old, next[k]):
			if sub.active() && handlers.OnChanged != nil {
				handlers.OnChanged(k, store.Clone(next[k]))
			}
		}
	}
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
