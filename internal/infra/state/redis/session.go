package redisstate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/store"
)

// RegisterDisconnectCleanup 实现 store.SharedStore。
// 清理路径保存在会话的 Set 中，会话心跳保存在 sessions 有序集合里 (score 为过期时间)。
// 进程退出或与 Redis 失联超过 SessionTTL 后，由 SessionSweeper 执行这些删除。
func (s *Store) RegisterDisconnectCleanup(ctx context.Context, path string) error {
	if s.sessionID == "" {
		return fmt.Errorf("%w: disconnect cleanup requires a session id", store.ErrUnsupportedPath)
	}
	if err := s.checkOpen(); err != nil {
		return err
	}
	t, err := resolve(path)
	if err != nil {
		return fmt.Errorf("%w: %s", err, path)
	}
	if t.aggregate != nil || t.isCollection() || len(t.sub) > 0 {
		return fmt.Errorf("%w: cleanup path %s", store.ErrUnsupportedPath, path)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.keys.hooks(s.sessionID), path)
		pipe.ZAdd(ctx, s.keys.sessions(), &redis.Z{Score: s.expiry(), Member: s.sessionID})
		return nil
	})
	if err != nil {
		return s.wrapErr(err, path)
	}

	s.mu.Lock()
	s.hasHooks = true
	s.mu.Unlock()
	return nil
}

func (s *Store) expiry() float64 {
	return float64(time.Now().Add(s.sessionTTL).UnixMilli())
}

// heartbeat 延长会话有效期，只在登记过清理动作后才写入
func (s *Store) heartbeat(ctx context.Context) {
	s.mu.Lock()
	hasHooks := s.hasHooks
	s.mu.Unlock()
	if !hasHooks {
		return
	}
	if err := s.rdb.ZAdd(ctx, s.keys.sessions(), &redis.Z{Score: s.expiry(), Member: s.sessionID}).Err(); err != nil {
		s.log.WithError(err).Warn("Failed to refresh session heartbeat")
	}
}

// runSessionHooks 执行一个会话登记的全部删除，然后移除该会话
func runSessionHooks(ctx context.Context, rdb *redis.Client, keys keyspace, sessionID string, del func(context.Context, string) error) error {
	paths, err := rdb.SMembers(ctx, keys.hooks(sessionID)).Result()
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := del(ctx, p); err != nil {
			return fmt.Errorf("cleanup %s: %w", p, err)
		}
	}
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys.hooks(sessionID))
		pipe.ZRem(ctx, keys.sessions(), sessionID)
		return nil
	})
	return err
}

// SessionSweeper 执行心跳已过期会话的断线清理
type SessionSweeper struct {
	st  *Store
	now func() time.Time
	log *logrus.Entry
}

// NewSessionSweeper 创建 SessionSweeper，st 通常是一个没有 SessionID 的服务端实例
func NewSessionSweeper(st *Store) *SessionSweeper {
	if st == nil {
		panic("store cannot be nil for SessionSweeper")
	}
	return &SessionSweeper{
		st:  st,
		now: time.Now,
		log: logrus.WithField("component", "session_sweeper"),
	}
}

// SweepExpired 清理所有已过期会话，返回处理的会话数。
// 通过 ZREM 认领会话，多个实例同时清理时每个会话只执行一次。
func (w *SessionSweeper) SweepExpired(ctx context.Context) (int, error) {
	rdb, keys := w.st.rdb, w.st.keys
	max := strconv.FormatInt(w.now().UnixMilli(), 10)
	expired, err := rdb.ZRangeByScore(ctx, keys.sessions(), &redis.ZRangeBy{Min: "-inf", Max: max}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: list expired sessions: %w", err)
	}

	swept := 0
	for _, sid := range expired {
		claimed, err := rdb.ZRem(ctx, keys.sessions(), sid).Result()
		if err != nil {
			return swept, fmt.Errorf("redis: claim session %s: %w", sid, err)
		}
		if claimed == 0 {
			continue
		}
		logCtx := w.log.WithField("session_id", sid)
		if err := runSessionHooks(ctx, rdb, keys, sid, w.st.deleteAsServer); err != nil {
			// 放回集合，下一轮重试
			rdb.ZAdd(ctx, keys.sessions(), &redis.Z{Score: 0, Member: sid})
			logCtx.WithError(err).Error("Failed to run disconnect cleanup")
			continue
		}
		logCtx.Info("Disconnect cleanup executed for expired session")
		swept++
	}
	return swept, nil
}

// Run 按 interval 周期执行 SweepExpired，直到 ctx 被取消。只在不使用 asynq 调度时使用。
func (w *SessionSweeper) Run(ctx context.Context, interval time.Duration) {
	w.log.WithField("interval", interval.String()).Info("Session sweeper started")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Info("Session sweeper stopped")
			return
		case <-ticker.C:
			if _, err := w.SweepExpired(ctx); err != nil {
				w.log.WithError(err).Error("Session sweep failed")
			}
		}
	}
}
