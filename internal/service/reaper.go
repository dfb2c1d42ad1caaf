package service

import (
	"context"
	"errors"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/store"

	"github.com/sirupsen/logrus"
)

const (
	DefaultReapInterval    = 60 * time.Second
	DefaultInactiveTimeout = 5 * time.Minute

	reapReasonInactive = "inactive"
)

// ReaperConfig 配置回收周期
type ReaperConfig struct {
	Interval        time.Duration
	InactiveTimeout time.Duration
	// Now 为 nil 时使用 time.Now
	Now func() time.Time
}

// ReapReport 汇总一轮回收的结果
type ReapReport struct {
	Checked  int
	Reaped   []string
	Failures []*PartialCleanupError
}

// Reaper 周期性地删除长时间无人且无活动的房间。
// 先删子树再删元数据，元数据是唯一的重试标记：任一步失败时房间仍在目录里，
// 下一轮 (可能是另一个进程里的 Reaper) 会重新判断并补删。子树删除是幂等的。
type Reaper struct {
	store   store.SharedStore
	archive repository.RoomArchiveRepository
	cfg     ReaperConfig
	log     *logrus.Entry
}

// NewReaper 创建 Reaper 实例。archive 可以为 nil。
func NewReaper(st store.SharedStore, archive repository.RoomArchiveRepository, cfg ReaperConfig) *Reaper {
	if st == nil {
		panic("SharedStore cannot be nil for Reaper")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.InactiveTimeout <= 0 {
		cfg.InactiveTimeout = DefaultInactiveTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reaper{
		store:   st,
		archive: archive,
		cfg:     cfg,
		log:     logrus.WithField("component", "reaper"),
	}
}

// Run 每个周期执行一次 ReapOnce，直到 ctx 被取消
func (r *Reaper) Run(ctx context.Context) {
	r.log.WithFields(logrus.Fields{
		"interval": r.cfg.Interval.String(),
		"timeout":  r.cfg.InactiveTimeout.String(),
	}).Info("Reaper started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.ReapOnce(ctx); err != nil {
				r.log.WithError(err).Error("Reap cycle failed")
			}
		}
	}
}

// ReapOnce 执行一轮回收。只有读取目录失败时返回错误，单个房间的部分失败记录在报告中。
func (r *Reaper) ReapOnce(ctx context.Context) (*ReapReport, error) {
	report := &ReapReport{}

	catalog, err := r.store.Read(ctx, domain.RoomsMetaRoot)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return report, nil
		}
		return report, err
	}

	now := r.cfg.Now()
	for _, meta := range parseCatalog(catalog) {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Checked++
		logCtx := r.log.WithField("room_id", meta.ID)

		staleness := meta.Staleness(now)
		if staleness <= r.cfg.InactiveTimeout {
			continue
		}
		occupied, err := r.occupied(ctx, meta.ID)
		if err != nil {
			logCtx.WithError(err).Warn("Failed to read room presence, skipping")
			continue
		}
		if occupied {
			continue
		}

		logCtx = logCtx.WithField("staleness", staleness.String())
		if err := r.store.Delete(ctx, domain.RoomPath(meta.ID)); err != nil {
			r.fail(report, logCtx, &PartialCleanupError{RoomID: meta.ID, Stage: "subtree", Err: err})
			continue
		}
		if err := r.store.Delete(ctx, domain.RoomMetaPath(meta.ID)); err != nil {
			r.fail(report, logCtx, &PartialCleanupError{RoomID: meta.ID, Stage: "meta", Err: err})
			continue
		}

		report.Reaped = append(report.Reaped, meta.ID)
		metrics.RoomsReaped.Inc()
		r.archiveReaped(ctx, meta.ID, now)
		logCtx.Info("Room reaped")
	}
	return report, nil
}

// occupied 重新读取房间名单，非空即为有人
func (r *Reaper) occupied(ctx context.Context, roomID string) (bool, error) {
	users, err := r.store.Read(ctx, domain.UsersPath(roomID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	m, ok := users.(map[string]interface{})
	return !ok || len(m) > 0, nil
}

func (r *Reaper) fail(report *ReapReport, logCtx *logrus.Entry, perr *PartialCleanupError) {
	report.Failures = append(report.Failures, perr)
	metrics.CleanupFailures.WithLabelValues(perr.Stage).Inc()
	logCtx.WithError(perr).Error("Partial cleanup failure, will retry next cycle")
}

func (r *Reaper) archiveReaped(ctx context.Context, roomID string, at time.Time) {
	if r.archive == nil {
		return
	}
	if err := r.archive.RecordReaped(ctx, roomID, reapReasonInactive, at); err != nil {
		if errors.Is(err, repository.ErrRoomRecordNotFound) {
			r.log.WithField("room_id", roomID).Debug("No archive record for reaped room")
			return
		}
		r.log.WithError(err).WithField("room_id", roomID).Warn("Failed to archive room reaping")
	}
}
