package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/service"
)

// RoomReaper 是回收任务依赖的能力，由 service.Reaper 实现
type RoomReaper interface {
	ReapOnce(ctx context.Context) (*service.ReapReport, error)
}

// ExpiredSessionSweeper 是会话清理任务依赖的能力，由 redisstate.SessionSweeper 实现
type ExpiredSessionSweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

func taskLogContext(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	maxRetry, _ := asynq.GetMaxRetry(ctx)
	return logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
		"max_retry": maxRetry,
	})
}

// RoomReapHandler 处理周期回收任务
type RoomReapHandler struct {
	reaper RoomReaper
}

// NewRoomReapHandler 创建 Handler 实例
func NewRoomReapHandler(reaper RoomReaper) *RoomReapHandler {
	if reaper == nil {
		panic("Reaper cannot be nil for RoomReapHandler")
	}
	return &RoomReapHandler{reaper: reaper}
}

// ProcessTask 实现 asynq.Handler 接口。
// 单个房间的清理失败只记录日志，由下一轮重试，不让整个周期任务重试。
func (h *RoomReapHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogContext(ctx, t)
	logCtx.Debug("Processing room reap task...")

	report, err := h.reaper.ReapOnce(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Room reap pass failed")
		return fmt.Errorf("reap pass failed: %w", err)
	}

	logCtx = logCtx.WithFields(logrus.Fields{
		"checked":  report.Checked,
		"reaped":   len(report.Reaped),
		"failures": len(report.Failures),
	})
	if len(report.Failures) > 0 {
		logCtx.Warn("Room reap task completed with partial cleanup failures")
		return nil
	}
	logCtx.Info("Room reap task processed successfully")
	return nil
}

// SessionSweepHandler 处理断线清理任务
type SessionSweepHandler struct {
	sweeper ExpiredSessionSweeper
}

// NewSessionSweepHandler 创建 Handler 实例
func NewSessionSweepHandler(sweeper ExpiredSessionSweeper) *SessionSweepHandler {
	if sweeper == nil {
		panic("SessionSweeper cannot be nil for SessionSweepHandler")
	}
	return &SessionSweepHandler{sweeper: sweeper}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *SessionSweepHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := taskLogContext(ctx, t)

	swept, err := h.sweeper.SweepExpired(ctx)
	if err != nil {
		logCtx.WithError(err).Error("Session sweep failed")
		return fmt.Errorf("session sweep failed: %w", err)
	}
	if swept > 0 {
		logCtx.WithField("sessions", swept).Info("Expired sessions cleaned up")
	}
	return nil
}
