package tasks

import (
	"github.com/hibiken/asynq"
)

// 周期任务类型，由 asynq scheduler 按固定间隔入队
const (
	TypeRoomReap     = "room:reap"     // 回收长时间无人的房间
	TypeSessionSweep = "session:sweep" // 执行心跳过期会话的断线清理

	// QueueDefault 是所有周期任务使用的唯一队列
	QueueDefault = "default"
)

// NewRoomReapTask 创建一个回收任务。回收参数由 worker 端的 Reaper 配置决定，任务本身不带 payload。
func NewRoomReapTask() *asynq.Task {
	return asynq.NewTask(TypeRoomReap, nil)
}

// NewSessionSweepTask 创建一个会话清理任务
func NewSessionSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSessionSweep, nil)
}
