package worker

import (
	"context"
	"errors"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"collaborative-canvas/internal/tasks"
)

// WorkerServer 封装了 Asynq Worker Server 的启动和关闭逻辑
type WorkerServer struct {
	server  *asynq.Server
	log     *logrus.Entry
	reaper  RoomReaper
	sweeper ExpiredSessionSweeper
}

// NewWorkerServer 创建一个新的 WorkerServer 实例。sweeper 为 nil 时不处理会话清理任务。
func NewWorkerServer(redisOpt asynq.RedisClientOpt, reaper RoomReaper, sweeper ExpiredSessionSweeper, logger *logrus.Logger) *WorkerServer {
	logEntry := logger.WithField("component", "worker_server")

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				tasks.QueueDefault: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskID := ""
				if rw := task.ResultWriter(); rw != nil {
					taskID = rw.TaskID()
				}
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_id":   taskID,
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).Errorf("Task failed: %v", err)
			}),
		},
	)

	return &WorkerServer{
		server:  server,
		log:     logEntry,
		reaper:  reaper,
		sweeper: sweeper,
	}
}

// NewServeMux 注册所有任务处理器
func NewServeMux(reaper RoomReaper, sweeper ExpiredSessionSweeper) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeRoomReap, NewRoomReapHandler(reaper).ProcessTask)
	if sweeper != nil {
		mux.HandleFunc(tasks.TypeSessionSweep, NewSessionSweepHandler(sweeper).ProcessTask)
	}
	return mux
}

// Start 运行 Worker Server，应该在一个单独的 goroutine 中调用
func (ws *WorkerServer) Start() {
	mux := NewServeMux(ws.reaper, ws.sweeper)

	ws.log.Info("Worker server starting...")
	if err := ws.server.Run(mux); err != nil {
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, asynq.ErrServerClosed) {
			ws.log.Fatalf("Could not run worker server: %v", err)
		} else {
			ws.log.Info("Worker server stopped.")
		}
	}
}

// Shutdown 优雅地关闭 Worker Server
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}
