package repository

import (
	"context"
	"time"

	"collaborative-canvas/internal/domain"
)

// RoomArchiveRepository 记录房间的创建和回收，用于审计。
// 共享存储中的房间被回收后数据即消失，归档表是唯一的历史记录。
type RoomArchiveRepository interface {
	// RecordCreated 写入一条创建记录。
	// 同一个房间 ID 已存在时返回 ErrDuplicateEntry。
	RecordCreated(ctx context.Context, meta *domain.RoomMeta) error

	// RecordReaped 标记房间已被回收。记录不存在时返回 ErrRoomRecordNotFound。
	RecordReaped(ctx context.Context, roomID string, reason string, at time.Time) error

}
