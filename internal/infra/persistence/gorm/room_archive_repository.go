package gormpersistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/repository"
)

// mysqlDuplicateEntry 是 MySQL 唯一约束冲突的错误码
const mysqlDuplicateEntry = 1062

// GormRoomArchiveRepository 是 RoomArchiveRepository 接口的 GORM 实现
type GormRoomArchiveRepository struct {
	db *gorm.DB
}

var _ repository.RoomArchiveRepository = (*GormRoomArchiveRepository)(nil)

// NewGormRoomArchiveRepository 创建 GormRoomArchiveRepository 实例
func NewGormRoomArchiveRepository(db *gorm.DB) *GormRoomArchiveRepository {
	if db == nil {
		panic("database connection cannot be nil for GormRoomArchiveRepository")
	}
	return &GormRoomArchiveRepository{db: db}
}

// RecordCreated 实现写入创建记录
func (r *GormRoomArchiveRepository) RecordCreated(ctx context.Context, meta *domain.RoomMeta) error {
	record := &domain.RoomRecord{
		RoomID:      meta.ID,
		Name:        meta.Name,
		HasPassword: meta.HasPassword,
	}
	if meta.CreatedAt > 0 {
		record.CreatedAt = time.UnixMilli(meta.CreatedAt)
	}
	err := r.db.WithContext(ctx).Create(record).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry {
			return repository.ErrDuplicateEntry
		}
		return fmt.Errorf("gorm: create room record (room_id: %s): %w", meta.ID, err)
	}
	return nil
}

// RecordReaped 实现标记房间已回收
func (r *GormRoomArchiveRepository) RecordReaped(ctx context.Context, roomID string, reason string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&domain.RoomRecord{}).
		Where("room_id = ?", roomID).
		Updates(map[string]interface{}{"reaped_at": at, "reap_reason": reason})
	if result.Error != nil {
		return fmt.Errorf("gorm: mark room record reaped (room_id: %s): %w", roomID, result.Error)
	}
	if result.RowsAffected == 0 {
		return repository.ErrRoomRecordNotFound
	}
	return nil
}
