package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"
	"collaborative-canvas/internal/repository"
	"collaborative-canvas/internal/store"

	"github.com/sirupsen/logrus"
)

// RoomService 负责房间目录 (rooms_meta) 的读写。
type RoomService struct {
	store   store.SharedStore
	archive repository.RoomArchiveRepository // 可选，未配置数据库时为 nil
	now     func() time.Time
}

// NewRoomService 创建 RoomService 实例。archive 可以为 nil。
func NewRoomService(st store.SharedStore, archive repository.RoomArchiveRepository) *RoomService {
	if st == nil {
		panic("SharedStore cannot be nil for RoomService")
	}
	return &RoomService{store: st, archive: archive, now: time.Now}
}

// CreateRoom 创建一个新房间，password 为空表示公开房间。
func (s *RoomService) CreateRoom(ctx context.Context, name, password string) (*domain.RoomMeta, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidRoomName
	}

	now := s.now().UnixMilli()
	meta := &domain.RoomMeta{
		ID:          s.store.AllocateKey(domain.RoomsMetaRoot),
		Name:        name,
		HasPassword: password != "",
		CreatedAt:   now,
		LastActive:  now,
	}
	if meta.HasPassword {
		meta.Password = password
	}
	logCtx := logrus.WithFields(logrus.Fields{"room_id": meta.ID, "protected": meta.HasPassword})

	if err := s.store.Write(ctx, domain.RoomMetaPath(meta.ID), meta); err != nil {
		logCtx.WithError(err).Error("Failed to write room metadata")
		return nil, mapStoreError(err)
	}
	metrics.RoomsCreated.Inc()

	if s.archive != nil {
		if err := s.archive.RecordCreated(ctx, meta); err != nil {
			if errors.Is(err, repository.ErrDuplicateEntry) {
				logCtx.WithError(err).Warn("Room already archived")
			} else {
				logCtx.WithError(err).Error("Failed to archive room creation")
			}
		}
	}

	logCtx.Info("Room created successfully")
	return meta, nil
}

// ListRooms 返回目录中的所有房间，按创建时间倒序。
func (s *RoomService) ListRooms(ctx context.Context) ([]domain.RoomMeta, error) {
	value, err := s.store.Read(ctx, domain.RoomsMetaRoot)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return []domain.RoomMeta{}, nil
		}
		logrus.WithError(err).Error("Failed to read room catalog")
		return nil, mapStoreError(err)
	}
	return parseCatalog(value), nil
}

// GetRoom 读取一个房间的最新元数据
func (s *RoomService) GetRoom(ctx context.Context, roomID string) (*domain.RoomMeta, error) {
	logCtx := logrus.WithField("room_id", roomID)
	if !validRoomID(roomID) {
		return nil, ErrRoomNotFound
	}
	value, err := s.store.Read(ctx, domain.RoomMetaPath(roomID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logCtx.Debug("GetRoom: Room not found")
		} else {
			logCtx.WithError(err).Error("GetRoom: Store error")
		}
		return nil, mapStoreError(err)
	}
	var meta domain.RoomMeta
	if err := store.Decode(value, &meta); err != nil {
		logCtx.WithError(err).Error("GetRoom: Malformed room metadata")
		return nil, ErrInternalServer
	}
	if meta.ID == "" {
		meta.ID = roomID
	}
	return &meta, nil
}

// TouchRoom 把房间的 lastActive 设为当前时间。房间已不存在时返回 ErrRoomNotFound，不会重建元数据。
func (s *RoomService) TouchRoom(ctx context.Context, roomID string) error {
	if !validRoomID(roomID) {
		return ErrRoomNotFound
	}
	// 元数据可能在任意时刻被回收器删除，存在性检查必须和写入一起原子完成
	if err := s.store.Update(ctx, domain.RoomLastActivePath(roomID), s.now().UnixMilli()); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logrus.WithError(err).WithField("room_id", roomID).Warn("Failed to touch room")
		}
		return mapStoreError(err)
	}
	return nil
}

// parseCatalog 把 rooms_meta 的值解析为按 createdAt 倒序的列表，无法解析的条目被跳过。
func parseCatalog(value interface{}) []domain.RoomMeta {
	children, _ := value.(map[string]interface{})
	rooms := make([]domain.RoomMeta, 0, len(children))
	for id, raw := range children {
		var meta domain.RoomMeta
		if err := store.Decode(raw, &meta); err != nil {
			logrus.WithError(err).WithField("room_id", id).Warn("Skipping malformed room metadata")
			continue
		}
		if meta.ID == "" {
			meta.ID = id
		}
		rooms = append(rooms, meta)
	}
	sort.SliceStable(rooms, func(i, j int) bool {
		if rooms[i].CreatedAt != rooms[j].CreatedAt {
			return rooms[i].CreatedAt > rooms[j].CreatedAt
		}
		return rooms[i].ID > rooms[j].ID
	})
	return rooms
}

// validRoomID 房间 ID 必须是单个合法的路径片段
func validRoomID(roomID string) bool {
	segs, err := store.Split(roomID)
	return err == nil && len(segs) == 1
}
