package service

import (
	"context"
	"errors"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/metrics"

	"github.com/sirupsen/logrus"
)

// AccessGate 校验受密码保护房间的加入请求。
// 密码以明文存储和比较，大小写敏感。
type AccessGate struct {
	rooms *RoomService
}

// NewAccessGate 创建 AccessGate 实例
func NewAccessGate(rooms *RoomService) *AccessGate {
	if rooms == nil {
		panic("RoomService cannot be nil for AccessGate")
	}
	return &AccessGate{rooms: rooms}
}

// VerifyAccess 读取房间的最新元数据并比较密码。公开房间总是通过。
// 通过时返回去掉密码的元数据。
func (g *AccessGate) VerifyAccess(ctx context.Context, roomID, candidate string) (*domain.RoomMeta, error) {
	logCtx := logrus.WithField("room_id", roomID)

	meta, err := g.rooms.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrRoomNotFound) {
			metrics.JoinRejected.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}

	if meta.HasPassword && meta.Password != candidate {
		logCtx.Warn("Join rejected: incorrect password")
		metrics.JoinRejected.WithLabelValues("incorrect_secret").Inc()
		return nil, ErrIncorrectSecret
	}

	public := meta.Public()
	return &public, nil
}
