package service

import (
	"errors"
	"fmt"

	"collaborative-canvas/internal/store"
)

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrIncorrectSecret = errors.New("incorrect room password")
	ErrAccessDenied    = errors.New("access denied")
	ErrInvalidRoomName = errors.New("room name is required")
	ErrInvalidIdentity = errors.New("invalid participant identity")
	ErrInternalServer  = errors.New("internal server error")
)

// PartialCleanupError 表示回收一个房间时只完成了一部分删除，下一轮会重试。
type PartialCleanupError struct {
	RoomID string
	Stage  string // "meta" 或 "subtree"
	Err    error
}

func (e *PartialCleanupError) Error() string {
	return fmt.Sprintf("partial cleanup of room %s failed at %s: %v", e.RoomID, e.Stage, e.Err)
}

func (e *PartialCleanupError) Unwrap() error { return e.Err }

// mapStoreError 把共享存储的错误映射到服务层定义的错误。
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrAccessDenied):
		return ErrAccessDenied
	case errors.Is(err, store.ErrNotFound):
		return ErrRoomNotFound
	default:
		return ErrInternalServer
	}
}
