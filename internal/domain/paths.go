// Package domain 定义共享存储中的数据模型和路径布局。
package domain

import "collaborative-canvas/internal/store"

// 共享存储的路径布局:
//
//	rooms_meta/{roomId}                    -> RoomMeta
//	rooms/{roomId}/objects/{objectId}      -> 场景对象快照
//	rooms/{roomId}/users/{participantId}   -> PresenceEntry
const (
	RoomsMetaRoot = "rooms_meta"
	RoomsRoot     = "rooms"
)

func RoomMetaPath(roomID string) string { return store.Join(RoomsMetaRoot, roomID) }

func RoomLastActivePath(roomID string) string {
	return store.Join(RoomsMetaRoot, roomID, "lastActive")
}

func RoomPath(roomID string) string { return store.Join(RoomsRoot, roomID) }

func ObjectsPath(roomID string) string { return store.Join(RoomsRoot, roomID, "objects") }

func ObjectPath(roomID, objectID string) string {
	return store.Join(RoomsRoot, roomID, "objects", objectID)
}

func UsersPath(roomID string) string { return store.Join(RoomsRoot, roomID, "users") }

func UserPath(roomID, participantID string) string {
	return store.Join(RoomsRoot, roomID, "users", participantID)
}
