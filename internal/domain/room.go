package domain

import "time"

// RoomMeta 是房间目录中的一条记录，存放在 rooms_meta/{roomId}。
// 时间戳使用毫秒级 unix 时间，与前端保持一致。
type RoomMeta struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	HasPassword bool   `json:"hasPassword"`
	// Password 明文存储，仅在 HasPassword 为 true 时存在 (已知弱点，不在此处修复)
	Password   string `json:"password,omitempty"`
	CreatedAt  int64  `json:"createdAt"`
	LastActive int64  `json:"lastActive,omitempty"`
}

// LastTouch 返回房间最近一次被确认有活动的时间 (lastActive 与 createdAt 取较大者)。
func (m *RoomMeta) LastTouch() int64 {
	if m.LastActive > m.CreatedAt {
		return m.LastActive
	}
	return m.CreatedAt
}

// Staleness 返回自最近一次活动以来经过的时间
func (m *RoomMeta) Staleness(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(m.LastTouch()))
}

// Public 返回去掉密码后的副本，用于列表和对外响应。
func (m RoomMeta) Public() RoomMeta {
	m.Password = ""
	return m
}

// RoomRecord 是房间生命周期的审计记录 (MySQL)，
// 房间创建时写入，被回收时填上 ReapedAt。
type RoomRecord struct {
	ID          uint       `gorm:"primaryKey"`                     // 自增主键
	RoomID      string     `gorm:"uniqueIndex;size:64;not null"`   // 共享存储中的房间 key
	Name        string     `gorm:"size:191;not null"`              // 房间名称
	HasPassword bool       `gorm:"not null;default:false"`         // 是否受密码保护 (不记录密码本身)
	CreatedAt   time.Time  `gorm:"autoCreateTime"`                 // 记录创建时间
	ReapedAt    *time.Time `gorm:"index"`                          // 被回收的时间，未回收为 NULL
	ReapReason  string     `gorm:"size:64"`                        // 回收原因，例如 "inactive"
}

// TableName 显式指定表名
func (RoomRecord) TableName() string {
	return "room_records"
}
