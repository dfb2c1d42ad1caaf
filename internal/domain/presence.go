package domain

// PresenceEntry 表示房间内一个在线参与者，存放在 rooms/{roomId}/users/{participantId}。
// 只在连接期间存在，不做持久化。
type PresenceEntry struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	LastSeen int64  `json:"last_seen"`
}

// Participant 是加入房间的参与者身份。Name/Color 为空时由 PresenceTracker 生成。
type Participant struct {
	ID    string
	Name  string
	Color string
}
