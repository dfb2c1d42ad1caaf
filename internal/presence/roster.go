package presence

import (
	"sort"

	"collaborative-canvas/internal/domain"
	"collaborative-canvas/internal/store"
)

// CompactSize 是紧凑视图中直接展示的条目数
const CompactSize = 3

// Compact 是在线名单的紧凑视图：前 CompactSize 个条目加上是否还有更多
type Compact struct {
	Visible []domain.PresenceEntry `json:"visible"`
	More    bool                   `json:"more"`
	Total   int                    `json:"total"`
}

// CompactView 截取名单的前 CompactSize 个条目
func CompactView(entries []domain.PresenceEntry) Compact {
	n := len(entries)
	if n > CompactSize {
		n = CompactSize
	}
	return Compact{
		Visible: append([]domain.PresenceEntry{}, entries[:n]...),
		More:    len(entries) > CompactSize,
		Total:   len(entries),
	}
}

// parseRoster 把 users 子树的值转换为按 key 排序的条目列表。无法解析的条目被跳过。
func parseRoster(value interface{}) []domain.PresenceEntry {
	children, ok := value.(map[string]interface{})
	if !ok || len(children) == 0 {
		return []domain.PresenceEntry{}
	}
	keys := make([]string, 0, len(children))
	for k := range children {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	entries := make([]domain.PresenceEntry, 0, len(keys))
	for _, k := range keys {
		var entry domain.PresenceEntry
		if err := store.Decode(children[k], &entry); err != nil {
			continue
		}
		if entry.ID == "" {
			entry.ID = k
		}
		entries = append(entries, entry)
	}
	return entries
}
