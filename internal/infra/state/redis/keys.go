package redisstate

import (
	"strings"

	"collaborative-canvas/internal/store"
)

// collectionPatterns 列出以 Redis Hash 存放的集合路径，"*" 匹配任意一个片段。
// 集合的每个子节点是 Hash 中的一个 field，值为 JSON。
var collectionPatterns = [][]string{
	{"rooms_meta"},
	{"rooms", "*", "objects"},
	{"rooms", "*", "users"},
}

// target 是一个路径在 Redis 布局中的位置
type target struct {
	collection string   // 路径位于某个集合之内或正好是集合本身
	key        string   // 子节点 key，集合本身时为空
	sub        []string // 子节点内部的嵌套路径

	aggregate []string // 路径位于若干集合之上，例如 rooms/{id}
	names     []string // aggregate 中每个集合相对路径的第一个片段
}

func (t target) isCollection() bool { return t.collection != "" && t.key == "" }

func match(segs, pattern []string) bool {
	if len(segs) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if p != "*" && p != segs[i] {
			return false
		}
	}
	return true
}

// resolve 把逻辑路径映射到集合、子节点和嵌套路径
func resolve(path string) (target, error) {
	segs, err := store.Split(path)
	if err != nil {
		return target{}, err
	}

	for _, p := range collectionPatterns {
		if len(segs) >= len(p) && match(segs[:len(p)], p) {
			t := target{collection: strings.Join(segs[:len(p)], "/")}
			if len(segs) > len(p) {
				t.key = segs[len(p)]
				t.sub = segs[len(p)+1:]
			}
			return t, nil
		}
	}

	var t target
	for _, p := range collectionPatterns {
		if len(segs) >= len(p) || !match(segs, p[:len(segs)]) {
			continue
		}
		rest := p[len(segs):]
		if strings.Contains(strings.Join(rest, "/"), "*") {
			continue
		}
		t.aggregate = append(t.aggregate, store.Join(append(append([]string{}, segs...), rest...)...))
		t.names = append(t.names, rest[0])
	}
	if len(t.aggregate) == 0 {
		return target{}, store.ErrUnsupportedPath
	}
	return t, nil
}

// keyspace 生成带前缀的 Redis key
type keyspace struct {
	prefix string
}

func (k keyspace) tree(collection string) string   { return k.prefix + "tree:" + collection }
func (k keyspace) events(collection string) string { return k.prefix + "events:" + collection }
func (k keyspace) sessions() string                { return k.prefix + "sessions" }
func (k keyspace) hooks(sessionID string) string   { return k.prefix + "session:" + sessionID + ":hooks" }
