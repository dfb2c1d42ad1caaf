// Package scene 是本地场景模型：一个有序的对象列表加上事件出口。
// 渲染和编辑界面不在本仓库内，浏览器端通过会话把编辑操作映射为这里的调用。
package scene

import (
	"sort"
	"sync"
)

// EventKind 是本地场景事件类型
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventModified    EventKind = "modified"
	EventMoved       EventKind = "moved"
	EventScaled      EventKind = "scaled"
	EventRotated     EventKind = "rotated"
	EventTextChanged EventKind = "text-changed"
	EventRemoved     EventKind = "removed"
)

// Event 描述一次本地场景变化
type Event struct {
	Kind   EventKind
	Object *Object
}

// Listener 接收场景事件
type Listener func(Event)

// Scene 保存对象的绘制顺序和按 ID 的索引。
// 监听器在锁外调用，监听器内部可以再次修改场景。
type Scene struct {
	mu        sync.RWMutex
	objects   []*Object
	listeners map[int]Listener
	nextID    int
	editing   *Object
}

// New 创建空场景
func New() *Scene {
	return &Scene{listeners: make(map[int]Listener)}
}

// Subscribe 注册监听器，返回取消函数
func (s *Scene) Subscribe(l Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// Add 把对象追加到绘制顺序末尾并发出 created 事件。同一个实例重复添加会被忽略。
func (s *Scene) Add(o *Object) {
	s.mu.Lock()
	for _, existing := range s.objects {
		if existing == o {
			s.mu.Unlock()
			return
		}
	}
	s.objects = append(s.objects, o)
	s.mu.Unlock()

	s.emit(Event{Kind: EventCreated, Object: o})
}

// Notify 在调用方修改对象后发出对应的事件
func (s *Scene) Notify(kind EventKind, o *Object) {
	if !s.Contains(o) {
		return
	}
	s.emit(Event{Kind: kind, Object: o})
}

// Remove 移除对象并发出 removed 事件。对象不在场景中时什么也不做。
func (s *Scene) Remove(o *Object) bool {
	s.mu.Lock()
	idx := -1
	for i, existing := range s.objects {
		if existing == o {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return false
	}
	s.objects = append(s.objects[:idx], s.objects[idx+1:]...)
	if s.editing == o {
		s.editing = nil
	}
	s.mu.Unlock()

	s.emit(Event{Kind: EventRemoved, Object: o})
	return true
}

// Find 按 ID 查找对象
func (s *Scene) Find(id string) *Object {
	if id == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.objects {
		if o.ID == id {
			return o
		}
	}
	return nil
}

// Contains 判断实例是否仍在场景中
func (s *Scene) Contains(o *Object) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, existing := range s.objects {
		if existing == o {
			return true
		}
	}
	return false
}

// Objects 返回按绘制顺序排列的对象列表副本
func (s *Scene) Objects() []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Object(nil), s.objects...)
}

// Len 返回对象数量
func (s *Scene) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// BeginEditing 标记对象正在被本地用户交互编辑 (例如文本框处于输入状态)
func (s *Scene) BeginEditing(o *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editing = o
}

// EndEditing 结束交互编辑
func (s *Scene) EndEditing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editing = nil
}

// IsEditing 判断对象是否正处于本地交互编辑
func (s *Scene) IsEditing(o *Object) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return o != nil && s.editing == o
}

func (s *Scene) emit(ev Event) {
	s.mu.RLock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Ints(ids)

	for _, id := range ids {
		s.mu.RLock()
		l, ok := s.listeners[id]
		s.mu.RUnlock()
		if ok {
			l(ev)
		}
	}
}
