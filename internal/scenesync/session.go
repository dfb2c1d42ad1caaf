package scenesync

import (
	"sync"
	"sync/atomic"
)

// syncSession 保存一次挂载期间的重入状态。
// 入站事件应用到本地场景时会触发本地事件，这些事件不能再写回存储，否则形成回环。
type syncSession struct {
	applying atomic.Int32
}

// beginInboundApply 进入入站应用区间，返回释放函数。用法：defer s.beginInboundApply()()
func (s *syncSession) beginInboundApply() func() {
	s.applying.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { s.applying.Add(-1) })
	}
}

// applyingInbound 判断当前是否处于入站应用区间
func (s *syncSession) applyingInbound() bool {
	return s.applying.Load() > 0
}
