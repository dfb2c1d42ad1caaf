// Package session 把一个浏览器连接和一个房间会话绑定在一起：
// 浏览器的编辑帧应用到服务端场景，场景和在线名单的变化再转发回浏览器。
package session

import (
	"sync"
)

// Loop 是单线程事件循环。存储回调、定时器回调和浏览器帧都投递到这里按顺序执行，
// 所以同一会话内的引擎、名单状态不需要额外加锁。队列不设上限，Post 永远不会阻塞调用方。
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewLoop 创建并启动事件循环
func NewLoop() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post 把 fn 放入队列。循环已停止时返回 false，fn 不会执行。
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Do 投递 fn 并等待它执行完。不能在循环自身的 goroutine 中调用。
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Stop 停止循环并丢弃尚未执行的任务，等待正在执行的任务返回。
// 不能在循环自身的 goroutine 中调用。
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.queue = nil
		l.cond.Signal()
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}
