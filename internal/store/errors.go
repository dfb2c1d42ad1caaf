package store

import "errors"

var (
	// ErrNotFound 表示读取的路径不存在
	ErrNotFound = errors.New("store: path not found")
	// ErrAccessDenied 表示存储的授权策略拒绝了这次读写
	ErrAccessDenied = errors.New("store: access denied")
	// ErrInvalidPath 表示路径为空或包含非法片段
	ErrInvalidPath = errors.New("store: invalid path")
	// ErrUnsupportedPath 表示当前实现不支持在该路径上执行此操作
	ErrUnsupportedPath = errors.New("store: operation not supported on path")
	// ErrClosed 表示客户端已关闭
	ErrClosed = errors.New("store: client closed")
)
