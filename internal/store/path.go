package store

import (
	"fmt"
	"strings"
)

// Join 用 "/" 拼接路径片段，忽略空片段。
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			segs = append(segs, p)
		}
	}
	return strings.Join(segs, "/")
}

// Split 把路径拆成片段，并校验每个片段都不为空且不含非法字符。
func Split(path string) ([]string, error) {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segs := strings.Split(path, "/")
	for _, s := range segs {
		if s == "" || strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segs, nil
}

// Parent 返回 path 的父路径和最后一个片段。根下的一级路径父路径为空字符串。
func Parent(path string) (string, string) {
	path = strings.Trim(path, "/")
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// IsWithin 判断 path 是否等于 root 或位于 root 之下。
func IsWithin(path, root string) bool {
	path = strings.Trim(path, "/")
	root = strings.Trim(root, "/")
	if root == "" {
		return true
	}
	return path == root || strings.HasPrefix(path, root+"/")
}
