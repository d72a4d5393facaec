package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类（用于上层策略判定）。
var (
	// ErrMalformed: 输入结构不完整或标记嵌套错误（致命，不重试）。
	ErrMalformed = errors.New("malformed input")
	// ErrBudgetExceeded: 限额无法满足（如单个修订超过硬上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（实现缺陷或落盘内容被篡改）。
	ErrInvariantViolation = errors.New("invariant violation")
	// ErrInvalidInput: 参数非法。
	ErrInvalidInput = errors.New("invalid input")
	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
	// ErrRejected: 远端在 HTTP 成功的前提下拒绝了载荷。
	ErrRejected = errors.New("import rejected")
	// ErrResponseInvalid: 远端响应无法解析。
	ErrResponseInvalid = errors.New("response invalid")
	// ErrRateLimited: 本地限流或远端限流。
	ErrRateLimited = errors.New("rate limited")
)

// ParseError 携带定位信息的结构错误，包装 ErrMalformed。
type ParseError struct {
	FileID FileID
	Line   int
	// Page: 出错时正在处理的页面标题（可能为空）。
	Page string
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Page != "" {
		return fmt.Sprintf("%s:%d: %s (page %q)", e.FileID, e.Line, e.Msg, e.Page)
	}
	return fmt.Sprintf("%s:%d: %s", e.FileID, e.Line, e.Msg)
}

func (e *ParseError) Unwrap() error { return ErrMalformed }

// LimitError 表示无法在硬上限内容纳的原子单元，包装 ErrBudgetExceeded。
// Size 含该单元必须携带的全部开销。
type LimitError struct {
	Page     string
	Revision string
	Size     int64
	Limit    int64
}

func (e *LimitError) Error() string {
	if e.Revision != "" {
		return fmt.Sprintf("revision %s of page %q needs %d bytes, hard limit %d", e.Revision, e.Page, e.Size, e.Limit)
	}
	return fmt.Sprintf("page %q needs %d bytes, hard limit %d", e.Page, e.Size, e.Limit)
}

func (e *LimitError) Unwrap() error { return ErrBudgetExceeded }

// RejectedError 远端应用层拒绝（响应体含 error 或缺少 import 结果），包装 ErrRejected。
type RejectedError struct {
	Code string
	Info string
}

func (e *RejectedError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("import rejected: %s", e.Info)
	}
	return fmt.Sprintf("import rejected: %s: %s", e.Code, e.Info)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }
