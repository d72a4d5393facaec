package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"wikishard/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总与重试判定，与退出码解耦。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeNetwork   Code = "network"
	CodeRate      Code = "rate"
	CodeProtocol  Code = "protocol"
	CodeRejected  Code = "rejected"
	CodeMalformed Code = "malformed"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrMalformed) {
		return CodeMalformed
	}
	if errors.Is(err, contract.ErrBudgetExceeded) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeRate
	}
	if errors.Is(err, contract.ErrRejected) {
		return CodeRejected
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	// 上游 HTTP：仅 5xx/408 视为网络类，其余为协议类
	var uerr contract.UpstreamError
	if errors.As(err, &uerr) {
		if s := uerr.UpstreamStatus(); s/100 == 5 || s == 408 {
			return CodeNetwork
		}
		return CodeProtocol
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	return CodeUnknown
}

// Retryable: 仅网络与限流类错误值得重试。
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeNetwork, CodeRate:
		return true
	}
	return false
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
