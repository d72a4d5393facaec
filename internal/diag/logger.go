package diag

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// Level 日志级别。
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "debug"
	case Info:
		return "info"
	case Warn:
		return "warn"
	case Error:
		return "error"
	default:
		return "info"
	}
}

// DefaultLogDir 默认日志目录（相对当前工作目录）。
const DefaultLogDir = "logs"

// Logger 为最小结构化日志器：单行 JSON 写入轮转文件，失败时回落 stderr。
type Logger struct {
	corrID string
	level  Level
	sink   *RotatingFile
	mu     sync.Mutex
}

// NewLogger 写入 DefaultLogDir，10 MiB 轮转。
func NewLogger(corrID, level string) *Logger {
	return NewLoggerDir(DefaultLogDir, corrID, level)
}

// NewLoggerDir 写入指定目录；dir 为空时只写 stderr。
func NewLoggerDir(dir, corrID, level string) *Logger {
	l := &Logger{corrID: corrID, level: parseLevel(strings.TrimSpace(level))}
	if dir != "" {
		l.sink = NewRotatingFile(dir, 10*1024*1024)
	}
	return l
}

// CorrID 返回本次运行的关联 ID。
func (l *Logger) CorrID() string { return l.corrID }

// Close 关闭底层文件。
func (l *Logger) Close() error {
	if l == nil || l.sink == nil {
		return nil
	}
	return l.sink.Close()
}

func parseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Event 为标准事件结构。
type Event struct {
	Level  string            `json:"level"`
	TS     string            `json:"ts"`
	CorrID string            `json:"corr_id"`
	Comp   string            `json:"comp"`
	Stage  string            `json:"stage"` // start|finish|error|info|warn
	Code   string            `json:"code,omitempty"`
	DurMS  int64             `json:"dur_ms,omitempty"`
	Count  int64             `json:"count,omitempty"`
	FileID string            `json:"file_id,omitempty"`
	Shard  string            `json:"shard,omitempty"`
	Msg    string            `json:"msg"`
	KV     map[string]string `json:"kv,omitempty"`
}

func (l *Logger) log(lv Level, ev Event) {
	if l == nil || lv < l.level {
		return
	}
	ev.Level = lv.String()
	ev.TS = NowUTC()
	ev.CorrID = l.corrID
	b, _ := json.Marshal(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sink == nil {
		_, _ = os.Stderr.Write(append(b, '\n'))
		return
	}
	if err := l.sink.WriteLine(b); err != nil {
		fmt.Fprintf(os.Stderr, "logger sink error: %v\n", err)
		_, _ = os.Stderr.Write(append(b, '\n'))
	}
}

// Start 记录 start 事件；返回计时器用于 Finish。
func (l *Logger) Start(comp, msg string) *Timer {
	return l.StartWithKV(comp, msg, "", "", nil)
}

// StartWith 记录带 file_id/shard 的 start。
func (l *Logger) StartWith(comp, msg, fileID, shard string) *Timer {
	return l.StartWithKV(comp, msg, fileID, shard, nil)
}

// StartWithKV 记录带 file_id/shard 与键值的 start。
func (l *Logger) StartWithKV(comp, msg, fileID, shard string, kv map[string]string) *Timer {
	l.log(Info, Event{Comp: comp, Stage: "start", FileID: fileID, Shard: shard, Msg: msg, KV: kv})
	return &Timer{l: l, comp: comp, fileID: fileID, shard: shard, t0: time.Now()}
}

// Info 记录一条独立的 info 事件。
func (l *Logger) Info(comp, msg, fileID string, kv map[string]string) {
	l.log(Info, Event{Comp: comp, Stage: "info", FileID: fileID, Msg: msg, KV: kv})
}

// Warn 记录 warn 事件。
func (l *Logger) Warn(comp, msg, fileID string, kv map[string]string) {
	l.log(Warn, Event{Comp: comp, Stage: "warn", FileID: fileID, Msg: msg, KV: kv})
}

// Error 记录 error 事件。
func (l *Logger) Error(comp, code, msg string, durSince *time.Time) {
	l.ErrorWithKV(comp, code, msg, durSince, "", "", nil)
}

// ErrorWith 支持 file_id/shard。
func (l *Logger) ErrorWith(comp, code, msg string, durSince *time.Time, fileID, shard string) {
	l.ErrorWithKV(comp, code, msg, durSince, fileID, shard, nil)
}

// ErrorWithKV 支持附带键值对（例如 HTTP 状态码、上游错误片段）。
func (l *Logger) ErrorWithKV(comp, code, msg string, durSince *time.Time, fileID, shard string, kv map[string]string) {
	var dur int64
	if durSince != nil {
		dur = time.Since(*durSince).Milliseconds()
	}
	l.log(Error, Event{Comp: comp, Stage: "error", Code: code, DurMS: dur, Msg: msg, FileID: fileID, Shard: shard, KV: kv})
}

// InfoFinish 在已有起点的情况下记录 finish。
func (l *Logger) InfoFinish(comp, msg string, start time.Time, count int64) {
	l.log(Info, Event{Comp: comp, Stage: "finish", DurMS: time.Since(start).Milliseconds(), Count: count, Msg: msg})
}

// DebugStart 输出调试级别的 start 事件（仅 level=debug 时生效）。
func (l *Logger) DebugStart(comp, msg, fileID, shard string, kv map[string]string) {
	l.log(Debug, Event{Comp: comp, Stage: "start", FileID: fileID, Shard: shard, Msg: msg, KV: kv})
}

// Timer 用于 start→finish 计时。
type Timer struct {
	l      *Logger
	comp   string
	fileID string
	shard  string
	t0     time.Time
}

// Since 返回起点，便于 ErrorWith 计算耗时。
func (t *Timer) Since() *time.Time {
	if t == nil {
		return nil
	}
	return &t.t0
}

// Finish 记录 finish；可选 count。
func (t *Timer) Finish(msg string, count int64) {
	t.FinishKV(msg, count, nil)
}

// FinishKV 记录带键值的 finish。
func (t *Timer) FinishKV(msg string, count int64, kv map[string]string) {
	if t == nil || t.l == nil {
		return
	}
	t.l.log(Info, Event{Comp: t.comp, Stage: "finish", DurMS: time.Since(t.t0).Milliseconds(), Count: count, FileID: t.fileID, Shard: t.shard, Msg: msg, KV: kv})
}
