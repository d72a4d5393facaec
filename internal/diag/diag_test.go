package diag

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"wikishard/pkg/contract"
)

// UT-DIAG-01: 日志轮转写入
func TestRotatingFile(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 30)
	if err := w.WriteLine([]byte("first line that is very long")); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if err := w.WriteLine([]byte("second")); err != nil {
		t.Fatalf("第二次写入失败: %v", err)
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("读取目录失败: %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("应存在轮转文件, got %d", len(files))
	}
	w.Close()
}

// 当前文件名与时间戳文件同时存在
func TestRotatingFileRotateFiles(t *testing.T) {
	dir := t.TempDir()
	w := NewRotatingFile(dir, 10)
	defer w.Close()
	for i := 0; i < 5; i++ {
		if err := w.WriteLine([]byte("xxxxxxxxxxxxxxxxxx")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	hasCurrent, hasRotated := false, false
	for _, e := range ents {
		if e.Name() == "wikishard-current.txt" {
			hasCurrent = true
		}
		if strings.HasPrefix(e.Name(), "wikishard-") && !strings.Contains(e.Name(), "current") {
			hasRotated = true
		}
	}
	if !hasCurrent || !hasRotated {
		t.Fatalf("expect both current and rotated files, got current=%v rotated=%v", hasCurrent, hasRotated)
	}
}

func TestRotatingFileDefaultsAndRotateNoOpen(t *testing.T) {
	w := NewRotatingFile(t.TempDir(), 0)
	if w.maxBytes != 10*1024*1024 {
		t.Fatalf("默认上限错误: %d", w.maxBytes)
	}
	if err := w.WriteLine([]byte("a")); err != nil {
		t.Fatalf("write: %v", err)
	}
	w.f.Close()
	w.f = nil
	if err := w.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	w.Close()
}

// UT-DIAG-02: 指标 no-op
func TestMetricsNoop(t *testing.T) {
	IncOp("comp", "stage", "success")
	IncError("comp", "code")
	ObserveDuration("comp", "stage", 1)
}

type upstream struct{ status int }

func (u upstream) Error() string           { return fmt.Sprintf("upstream %d", u.status) }
func (u upstream) UpstreamStatus() int     { return u.status }
func (u upstream) UpstreamMessage() string { return "" }
func (u upstream) Timeout() bool           { return false }
func (u upstream) Temporary() bool         { return u.status/100 == 5 }

// UT-DIAG-03: 错误分类与重试判定
func TestClassify(t *testing.T) {
	cases := []struct {
		err   error
		code  Code
		retry bool
	}{
		{context.Canceled, CodeCancel, false},
		{fmt.Errorf("x: %w", context.DeadlineExceeded), CodeCancel, false},
		{&contract.ParseError{FileID: "f", Line: 3, Msg: "m"}, CodeMalformed, false},
		{&contract.LimitError{Page: "p", Size: 2, Limit: 1}, CodeBudget, false},
		{fmt.Errorf("w: %w", contract.ErrRateLimited), CodeRate, true},
		{&contract.RejectedError{Code: "cantimport"}, CodeRejected, false},
		{contract.ErrResponseInvalid, CodeProtocol, false},
		{contract.ErrInvariantViolation, CodeInvariant, false},
		{contract.ErrPathInvalid, CodeInvariant, false},
		{upstream{503}, CodeNetwork, true},
		{upstream{408}, CodeNetwork, true},
		{fmt.Errorf("wrap: %w", upstream{403}), CodeProtocol, false},
		{&fs.PathError{Op: "open", Path: "/", Err: errors.New("x")}, CodeIO, false},
		{&net.DNSError{Err: "x"}, CodeNetwork, true},
		{errors.New("other"), CodeUnknown, false},
		{nil, CodeUnknown, false},
	}
	for i, tc := range cases {
		if got := Classify(tc.err); got != tc.code {
			t.Fatalf("case %d: %v 分类为 %s, want %s", i, tc.err, got, tc.code)
		}
		if got := Retryable(tc.err); got != tc.retry {
			t.Fatalf("case %d: Retryable=%v", i, got)
		}
	}
}

// UT-DIAG-04: Logger 写入 JSON 行，级别过滤生效
func TestLoggerWithSink(t *testing.T) {
	dir := t.TempDir()
	l := NewLoggerDir(dir, "corr", "info")
	defer l.Close()
	timer := l.StartWith("shard", "begin", "dump.xml", "")
	timer.FinishKV("done", 3, map[string]string{"bytes": "10"})
	l.DebugStart("shard", "hidden", "", "", nil)
	l.Warn("import", "stale", "", nil)
	l.Info("import", "note", "", nil)
	l.ErrorWithKV("import", "network", "boom", timer.Since(), "dump.xml", "dump_0.xml", map[string]string{"http_status": "502"})
	l.Error("x", "unknown", "e", nil)
	l.ErrorWith("x", "unknown", "e", nil, "f", "s")
	l.InfoFinish("x", "m", time.Now(), 1)

	b, err := os.ReadFile(filepath.Join(dir, "wikishard-current.txt"))
	if err != nil {
		t.Fatalf("log file not found: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug 应被过滤")
	}
	for _, want := range []string{`"corr_id":"corr"`, `"shard":"dump_0.xml"`, `"http_status":"502"`, `"stage":"warn"`, `"count":3`} {
		if !strings.Contains(out, want) {
			t.Fatalf("缺少 %s: %s", want, out)
		}
	}
	if n := strings.Count(out, "\n"); n != 8 {
		t.Fatalf("行数 %d, want 8", n)
	}
	if l.CorrID() != "corr" {
		t.Fatalf("corr id")
	}
}

// stderr 回落与 nil 安全
func TestLoggerNoSink(t *testing.T) {
	l := NewLoggerDir("", "c", "debug")
	l.Start("comp", "msg").Finish("ok", 1)
	l.DebugStart("comp", "msg", "f", "s", nil)
	var nl *Logger
	nl.Info("c", "m", "", nil)
	if err := nl.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	var tnil *Timer
	tnil.Finish("x", 0)
	(&Timer{}).Finish("x", 0)
	if tnil.Since() != nil {
		t.Fatalf("nil timer since")
	}
}

func TestLevels(t *testing.T) {
	if Warn.String() != "warn" || Level(12345).String() != "info" {
		t.Fatalf("level string")
	}
	for in, want := range map[string]Level{"debug": Debug, "WARN": Warn, "error": Error, "": Info, "x": Info} {
		if parseLevel(in) != want {
			t.Fatalf("parseLevel(%q)", in)
		}
	}
	if NowUTC() == "" {
		t.Fatalf("应返回时间字符串")
	}
}

// UT-DIAG-05: 终端（非 TTY）关键节点输出
func TestTerminalNonTTYFlow(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	if term.isTTY {
		t.Fatalf("expect non-tty")
	}
	term.RunStart("shard", "hard=200 MB target=195 MB")
	term.FileStart("dumps/enwiki.xml.xz", 12)
	term.FileProgress(6, 12, 0)
	term.FileFinish(true, 5100*time.Millisecond, 1500)
	term.RunFinish(true, 41300*time.Millisecond)

	out := sb.String()
	if strings.Contains(out, "\r") {
		t.Fatalf("non-tty should not contain carriage returns: %q", out)
	}
	for _, want := range []string{
		"[run] shard | hard=200 MB target=195 MB",
		"[file] enwiki.xml.xz | 分片 12",
		"[done] enwiki.xml.xz | 分片 12 | 1.5 kB | 总用时 5.1s",
		"[ok] 全部完成 | 文件 1 | 总用时 41.3s",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q: %q", want, out)
		}
	}
}

// UT-DIAG-06: 终端（TTY）进度节流与清尾
func TestTerminalTTYProgressThrottleAndClear(t *testing.T) {
	var sb strings.Builder
	term := NewTerminal(&sb, true)
	term.isTTY = true
	term.RunStart("import", "mock")
	term.FileStart("/a/b/c/longfilename.xml", 3)

	term.FileProgress(1, 3, 0)
	first := sb.String()
	if !strings.Contains(first, "\r[") {
		t.Fatalf("first progress should be inline with CR: %q", first)
	}
	term.FileProgress(2, 3, 1)
	if sb.String() != first {
		t.Fatalf("second progress should be throttled")
	}
	time.Sleep(120 * time.Millisecond)
	term.FileProgress(2, 3, 1)
	if len(sb.String()) <= len(first) {
		t.Fatalf("third progress should append output")
	}
	term.FileFinish(false, 2200*time.Millisecond, -1)
	final := sb.String()
	idx := strings.LastIndex(final, "[fail]")
	if idx < 0 {
		t.Fatalf("finish should include fail line: %q", final)
	}
	seg := final[:idx]
	cr := strings.LastIndex(seg, "\r")
	if cr < 0 || !strings.Contains(seg[cr+1:], " ") {
		t.Fatalf("clear tail should write spaces after CR: %q", seg)
	}
}

type flakyWriter struct{ fail bool }

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.fail {
		w.fail = false
		return 0, fmt.Errorf("boom")
	}
	return len(p), nil
}

// UT-DIAG-07: 写失败降级为禁用态
func TestTerminalDisableOnWriteError(t *testing.T) {
	term := NewTerminal(&flakyWriter{fail: true}, true)
	term.isTTY = false
	term.RunStart("shard", "x")
	if term.enabled {
		t.Fatalf("terminal should be disabled after write error")
	}
	term.FileStart("a", 0)
	term.FileProgress(0, 0, 0)
	term.FileFinish(true, 0, 0)
	term.RunFinish(true, 0)

	tty := NewTerminal(&flakyWriter{fail: true}, true)
	tty.isTTY = true
	tty.FileStart("f.xml", 2)
	tty.FileProgress(1, 2, 0)
	if tty.enabled {
		t.Fatalf("terminal should be disabled after inline error")
	}
}

func TestTerminalGlobalsAndEnv(t *testing.T) {
	SetTerminal(nil)
	if GetTerminal() != nil {
		t.Fatalf("expected nil terminal")
	}
	SetTerminal(NewTerminal(os.Stderr, false))
	if GetTerminal() == nil {
		t.Fatalf("expected non-nil terminal")
	}
	SetTerminal(nil)

	t.Setenv("CI", "true")
	if NewTerminal(os.Stderr, true).isTTY {
		t.Fatalf("CI env should force non-tty")
	}
	var tn *Terminal
	tn.RunStart("x", "y")
	tn.FileStart("a", 1)
	tn.FileProgress(0, 0, 0)
	tn.FileFinish(true, 0, 0)
	tn.RunFinish(true, 0)
}

func TestHelpers(t *testing.T) {
	if got := shortenBase("/x/y/这是一个很长的文件名用于截断测试abcdefghijk.xml", 10); visLen(got) != 10 || !strings.HasSuffix(got, "…") {
		t.Fatalf("shortenBase: %q", got)
	}
	if shortenBase("x", 0) != "" {
		t.Fatalf("shortenBase max<=0 should be empty")
	}
	if safe("a\nb\rc") != "a b c" {
		t.Fatalf("safe replace failed")
	}
	if formatDur(0) != "0ms" || formatDur(1500*time.Millisecond) != "1.5s" {
		t.Fatalf("formatDur")
	}
}
