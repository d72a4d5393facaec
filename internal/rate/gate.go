package rate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wikishard/pkg/contract"
)

// LimitKey: 限流分组键（例如 importer 名称 + 目标主机）。
type LimitKey string

// Limits: 每分组的限额配置。0 表示该维度不启用。
type Limits struct {
	RPM            int   // requests per minute
	BPM            int64 // bytes per minute（载荷字节）
	MaxBytesPerReq int64 // 单次请求载荷上限，0 表示不限制
}

// Ask: 一次放行申请。
type Ask struct {
	Key      LimitKey
	Requests int   // 必须 >=1
	Bytes    int64 // 本次载荷字节（>=0）
}

// Gate: 限流闸门（并发安全）。
type Gate interface {
	// Wait: 阻塞直到额度可用或 ctx 取消；超过单请求上限时快速失败。
	Wait(ctx context.Context, a Ask) error
	// Try: 非阻塞尝试；不足时返回 false。
	Try(a Ask) bool
}

// Snapshoter: 可选诊断接口。
type Snapshoter interface {
	Snapshot(key LimitKey) (rpmAvail int, bpmAvail int64)
}

// NewGate: 从静态配置构造闸门；clk 为空则使用 time.Now。
func NewGate(m map[LimitKey]Limits, clk func() time.Time) Gate {
	if clk == nil {
		clk = time.Now
	}
	g := &gate{clk: clk, m: make(map[LimitKey]*entry, len(m))}
	now := clk()
	for k, lim := range m {
		g.m[k] = newEntry(lim, now)
	}
	return g
}

type gate struct {
	clk func() time.Time
	mu  sync.Mutex
	m   map[LimitKey]*entry
}

type entry struct {
	mu  sync.Mutex
	lim Limits
	req bucket // RPM 维度
	byt bucket // BPM 维度
}

// bucket: 令牌桶，level 允许为负（大载荷透支，后续请求偿还）。
type bucket struct {
	cap   float64
	level float64
	rate  float64
	last  time.Time
}

func newEntry(lim Limits, now time.Time) *entry {
	e := &entry{lim: lim}
	if lim.RPM > 0 {
		e.req = newBucket(float64(lim.RPM), now)
	}
	if lim.BPM > 0 {
		e.byt = newBucket(float64(lim.BPM), now)
	}
	return e
}

func newBucket(capacity float64, now time.Time) bucket {
	return bucket{cap: capacity, level: capacity, rate: capacity / 60.0, last: now}
}

func (b *bucket) enabled() bool { return b.cap > 0 }

func (b *bucket) refill(now time.Time) {
	if !b.enabled() || !now.After(b.last) {
		// 时钟回拨视为无时间流逝
		return
	}
	b.level += now.Sub(b.last).Seconds() * b.rate
	if b.level > b.cap {
		b.level = b.cap
	}
	b.last = now
}

// need: 超过桶容量的申请只需等到桶满。
func (b *bucket) need(n float64) float64 {
	if n > b.cap {
		return b.cap
	}
	return n
}

func (b *bucket) canTake(n float64) bool {
	if !b.enabled() || n <= 0 {
		return true
	}
	return b.level >= b.need(n)
}

func (b *bucket) take(n float64) {
	if !b.enabled() || n <= 0 {
		return
	}
	b.level -= n
}

// waitSecFor 返回达到可消费 n 还需等待的秒数。
func (b *bucket) waitSecFor(n float64) float64 {
	if !b.enabled() || n <= 0 {
		return 0
	}
	deficit := b.need(n) - b.level
	if deficit <= 0 {
		return 0
	}
	return deficit / b.rate
}

func (g *gate) get(key LimitKey) *entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	e := g.m[key]
	if e == nil {
		// 未配置的 key 视为不限额
		e = newEntry(Limits{}, g.clk())
		g.m[key] = e
	}
	return e
}

func (g *gate) check(a Ask) (*entry, error) {
	if a.Requests <= 0 || a.Bytes < 0 {
		return nil, contract.ErrInvalidInput
	}
	e := g.get(a.Key)
	if m := e.lim.MaxBytesPerReq; m > 0 && a.Bytes > m {
		return nil, fmt.Errorf("rate: %d bytes exceeds max_bytes_per_req %d: %w", a.Bytes, m, contract.ErrBudgetExceeded)
	}
	return e, nil
}

func (g *gate) Try(a Ask) bool {
	e, err := g.check(a)
	if err != nil {
		return false
	}
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.byt.refill(now)
	if e.req.canTake(float64(a.Requests)) && e.byt.canTake(float64(a.Bytes)) {
		e.req.take(float64(a.Requests))
		e.byt.take(float64(a.Bytes))
		return true
	}
	return false
}

func (g *gate) Wait(ctx context.Context, a Ask) error {
	e, err := g.check(a)
	if err != nil {
		return err
	}
	const minSleep = 10 * time.Millisecond
	nr, nb := float64(a.Requests), float64(a.Bytes)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := g.clk()
		e.mu.Lock()
		e.req.refill(now)
		e.byt.refill(now)
		if e.req.canTake(nr) && e.byt.canTake(nb) {
			e.req.take(nr)
			e.byt.take(nb)
			e.mu.Unlock()
			return nil
		}
		waitSec := max(e.req.waitSecFor(nr), e.byt.waitSecFor(nb))
		e.mu.Unlock()

		d := time.Duration(waitSec*float64(time.Second)) + minSleep
		if err := sleepCtx(ctx, d); err != nil {
			return err
		}
	}
}

// sleepCtx 以最多 200ms 的步长睡眠，及时响应取消。
func sleepCtx(ctx context.Context, d time.Duration) error {
	const step = 200 * time.Millisecond
	for d > 0 {
		s := min(d, step)
		t := time.NewTimer(s)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		d -= s
	}
	return nil
}

// Snapshot: 返回当前可用请求数/字节数的向下取整估值（仅诊断，透支时为 0）。
func (g *gate) Snapshot(key LimitKey) (rpmAvail int, bpmAvail int64) {
	e := g.get(key)
	now := g.clk()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.req.refill(now)
	e.byt.refill(now)
	if e.req.enabled() && e.req.level > 0 {
		rpmAvail = int(e.req.level)
	}
	if e.byt.enabled() && e.byt.level > 0 {
		bpmAvail = int64(e.byt.level)
	}
	return
}

var _ Gate = (*gate)(nil)
var _ Snapshoter = (*gate)(nil)
