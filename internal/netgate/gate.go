package netgate

import (
	"context"
	"errors"
	"sync"
)

// ErrUnsupported 表示当前平台没有系统网络来源。
var ErrUnsupported = errors.New("netlink network source is only available on linux")

// Sink 接收来源上报的连接事件，Gate 实现了它。
type Sink interface {
	Apply(ev Event) bool
}

// Source 持续上报连接事件直到 ctx 结束。
type Source interface {
	Run(ctx context.Context, sink Sink) error
}

// Gate 汇总连接事件并维护当前 State。初始状态为不可达。
type Gate struct {
	mu     sync.Mutex
	state  State
	nextID uint64
	subs   map[uint64]func(State)
}

// New 创建一个初始不可达的 Gate。
func New() *Gate {
	return &Gate{subs: make(map[uint64]func(State))}
}

// Apply 更新状态；仅当可达性或网络类型发生变化时通知订阅者并返回 true。
func (g *Gate) Apply(ev Event) bool {
	var next State
	switch ev.Type {
	case EventAvailable, EventCapabilitiesChanged:
		next = Classify(ev.Info)
	default:
		next = State{Kind: KindNone}
	}

	g.mu.Lock()
	prev := g.state
	g.state = next
	changed := prev.Reachable != next.Reachable || prev.Kind != next.Kind
	var subs []func(State)
	if changed {
		subs = make([]func(State), 0, len(g.subs))
		for _, fn := range g.subs {
			subs = append(subs, fn)
		}
	}
	g.mu.Unlock()

	for _, fn := range subs {
		fn(next)
	}
	return changed
}

// State 返回当前网络状态。
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// IsReachable 报告当前是否允许发起下载。
func (g *Gate) IsReachable() bool {
	return g.State().Reachable
}

// Subscribe 注册状态变化回调，返回取消函数。回调在 Apply 的调用方 goroutine 中执行。
func (g *Gate) Subscribe(fn func(State)) func() {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.subs[id] = fn
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs, id)
			g.mu.Unlock()
		})
	}
}
