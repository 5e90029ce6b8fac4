//go:build linux

package netgate

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/juju/clock"
	"github.com/juju/retry"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
)

const (
	subscribeAttempts = 30
	subscribeDelay    = time.Second
)

// NetlinkSource 通过 rtnetlink 订阅链路与路由变化，把承载默认路由的接口映射为网络能力。
type NetlinkSource struct {
	logger *logrus.Logger
	clock  clock.Clock
}

// NewNetlinkSource 创建 Linux 下的系统网络来源。
func NewNetlinkSource(logger *logrus.Logger, clk clock.Clock) (*NetlinkSource, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &NetlinkSource{logger: logger, clock: clk}, nil
}

type subscription struct {
	done   chan struct{}
	links  chan netlink.LinkUpdate
	routes chan netlink.RouteUpdate
}

func (s *subscription) close() {
	close(s.done)
}

func subscribe() (*subscription, error) {
	sub := &subscription{
		done:   make(chan struct{}),
		links:  make(chan netlink.LinkUpdate, 16),
		routes: make(chan netlink.RouteUpdate, 16),
	}
	if err := netlink.LinkSubscribe(sub.links, sub.done); err != nil {
		close(sub.done)
		return nil, fmt.Errorf("subscribe link updates: %w", err)
	}
	if err := netlink.RouteSubscribe(sub.routes, sub.done); err != nil {
		close(sub.done)
		return nil, fmt.Errorf("subscribe route updates: %w", err)
	}
	return sub, nil
}

// Run 注册订阅（失败时每秒重试），上报初始状态，之后每次链路或路由变化都重新计算。
// 订阅通道被内核侧关闭时重新注册。
func (s *NetlinkSource) Run(ctx context.Context, sink Sink) error {
	for {
		var sub *subscription
		err := retry.Call(retry.CallArgs{
			Func: func() error {
				var err error
				sub, err = subscribe()
				return err
			},
			Attempts: subscribeAttempts,
			Delay:    subscribeDelay,
			Clock:    s.clock,
			Stop:     ctx.Done(),
			NotifyFunc: func(lastErr error, attempt int) {
				s.logger.WithFields(logrus.Fields{
					"action":  "network_subscribe",
					"attempt": attempt,
				}).Warn(lastErr.Error())
			},
		})
		if err != nil {
			if retry.IsRetryStopped(err) || ctx.Err() != nil {
				return nil
			}
			sink.Apply(Unavailable())
			return fmt.Errorf("netlink subscribe: %w", retry.LastError(err))
		}

		sink.Apply(s.snapshot())
		if !s.watch(ctx, sub, sink) {
			sub.close()
			return nil
		}
		sub.close()
	}
}

// watch 返回 false 表示 ctx 已结束，true 表示订阅中断需要重建。
func (s *NetlinkSource) watch(ctx context.Context, sub *subscription, sink Sink) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case _, ok := <-sub.links:
			if !ok {
				return true
			}
		case _, ok := <-sub.routes:
			if !ok {
				return true
			}
		}
		sink.Apply(s.snapshot())
	}
}

// snapshot 读取当前默认路由所在的接口，没有可用默认路由时上报 Lost。
func (s *NetlinkSource) snapshot() Event {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		s.logger.WithField("action", "network_snapshot").Warn(err.Error())
		return Unavailable()
	}

	var (
		bearers []Bearer
		names   []string
		seen    = map[int]struct{}{}
	)
	for _, route := range routes {
		if !isDefaultRoute(route) {
			continue
		}
		if _, ok := seen[route.LinkIndex]; ok {
			continue
		}
		seen[route.LinkIndex] = struct{}{}

		link, err := netlink.LinkByIndex(route.LinkIndex)
		if err != nil || link == nil {
			continue
		}
		attrs := link.Attrs()
		if !linkUsable(attrs) {
			continue
		}
		bearers = append(bearers, BearerForInterface(attrs.Name))
		names = append(names, attrs.Name)
	}

	if len(bearers) == 0 {
		return Lost()
	}
	info := Info{Bearers: bearers, Validated: true}
	if len(names) > 0 {
		info.Interface = names[0]
	}
	return CapabilitiesChanged(info)
}

func isDefaultRoute(route netlink.Route) bool {
	if route.LinkIndex == 0 {
		return false
	}
	if route.Dst == nil {
		return true
	}
	ones, _ := route.Dst.Mask.Size()
	return ones == 0
}

func linkUsable(attrs *netlink.LinkAttrs) bool {
	if attrs == nil || attrs.Flags&net.FlagUp == 0 {
		return false
	}
	return attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
}
