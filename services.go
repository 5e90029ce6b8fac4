package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/prefetch/internal/cache"
	"github.com/any-hub/prefetch/internal/config"
	"github.com/any-hub/prefetch/internal/engine"
	"github.com/any-hub/prefetch/internal/fetch"
	"github.com/any-hub/prefetch/internal/logging"
	"github.com/any-hub/prefetch/internal/netgate"
	"github.com/any-hub/prefetch/internal/telemetry"
	"github.com/any-hub/prefetch/internal/version"
)

const (
	// gateWaitTimeout 是等待网络来源首次上报的上限。
	gateWaitTimeout = 3 * time.Second
	shutdownTimeout = 10 * time.Second
)

// services 持有一次进程运行所需的全部组件，按“配置 → 指标 → 缓存 → 网络 → 引擎”顺序构建。
type services struct {
	cfg       *config.Config
	logger    *logrus.Logger
	telemetry *telemetry.Telemetry
	store     *cache.Store
	gate      *netgate.Gate
	source    netgate.Source
	engine    *engine.Engine
}

func newServices(cfg *config.Config, logger *logrus.Logger) (*services, error) {
	g := cfg.Global

	tel, err := telemetry.New(telemetry.Config{
		Enabled:        g.MetricsEnabled,
		ServiceName:    "prefetch",
		ServiceVersion: version.Version,
	})
	if err != nil {
		return nil, err
	}

	store, err := cache.New(cache.Options{
		Root:       g.StoragePath,
		RamBudget:  g.RamCacheSize.Bytes(),
		FileBudget: g.FileCacheSize.Bytes(),
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}

	gate := netgate.New()
	timeout := g.FetchTimeout.DurationValue()
	eng, err := engine.New(engine.Config{
		Store:        store,
		Fetcher:      fetch.NewHTTPFetcher(fetch.NewClient(timeout), g.UserAgent, timeout),
		Gate:         gate,
		Logger:       logger,
		Telemetry:    tel,
		CacheTTL:     cfg.CacheTTLValue(),
		WatchStorage: g.WatchStorage,
		InfoListSize: g.DownloadInfoListSize,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &services{
		cfg:       cfg,
		logger:    logger,
		telemetry: tel,
		store:     store,
		gate:      gate,
		source:    newNetworkSource(g.NetworkSource, logger),
		engine:    eng,
	}, nil
}

// newNetworkSource 按配置选择网络来源；平台不支持 netlink 时退回静态来源。
func newNetworkSource(kind string, logger *logrus.Logger) netgate.Source {
	if kind != config.NetworkSourceNetlink {
		return netgate.NewStaticSource()
	}
	source, err := netgate.NewNetlinkSource(logger, nil)
	if err != nil {
		fields := logrus.Fields{"action": "network_source", "source": kind}
		if errors.Is(err, netgate.ErrUnsupported) {
			logger.WithFields(fields).Warn("当前平台不支持 netlink，改用静态网络来源")
		} else {
			logger.WithFields(fields).Warn(err.Error())
		}
		return netgate.NewStaticSource()
	}
	return source
}

// startNetwork 在后台运行网络来源，并等待首次上报、来源提前退出或超时后返回。
// 返回的 wait 在 ctx 结束后阻塞到来源退出。
func (r *services) startNetwork(ctx context.Context) (wait func() error) {
	sink := &firstApplySink{Sink: r.gate, ready: make(chan struct{})}
	exited := make(chan struct{})
	var runErr error
	go func() {
		defer close(exited)
		runErr = r.source.Run(ctx, sink)
	}()

	select {
	case <-sink.ready:
	case <-exited:
	case <-time.After(gateWaitTimeout):
		r.logger.WithFields(logging.BaseFields("network_source", "")).Warn("网络来源未在期限内上报状态")
	case <-ctx.Done():
	}
	return func() error {
		<-exited
		return runErr
	}
}

// serve 在网络门控拿到首个状态后才调用 listen，避免首批请求被误判为离线。
// ctx 结束或任一部分失败时调用 shutdown，并返回第一个错误。
func (r *services) serve(ctx context.Context, listen func() error, shutdown func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	waitNetwork := r.startNetwork(gctx)
	g.Go(waitNetwork)
	g.Go(listen)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx)
	})
	return g.Wait()
}

// close 取消全部任务、停止目录监视并刷新指标。
func (r *services) close(ctx context.Context) {
	r.engine.Close()
	r.store.Close()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.logger.WithFields(logging.BaseFields("shutdown", "")).Warn(err.Error())
	}
}

// firstApplySink 在首次收到事件时关闭 ready。
type firstApplySink struct {
	netgate.Sink
	once  sync.Once
	ready chan struct{}
}

func (s *firstApplySink) Apply(ev netgate.Event) bool {
	changed := s.Sink.Apply(ev)
	s.once.Do(func() { close(s.ready) })
	return changed
}
