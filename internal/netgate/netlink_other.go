//go:build !linux

package netgate

import (
	"context"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"
)

// NetlinkSource 在非 Linux 平台上不可用。
type NetlinkSource struct{}

// NewNetlinkSource 在非 Linux 平台上总是返回 ErrUnsupported。
func NewNetlinkSource(logger *logrus.Logger, clk clock.Clock) (*NetlinkSource, error) {
	return nil, ErrUnsupported
}

func (s *NetlinkSource) Run(ctx context.Context, sink Sink) error {
	return ErrUnsupported
}
