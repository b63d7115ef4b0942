//go:build !linux

package netmon

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/jacktea/xgallery/pkg/xerrors"
)

// NetlinkSource is only available on Linux.
type NetlinkSource struct{}

func NewNetlinkSource(logger *zerolog.Logger) *NetlinkSource { return &NetlinkSource{} }

func (s *NetlinkSource) Run(ctx context.Context, emit func(Path)) error {
	return xerrors.E(xerrors.KindNotSupported, "netmon.Subscribe", "netlink")
}
