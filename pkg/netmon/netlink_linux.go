//go:build linux

package netmon

import (
	"context"
	"net"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/vishvananda/netlink"

	"github.com/jacktea/xgallery/pkg/logging"
	"github.com/jacktea/xgallery/pkg/xerrors"
)

// NetlinkSource follows rtnetlink link updates. A path is satisfied while at
// least one non-loopback link is up.
type NetlinkSource struct {
	log zerolog.Logger
}

// NewNetlinkSource returns the platform source for Linux.
func NewNetlinkSource(logger *zerolog.Logger) *NetlinkSource {
	return &NetlinkSource{log: logging.OrNop(logger).With().Str("component", "netlink").Logger()}
}

type linkState struct {
	kind Kind
	up   bool
}

func (s *NetlinkSource) Run(ctx context.Context, emit func(Path)) error {
	updates := make(chan netlink.LinkUpdate, 32)
	done := make(chan struct{})
	defer close(done)

	err := netlink.LinkSubscribeWithOptions(updates, done, netlink.LinkSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			s.log.Warn().Err(err).Msg("link subscription")
		},
	})
	if err != nil {
		return xerrors.Wrap(xerrors.KindNotSupported, "netmon.Subscribe", "", err)
	}

	links := make(map[int]linkState)
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return xerrors.E(xerrors.KindNetwork, "netmon.Subscribe", "closed")
			}
			if !applyLinkUpdate(links, u.Header.Type, u.Link.Attrs()) {
				continue
			}
			emit(pathFromLinks(links))
		}
	}
}

// applyLinkUpdate folds one rtnetlink message into links. It reports false
// for messages that do not concern a non-loopback link.
func applyLinkUpdate(links map[int]linkState, msgType uint16, attrs *netlink.LinkAttrs) bool {
	if attrs == nil || attrs.Flags&net.FlagLoopback != 0 {
		return false
	}
	if msgType == syscall.RTM_DELLINK {
		delete(links, attrs.Index)
		return true
	}
	links[attrs.Index] = linkState{
		kind: KindForInterface(attrs.Name),
		up:   linkUp(attrs),
	}
	return true
}

func linkUp(attrs *netlink.LinkAttrs) bool {
	if attrs.Flags&net.FlagUp == 0 {
		return false
	}
	return attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown
}

func pathFromLinks(links map[int]linkState) Path {
	var p Path
	for _, l := range links {
		if !l.up {
			continue
		}
		p.Satisfied = true
		p.Interfaces = append(p.Interfaces, l.kind)
	}
	return p
}
