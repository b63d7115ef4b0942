//go:build linux

package netmon

import (
	"net"
	"syscall"
	"testing"

	"github.com/vishvananda/netlink"
)

func link(index int, name string, flags net.Flags, oper netlink.LinkOperState) *netlink.LinkAttrs {
	return &netlink.LinkAttrs{Index: index, Name: name, Flags: flags, OperState: oper}
}

func TestLinkUpdatesBuildPath(t *testing.T) {
	links := make(map[int]linkState)

	if applyLinkUpdate(links, syscall.RTM_NEWLINK, link(1, "lo", net.FlagUp|net.FlagLoopback, netlink.OperUnknown)) {
		t.Fatalf("loopback should be ignored")
	}
	if applyLinkUpdate(links, syscall.RTM_NEWLINK, nil) {
		t.Fatalf("missing attrs should be ignored")
	}

	applyLinkUpdate(links, syscall.RTM_NEWLINK, link(2, "wlan0", net.FlagUp, netlink.OperUp))
	applyLinkUpdate(links, syscall.RTM_NEWLINK, link(3, "eth0", net.FlagUp, netlink.OperUp))
	if st := Classify(pathFromLinks(links)); !st.Connected || st.Kind != KindWiFi {
		t.Fatalf("wifi and wired up: got %s", st)
	}

	// wifi drops carrier but stays administratively up
	applyLinkUpdate(links, syscall.RTM_NEWLINK, link(2, "wlan0", net.FlagUp, netlink.OperDown))
	if st := Classify(pathFromLinks(links)); !st.Connected || st.Kind != KindWired {
		t.Fatalf("wifi down: got %s", st)
	}

	applyLinkUpdate(links, syscall.RTM_DELLINK, link(3, "eth0", net.FlagUp, netlink.OperUp))
	if _, ok := links[3]; ok {
		t.Fatalf("deleted link still tracked")
	}
	p := pathFromLinks(links)
	if p.Satisfied || len(p.Interfaces) != 0 {
		t.Fatalf("only a down link left: got %+v", p)
	}
}

func TestLinkUpRequiresAdminAndOperState(t *testing.T) {
	cases := []struct {
		attrs *netlink.LinkAttrs
		want  bool
	}{
		{link(1, "eth0", net.FlagUp, netlink.OperUp), true},
		{link(1, "tun0", net.FlagUp, netlink.OperUnknown), true},
		{link(1, "eth0", 0, netlink.OperUp), false},
		{link(1, "eth0", net.FlagUp, netlink.OperDown), false},
		{link(1, "eth0", net.FlagUp, netlink.OperLowerLayerDown), false},
	}
	for _, c := range cases {
		if got := linkUp(c.attrs); got != c.want {
			t.Errorf("linkUp(%s flags=%v oper=%v) = %v, want %v", c.attrs.Name, c.attrs.Flags, c.attrs.OperState, got, c.want)
		}
	}
}
