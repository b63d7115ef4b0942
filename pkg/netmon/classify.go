// Package netmon tracks network reachability and the active interface type.
package netmon

import "strings"

// Kind is the interface type a connection uses.
type Kind int

const (
	KindUnknown Kind = iota
	KindWiFi
	KindCellular
	KindWired
)

func (k Kind) String() string {
	switch k {
	case KindWiFi:
		return "wifi"
	case KindCellular:
		return "cellular"
	case KindWired:
		return "wired"
	default:
		return "unknown"
	}
}

// precedence is the order in which simultaneously active interfaces are
// reported: the first kind present wins.
var precedence = []Kind{KindWiFi, KindCellular, KindWired}

// State is the connectivity observed by the rest of the system.
type State struct {
	Connected bool
	Kind      Kind
}

// InitialState is reported until the first path notification arrives.
var InitialState = State{Connected: true, Kind: KindUnknown}

// OfflineBanner is the status line shown while disconnected.
const OfflineBanner = "Offline - Showing cached images"

// Banner returns the offline status line, or "" while connected.
func (s State) Banner() string {
	if s.Connected {
		return ""
	}
	return OfflineBanner
}

func (s State) String() string {
	if !s.Connected {
		return "offline (" + s.Kind.String() + ")"
	}
	return "online (" + s.Kind.String() + ")"
}

// Path is one reachability notification from a Source.
type Path struct {
	Satisfied  bool
	Interfaces []Kind
}

// Classify converts a path notification into a State. The interface kind is
// derived from the interfaces in use even when the path is unsatisfied.
func Classify(p Path) State {
	st := State{Connected: p.Satisfied, Kind: KindUnknown}
	for _, want := range precedence {
		for _, k := range p.Interfaces {
			if k == want {
				st.Kind = want
				return st
			}
		}
	}
	return st
}

// KindForInterface guesses the interface type from a Linux link name. Only
// naming schemes that identify the medium are matched; ambiguous names such
// as usb0 (tethering or USB Ethernet) stay KindUnknown.
func KindForInterface(name string) Kind {
	name = strings.ToLower(name)
	switch {
	case hasAnyPrefix(name, "wl", "wifi", "ath"):
		return KindWiFi
	case hasAnyPrefix(name, "wwan", "rmnet", "ccmni", "pdp", "ppp"):
		return KindCellular
	case hasAnyPrefix(name, "en", "eth", "em", "ib"):
		return KindWired
	default:
		return KindUnknown
	}
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
