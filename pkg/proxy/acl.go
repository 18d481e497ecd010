package proxy

import (
	"fmt"
	"net"

	"github.com/yl2chen/cidranger"
)

// ACL refuses clients from configured CIDR ranges at accept time.
type ACL struct {
	ranger cidranger.Ranger
}

// NewACL builds an ACL from CIDR strings. An empty list blocks nothing.
func NewACL(cidrs []string) (*ACL, error) {
	if len(cidrs) == 0 {
		return &ACL{}, nil
	}

	ranger := cidranger.NewPCTrieRanger()
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid deny cidr %q: %w", cidr, err)
		}
		if err := ranger.Insert(cidranger.NewBasicRangerEntry(*ipNet)); err != nil {
			return nil, fmt.Errorf("indexing deny cidr %q: %w", cidr, err)
		}
	}

	return &ACL{ranger: ranger}, nil
}

// Blocked reports whether addr falls in a denied range.
func (a *ACL) Blocked(addr net.Addr) bool {
	if a.ranger == nil {
		return false
	}

	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	contains, err := a.ranger.Contains(tcpAddr.IP)
	if err != nil {
		return false
	}
	return contains
}
