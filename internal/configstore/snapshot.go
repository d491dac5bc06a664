package configstore

import (
	"net/netip"
	"time"

	"github.com/formgate/formgate/internal/form"
	"github.com/formgate/formgate/internal/resolver"
)

// Snapshot is one immutable, consistent view of all dynamic configuration.
// Rebuilt wholesale on each sync cycle; readers never observe a partial
// update.
type Snapshot struct {
	Version     string
	RefreshedAt time.Time

	Table *resolver.Table

	BlockedDigests map[form.Digest]struct{}
	AllowNets      []netip.Prefix
	DenyNets       []netip.Prefix
}

// IPAllowed reports whether addr is on the operator allow-list.
func (s *Snapshot) IPAllowed(addr netip.Addr) bool {
	return containsAddr(s.AllowNets, addr)
}

// IPDenied reports whether addr is on the operator deny-list.
func (s *Snapshot) IPDenied(addr netip.Addr) bool {
	return containsAddr(s.DenyNets, addr)
}

// DigestBlocked reports whether d is on the blocked content-digest set.
func (s *Snapshot) DigestBlocked(d form.Digest) bool {
	_, ok := s.BlockedDigests[d]
	return ok
}

func containsAddr(nets []netip.Prefix, addr netip.Addr) bool {
	if !addr.IsValid() {
		return false
	}
	addr = addr.Unmap()
	for _, p := range nets {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
