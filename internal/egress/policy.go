// Package egress decides whether the hub may open a connection to an address.
//
// Every outbound probe goes through a Guard: the target host is resolved
// once, every resolved address is checked against the Policy, and the
// connection is made to the checked address rather than the hostname, so a
// DNS answer that changes between check and connect has no effect.
package egress

import (
	"errors"
	"fmt"
	"net/netip"
)

// ErrBlocked is matched with errors.Is for every policy rejection.
var ErrBlocked = errors.New("egress blocked")

// Category is the address class a Policy decides on.
type Category string

const (
	CategoryPublic      Category = "public"
	CategoryLoopback    Category = "loopback"
	CategoryPrivate     Category = "private"
	CategoryLinkLocal   Category = "link_local"
	CategoryMulticast   Category = "multicast"
	CategoryUnspecified Category = "unspecified"
	CategoryReserved    Category = "reserved"
)

var (
	sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10")
	thisNetwork        = netip.MustParsePrefix("0.0.0.0/8")
	reservedClassE     = netip.MustParsePrefix("240.0.0.0/4")
	siteLocalV6        = netip.MustParsePrefix("fec0::/10")
	nat64WellKnown     = netip.MustParsePrefix("64:ff9b::/96")
)

// Classify returns the category of addr. IPv4-mapped and NAT64 addresses are
// classified by the IPv4 address they carry.
func Classify(addr netip.Addr) Category {
	addr = addr.WithZone("").Unmap()

	if addr.Is6() && nat64WellKnown.Contains(addr) {
		b := addr.As16()
		return Classify(netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]}))
	}

	switch {
	case !addr.IsValid(), addr.IsUnspecified():
		return CategoryUnspecified
	case addr.IsLoopback():
		return CategoryLoopback
	case addr.IsLinkLocalUnicast():
		return CategoryLinkLocal
	case addr.IsMulticast(), addr.IsLinkLocalMulticast(), addr.IsInterfaceLocalMulticast():
		return CategoryMulticast
	case addr.IsPrivate(), sharedAddressSpace.Contains(addr), siteLocalV6.Contains(addr):
		return CategoryPrivate
	case thisNetwork.Contains(addr), reservedClassE.Contains(addr):
		return CategoryReserved
	default:
		return CategoryPublic
	}
}

// Policy is the egress rule set. The zero value blocks everything except
// public addresses.
type Policy struct {
	// AllowPrivate permits RFC 1918, RFC 4193 and shared address space targets.
	AllowPrivate bool
	// AllowLoopback permits 127.0.0.0/8 and ::1. It is independent of AllowPrivate.
	AllowLoopback bool
}

// IsAllowed reports whether a connection to addr is permitted.
func (p Policy) IsAllowed(addr netip.Addr) bool {
	return p.Check(addr) == nil
}

// Check returns a *BlockedError when addr is not permitted.
func (p Policy) Check(addr netip.Addr) error {
	cat := Classify(addr)
	switch cat {
	case CategoryPublic:
		return nil
	case CategoryPrivate:
		if p.AllowPrivate {
			return nil
		}
	case CategoryLoopback:
		if p.AllowLoopback {
			return nil
		}
	}
	return &BlockedError{Addr: addr, Category: cat}
}

// BlockedError reports a rejected target.
type BlockedError struct {
	Host     string
	Addr     netip.Addr
	Category Category
}

func (e *BlockedError) Error() string {
	if e.Host != "" && e.Host != e.Addr.String() {
		return fmt.Sprintf("egress blocked: %s resolves to %s address %s", e.Host, e.Category, e.Addr)
	}
	return fmt.Sprintf("egress blocked: %s address %s", e.Category, e.Addr)
}

// Unwrap makes errors.Is(err, ErrBlocked) true.
func (e *BlockedError) Unwrap() error {
	return ErrBlocked
}
