package peerwatch

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultCacheSize is the number of host lookups a Resolver remembers.
	DefaultCacheSize = 256
	// DefaultCacheTTL is how long a lookup is reused.
	DefaultCacheTTL = 30 * time.Second

	lookupTimeout = 5 * time.Second
)

// LookupFunc resolves a host name to its addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IPAddr, error)

// Resolver turns peer host names into IP addresses, caching the answers for
// a short time so that re-reading an unchanged peer file does not hit DNS
// for every line. It is safe for concurrent use.
type Resolver struct {
	lookup LookupFunc
	cache  *expirable.LRU[string, string]
}

// NewResolver returns a Resolver using lookup, or the system resolver when
// lookup is nil.
func NewResolver(lookup LookupFunc) *Resolver {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupIPAddr
	}
	return &Resolver{
		lookup: lookup,
		cache:  expirable.NewLRU[string, string](DefaultCacheSize, nil, DefaultCacheTTL),
	}
}

// Resolve returns the first address of host. IP literals are returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String(), nil
	}
	if ip, ok := r.cache.Get(host); ok {
		return ip, nil
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()
	addrs, err := r.lookup(ctx, host)
	if err != nil {
		return "", fmt.Errorf("peerwatch: %w %q: %w", ErrNameLookup, host, err)
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("peerwatch: %w %q: no addresses", ErrNameLookup, host)
	}
	ip := addrs[0].IP.String()
	r.cache.Add(host, ip)
	return ip, nil
}
