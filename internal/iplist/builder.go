// Package iplist builds a capacity-bounded, canonically compacted IPv4
// blocklist out of a stream of bare addresses and CIDR ranges, the way a
// CrowdSec bouncer's store (see internal/bouncer/store.go in the teacher
// this package is adapted from) turns decisions into lookup keys -- except
// here the goal is a compact output list rather than a containment index.
//
// Bare host addresses that repeat within the same /24 are promoted to the
// whole /24 network instead of being carried as a growing pile of /32
// entries: once a second host from a given /24 shows up, the entire /24 is
// inserted and any /32 entries it subsumes are dropped at output time.
package iplist

import (
	"fmt"
	"net"
	"net/netip"
	"sort"
	"strings"

	"github.com/hslatman/ipstore"
)

// Discard reasons recorded alongside a rejected input value.
const (
	ReasonNotIPv4 = "not ipv4"
	ReasonIgnored = "ignore"
	ReasonFull    = "full"
)

// Discarded pairs an input value with the reason it was dropped.
type Discarded struct {
	Value  string
	Reason string
}

// Builder accumulates addresses and CIDRs into a bounded, deduplicated set
// of IPv4 prefixes. It is not safe for concurrent use.
type Builder struct {
	maxSize int
	ignore  *ipstore.Store

	entries map[netip.Prefix]struct{}
	buffer  []netip.Prefix

	discarded []Discarded

	currentCIDRCount int
	isFull           bool

	processedNet24 map[netip.Prefix]struct{}
}

// NewBuilder returns a Builder bounded to maxSize distinct CIDR entries. Any
// ignoreCIDRs are parsed as IPv4 or IPv6 CIDRs (bare addresses are accepted
// too, and treated as /32 or /128) and checked against every candidate
// before it is admitted.
func NewBuilder(maxSize int, ignoreCIDRs []string) (*Builder, error) {
	b := &Builder{
		maxSize:        maxSize,
		ignore:         ipstore.New(),
		entries:        make(map[netip.Prefix]struct{}),
		processedNet24: make(map[netip.Prefix]struct{}),
	}

	for _, raw := range ignoreCIDRs {
		if err := b.addIgnoreEntry(raw); err != nil {
			return nil, fmt.Errorf("iplist: invalid ignore entry %q: %w", raw, err)
		}
	}

	return b, nil
}

func (b *Builder) addIgnoreEntry(raw string) error {
	if strings.Contains(raw, "/") {
		_, ipNet, err := net.ParseCIDR(raw)
		if err != nil {
			return err
		}
		return b.ignore.AddCIDR(*ipNet, nil)
	}

	ip := net.ParseIP(raw)
	if ip == nil {
		return fmt.Errorf("not a valid IP")
	}
	return b.ignore.Add(ip, nil)
}

// Update feeds a batch of bare addresses or CIDR strings into the builder.
func (b *Builder) Update(values []string) {
	for _, v := range values {
		b.addOne(v)
	}
	b.flushBuffer()
}

func (b *Builder) addOne(value string) {
	if strings.Contains(value, "/") {
		prefix, err := netip.ParsePrefix(value)
		if err != nil {
			b.discard(value, ReasonNotIPv4)
			return
		}
		if !prefix.Addr().Is4() {
			b.discard(value, ReasonNotIPv4)
			return
		}
		if b.ignored(prefix.Addr()) {
			b.discard(value, ReasonIgnored)
			return
		}
		b.addToSet(prefix.Masked(), value, false)
		return
	}

	addr, err := netip.ParseAddr(value)
	if err != nil || !addr.Is4() {
		b.discard(value, ReasonNotIPv4)
		return
	}
	if b.ignored(addr) {
		b.discard(value, ReasonIgnored)
		return
	}

	net24 := netip.PrefixFrom(addr, 24).Masked()
	_, seen := b.processedNet24[net24]
	if seen {
		b.addToSet(net24, value, true)
		return
	}
	if b.addToSet(netip.PrefixFrom(addr, 32), value, false) {
		b.processedNet24[net24] = struct{}{}
	}
}

func (b *Builder) ignored(addr netip.Addr) bool {
	ok, err := b.ignore.Contains(net.IP(addr.AsSlice()))
	return err == nil && ok
}

// addToSet mirrors the Python original's _add_to_ip_set: entries that can
// merge into an already-present /24 bypass the capacity check, since they
// shrink or hold steady the number of distinct CIDRs rather than growing it.
// Once maxSize is reached, any other input is discarded with ReasonFull
// (newer inputs lose; admitted entries are never evicted). It reports
// whether p was admitted.
func (b *Builder) addToSet(p netip.Prefix, source string, canMerge bool) bool {
	if canMerge || b.currentCIDRCount < b.maxSize {
		b.buffer = append(b.buffer, p)
		b.currentCIDRCount++
		return true
	}

	if !b.isFull {
		b.flushBuffer()
		b.currentCIDRCount = len(b.compact())
	}

	if b.currentCIDRCount < b.maxSize {
		b.buffer = append(b.buffer, p)
		b.currentCIDRCount++
		return true
	}

	b.isFull = true
	b.discard(source, ReasonFull)
	return false
}

func (b *Builder) flushBuffer() {
	for _, p := range b.buffer {
		b.entries[p] = struct{}{}
	}
	b.buffer = b.buffer[:0]
}

func (b *Builder) discard(value, reason string) {
	b.discarded = append(b.discarded, Discarded{Value: value, Reason: reason})
}

// compact drops any prefix that is wholly contained within another prefix
// in the set (e.g. a /32 subsumed by a /24 covering it), returning the
// surviving prefixes in sorted order.
func (b *Builder) compact() []netip.Prefix {
	all := make([]netip.Prefix, 0, len(b.entries))
	for p := range b.entries {
		all = append(all, p)
	}

	sort.Slice(all, func(i, j int) bool {
		bi, bj := all[i].Bits(), all[j].Bits()
		if bi != bj {
			return bi < bj // wider networks (smaller prefix length) first
		}
		return all[i].Addr().Less(all[j].Addr())
	})

	survivors := make([]netip.Prefix, 0, len(all))
	for _, candidate := range all {
		subsumed := false
		for _, wider := range survivors {
			if wider.Bits() < candidate.Bits() && wider.Overlaps(candidate) && wider.Contains(candidate.Addr()) {
				subsumed = true
				break
			}
		}
		if !subsumed {
			survivors = append(survivors, candidate)
		}
	}

	sort.Slice(survivors, func(i, j int) bool {
		return survivors[i].Addr().Less(survivors[j].Addr())
	})

	return survivors
}

// ToList returns the canonical, capacity-bounded IPv4 list: bare addresses
// for /32 entries, CIDR notation otherwise, sorted by address.
func (b *Builder) ToList() []string {
	b.flushBuffer()
	prefixes := b.compact()

	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p.Bits() == 32 {
			out = append(out, p.Addr().String())
		} else {
			out = append(out, p.String())
		}
	}
	return out
}

// DiscardList returns every input value rejected so far, along with the
// reason it was rejected, in the order encountered.
func (b *Builder) DiscardList() []Discarded {
	return b.discarded
}
