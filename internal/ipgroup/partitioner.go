// Package ipgroup partitions a flat set of IP values into fixed-capacity
// bins with minimal churn across updates: a value present before and after
// an update call never changes bins, new values fill the least-loaded bin
// first, and an emptied bin is compacted out of the index rather than left
// as a hole.
//
// This is the Go counterpart of the Python original's IPGroupManager. That
// implementation empties a bin with a bare list.pop(group_idx), which
// shifts every later bin's index in the backing list without rewriting
// ip_to_group for the IPs that used to live there -- silently corrupting
// the index for any bin after the one removed. Partitioner fixes this by
// moving the last bin into the emptied slot and rewriting the moved bin's
// index entries before truncating, so the index never drifts out of sync
// with the bin list.
package ipgroup

import "sort"

// Stats summarizes the effect of one Update call.
type Stats struct {
	Added    int
	Removed  int
	BinCount int
	TotalIPs int
}

// Partitioner assigns IP values to bins of at most maxPerBin entries. It is
// not safe for concurrent use.
type Partitioner struct {
	maxPerBin int
	bins      []map[string]struct{}
	ipToBin   map[string]int
}

// New returns a Partitioner with empty bins.
func New(maxPerBin int) *Partitioner {
	return &Partitioner{
		maxPerBin: maxPerBin,
		ipToBin:   make(map[string]int),
	}
}

// Load replaces the current bins wholesale, e.g. with state recovered from
// a prior run. Each element of existing is the membership of one bin.
func (p *Partitioner) Load(existing [][]string) {
	p.bins = make([]map[string]struct{}, 0, len(existing))
	p.ipToBin = make(map[string]int)

	for binIdx, members := range existing {
		set := make(map[string]struct{}, len(members))
		for _, ip := range members {
			set[ip] = struct{}{}
			p.ipToBin[ip] = binIdx
		}
		p.bins = append(p.bins, set)
	}
}

// Update reconciles the bins against the full current membership list,
// removing values no longer present and placing new values into the
// least-loaded bin with room, creating a new bin only when every existing
// bin is full.
func (p *Partitioner) Update(allIPs []string) Stats {
	current := make(map[string]struct{}, len(allIPs))
	for _, ip := range allIPs {
		current[ip] = struct{}{}
	}

	var toRemove, toAdd []string
	for ip := range p.ipToBin {
		if _, ok := current[ip]; !ok {
			toRemove = append(toRemove, ip)
		}
	}
	for ip := range current {
		if _, ok := p.ipToBin[ip]; !ok {
			toAdd = append(toAdd, ip)
		}
	}

	// deterministic order so that otherwise-ambiguous bin assignment (ties
	// in bin size) is reproducible across runs and in tests.
	sort.Strings(toRemove)
	sort.Strings(toAdd)

	for _, ip := range toRemove {
		p.removeIP(ip)
	}
	for _, ip := range toAdd {
		p.addIP(ip)
	}

	return Stats{
		Added:    len(toAdd),
		Removed:  len(toRemove),
		BinCount: len(p.bins),
		TotalIPs: len(p.ipToBin),
	}
}

// removeIP drops ip from its bin. If that empties the bin, the last bin in
// the list is moved into the emptied slot (unless it was already the last
// bin, in which case it's simply truncated), and every IP that moved has
// its index entry rewritten to the new slot, keeping ipToBin consistent.
func (p *Partitioner) removeIP(ip string) {
	binIdx, ok := p.ipToBin[ip]
	if !ok {
		return
	}

	delete(p.bins[binIdx], ip)
	delete(p.ipToBin, ip)

	if len(p.bins[binIdx]) > 0 {
		return
	}

	lastIdx := len(p.bins) - 1
	if binIdx != lastIdx {
		p.bins[binIdx] = p.bins[lastIdx]
		for movedIP := range p.bins[binIdx] {
			p.ipToBin[movedIP] = binIdx
		}
	}
	p.bins = p.bins[:lastIdx]
}

// addIP places ip into the least-loaded bin with spare capacity, creating
// a new bin only when every existing bin is at maxPerBin.
func (p *Partitioner) addIP(ip string) int {
	best := -1
	for idx, bin := range p.bins {
		if len(bin) >= p.maxPerBin {
			continue
		}
		if best == -1 || len(bin) < len(p.bins[best]) {
			best = idx
		}
	}

	if best == -1 {
		best = len(p.bins)
		p.bins = append(p.bins, make(map[string]struct{}))
	}

	p.bins[best][ip] = struct{}{}
	p.ipToBin[ip] = best
	return best
}

// Bins returns the current bin membership, each sorted, in bin order.
func (p *Partitioner) Bins() [][]string {
	out := make([][]string, len(p.bins))
	for i, bin := range p.bins {
		members := make([]string, 0, len(bin))
		for ip := range bin {
			members = append(members, ip)
		}
		sort.Strings(members)
		out[i] = members
	}
	return out
}

// TotalIPs returns the number of distinct IPs tracked across all bins.
func (p *Partitioner) TotalIPs() int {
	return len(p.ipToBin)
}
