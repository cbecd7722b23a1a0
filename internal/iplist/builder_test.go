package iplist

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyBuilder(t *testing.T) {
	b, err := NewBuilder(5, nil)
	require.NoError(t, err)

	assert.Empty(t, b.ToList())
	assert.Empty(t, b.DiscardList())
}

func TestAddSingleIPv4(t *testing.T) {
	b, err := NewBuilder(5, nil)
	require.NoError(t, err)

	b.Update([]string{"192.168.1.1"})

	assert.Equal(t, []string{"192.168.1.1"}, b.ToList())
}

func TestSecondHostInSameNet24MergesToFullNet(t *testing.T) {
	b, err := NewBuilder(15, nil)
	require.NoError(t, err)

	ips := make([]string, 0, 9)
	for i := 1; i <= 9; i++ {
		ips = append(ips, "192.168.1."+strconv.Itoa(i))
	}
	b.Update(ips)

	result := b.ToList()
	assert.Less(t, len(result), 9)
	assert.Equal(t, []string{"192.168.1.0/24"}, result)
}

func TestTenHostsInSameNet24Merge(t *testing.T) {
	b, err := NewBuilder(15, nil)
	require.NoError(t, err)

	ips := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		ips = append(ips, "192.168.1."+strconv.Itoa(i))
	}
	b.Update(ips)

	assert.Equal(t, []string{"192.168.1.0/24"}, b.ToList())
}

func TestMaxSizeLimitDiscardsOverflow(t *testing.T) {
	b, err := NewBuilder(2, nil)
	require.NoError(t, err)

	b.Update([]string{"10.0.0.1", "11.0.0.1", "12.0.0.1"})

	assert.Len(t, b.ToList(), 2)
	assert.Contains(t, b.DiscardList(), Discarded{Value: "12.0.0.1", Reason: ReasonFull})
	assert.Len(t, b.DiscardList(), 1)
}

func TestIPv6IsDiscarded(t *testing.T) {
	b, err := NewBuilder(5, nil)
	require.NoError(t, err)

	b.Update([]string{"2001:db8::1"})

	assert.Empty(t, b.ToList())
	assert.Contains(t, b.DiscardList(), Discarded{Value: "2001:db8::1", Reason: ReasonNotIPv4})
}

func TestCIDRNotationSupported(t *testing.T) {
	b, err := NewBuilder(5, nil)
	require.NoError(t, err)

	b.Update([]string{"172.16.0.0/24"})

	assert.Equal(t, []string{"172.16.0.0/24"}, b.ToList())
}

func TestDiscardListOrdersOverflowAfterCapacity(t *testing.T) {
	b, err := NewBuilder(1, nil)
	require.NoError(t, err)

	b.Update([]string{"192.168.0.1", "10.0.0.1"})

	assert.Equal(t, []Discarded{{Value: "10.0.0.1", Reason: ReasonFull}}, b.DiscardList())
}

func TestIgnoreListExcludesExactMatches(t *testing.T) {
	b, err := NewBuilder(5, []string{"192.168.1.1", "10.0.0.1"})
	require.NoError(t, err)

	b.Update([]string{"192.168.1.1", "10.0.0.1", "172.16.0.1"})

	assert.Equal(t, []string{"172.16.0.1"}, b.ToList())
	assert.Contains(t, b.DiscardList(), Discarded{Value: "192.168.1.1", Reason: ReasonIgnored})
	assert.Contains(t, b.DiscardList(), Discarded{Value: "10.0.0.1", Reason: ReasonIgnored})
	assert.Len(t, b.DiscardList(), 2)
}

func TestIgnoreListExcludesCIDRMembers(t *testing.T) {
	b, err := NewBuilder(5, []string{"192.168.1.0/24"})
	require.NoError(t, err)

	b.Update([]string{"192.168.1.42", "172.16.0.1"})

	assert.Equal(t, []string{"172.16.0.1"}, b.ToList())
	assert.Contains(t, b.DiscardList(), Discarded{Value: "192.168.1.42", Reason: ReasonIgnored})
}

func TestCIDROverflowIsDiscarded(t *testing.T) {
	b, err := NewBuilder(1, nil)
	require.NoError(t, err)

	b.Update([]string{"192.168.0.0/24"})
	b.Update([]string{"10.0.0.0/24"})

	assert.Equal(t, []string{"192.168.0.0/24"}, b.ToList())
	assert.Contains(t, b.DiscardList(), Discarded{Value: "10.0.0.0/24", Reason: ReasonFull})
}

func TestToListSortedOutput(t *testing.T) {
	b, err := NewBuilder(5, nil)
	require.NoError(t, err)

	b.Update([]string{"10.0.2.1", "10.0.1.1", "10.0.0.1"})

	assert.Equal(t, []string{"10.0.0.1", "10.0.1.1", "10.0.2.1"}, b.ToList())
}

func TestScatteredHostsInSameNet24StillMerge(t *testing.T) {
	b, err := NewBuilder(15, nil)
	require.NoError(t, err)

	b.Update([]string{
		"192.168.1.1", "192.168.1.10", "192.168.1.20", "192.168.1.30", "192.168.1.40",
		"192.168.1.50", "192.168.1.100", "192.168.1.150", "192.168.1.200", "192.168.1.250",
	})

	assert.Equal(t, []string{"192.168.1.0/24"}, b.ToList())
}
