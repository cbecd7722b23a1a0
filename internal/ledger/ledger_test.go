package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func banDecision(id int64, value string) Decision {
	return Decision{
		Value:    value,
		Scope:    ScopeIP,
		Origin:   "crowdsec",
		Scenario: "crowdsecurity/http-probing",
		Type:     "ban",
		ID:       id,
		Duration: "4h",
	}
}

func TestSnapshotReverseInsertionOrder(t *testing.T) {
	l := New()
	values := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}

	for i, v := range values {
		require.NoError(t, l.ApplyAdditions([]Decision{banDecision(int64(i), v)}))
	}

	assert.Equal(t, []string{"10.0.0.4", "10.0.0.3", "10.0.0.2", "10.0.0.1"}, l.Snapshot())
}

func TestUpsertPreservesPosition(t *testing.T) {
	l := New()
	require.NoError(t, l.ApplyAdditions([]Decision{banDecision(1, "10.0.0.1")}))
	require.NoError(t, l.ApplyAdditions([]Decision{banDecision(2, "10.0.0.2")}))
	require.NoError(t, l.ApplyAdditions([]Decision{banDecision(3, "10.0.0.3")}))

	// re-insert the first value with a new payload; position must not change
	updated := banDecision(4, "10.0.0.1")
	updated.Duration = "8h"
	require.NoError(t, l.ApplyAdditions([]Decision{updated}))

	assert.Equal(t, []string{"10.0.0.3", "10.0.0.2", "10.0.0.1"}, l.Snapshot())

	decisions := l.Decisions()
	require.Len(t, decisions, 3)
	assert.Equal(t, "10.0.0.1", decisions[2].Value)
	assert.Equal(t, "8h", decisions[2].Duration)
}

func TestDeletionIsNoopForUnknownValue(t *testing.T) {
	l := New()
	require.NoError(t, l.ApplyAdditions([]Decision{banDecision(1, "10.0.0.1")}))
	require.NoError(t, l.ApplyDeletions([]Decision{banDecision(99, "10.0.0.99")}))

	assert.Equal(t, 1, l.Len())
}

func TestDeletionRemovesByValue(t *testing.T) {
	l := New()
	require.NoError(t, l.ApplyAdditions([]Decision{
		banDecision(1, "10.0.0.1"),
		banDecision(2, "10.0.0.2"),
	}))
	require.NoError(t, l.ApplyDeletions([]Decision{banDecision(1, "10.0.0.1")}))

	assert.Equal(t, []string{"10.0.0.2"}, l.Snapshot())
}

func TestInvalidDecisionsAreSkipped(t *testing.T) {
	l := New()
	require.NoError(t, l.ApplyAdditions([]Decision{
		{Value: "", Scope: ScopeIP, Type: "ban"},
		{Value: "10.0.0.1", Scope: ScopeIP, Type: ""},
		{Value: "10.0.0.1", Scope: "", Type: "ban"},
	}))

	assert.Equal(t, 0, l.Len())
}

func TestCountryAndASScopesAreCarried(t *testing.T) {
	l := New()
	require.NoError(t, l.ApplyAdditions([]Decision{
		{Value: "CN", Scope: ScopeCountry, Type: "captcha", ID: 1},
		{Value: "64512", Scope: ScopeAS, Type: "ban", ID: 2},
	}))

	assert.Equal(t, 2, l.Len())
	decisions := l.Decisions()
	assert.ElementsMatch(t, []string{"CN", "64512"}, []string{decisions[0].Value, decisions[1].Value})
}
