package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/config"
)

func TestGenerateInstanceIDReturnsDistinctEightCharHex(t *testing.T) {
	a, err := generateInstanceID()
	require.NoError(t, err)
	b, err := generateInstanceID()
	require.NoError(t, err)

	assert.Len(t, a, 8)
	assert.NotEqual(t, a, b)
}

func TestBuildBackendsSkipsUnconfiguredSurfaces(t *testing.T) {
	cfg := config.Default()
	cfg.DecisionFeed.APIKey = "key"

	backends, err := buildBackends(cfg, zap.NewNop())
	require.NoError(t, err)
	assert.Empty(t, backends)
}

func TestBuildBackendsIncludesEveryConfiguredSurface(t *testing.T) {
	cfg := config.Default()
	cfg.CDN = &config.CDNConfig{Domain: "example.com", BaseURL: "https://cdn.example.com", APIToken: "tok"}
	cfg.WAF = &config.WAFConfig{ZoneID: "zone1", BaseURL: "https://waf.example.com", APIToken: "tok", MaxRules: 5}
	cfg.FastlyAccounts = []config.FastlyAccountConfig{{
		AccountToken: "tok",
		Services:     []config.FastlyServiceConfig{{ID: "svc1"}},
	}}

	backends, err := buildBackends(cfg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, backends, 3)

	names := make([]string, len(backends))
	for i, b := range backends {
		names[i] = b.Name()
	}
	assert.ElementsMatch(t, []string{"cdn", "edgewaf", "fastly-svc1"}, names)
}

func TestBuildBackendsOpensCleanupLogWhenConfigured(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.CleanupFile = dir + "/cleanup.csv"
	cfg.FastlyAccounts = []config.FastlyAccountConfig{{
		AccountToken: "tok",
		Services:     []config.FastlyServiceConfig{{ID: "svc1"}},
	}}

	backends, err := buildBackends(cfg, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, backends, 1)
}
