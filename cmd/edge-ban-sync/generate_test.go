package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/config"
)

func TestGenerateFastlyConfigRejectsEmptyTokenList(t *testing.T) {
	cmd := newGenerateFastlyConfigCommand()
	cmd.SetArgs([]string{"--tokens", "  "})
	err := cmd.Execute()
	assert.Error(t, err)
}

func TestWriteGeneratedConfigToFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.yaml")

	cfg := config.Default()
	cfg.FastlyAccounts = []config.FastlyAccountConfig{{
		AccountToken: "tok",
		Services: []config.FastlyServiceConfig{
			{ID: "svc1", RecaptchaSiteKey: "<RECAPTCHA_SITE_KEY>", RecaptchaSecret: "<RECAPTCHA_SECRET_KEY>"},
		},
	}}

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, writeGeneratedConfig(path, out))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var roundtripped config.Config
	require.NoError(t, yaml.Unmarshal(data, &roundtripped))
	assert.Equal(t, "svc1", roundtripped.FastlyAccounts[0].Services[0].ID)
}

func TestWriteGeneratedConfigToStdout(t *testing.T) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	writeErr := writeGeneratedConfig("", []byte("log_level: info\n"))

	w.Close()
	os.Stdout = origStdout
	require.NoError(t, writeErr)

	var captured [1024]byte
	n, _ := r.Read(captured[:])
	assert.Contains(t, string(captured[:n]), "log_level: info")
}
