package main

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, adminAddr string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := fmt.Sprintf(`
decision_feed:
  api_key: test-key
  api_url: http://localhost:8080/
admin_listen_addr: %s
cdn:
  domain: example.com
  base_url: https://cdn.example.com
  api_token: tok
`, adminAddr)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs(args)

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	execErr := root.Execute()

	w.Close()
	os.Stdout = origStdout
	var captured bytes.Buffer
	_, _ = captured.ReadFrom(r)

	return captured.String(), execErr
}

func TestStatusCommandPrintsDaemonInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/info", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"backends":["cdn"],"number_of_active_decisions":3,"uptime_seconds":12.5,"dry_run":false}`))
	}))
	defer srv.Close()

	configPath := writeTestConfig(t, strings.TrimPrefix(srv.URL, "http://"))

	out, err := runRootCommand(t, "status", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"number_of_active_decisions": 3`)
	assert.Contains(t, out, `"cdn"`)
}

func TestHealthCommandReportsOkWhenHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	configPath := writeTestConfig(t, strings.TrimPrefix(srv.URL, "http://"))

	out, err := runRootCommand(t, "health", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "ok")
}

func TestHealthCommandReturnsErrorWhenUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer srv.Close()

	configPath := writeTestConfig(t, strings.TrimPrefix(srv.URL, "http://"))

	_, err := runRootCommand(t, "health", "--config", configPath)
	assert.Error(t, err)
}

func TestStatusCommandReturnsErrorWhenDaemonUnreachable(t *testing.T) {
	configPath := writeTestConfig(t, "127.0.0.1:1")

	_, err := runRootCommand(t, "status", "--config", configPath)
	assert.Error(t, err)
}
