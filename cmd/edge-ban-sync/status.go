package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/adminsrv"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/config"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/version"
)

const statusUserAgent = "edge-ban-sync-cmd"

// adminClient is a minimal client for internal/adminsrv's status endpoints,
// adapted from internal/adminapi/client.go's doRequest/headers shape from a
// Caddy-admin-API transport (caddycmd.AdminAPIRequest) to a plain
// net/http.Client, since this daemon exposes its own status server instead
// of piggybacking on a host admin API.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(cmd *cobra.Command) (*adminClient, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	return &adminClient{
		baseURL: "http://" + cfg.AdminListenAddr,
		http:    &http.Client{Timeout: 5 * time.Second},
	}, nil
}

func (c *adminClient) get(path string, v interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", statusUserAgent+"/"+version.Current())
	req.Header.Set("X-Request-ID", uuid.New().String())

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", path, err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d: %s", path, resp.StatusCode, body)
	}

	return json.Unmarshal(body, v)
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Shows the running daemon's runtime information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			var info adminsrv.InfoResponse
			if err := client.get("/info", &info); err != nil {
				return fmt.Errorf("getting daemon status: %w", err)
			}

			b, err := json.MarshalIndent(info, "", "  ")
			if err != nil {
				return fmt.Errorf("marshaling status: %w", err)
			}

			fmt.Println(string(b))
			return nil
		},
	}
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Checks the running daemon's health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAdminClient(cmd)
			if err != nil {
				return err
			}

			var health adminsrv.HealthResponse
			if err := client.get("/healthz", &health); err != nil {
				return fmt.Errorf("checking daemon health: %w", err)
			}

			if !health.Ok {
				return fmt.Errorf("daemon reported unhealthy")
			}

			fmt.Println("ok")
			return nil
		},
	}
}
