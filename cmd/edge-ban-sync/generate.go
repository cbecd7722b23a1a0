package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/backend/fastly"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/config"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/httpclient"
)

// newGenerateFastlyConfigCommand builds a starter config.Config by listing
// every service visible to each given Fastly account token, grounded on
// original_source/src/fastly_bouncer/config.py's
// generate_config_for_account/generate_config: one FastlyServiceConfig per
// discovered service, with placeholder recaptcha keys left for the operator
// to fill in.
func newGenerateFastlyConfigCommand() *cobra.Command {
	var tokensFlag string
	var outFlag string

	cmd := &cobra.Command{
		Use:   "generate-fastly-config",
		Short: "Generates a starter config by listing services for the given Fastly account tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(tokensFlag) == "" {
				return fmt.Errorf("-g requires a comma-separated list of Fastly account tokens")
			}

			cfg := config.Default()
			client := httpclient.New()

			for _, token := range strings.Split(tokensFlag, ",") {
				token = strings.TrimSpace(token)
				if token == "" {
					continue
				}

				ids, err := fastly.ListServiceIDs(cmd.Context(), client, token)
				if err != nil {
					return fmt.Errorf("listing services for account token: %w", err)
				}

				services := make([]config.FastlyServiceConfig, 0, len(ids))
				for _, id := range ids {
					services = append(services, config.FastlyServiceConfig{
						ID:               id,
						RecaptchaSiteKey: "<RECAPTCHA_SITE_KEY>",
						RecaptchaSecret:  "<RECAPTCHA_SECRET_KEY>",
					})
				}

				cfg.FastlyAccounts = append(cfg.FastlyAccounts, config.FastlyAccountConfig{
					AccountToken: token,
					Services:     services,
				})
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshaling generated config: %w", err)
			}

			return writeGeneratedConfig(outFlag, out)
		},
	}

	cmd.Flags().StringVarP(&tokensFlag, "tokens", "g", "", "Comma-separated list of Fastly account tokens")
	cmd.Flags().StringVarP(&outFlag, "out", "o", "", "Output file (defaults to stdout)")

	return cmd
}

func writeGeneratedConfig(outPath string, data []byte) error {
	if outPath == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outPath, data, 0o644)
}
