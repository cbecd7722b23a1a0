package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/adminsrv"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/backend"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/backend/cdn"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/backend/edgewaf"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/backend/fastly"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/config"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/controlloop"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/feed"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/httpclient"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/logging"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/metrics"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/version"
)

const userAgentName = "edge-ban-sync"

const defaultWAFRuleCapacity = 1000

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Runs the daemon (default when no subcommand is given)",
		RunE:  cmdRun,
	}
}

func cmdRun(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dryRun, _ := cmd.Flags().GetBool("dryrun")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	instanceID, err := generateInstanceID()
	if err != nil {
		return fmt.Errorf("generating instance id: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel == "debug", instanceID)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logging.OverrideLogrusLogger(logger, instanceID, cfg.DecisionFeed.APIURL, false)

	userAgent := userAgentName + "/" + version.Current()

	f, err := feed.New(feed.Config{
		APIKey:         cfg.DecisionFeed.APIKey,
		APIUrl:         cfg.DecisionFeed.APIURL,
		TickerInterval: fmt.Sprintf("%ds", cfg.UpdateFrequency),
		UserAgent:      userAgent,
	}, logger)
	if err != nil {
		return fmt.Errorf("building decision feed: %w", err)
	}

	backends, err := buildBackends(cfg, logger)
	if err != nil {
		return fmt.Errorf("building backends: %w", err)
	}

	collector := metrics.New()
	collector.MustRegister(prometheus.DefaultRegisterer)

	loopCfg := controlloop.DefaultConfig()
	loopCfg.DryRun = dryRun
	if cfg.UpdateFrequency > 0 {
		loopCfg.TickInterval = time.Duration(cfg.UpdateFrequency) * time.Second
	}

	loop := controlloop.New(loopCfg, f, backends, logger, collector)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := loop.Preflight(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}

	admin := adminsrv.New(cfg.AdminListenAddr, loop, logger)

	metricsProvider, err := metrics.NewProvider(f.APIClient().APIClient, userAgentName, version.Current(), time.Minute)
	if err != nil {
		return fmt.Errorf("building metrics provider: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil {
			return err
		}
		if dryRun {
			stop()
		}
		return nil
	})
	g.Go(func() error {
		return admin.Run(gctx)
	})
	g.Go(func() error {
		return metricsProvider.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("daemon stopped with error: %w", err)
	}

	loop.Shutdown()
	return nil
}

func generateInstanceID() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func buildBackends(cfg config.Config, logger *zap.Logger) ([]backend.Backend, error) {
	client := httpclient.New()

	var backends []backend.Backend

	if cfg.CDN != nil {
		backends = append(backends, cdn.New(cdn.Config{
			Name:         "cdn",
			BaseURL:      cfg.CDN.BaseURL,
			APIToken:     cfg.CDN.APIToken,
			Domain:       cfg.CDN.Domain,
			RemarkPrefix: cfg.CDN.RemarkPrefix,
		}, client, logger.Named("cdn")))
	}

	if cfg.WAF != nil {
		ruleCapacity := cfg.WAF.RuleCapacity
		if ruleCapacity <= 0 {
			ruleCapacity = defaultWAFRuleCapacity
		}
		backends = append(backends, edgewaf.New(edgewaf.Config{
			Name:         "edgewaf",
			BaseURL:      cfg.WAF.BaseURL,
			APIToken:     cfg.WAF.APIToken,
			ZoneID:       cfg.WAF.ZoneID,
			NamePrefix:   cfg.WAF.NamePrefix,
			RuleCount:    cfg.WAF.MaxRules,
			RuleCapacity: ruleCapacity,
		}, client, logger.Named("edgewaf")))
	}

	var cleanup fastly.CleanupRecorder
	if cfg.CleanupFile != "" {
		recorder, err := fastly.NewFileCleanupRecorder(cfg.CleanupFile)
		if err != nil {
			return nil, fmt.Errorf("opening cleanup log: %w", err)
		}
		cleanup = recorder
	}

	for _, account := range cfg.FastlyAccounts {
		for _, svc := range account.Services {
			backends = append(backends, fastly.New(fastly.Config{
				Name:             fmt.Sprintf("fastly-%s", svc.ID),
				ServiceID:        svc.ID,
				APIToken:         account.AccountToken,
				RecaptchaSecret:  svc.RecaptchaSecret,
				RecaptchaSiteKey: svc.RecaptchaSiteKey,
				Cleanup:          cleanup,
			}, client, logger.Named("fastly").With(zap.String("service_id", svc.ID))))
		}
	}

	return backends, nil
}
