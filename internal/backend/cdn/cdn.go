// Package cdn implements backend.Backend for a CDN domain's single managed
// IP blacklist rule, grounded on original_source/app/tencent_api.py's
// TencentCdnAPI. The vendor SDK it used (tencentcloud-sdk-go) has no
// equivalent dependency anywhere in this corpus, so the wire calls go
// through internal/httpclient against a generic JSON domain-config API
// instead of a vendor client -- the rule-management algorithm (managed rule
// identified by remark prefix, capacity shared with other rules, equality
// check before writing) is kept exactly.
package cdn

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/httpclient"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/iplist"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/ledger"
	"go.uber.org/zap"
)

const (
	filterTypeBlacklist = "blacklist"
	filterTypeWhitelist = "whitelist"
	ruleCapacity        = 200
)

// ipFilterRule mirrors one entry of a CDN domain's IP-filter rule list.
type ipFilterRule struct {
	FilterType string   `json:"filter_type"`
	Filters    []string `json:"filters"`
	Remark     string   `json:"remark,omitempty"`
	RuleType   string   `json:"rule_type,omitempty"`
	RulePaths  []string `json:"rule_paths,omitempty"`
}

type domainConfig struct {
	Domain   string         `json:"domain"`
	Switch   string         `json:"switch"`
	IPFilter []ipFilterRule `json:"ip_filter_rules"`
}

// Backend is a CDN domain's managed blacklist projection.
type Backend struct {
	name         string
	baseURL      string
	apiToken     string
	domain       string
	remarkPrefix string
	client       *httpclient.Client
	logger       *zap.Logger
}

// Config holds CdnBackend construction parameters.
type Config struct {
	Name         string
	BaseURL      string
	APIToken     string
	Domain       string
	RemarkPrefix string
}

// New returns a CdnBackend for a single domain.
func New(cfg Config, client *httpclient.Client, logger *zap.Logger) *Backend {
	prefix := cfg.RemarkPrefix
	if prefix == "" {
		prefix = "crowdsec"
	}
	return &Backend{
		name:         cfg.Name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:     cfg.APIToken,
		domain:       cfg.Domain,
		remarkPrefix: prefix,
		client:       client,
		logger:       logger,
	}
}

func (b *Backend) Name() string { return b.name }

// Precheck verifies the domain configuration is reachable.
func (b *Backend) Precheck(ctx context.Context) error {
	_, err := b.getDomainConfig(ctx)
	if err != nil {
		return fmt.Errorf("cdn backend %s: precheck: %w", b.name, err)
	}
	return nil
}

func (b *Backend) getDomainConfig(ctx context.Context) (*domainConfig, error) {
	url := fmt.Sprintf("%s/domains/%s/config", b.baseURL, b.domain)
	resp, body, err := b.client.Do(ctx, "GET", url, b.authHeaders(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("unexpected status %d fetching domain config for %s", resp.StatusCode, b.domain)
	}
	var cfg domainConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decoding domain config: %w", err)
	}
	return &cfg, nil
}

func (b *Backend) authHeaders() map[string][]string {
	return map[string][]string{
		"Authorization": {"Bearer " + b.apiToken},
		"Content-Type":  {"application/json"},
	}
}

// splitRules separates the managed blacklist rule (identified by remark
// prefix) from every other rule, matching _split_ip_filter_s.
func (b *Backend) splitRules(cfg *domainConfig) (managed ipFilterRule, others []ipFilterRule) {
	for _, rule := range cfg.IPFilter {
		if rule.FilterType == filterTypeBlacklist && strings.HasPrefix(strings.ToLower(rule.Remark), b.remarkPrefix) {
			managed = rule
			continue
		}
		others = append(others, rule)
	}
	managed.FilterType = filterTypeBlacklist
	return managed, others
}

// Apply reconciles the domain's managed blacklist rule against the ban-typed
// Ip/Range decisions in the snapshot.
func (b *Backend) Apply(ctx context.Context, decisions []ledger.Decision) (bool, error) {
	cfg, err := b.getDomainConfig(ctx)
	if err != nil {
		return false, fmt.Errorf("cdn backend %s: %w", b.name, err)
	}

	managed, others := b.splitRules(cfg)

	var whitelisted, blacklisted []string
	for _, rule := range others {
		if rule.FilterType == filterTypeBlacklist {
			blacklisted = append(blacklisted, rule.Filters...)
		} else {
			whitelisted = append(whitelisted, rule.Filters...)
		}
	}

	maxSize := ruleCapacity - len(blacklisted)
	if maxSize < 0 {
		maxSize = 0
	}

	builder, err := iplist.NewBuilder(maxSize, append(append([]string{}, whitelisted...), blacklisted...))
	if err != nil {
		return false, fmt.Errorf("cdn backend %s: building ignore set: %w", b.name, err)
	}

	builder.Update(banValues(decisions))
	target := builder.ToList()
	discarded := builder.DiscardList()

	if equalStrings(managed.Filters, target) {
		b.logger.Info("cdn blacklist unchanged, skipping apply", zap.String("domain", b.domain))
		return true, nil
	}

	remark := fmt.Sprintf("%s %s", b.remarkPrefix, time.Now().UTC().Format(time.RFC3339))
	managed.Filters = target
	managed.Remark = remark
	managed.FilterType = filterTypeBlacklist
	managed.RuleType = "all"
	managed.RulePaths = []string{"*"}

	newRules := append(append([]ipFilterRule{}, others...), managed)
	cfg.IPFilter = newRules
	cfg.Switch = "on"

	b.logger.Info("applying cdn blacklist",
		zap.String("domain", b.domain),
		zap.Int("blacklist_size", len(target)),
		zap.Int("discarded", len(discarded)),
	)

	body, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("cdn backend %s: encoding updated config: %w", b.name, err)
	}

	url := fmt.Sprintf("%s/domains/%s/config", b.baseURL, b.domain)
	resp, _, err := b.client.Do(ctx, "PUT", url, b.authHeaders(), body)
	if err != nil {
		return false, fmt.Errorf("cdn backend %s: %w", b.name, err)
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("cdn backend %s: unexpected status %d updating domain config", b.name, resp.StatusCode)
	}

	return true, nil
}

func banValues(decisions []ledger.Decision) []string {
	out := make([]string, 0, len(decisions))
	for _, d := range decisions {
		if d.Type != "ban" {
			continue
		}
		if d.Scope != ledger.ScopeIP && d.Scope != ledger.ScopeRange {
			continue
		}
		out = append(out, d.Value)
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
