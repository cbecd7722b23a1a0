// Package edgewaf implements backend.Backend for an edge WAF zone's set of
// managed custom security rules, grounded on
// original_source/app/tencent_edgeone_api.py's TencentEdgeoneAPI, generalized
// from that original's single managed rule to spec.md §4.6's N-parallel-rule
// model. The condition-string format (`${http.request.ip} in
// ['a','b']`) is kept verbatim; internal/ipgroup distributes the blocklist
// across the managed rules, and rule identity is carried across ticks by
// exact-content match first, lexical similarity second.
package edgewaf

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/httpclient"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/ipgroup"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/iplist"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/ledger"
	"go.uber.org/zap"
)

const (
	conditionPrefix = "${http.request.ip} in "
	ruleTypeAccess  = "BasicAccessRule"
	actionDeny      = "Deny"
)

// customRule mirrors one entry of a zone's security policy custom rule list.
type customRule struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name"`
	Condition string `json:"condition"`
	Action    string `json:"action"`
	Enabled   string `json:"enabled"`
	RuleType  string `json:"rule_type"`
	Priority  int    `json:"priority"`
}

type securityPolicy struct {
	ZoneID      string       `json:"zone_id"`
	CustomRules []customRule `json:"custom_rules"`
}

// Backend is an edge WAF zone's managed-rule-set projection.
type Backend struct {
	name         string
	baseURL      string
	apiToken     string
	zoneID       string
	namePrefix   string
	ruleCount    int
	ruleCapacity int
	client       *httpclient.Client
	logger       *zap.Logger
}

// Config holds EdgeWafBackend construction parameters.
type Config struct {
	Name         string
	BaseURL      string
	APIToken     string
	ZoneID       string
	NamePrefix   string
	RuleCount    int // K
	RuleCapacity int // C
}

// New returns an EdgeWafBackend managing RuleCount rules of RuleCapacity
// entries each (total capacity K*C).
func New(cfg Config, client *httpclient.Client, logger *zap.Logger) *Backend {
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = "crowdsec"
	}
	return &Backend{
		name:         cfg.Name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiToken:     cfg.APIToken,
		zoneID:       cfg.ZoneID,
		namePrefix:   prefix,
		ruleCount:    cfg.RuleCount,
		ruleCapacity: cfg.RuleCapacity,
		client:       client,
		logger:       logger,
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) Precheck(ctx context.Context) error {
	_, err := b.getPolicy(ctx)
	if err != nil {
		return fmt.Errorf("edgewaf backend %s: precheck: %w", b.name, err)
	}
	return nil
}

func (b *Backend) authHeaders() map[string][]string {
	return map[string][]string{
		"Authorization": {"Bearer " + b.apiToken},
		"Content-Type":  {"application/json"},
	}
}

func (b *Backend) getPolicy(ctx context.Context) (*securityPolicy, error) {
	url := fmt.Sprintf("%s/zones/%s/security-policy", b.baseURL, b.zoneID)
	resp, body, err := b.client.Do(ctx, "GET", url, b.authHeaders(), nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("unexpected status %d fetching security policy for zone %s", resp.StatusCode, b.zoneID)
	}
	var p securityPolicy
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decoding security policy: %w", err)
	}
	return &p, nil
}

// splitRules separates managed rules (by name prefix) from everything else,
// sorting the managed rules by name for deterministic bin assignment.
func (b *Backend) splitRules(policy *securityPolicy) (managed, others []customRule) {
	for _, rule := range policy.CustomRules {
		if strings.HasPrefix(strings.ToLower(rule.Name), b.namePrefix) {
			managed = append(managed, rule)
			continue
		}
		others = append(others, rule)
	}
	sort.Slice(managed, func(i, j int) bool { return managed[i].Name < managed[j].Name })
	return managed, others
}

// parseRuleIPs extracts the IP list embedded in a rule's condition string.
func parseRuleIPs(rule customRule) []string {
	if rule.RuleType != ruleTypeAccess {
		return nil
	}
	if !strings.HasPrefix(rule.Condition, conditionPrefix) {
		return nil
	}
	listStr := strings.TrimSpace(strings.TrimPrefix(rule.Condition, conditionPrefix))
	listStr = strings.Trim(listStr, "[]")
	if listStr == "" {
		return nil
	}
	var ips []string
	for _, item := range strings.Split(listStr, ",") {
		ip := strings.Trim(strings.TrimSpace(item), "'")
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

// renderCondition renders a bin's IP list back into the rule's condition
// string format.
func renderCondition(ips []string) string {
	items := make([]string, len(ips))
	for i, ip := range ips {
		items[i] = "'" + ip + "'"
	}
	return conditionPrefix + "[" + strings.Join(items, ",") + "]"
}

func (b *Backend) Apply(ctx context.Context, decisions []ledger.Decision) (bool, error) {
	policy, err := b.getPolicy(ctx)
	if err != nil {
		return false, fmt.Errorf("edgewaf backend %s: %w", b.name, err)
	}

	managed, others := b.splitRules(policy)

	builder, err := iplist.NewBuilder(b.ruleCount*b.ruleCapacity, nil)
	if err != nil {
		return false, fmt.Errorf("edgewaf backend %s: building blocklist: %w", b.name, err)
	}
	builder.Update(banValues(decisions))
	blocklist := builder.ToList()

	existingBins := make([][]string, 0, len(managed))
	for _, rule := range managed {
		existingBins = append(existingBins, parseRuleIPs(rule))
	}

	partitioner := ipgroup.New(b.ruleCapacity)
	partitioner.Load(existingBins)
	partitioner.Update(blocklist)
	newBins := partitioner.Bins()

	ruleIDs := matchRuleIDs(existingBins, newBins, managed)

	unchanged := len(newBins) == len(existingBins)
	if unchanged {
		for i, bin := range newBins {
			if !equalStrings(bin, existingBins[i]) {
				unchanged = false
				break
			}
		}
	}
	if unchanged {
		b.logger.Info("edge waf rule set unchanged, skipping apply", zap.String("zone", b.zoneID))
		return true, nil
	}

	now := time.Now().UTC().Format("20060102-150405")
	newManaged := make([]customRule, len(newBins))
	for idx, bin := range newBins {
		newManaged[idx] = customRule{
			ID:        ruleIDs[idx],
			Name:      fmt.Sprintf("%s-%d-%s", b.namePrefix, idx, now),
			Condition: renderCondition(bin),
			Action:    actionDeny,
			Enabled:   "on",
			RuleType:  ruleTypeAccess,
			Priority:  0,
		}
	}

	policy.CustomRules = append(append([]customRule{}, others...), newManaged...)

	b.logger.Info("applying edge waf rule set",
		zap.String("zone", b.zoneID),
		zap.Int("bins", len(newBins)),
		zap.Int("blocklist_size", len(blocklist)),
	)

	body, err := json.Marshal(policy)
	if err != nil {
		return false, fmt.Errorf("edgewaf backend %s: encoding policy: %w", b.name, err)
	}

	url := fmt.Sprintf("%s/zones/%s/security-policy", b.baseURL, b.zoneID)
	resp, _, err := b.client.Do(ctx, "PUT", url, b.authHeaders(), body)
	if err != nil {
		return false, fmt.Errorf("edgewaf backend %s: %w", b.name, err)
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("edgewaf backend %s: unexpected status %d updating policy", b.name, resp.StatusCode)
	}

	return true, nil
}

// minRuleIDReuseSimilarity is the minimum common-prefix length the
// lexical-similarity pass requires before reusing a pre-existing rule id.
// Below this, the bins are too dissimilar to be "the same rule, slightly
// changed" and the new bin gets a fresh rule instead.
const minRuleIDReuseSimilarity = 4

// matchRuleIDs assigns a pre-existing rule id to each new bin: exact content
// matches first, then remaining bins are matched to remaining pre-existing
// ids by lexical similarity (common prefix length over the sorted, joined
// IP strings), reusing an id only when that similarity clears
// minRuleIDReuseSimilarity; bins with no sufficiently similar match are left
// to create a fresh rule, per spec.md §9.
func matchRuleIDs(existingBins, newBins [][]string, managed []customRule) []string {
	result := make([]string, len(newBins))
	usedExisting := make(map[int]bool)
	assigned := make(map[int]bool)

	key := func(bin []string) string {
		sorted := append([]string{}, bin...)
		sort.Strings(sorted)
		return strings.Join(sorted, ",")
	}

	existingKeys := make([]string, len(existingBins))
	for i, bin := range existingBins {
		existingKeys[i] = key(bin)
	}

	// exact match pass
	for newIdx, bin := range newBins {
		newKey := key(bin)
		for exIdx := range existingBins {
			if usedExisting[exIdx] {
				continue
			}
			if existingKeys[exIdx] == newKey {
				result[newIdx] = idOf(managed, exIdx)
				usedExisting[exIdx] = true
				assigned[newIdx] = true
				break
			}
		}
	}

	// lexical-similarity pass for the rest
	for newIdx, bin := range newBins {
		if assigned[newIdx] {
			continue
		}
		newKey := key(bin)
		best, bestScore := -1, -1
		for exIdx := range existingBins {
			if usedExisting[exIdx] {
				continue
			}
			score := commonPrefixLen(newKey, existingKeys[exIdx])
			if score > bestScore {
				best, bestScore = exIdx, score
			}
		}
		if best != -1 && bestScore >= minRuleIDReuseSimilarity {
			result[newIdx] = idOf(managed, best)
			usedExisting[best] = true
		}
	}

	return result
}

func idOf(managed []customRule, idx int) string {
	if idx < 0 || idx >= len(managed) {
		return ""
	}
	return managed[idx].ID
}

func commonPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
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
