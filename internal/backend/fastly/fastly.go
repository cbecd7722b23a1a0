// Package fastly implements backend.Backend for a Fastly service's
// ACL-collection + VCL-snippet model, grounded on
// original_source/fastly_api.py (FastlyAPI, ACL, VCL, process_acl) and
// original_source/service.py (ACLCollection, Service's per-action
// country/AS-number/ACL partition). It is the only backend that consumes
// decisions beyond bare ban-typed Ip/Range values: spec.md's optional
// country/AS scopes and the supplemented captcha action (§6 of SPEC_FULL.md)
// are Fastly-only.
package fastly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"strings"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/httpclient"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/ledger"
	"github.com/oxtoacart/bpool"
	"go.uber.org/zap"
)

const (
	apiBaseURL  = "https://api.fastly.com"
	aclCapacity = 100

	actionBan     = "ban"
	actionCaptcha = "captcha"
)

// SupportedActions mirrors original_source/utils.py's SUPPORTED_ACTIONS.
var SupportedActions = []string{actionBan, actionCaptcha}

// CleanupRecorder records every ACL/VCL resource this backend creates, along
// with the account token needed to delete it later, so a later `cleanup`
// CLI invocation can tear them down even after the in-process state is
// gone. Grounded on original_source/fastly_api.py's delete_script logger
// and original_source/src/fastly_bouncer/main.py's cleanup(), which reads
// back exactly these two columns per row.
type CleanupRecorder interface {
	Record(apiToken, resourceURL string)
}

// NopCleanupRecorder discards records; used when cleanup tracking isn't
// configured.
type NopCleanupRecorder struct{}

func (NopCleanupRecorder) Record(string, string) {}

// aclEntry is one ACL member as returned by the Fastly API.
type aclEntry struct {
	ID     string `json:"id"`
	IP     string `json:"ip"`
	Subnet int    `json:"subnet"`
}

// acl tracks one ACL resource's known remote entries.
type acl struct {
	id      string
	name    string
	entries map[string]string // "ip/subnet" -> entry id
}

func (a *acl) isFull() bool {
	return len(a.entries) >= aclCapacity
}

// Backend is a single Fastly service's ban-projection surface.
type Backend struct {
	name      string
	serviceID string
	apiToken  string

	recaptchaSecret  string
	recaptchaSiteKey string

	aclsByAction      map[string][]*acl
	vclIDByAction     map[string]string
	vclPushedByAction map[string]string // action -> content last successfully pushed

	client  *httpclient.Client
	logger  *zap.Logger
	pool    *bpool.BufferPool
	cleanup CleanupRecorder
}

// Config holds FastlyAclBackend construction parameters.
type Config struct {
	Name             string
	ServiceID        string
	APIToken         string
	RecaptchaSecret  string
	RecaptchaSiteKey string
	Cleanup          CleanupRecorder
}

// New returns a FastlyAclBackend for a single service.
func New(cfg Config, client *httpclient.Client, logger *zap.Logger) *Backend {
	cleanup := cfg.Cleanup
	if cleanup == nil {
		cleanup = NopCleanupRecorder{}
	}
	return &Backend{
		name:              cfg.Name,
		serviceID:         cfg.ServiceID,
		apiToken:          cfg.APIToken,
		recaptchaSecret:   cfg.RecaptchaSecret,
		recaptchaSiteKey:  cfg.RecaptchaSiteKey,
		aclsByAction:      make(map[string][]*acl),
		vclIDByAction:     make(map[string]string),
		vclPushedByAction: make(map[string]string),
		client:            client,
		logger:            logger,
		pool:              bpool.NewBufferPool(64),
		cleanup:           cleanup,
	}
}

func (b *Backend) Name() string { return b.name }

func (b *Backend) headers() map[string][]string {
	return map[string][]string{
		"Fastly-Key":   {b.apiToken},
		"Content-Type": {"application/json"},
	}
}

func (b *Backend) url(path string) string {
	return apiBaseURL + path
}

// Precheck verifies the service exists and is reachable.
func (b *Backend) Precheck(ctx context.Context) error {
	resp, _, err := b.client.Do(ctx, http.MethodGet, b.url("/service/"+b.serviceID), b.headers(), nil)
	if err != nil {
		return fmt.Errorf("fastly backend %s: precheck: %w", b.name, err)
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("fastly backend %s: precheck: unexpected status %d for service %s", b.name, resp.StatusCode, b.serviceID)
	}
	return nil
}

// classified holds the per-action partitioning of one Apply call's
// decisions by action and by each decision's Scope (Ip/Range, Country, AS).
type classified struct {
	ipItems       map[string][]string // action -> ip/cidr values
	countries     map[string][]string // action -> 2-letter country codes
	autonomousSys map[string][]string // action -> AS numbers
}

func classify(decisions []ledger.Decision) classified {
	c := classified{
		ipItems:       make(map[string][]string),
		countries:     make(map[string][]string),
		autonomousSys: make(map[string][]string),
	}

	for _, d := range decisions {
		action := d.Type
		if action != actionBan && action != actionCaptcha {
			continue
		}

		switch d.Scope {
		case ledger.ScopeIP, ledger.ScopeRange:
			c.ipItems[action] = append(c.ipItems[action], d.Value)
		case ledger.ScopeCountry:
			c.countries[action] = append(c.countries[action], d.Value)
		case ledger.ScopeAS:
			c.autonomousSys[action] = append(c.autonomousSys[action], d.Value)
		}
	}

	return c
}

// Apply reconciles the service's ACL collections and VCL conditions against
// the current decision snapshot, one action (ban/captcha) at a time.
func (b *Backend) Apply(ctx context.Context, decisions []ledger.Decision) (bool, error) {
	parts := classify(decisions)

	anyApplied := false
	for _, action := range SupportedActions {
		applied, err := b.applyAction(ctx, action, parts)
		if err != nil {
			return anyApplied, fmt.Errorf("fastly backend %s: action %s: %w", b.name, action, err)
		}
		anyApplied = anyApplied || applied
	}

	return true, nil
}

func (b *Backend) applyAction(ctx context.Context, action string, parts classified) (bool, error) {
	desired := normalizeIPItems(parts.ipItems[action])
	countries := parts.countries[action]
	asNumbers := parts.autonomousSys[action]

	_, vclExists := b.vclIDByAction[action]
	if len(desired) == 0 && len(countries) == 0 && len(asNumbers) == 0 &&
		len(b.aclsByAction[action]) == 0 && !vclExists {
		return false, nil
	}

	acls, err := b.ensureACLs(ctx, action, desired)
	if err != nil {
		return false, err
	}

	changed, err := b.reconcileACLEntries(ctx, acls, desired)
	if err != nil {
		return false, err
	}

	vclChanged, err := b.reconcileVCL(ctx, action, acls, countries, asNumbers)
	if err != nil {
		return false, err
	}

	return changed || vclChanged, nil
}

// ensureACLs grows the action's ACL collection to fit desired, creating new
// ACL resources (named "<action>_<index>") as existing ones fill up, the
// way ACLCollection._create_acls / insert_item does.
func (b *Backend) ensureACLs(ctx context.Context, action string, desired map[string]struct{}) ([]*acl, error) {
	acls := b.aclsByAction[action]

	capacityNeeded := len(desired)
	capacityAvailable := len(acls) * aclCapacity
	for capacityAvailable < capacityNeeded {
		created, err := b.createACL(ctx, fmt.Sprintf("%s_%d", action, len(acls)))
		if err != nil {
			return nil, err
		}
		acls = append(acls, created)
		capacityAvailable += aclCapacity
	}

	b.aclsByAction[action] = acls
	return acls, nil
}

func (b *Backend) createACL(ctx context.Context, name string) (*acl, error) {
	body := []byte("name=" + name)
	resp, respBody, err := b.client.Do(ctx, http.MethodPost, b.url(fmt.Sprintf("/service/%s/acl", b.serviceID)), b.formHeaders(), body)
	if err != nil {
		return nil, fmt.Errorf("creating acl %s: %w", name, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("creating acl %s: unexpected status %d", name, resp.StatusCode)
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &created); err != nil {
		return nil, fmt.Errorf("decoding acl creation response: %w", err)
	}

	b.cleanup.Record(b.apiToken, fmt.Sprintf("https://api.fastly.com/service/%s/acl/%s", b.serviceID, name))

	return &acl{id: created.ID, name: name, entries: make(map[string]string)}, nil
}

func (b *Backend) formHeaders() map[string][]string {
	return map[string][]string{
		"Fastly-Key":   {b.apiToken},
		"Content-Type": {"application/x-www-form-urlencoded"},
	}
}

// reconcileACLEntries diffs desired against each ACL's last-known entries
// and issues batched create/delete PATCHes, mirroring process_acl.
func (b *Backend) reconcileACLEntries(ctx context.Context, acls []*acl, desired map[string]struct{}) (bool, error) {
	present := make(map[string]struct{})
	for _, a := range acls {
		for item := range a.entries {
			present[item] = struct{}{}
		}
	}

	var toAdd, toRemove []string
	for item := range desired {
		if _, ok := present[item]; !ok {
			toAdd = append(toAdd, item)
		}
	}
	for item := range present {
		if _, ok := desired[item]; !ok {
			toRemove = append(toRemove, item)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRemove)

	if len(toAdd) == 0 && len(toRemove) == 0 {
		return false, nil
	}

	perACLAdds := make(map[*acl][]string)
	perACLRemoves := make(map[*acl][]string)

	for _, item := range toRemove {
		for _, a := range acls {
			if _, ok := a.entries[item]; ok {
				perACLRemoves[a] = append(perACLRemoves[a], item)
				break
			}
		}
	}

	load := make(map[*acl]int, len(acls))
	for _, a := range acls {
		load[a] = len(a.entries) - len(perACLRemoves[a])
	}

	for _, item := range toAdd {
		target := leastLoaded(acls, load)
		if target == nil {
			return false, fmt.Errorf("no acl with room for %s: collection at capacity", item)
		}
		perACLAdds[target] = append(perACLAdds[target], item)
		load[target]++
	}

	for _, a := range acls {
		adds, removes := perACLAdds[a], perACLRemoves[a]
		if len(adds) == 0 && len(removes) == 0 {
			continue
		}
		if err := b.patchACL(ctx, a, adds, removes); err != nil {
			return false, err
		}
	}

	return true, nil
}

// leastLoaded returns the ACL with the most remaining room, so additions
// spread evenly instead of always piling onto the first non-full ACL.
func leastLoaded(acls []*acl, load map[*acl]int) *acl {
	var best *acl
	bestRoom := -1
	for _, a := range acls {
		room := aclCapacity - load[a]
		if room > bestRoom {
			best, bestRoom = a, room
		}
	}
	if bestRoom <= 0 {
		return nil
	}
	return best
}

type aclOp struct {
	Op     string `json:"op"`
	IP     string `json:"ip,omitempty"`
	Subnet int    `json:"subnet,omitempty"`
	ID     string `json:"id,omitempty"`
}

// patchACL issues a batched PATCH of at most 100 operations and refreshes
// the ACL's known entries afterward, per process_acl's 100-op batching.
func (b *Backend) patchACL(ctx context.Context, a *acl, toAdd, toRemove []string) error {
	ops := make([]aclOp, 0, len(toAdd)+len(toRemove))
	for _, item := range toAdd {
		prefix, err := netip.ParsePrefix(item)
		if err != nil {
			addr, aerr := netip.ParseAddr(item)
			if aerr != nil {
				return fmt.Errorf("invalid acl entry %q: %w", item, err)
			}
			bits := 32
			if addr.Is6() {
				bits = 128
			}
			prefix = netip.PrefixFrom(addr, bits)
		}
		ops = append(ops, aclOp{Op: "create", IP: prefix.Addr().String(), Subnet: prefix.Bits()})
	}
	for _, item := range toRemove {
		if id, ok := a.entries[item]; ok {
			ops = append(ops, aclOp{Op: "delete", ID: id})
		}
	}

	for i := 0; i < len(ops); i += 100 {
		end := min(i+100, len(ops))
		batch := ops[i:end]

		buf := b.pool.Get()
		defer b.pool.Put(buf)
		if err := json.NewEncoder(buf).Encode(map[string][]aclOp{"entries": batch}); err != nil {
			return fmt.Errorf("encoding acl patch: %w", err)
		}

		resp, _, err := b.client.Do(ctx, http.MethodPatch, b.url(fmt.Sprintf("/service/%s/acl/%s/entries", b.serviceID, a.id)), b.headers(), buf.Bytes())
		if err != nil {
			return fmt.Errorf("patching acl %s: %w", a.name, err)
		}
		if resp.StatusCode >= 300 {
			return fmt.Errorf("patching acl %s: unexpected status %d", a.name, resp.StatusCode)
		}
	}

	return b.refreshACLEntries(ctx, a)
}

func (b *Backend) refreshACLEntries(ctx context.Context, a *acl) error {
	resp, body, err := b.client.Do(ctx, http.MethodGet, b.url(fmt.Sprintf("/service/%s/acl/%s/entries?per_page=100", b.serviceID, a.id)), b.headers(), nil)
	if err != nil {
		return fmt.Errorf("refreshing acl %s: %w", a.name, err)
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("refreshing acl %s: unexpected status %d", a.name, resp.StatusCode)
	}

	var entries []aclEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return fmt.Errorf("decoding acl entries: %w", err)
	}

	a.entries = make(map[string]string, len(entries))
	for _, e := range entries {
		a.entries[fmt.Sprintf("%s/%d", e.IP, e.Subnet)] = e.ID
	}

	return nil
}

// reconcileVCL regenerates the action's condition snippet (ACL membership
// OR'd with country/AS-number equality checks) and pushes it as a dynamic
// VCL snippet, creating it on first use. Skips the PUT when the generated
// content matches what was last pushed for this action, the same
// before-writing equality check cdn.Backend.Apply and edgewaf.Backend.Apply
// use to keep repeated calls a no-op.
func (b *Backend) reconcileVCL(ctx context.Context, action string, acls []*acl, countries, asNumbers []string) (bool, error) {
	condition := generateCondition(acls, countries, asNumbers)

	buf := b.pool.Get()
	defer b.pool.Put(buf)
	buf.WriteString(fmt.Sprintf("if ( %s ) { error 403; }", condition))
	content := buf.String()

	snippetName := "crowdsec_" + action
	vclID, exists := b.vclIDByAction[action]

	if exists && b.vclPushedByAction[action] == content {
		return false, nil
	}

	payload, err := json.Marshal(map[string]string{
		"name":    snippetName,
		"type":    "recv",
		"content": content,
		"dynamic": "1",
	})
	if err != nil {
		return false, fmt.Errorf("encoding vcl snippet: %w", err)
	}

	if !exists {
		resp, body, err := b.client.Do(ctx, http.MethodPost, b.url(fmt.Sprintf("/service/%s/snippet", b.serviceID)), b.headers(), payload)
		if err != nil {
			return false, fmt.Errorf("creating vcl snippet %s: %w", snippetName, err)
		}
		if resp.StatusCode >= 300 {
			return false, fmt.Errorf("creating vcl snippet %s: unexpected status %d", snippetName, resp.StatusCode)
		}
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(body, &created); err != nil {
			return false, fmt.Errorf("decoding vcl snippet response: %w", err)
		}
		b.vclIDByAction[action] = created.ID
		b.vclPushedByAction[action] = content
		b.cleanup.Record(b.apiToken, fmt.Sprintf("https://api.fastly.com/service/%s/snippet/%s", b.serviceID, snippetName))
		return true, nil
	}

	resp, _, err := b.client.Do(ctx, http.MethodPut, b.url(fmt.Sprintf("/service/%s/snippet/%s", b.serviceID, vclID)), b.headers(), payload)
	if err != nil {
		return false, fmt.Errorf("updating vcl snippet %s: %w", snippetName, err)
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("updating vcl snippet %s: unexpected status %d", snippetName, resp.StatusCode)
	}

	b.vclPushedByAction[action] = content
	return true, nil
}

// generateCondition mirrors Service.generate_conditional_for_action: an ACL
// membership check per ACL, OR'd with country and AS-number equality
// checks.
func generateCondition(acls []*acl, countries, asNumbers []string) string {
	var parts []string
	for _, a := range acls {
		parts = append(parts, fmt.Sprintf("(client.ip ~ %s)", a.name))
	}
	for _, country := range uniqueSorted(countries) {
		parts = append(parts, fmt.Sprintf("client.geo.country_code == %q", country))
	}
	for _, as := range uniqueSorted(asNumbers) {
		parts = append(parts, fmt.Sprintf("client.as.number == %s", as))
	}
	if len(parts) == 0 {
		return "false"
	}
	return strings.Join(parts, " || ")
}

func normalizeIPItems(values []string) map[string]struct{} {
	out := make(map[string]struct{}, len(values))
	for _, v := range values {
		if prefix, err := netip.ParsePrefix(v); err == nil {
			v = prefix.String()
		} else if addr, err := netip.ParseAddr(v); err == nil {
			v = netip.PrefixFrom(addr, addr.BitLen()).String()
		}
		out[v] = struct{}{}
	}
	return out
}

func uniqueSorted(values []string) []string {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for v := range set {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

