package fastly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/httpclient"
	"github.com/crowdsec-bouncers/edge-ban-sync/internal/ledger"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBackend(t *testing.T) (*Backend, *httpclient.Client) {
	t.Helper()
	client := httpclient.New(httpclient.WithMaxRetries(0))
	httpmock.ActivateNonDefault(client.HTTPClient())
	t.Cleanup(httpmock.DeactivateAndReset)

	b := New(Config{
		Name:      "test-fastly",
		ServiceID: "svc123",
		APIToken:  "secret",
	}, client, zap.NewNop())

	return b, client
}

func banDecision(value, scope string) ledger.Decision {
	return ledger.Decision{Value: value, Scope: scope, Type: actionBan}
}

func captchaDecision(value, scope string) ledger.Decision {
	return ledger.Decision{Value: value, Scope: scope, Type: actionCaptcha}
}

func registerACLCreate(t *testing.T, created map[string]string) {
	httpmock.RegisterResponder("POST", "https://api.fastly.com/service/svc123/acl",
		func(req *http.Request) (*http.Response, error) {
			_ = req.ParseForm()
			name := req.FormValue("name")
			id := "acl-" + name
			created[name] = id
			return httpmock.NewJsonResponse(200, map[string]string{"id": id})
		})
}

func registerEmptyEntries(aclID string) {
	httpmock.RegisterResponder("GET", "https://api.fastly.com/service/svc123/acl/"+aclID+"/entries?per_page=100",
		httpmock.NewJsonResponderOrPanic(200, []aclEntry{}))
}

func TestApplyCreatesACLAndPatchesEntries(t *testing.T) {
	b, _ := newTestBackend(t)

	created := make(map[string]string)
	registerACLCreate(t, created)
	registerEmptyEntries("acl-ban_0")
	registerEmptyEntries("acl-captcha_0")

	var patchedEntries []aclOp
	httpmock.RegisterResponder("PATCH", "https://api.fastly.com/service/svc123/acl/acl-ban_0/entries",
		func(req *http.Request) (*http.Response, error) {
			var payload struct {
				Entries []aclOp `json:"entries"`
			}
			_ = json.NewDecoder(req.Body).Decode(&payload)
			patchedEntries = payload.Entries
			return httpmock.NewStringResponse(200, ""), nil
		})

	httpmock.RegisterResponder("POST", "https://api.fastly.com/service/svc123/snippet",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{"id": "snippet-1"}))

	applied, err := b.Apply(context.Background(), []ledger.Decision{
		banDecision("10.0.0.1", ledger.ScopeIP),
		banDecision("10.0.0.2", ledger.ScopeIP),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	require.Len(t, patchedEntries, 2)
	for _, op := range patchedEntries {
		assert.Equal(t, "create", op.Op)
		assert.Equal(t, 32, op.Subnet)
	}
}

func TestApplyClassifiesCountryAndASSeparatelyFromIP(t *testing.T) {
	b, _ := newTestBackend(t)

	created := make(map[string]string)
	registerACLCreate(t, created)
	registerEmptyEntries("acl-ban_0")

	var patched int
	httpmock.RegisterResponder("PATCH", "https://api.fastly.com/service/svc123/acl/acl-ban_0/entries",
		func(req *http.Request) (*http.Response, error) {
			var payload struct {
				Entries []aclOp `json:"entries"`
			}
			_ = json.NewDecoder(req.Body).Decode(&payload)
			patched = len(payload.Entries)
			return httpmock.NewStringResponse(200, ""), nil
		})

	snippetBodies := make(map[string]map[string]string)
	httpmock.RegisterResponder("POST", "https://api.fastly.com/service/svc123/snippet",
		func(req *http.Request) (*http.Response, error) {
			var body map[string]string
			_ = json.NewDecoder(req.Body).Decode(&body)
			snippetBodies[body["name"]] = body
			return httpmock.NewJsonResponse(200, map[string]string{"id": "snippet-" + body["name"]})
		})

	applied, err := b.Apply(context.Background(), []ledger.Decision{
		banDecision("10.0.0.1", ledger.ScopeIP),
		banDecision("FR", ledger.ScopeCountry),
		banDecision("64512", ledger.ScopeAS),
	})
	require.NoError(t, err)
	assert.True(t, applied)

	assert.Equal(t, 1, patched, "only the bare IP belongs in the ACL")
	banSnippet := snippetBodies["crowdsec_ban"]
	require.NotNil(t, banSnippet)
	assert.Contains(t, banSnippet["content"], `client.geo.country_code == "FR"`)
	assert.Contains(t, banSnippet["content"], "client.as.number == 64512")
}

func TestApplyIsNoopWhenNothingToDo(t *testing.T) {
	b, _ := newTestBackend(t)

	applied, err := b.Apply(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, applied)
}

func TestApplyVCLIsNoopOnRepeatedCallWithUnchangedDecisions(t *testing.T) {
	b, _ := newTestBackend(t)

	snippetCreates := 0
	httpmock.RegisterResponder("POST", "https://api.fastly.com/service/svc123/snippet",
		func(req *http.Request) (*http.Response, error) {
			snippetCreates++
			var body map[string]string
			_ = json.NewDecoder(req.Body).Decode(&body)
			return httpmock.NewJsonResponse(200, map[string]string{"id": "snippet-" + body["name"]})
		})

	snippetUpdates := 0
	httpmock.RegisterResponder("PUT", `=~^https://api\.fastly\.com/service/svc123/snippet/.*`,
		func(req *http.Request) (*http.Response, error) {
			snippetUpdates++
			return httpmock.NewStringResponse(200, ""), nil
		})

	decisions := []ledger.Decision{banDecision("FR", ledger.ScopeCountry)}

	applied, err := b.Apply(context.Background(), decisions)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, snippetCreates)
	assert.Equal(t, 0, snippetUpdates)

	applied, err = b.Apply(context.Background(), decisions)
	require.NoError(t, err)
	assert.True(t, applied, "a repeated no-op apply still reports success")
	assert.Equal(t, 1, snippetCreates, "must not recreate the snippet")
	assert.Equal(t, 0, snippetUpdates, "unchanged vcl content must not trigger a PUT")
}

func TestApplyVCLPushesUpdateWhenConditionChanges(t *testing.T) {
	b, _ := newTestBackend(t)

	httpmock.RegisterResponder("POST", "https://api.fastly.com/service/svc123/snippet",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{"id": "snippet-crowdsec_ban"}))

	snippetUpdates := 0
	httpmock.RegisterResponder("PUT", `=~^https://api\.fastly\.com/service/svc123/snippet/.*`,
		func(req *http.Request) (*http.Response, error) {
			snippetUpdates++
			return httpmock.NewStringResponse(200, ""), nil
		})

	applied, err := b.Apply(context.Background(), []ledger.Decision{banDecision("FR", ledger.ScopeCountry)})
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = b.Apply(context.Background(), []ledger.Decision{banDecision("DE", ledger.ScopeCountry)})
	require.NoError(t, err)
	assert.True(t, applied, "changed condition must push an update")
	assert.Equal(t, 1, snippetUpdates)
}

func TestApplyGrowsSecondACLWhenFirstIsFull(t *testing.T) {
	b, _ := newTestBackend(t)

	created := make(map[string]string)
	registerACLCreate(t, created)
	registerEmptyEntries("acl-ban_0")
	registerEmptyEntries("acl-ban_1")

	httpmock.RegisterResponder("PATCH", `=~^https://api\.fastly\.com/service/svc123/acl/.*/entries`,
		httpmock.NewStringResponder(200, ""))
	httpmock.RegisterResponder("POST", "https://api.fastly.com/service/svc123/snippet",
		httpmock.NewJsonResponderOrPanic(200, map[string]string{"id": "snippet-1"}))

	decisions := make([]ledger.Decision, 0, 150)
	for i := 0; i < 150; i++ {
		decisions = append(decisions, banDecision(ipFor(i), ledger.ScopeIP))
	}

	applied, err := b.Apply(context.Background(), decisions)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Len(t, created, 2, "150 entries need two ACLs of capacity 100")
}

func ipFor(i int) string {
	return fmt.Sprintf("10.0.%d.%d", i/256, i%256)
}

func TestGenerateConditionWithNoEntriesIsFalse(t *testing.T) {
	assert.Equal(t, "false", generateCondition(nil, nil, nil))
}

func TestClassifySkipsUnsupportedActions(t *testing.T) {
	c := classify([]ledger.Decision{
		{Value: "10.0.0.1", Scope: ledger.ScopeIP, Type: "mfa"},
	})
	assert.Empty(t, c.ipItems)
}
