package httpclient

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsOnFirstTry(t *testing.T) {
	c := New(WithMaxRetries(2), WithRetryWait(time.Millisecond))
	httpmock.ActivateNonDefault(c.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "https://example.test/ok",
		httpmock.NewStringResponder(200, `{"ok":true}`))

	resp, body, err := c.Do(context.Background(), http.MethodGet, "https://example.test/ok", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, `{"ok":true}`, string(body))
	assert.Equal(t, 1, httpmock.GetTotalCallCount())
}

func TestDoRetriesOnRetryableStatus(t *testing.T) {
	c := New(WithMaxRetries(2), WithRetryWait(time.Millisecond))
	httpmock.ActivateNonDefault(c.http)
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder(http.MethodGet, "https://example.test/flaky", func(req *http.Request) (*http.Response, error) {
		calls++
		if calls < 3 {
			return httpmock.NewStringResponse(503, "unavailable"), nil
		}
		return httpmock.NewStringResponse(200, "ok"), nil
	})

	resp, body, err := c.Do(context.Background(), http.MethodGet, "https://example.test/flaky", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
	assert.Equal(t, 3, calls)
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	c := New(WithMaxRetries(1), WithRetryWait(time.Millisecond))
	httpmock.ActivateNonDefault(c.http)
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "https://example.test/down",
		httpmock.NewStringResponder(500, "down"))

	_, _, err := c.Do(context.Background(), http.MethodGet, "https://example.test/down", nil, nil)
	assert.Error(t, err)
	assert.Equal(t, 2, httpmock.GetTotalCallCount())
}

func TestDoSetsRequestIDHeader(t *testing.T) {
	c := New(WithMaxRetries(0))
	httpmock.ActivateNonDefault(c.http)
	defer httpmock.DeactivateAndReset()

	var seenRequestID string
	httpmock.RegisterResponder(http.MethodPost, "https://example.test/echo", func(req *http.Request) (*http.Response, error) {
		seenRequestID = req.Header.Get("X-Request-Id")
		return httpmock.NewStringResponse(200, "ok"), nil
	})

	_, _, err := c.Do(context.Background(), http.MethodPost, "https://example.test/echo", nil, []byte(`{}`))
	require.NoError(t, err)
	assert.NotEmpty(t, seenRequestID)
}
