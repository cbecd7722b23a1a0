package fastly

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/crowdsec-bouncers/edge-ban-sync/internal/httpclient"
)

// service is the subset of a Fastly /service list entry this package reads.
type service struct {
	ID string `json:"id"`
}

// ListServiceIDs pages through every service visible to apiToken, grounded
// on fastly_api.py's get_all_service_ids.
func ListServiceIDs(ctx context.Context, client *httpclient.Client, apiToken string) ([]string, error) {
	const perPage = 50

	headers := map[string][]string{"Fastly-Key": {apiToken}}

	var ids []string
	for pageNum := 1; ; pageNum++ {
		url := fmt.Sprintf("%s/service?page=%d&per_page=%d", apiBaseURL, pageNum, perPage)
		resp, body, err := client.Do(ctx, http.MethodGet, url, headers, nil)
		if err != nil {
			return nil, fmt.Errorf("fastly: listing services: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fastly: listing services: unexpected status %d", resp.StatusCode)
		}

		var services []service
		if err := json.Unmarshal(body, &services); err != nil {
			return nil, fmt.Errorf("fastly: decoding service list: %w", err)
		}
		for _, s := range services {
			ids = append(ids, s.ID)
		}
		if len(services) < perPage {
			return ids, nil
		}
	}
}

// DeleteResource issues a DELETE against resourceURL, the generalized form
// of fastly_api.py's delete_acl/delete_vcl (both just DELETE the recorded
// resource URL with no body).
func DeleteResource(ctx context.Context, client *httpclient.Client, apiToken, resourceURL string) error {
	headers := map[string][]string{"Fastly-Key": {apiToken}}
	resp, _, err := client.Do(ctx, http.MethodDelete, resourceURL, headers, nil)
	if err != nil {
		return fmt.Errorf("fastly: deleting %s: %w", resourceURL, err)
	}
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("fastly: deleting %s: unexpected status %d", resourceURL, resp.StatusCode)
	}
	return nil
}
