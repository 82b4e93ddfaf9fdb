// ABOUTME: Authorization server metadata discovery for OAuth pre-fill
// ABOUTME: Well-known lookup with origin fallback, deduplicated via singleflight

package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/sync/singleflight"
)

// Metadata is the subset of the authorization server metadata document
// used to pre-fill an OAuth auth config. Discovery is a convenience;
// nothing at runtime requires it.
type Metadata struct {
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	ScopesSupported       []string `json:"scopes_supported"`
}

// discoveryGroup deduplicates concurrent discoveries for the same URL.
var discoveryGroup singleflight.Group

// Discover fetches the provider's metadata document for a base URL.
// When the path-based well-known lookup fails, the URL's origin is
// tried: many providers serve metadata only at the host root.
func (m *Manager) Discover(ctx context.Context, baseURL string) (*Metadata, error) {
	result, err, _ := discoveryGroup.Do(baseURL, func() (interface{}, error) {
		meta, err := m.fetchMetadata(ctx, baseURL)
		if err == nil {
			return meta, nil
		}

		origin, originErr := urlOrigin(baseURL)
		if originErr != nil || origin == strings.TrimSuffix(baseURL, "/") {
			return nil, err
		}
		return m.fetchMetadata(ctx, origin)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Metadata), nil
}

func (m *Manager) fetchMetadata(ctx context.Context, base string) (*Metadata, error) {
	wellKnown := strings.TrimSuffix(base, "/") + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching metadata from %s: status %d", wellKnown, resp.StatusCode)
	}

	var meta Metadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if meta.AuthorizationEndpoint == "" || meta.TokenEndpoint == "" {
		return nil, fmt.Errorf("metadata from %s missing endpoints", wellKnown)
	}
	return &meta, nil
}

// urlOrigin reduces a URL to scheme://host.
func urlOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("url %q has no origin", raw)
	}
	return u.Scheme + "://" + u.Host, nil
}
