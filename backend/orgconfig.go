// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// OrgConfig is the published description of a participating org: its
// endpoints and where its public keys live.
type OrgConfig struct {
	Name                       string   `json:"name"`
	OrganizationURL            string   `json:"organizationURL"`
	EnrollmentURL              string   `json:"enrollmentURL,omitempty"`
	JWKSURL                    string   `json:"jwksURL,omitempty"`
	ListProductsEndpointURL    string   `json:"listProductsEndpointURL,omitempty"`
	AcceptProductsEndpointURL  string   `json:"acceptProductsEndpointURL,omitempty"`
	RejectProductsEndpointURL  string   `json:"rejectProductsEndpointURL,omitempty"`
	ReserveProductsEndpointURL string   `json:"reserveProductsEndpointURL,omitempty"`
	AcceptHistoryEndpointURL   string   `json:"acceptHistoryEndpointURL,omitempty"`
	ScopesSupported            []string `json:"scopesSupported,omitempty"`
}

// URLMapper rewrites URLs before they are fetched. The identity mapper is
// used in production; tests remap org URLs onto local listeners.
type URLMapper interface {
	MapURL(url string) string
}

// IdentityURLMapper returns URLs unchanged.
type IdentityURLMapper struct{}

func (IdentityURLMapper) MapURL(url string) string { return url }

const orgConfigCacheSize = 256

// OrgConfigResolver fetches and caches peer org configs and their JWKS.
// Cache entries are process-wide and are not invalidated when a peer
// rotates its config; restart to rotate aggressively.
type OrgConfigResolver struct {
	client  *http.Client
	mapper  URLMapper
	configs *lru.Cache[string, *OrgConfig]
	keySets *lru.Cache[string, jwk.Set]
}

// NewOrgConfigResolver builds a resolver. A nil client uses
// http.DefaultClient; a nil mapper is the identity.
func NewOrgConfigResolver(client *http.Client, mapper URLMapper) *OrgConfigResolver {
	if client == nil {
		client = http.DefaultClient
	}
	if mapper == nil {
		mapper = IdentityURLMapper{}
	}
	configs, _ := lru.New[string, *OrgConfig](orgConfigCacheSize)
	keySets, _ := lru.New[string, jwk.Set](orgConfigCacheSize)
	return &OrgConfigResolver{
		client:  client,
		mapper:  mapper,
		configs: configs,
		keySets: keySets,
	}
}

func (r *OrgConfigResolver) fetchJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.mapper.MapURL(url), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1048576))
}

// Get returns the org config published at orgURL, from cache when warm.
func (r *OrgConfigResolver) Get(ctx context.Context, orgURL string) (*OrgConfig, error) {
	if cfg, ok := r.configs.Get(orgURL); ok {
		return cfg, nil
	}
	body, err := r.fetchJSON(ctx, orgURL)
	if err != nil {
		return nil, fmt.Errorf("fetch org config %s: %w", orgURL, err)
	}
	cfg := &OrgConfig{}
	if err := json.Unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("parse org config %s: %w", orgURL, err)
	}
	r.configs.Add(orgURL, cfg)
	return cfg, nil
}

// GetJWKS returns the public key set of orgURL, fetching the org config
// first when needed. Fails with NO_KEYSET_SPECIFIED when the org config
// declares no jwksURL.
func (r *OrgConfigResolver) GetJWKS(ctx context.Context, orgURL string) (jwk.Set, error) {
	if set, ok := r.keySets.Get(orgURL); ok {
		return set, nil
	}
	cfg, err := r.Get(ctx, orgURL)
	if err != nil {
		return nil, err
	}
	if cfg.JWKSURL == "" {
		return nil, authError(CodeNoKeysetSpecified, "org %s declares no jwksURL", orgURL)
	}
	body, err := r.fetchJSON(ctx, cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS %s: %w", cfg.JWKSURL, err)
	}
	// Parse locally before caching so a bad key set never sticks.
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parse JWKS %s: %w", cfg.JWKSURL, err)
	}
	r.keySets.Add(orgURL, set)
	return set, nil
}
