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
	"encoding/json"
	"net/http"

	"github.com/jonboulle/clockwork"
)

// PluggableConfig is one tagged config entry: a registered module name
// plus its JSON parameters.
type PluggableConfig struct {
	ModuleName string          `json:"moduleName"`
	Params     json.RawMessage `json:"params,omitempty"`
}

// FactoryRegistry constructs variant behaviors (policies, ACLs, ...) from
// tagged config entries.
type FactoryRegistry[T any] struct {
	kind      string
	factories map[string]func(params json.RawMessage) (T, error)
}

// NewFactoryRegistry creates a registry; kind names what it builds, for
// error messages.
func NewFactoryRegistry[T any](kind string) *FactoryRegistry[T] {
	return &FactoryRegistry[T]{
		kind:      kind,
		factories: make(map[string]func(params json.RawMessage) (T, error)),
	}
}

// Register adds a factory under a module name.
func (r *FactoryRegistry[T]) Register(name string, factory func(params json.RawMessage) (T, error)) {
	r.factories[name] = factory
}

// Construct builds the variant a tagged config entry names.
func (r *FactoryRegistry[T]) Construct(cfg PluggableConfig) (T, error) {
	var zero T
	if cfg.ModuleName == "" {
		return zero, NewStatusError(CodeConfigMissingField, http.StatusInternalServerError,
			"%s config has no moduleName", r.kind)
	}
	factory, ok := r.factories[cfg.ModuleName]
	if !ok {
		return zero, NewStatusError(CodeConfigUnknownFactory, http.StatusInternalServerError,
			"no %s factory named %q", r.kind, cfg.ModuleName)
	}
	return factory(cfg.Params)
}

// decodeParams unmarshals factory params into their concrete shape.
func decodeParams[P any](kind string, params json.RawMessage, out *P) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return NewStatusError(CodeConfigWrongFactoryType, http.StatusInternalServerError,
			"%s params do not match the factory's parameter type", kind).WithCause(err)
	}
	return nil
}

// DefaultPolicyRegistry returns the registry with the two built-in listing
// policies.
func DefaultPolicyRegistry() *FactoryRegistry[ListingPolicy] {
	r := NewFactoryRegistry[ListingPolicy]("listing policy")
	r.Register("UniversalAccept", func(params json.RawMessage) (ListingPolicy, error) {
		p := &UniversalAcceptPolicy{}
		if err := decodeParams("UniversalAccept", params, p); err != nil {
			return nil, err
		}
		return p, nil
	})
	r.Register("Hierarchical", func(params json.RawMessage) (ListingPolicy, error) {
		p := &HierarchicalPolicy{}
		if err := decodeParams("Hierarchical", params, p); err != nil {
			return nil, err
		}
		if len(p.Hierarchies) == 0 {
			return nil, NewStatusError(CodeConfigMissingField, http.StatusInternalServerError,
				"Hierarchical policy needs at least one hierarchy")
		}
		return p, nil
	})
	return r
}

// TenantConfig is one tenant's entry in the server config file.
type TenantConfig struct {
	HostID            string           `json:"hostId"`
	Name              string           `json:"name"`
	OrganizationURL   string           `json:"organizationUrl"`
	URLRoot           string           `json:"urlRoot"`
	EnrollmentURL     string           `json:"enrollmentUrl,omitempty"`
	SigningKey        json.RawMessage  `json:"signingKey,omitempty"`
	AccessControlList []string         `json:"accessControlList,omitempty"`
	ListingPolicy     *PluggableConfig `json:"listingPolicy,omitempty"`
	FeedConfigs       []FeedConfig     `json:"feedConfigs,omitempty"`
	Paths             TenantPaths      `json:"paths,omitempty"`
	ScopesDisabled    bool             `json:"scopesDisabled,omitempty"`
	StrictCorrectness bool             `json:"strictCorrectness,omitempty"`
}

// ServerConfig is the JSON config file the binary loads.
type ServerConfig struct {
	HostMapping string         `json:"hostMapping"`
	Tenants     []TenantConfig `json:"tenants"`
}

func (c *TenantConfig) validate() error {
	if c.HostID == "" {
		return NewStatusError(CodeConfigMissingField, http.StatusInternalServerError, "tenant config has no hostId")
	}
	if !isValidOrgURL(c.OrganizationURL) {
		return NewStatusError(CodeConfigMissingField, http.StatusInternalServerError,
			"tenant %s has no valid organizationUrl", c.HostID)
	}
	for _, feed := range c.FeedConfigs {
		if !isValidOrgURL(feed.OrganizationURL) {
			return NewStatusError(CodeConfigMissingField, http.StatusInternalServerError,
				"tenant %s has a feed without a valid organizationUrl", c.HostID)
		}
	}
	return nil
}

// BuildTenantNode constructs a tenant node from its config entry.
func BuildTenantNode(cfg TenantConfig, store Persister, resolver *OrgConfigResolver,
	policies *FactoryRegistry[ListingPolicy], clock clockwork.Clock) (*TenantNode, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if policies == nil {
		policies = DefaultPolicyRegistry()
	}

	var policy ListingPolicy
	if cfg.ListingPolicy != nil {
		var err error
		policy, err = policies.Construct(*cfg.ListingPolicy)
		if err != nil {
			return nil, err
		}
	} else {
		// No policy configured: nothing is ever listed to peers beyond
		// explicitly shared offers.
		policy = &UniversalAcceptPolicy{}
	}

	return NewTenantNode(TenantNodeOptions{
		Name:              cfg.Name,
		OrgURL:            cfg.OrganizationURL,
		URLRoot:           cfg.URLRoot,
		EnrollmentURL:     cfg.EnrollmentURL,
		SigningKey:        cfg.SigningKey,
		Policy:            policy,
		ACL:               StaticACL(cfg.AccessControlList),
		Store:             store,
		Resolver:          resolver,
		Clock:             clock,
		FeedConfigs:       cfg.FeedConfigs,
		Paths:             cfg.Paths,
		ScopesDisabled:    cfg.ScopesDisabled,
		StrictCorrectness: cfg.StrictCorrectness,
	})
}
