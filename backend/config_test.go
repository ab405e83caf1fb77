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
	"testing"
)

func TestPolicyRegistry(t *testing.T) {
	registry := DefaultPolicyRegistry()

	t.Run("universal accept", func(t *testing.T) {
		policy, err := registry.Construct(PluggableConfig{
			ModuleName: "UniversalAccept",
			Params:     json.RawMessage(`{"orgUrls": ["https://a.example.org/org.json"]}`),
		})
		if err != nil {
			t.Fatalf("Construct: %v", err)
		}
		if _, ok := policy.(*UniversalAcceptPolicy); !ok {
			t.Errorf("constructed %T", policy)
		}
	})

	t.Run("hierarchical", func(t *testing.T) {
		policy, err := registry.Construct(PluggableConfig{
			ModuleName: "Hierarchical",
			Params:     json.RawMessage(`{"hierarchies": [{"exclusiveTime": 1000, "totalTime": 5000, "listedOrgs": ["https://a.example.org/org.json"]}]}`),
		})
		if err != nil {
			t.Fatalf("Construct: %v", err)
		}
		if _, ok := policy.(*HierarchicalPolicy); !ok {
			t.Errorf("constructed %T", policy)
		}
	})

	t.Run("unknown factory", func(t *testing.T) {
		_, err := registry.Construct(PluggableConfig{ModuleName: "NoSuchPolicy"})
		if !HasStatusCode(err, CodeConfigUnknownFactory) {
			t.Errorf("err = %v, want %s", err, CodeConfigUnknownFactory)
		}
	})

	t.Run("missing module name", func(t *testing.T) {
		_, err := registry.Construct(PluggableConfig{})
		if !HasStatusCode(err, CodeConfigMissingField) {
			t.Errorf("err = %v, want %s", err, CodeConfigMissingField)
		}
	})

	t.Run("wrong param type", func(t *testing.T) {
		_, err := registry.Construct(PluggableConfig{
			ModuleName: "UniversalAccept",
			Params:     json.RawMessage(`{"orgUrls": "not-a-list"}`),
		})
		if !HasStatusCode(err, CodeConfigWrongFactoryType) {
			t.Errorf("err = %v, want %s", err, CodeConfigWrongFactoryType)
		}
	})

	t.Run("hierarchical without hierarchies", func(t *testing.T) {
		_, err := registry.Construct(PluggableConfig{
			ModuleName: "Hierarchical",
			Params:     json.RawMessage(`{}`),
		})
		if !HasStatusCode(err, CodeConfigMissingField) {
			t.Errorf("err = %v, want %s", err, CodeConfigMissingField)
		}
	})
}

func TestTenantConfigValidation(t *testing.T) {
	store := NewMemStore()

	t.Run("missing host id", func(t *testing.T) {
		_, err := BuildTenantNode(TenantConfig{OrganizationURL: "https://a.example.org/org.json"}, store, nil, nil, nil)
		if !HasStatusCode(err, CodeConfigMissingField) {
			t.Errorf("err = %v, want %s", err, CodeConfigMissingField)
		}
	})

	t.Run("bad org url", func(t *testing.T) {
		_, err := BuildTenantNode(TenantConfig{HostID: "a", OrganizationURL: "nope"}, store, nil, nil, nil)
		if !HasStatusCode(err, CodeConfigMissingField) {
			t.Errorf("err = %v, want %s", err, CodeConfigMissingField)
		}
	})

	t.Run("minimal valid tenant", func(t *testing.T) {
		tenant, err := BuildTenantNode(TenantConfig{
			HostID:          "a",
			OrganizationURL: "https://a.example.org/org.json",
			URLRoot:         "https://a.example.org",
			SigningKey:      newSigningKey(t, "a-key"),
			ListingPolicy: &PluggableConfig{
				ModuleName: "UniversalAccept",
				Params:     json.RawMessage(`{"orgUrls": []}`),
			},
		}, store, nil, nil, nil)
		if err != nil {
			t.Fatalf("BuildTenantNode: %v", err)
		}
		if tenant.HostOrgURL() != "https://a.example.org/org.json" {
			t.Errorf("HostOrgURL = %q", tenant.HostOrgURL())
		}
		tenant.Destroy()
	})
}
