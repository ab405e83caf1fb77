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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestOrgConfigResolverCaches(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/org.json", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		json.NewEncoder(w).Encode(OrgConfig{
			Name:            "cached",
			OrganizationURL: srv.URL + "/org.json",
		})
	})

	resolver := NewOrgConfigResolver(nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		cfg, err := resolver.Get(ctx, srv.URL+"/org.json")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if cfg.Name != "cached" {
			t.Fatalf("cfg = %+v", cfg)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("org config fetched %d times, want 1 (cached)", got)
	}
}

func TestOrgConfigResolverNoKeyset(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/org.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OrgConfig{OrganizationURL: srv.URL + "/org.json"})
	})

	resolver := NewOrgConfigResolver(nil, nil)
	_, err := resolver.GetJWKS(context.Background(), srv.URL+"/org.json")
	if !HasStatusCode(err, CodeNoKeysetSpecified) {
		t.Errorf("err = %v, want %s", err, CodeNoKeysetSpecified)
	}
}

func TestOrgConfigResolverRejectsBadJWKS(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/org.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OrgConfig{
			OrganizationURL: srv.URL + "/org.json",
			JWKSURL:         srv.URL + "/jwks.json",
		})
	})
	mux.HandleFunc("/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"keys": "not-a-list"}`))
	})

	resolver := NewOrgConfigResolver(nil, nil)
	if _, err := resolver.GetJWKS(context.Background(), srv.URL+"/org.json"); err == nil {
		t.Error("malformed JWKS parsed without error")
	}
}

func TestOrgConfigResolverFetchError(t *testing.T) {
	resolver := NewOrgConfigResolver(nil, nil)
	if _, err := resolver.Get(context.Background(), "http://127.0.0.1:1/org.json"); err == nil {
		t.Error("unreachable org config resolved without error")
	}
}

// A URL mapper rewrites fetches, so tests and staging can point org URLs
// at local listeners.
type prefixMapper struct {
	from, to string
}

func (m prefixMapper) MapURL(url string) string {
	if len(url) >= len(m.from) && url[:len(m.from)] == m.from {
		return m.to + url[len(m.from):]
	}
	return url
}

func TestOrgConfigResolverUsesMapper(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/org.json", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(OrgConfig{Name: "mapped"})
	})

	resolver := NewOrgConfigResolver(nil, prefixMapper{from: "https://virtual.example.org", to: srv.URL})
	cfg, err := resolver.Get(context.Background(), "https://virtual.example.org/org.json")
	if err != nil {
		t.Fatalf("Get through mapper: %v", err)
	}
	if cfg.Name != "mapped" {
		t.Errorf("cfg = %+v", cfg)
	}
}
