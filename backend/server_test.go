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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fedFixture runs a multi-tenant node on a real listener so tenants can
// federate with each other through actual HTTP requests.
type fedFixture struct {
	t        *testing.T
	srv      *httptest.Server
	server   *Server
	hostPort string
}

func newFedFixture(t *testing.T) *fedFixture {
	t.Helper()
	unstarted := httptest.NewUnstartedServer(nil)
	hostPort := unstarted.Listener.Addr().String()

	server, handler, err := NewServerHandler(Options{
		HostMapping: "http://" + hostPort + "/t/$",
	})
	if err != nil {
		t.Fatalf("NewServerHandler: %v", err)
	}
	unstarted.Config.Handler = handler
	unstarted.Start()
	t.Cleanup(unstarted.Close)

	return &fedFixture{t: t, srv: unstarted, server: server, hostPort: hostPort}
}

func (f *fedFixture) urlRoot(hostID string) string {
	return "http://" + f.hostPort + "/t/" + hostID
}

func (f *fedFixture) orgURL(hostID string) string {
	return f.urlRoot(hostID) + "/org.json"
}

// addTenant installs a tenant with its own store and signing key.
func (f *fedFixture) addTenant(hostID string, policy ListingPolicy, acl []string, feeds []FeedConfig) *TenantNode {
	f.t.Helper()
	tenant, err := NewTenantNode(TenantNodeOptions{
		Name:        hostID,
		OrgURL:      f.orgURL(hostID),
		URLRoot:     f.urlRoot(hostID),
		SigningKey:  newSigningKey(f.t, hostID+"-key"),
		Policy:      policy,
		ACL:         StaticACL(acl),
		Store:       NewMemStore(),
		FeedConfigs: feeds,
	})
	if err != nil {
		f.t.Fatalf("NewTenantNode(%s): %v", hostID, err)
	}
	f.server.InstallTenant(hostID, tenant)
	f.t.Cleanup(tenant.Destroy)
	return tenant
}

func (f *fedFixture) seedOffer(tenant *TenantNode, id string) Offer {
	f.t.Helper()
	now := time.Now().UnixMilli()
	offer := makeOffer(id, tenant.HostOrgURL(), now, now+3_600_000)
	// A delta insert keeps earlier seeded offers; a snapshot would drop
	// every offer it does not carry.
	err := tenant.Model().ProcessUpdate(context.Background(), tenant.HostOrgURL(), &OfferSetUpdate{
		SourceOrgURL: tenant.HostOrgURL(),
		Delta: patchSeq(OfferPatch{
			Target: OfferPatchTarget{ID: id, PostingOrgURL: tenant.HostOrgURL()},
			Patch:  rootAddPatch(f.t, offer),
		}),
	})
	if err != nil {
		f.t.Fatalf("seed offer: %v", err)
	}
	return offer
}

func TestFederationEndToEnd(t *testing.T) {
	f := newFedFixture(t)

	// Tenant a lists everything to everyone; b is also on the ACL for
	// direct calls. c is deliberately NOT on the ACL.
	a := f.addTenant("a", &UniversalAcceptPolicy{OrgURLs: []string{TargetOrgWildcard}},
		[]string{f.orgURL("b")}, nil)
	b := f.addTenant("b", &UniversalAcceptPolicy{}, nil, []FeedConfig{{
		OrganizationURL:     f.orgURL("a"),
		PollFrequencyMillis: 60_000,
	}})
	c := f.addTenant("c", &UniversalAcceptPolicy{}, nil, nil)

	f.seedOffer(a, "o1")
	f.seedOffer(a, "o2")
	ctx := context.Background()

	t.Run("feed ingestion", func(t *testing.T) {
		if err := b.Ingester().Ingest(ctx); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		got := listOffers(t, b.Model(), b.HostOrgURL())
		if len(got) != 2 {
			t.Fatalf("b ingested %d offers, want 2", len(got))
		}
	})

	t.Run("direct accept over HTTP", func(t *testing.T) {
		resp, err := b.Client().AcceptOffer(ctx, a.HostOrgURL(), &AcceptOfferPayload{OfferID: "o1"})
		if err != nil {
			t.Fatalf("AcceptOffer: %v", err)
		}
		if resp.Offer.ID() != "o1" {
			t.Errorf("accepted %s, want o1", resp.Offer.ID())
		}
	})

	t.Run("history shows the acceptance", func(t *testing.T) {
		resp, err := b.Client().GetHistory(ctx, a.HostOrgURL(), &HistoryPayload{})
		if err != nil {
			t.Fatalf("GetHistory: %v", err)
		}
		if len(resp.OfferHistories) != 1 || resp.OfferHistories[0].AcceptingOrgURL != b.HostOrgURL() {
			t.Errorf("history = %+v", resp.OfferHistories)
		}
	})

	t.Run("accept without ACL membership fails", func(t *testing.T) {
		_, err := c.Client().AcceptOffer(ctx, a.HostOrgURL(), &AcceptOfferPayload{OfferID: "o2"})
		if err == nil {
			t.Fatal("off-ACL accept succeeded")
		}
	})

	t.Run("reshare chain substitutes for the ACL", func(t *testing.T) {
		// a delegates o2 to b with reshare rights, b passes it on to c.
		chain, err := a.model.signer.SignChain(nil, b.HostOrgURL(), SignChainOptions{
			InitialEntitlement: "o2",
			Scopes:             []string{ChainScopeReshare, ChainScopeAccept},
		})
		if err != nil {
			t.Fatalf("SignChain root: %v", err)
		}
		chain, err = b.model.signer.SignChain(chain, c.HostOrgURL(), SignChainOptions{
			Scopes: []string{ChainScopeAccept},
		})
		if err != nil {
			t.Fatalf("SignChain extension: %v", err)
		}

		resp, err := c.Client().AcceptOffer(ctx, a.HostOrgURL(), &AcceptOfferPayload{
			OfferID:      "o2",
			ReshareChain: chain,
		})
		if err != nil {
			t.Fatalf("chain accept: %v", err)
		}
		if resp.Offer.ID() != "o2" {
			t.Errorf("accepted %s, want o2", resp.Offer.ID())
		}
	})

	t.Run("reject over HTTP", func(t *testing.T) {
		offer := f.seedOffer(a, "o3")
		resp, err := b.Client().RejectOffer(ctx, a.HostOrgURL(), &RejectOfferPayload{
			OfferID:      "o3",
			OfferedByURL: offer.OfferedBy(),
		})
		if err != nil {
			t.Fatalf("RejectOffer: %v", err)
		}
		if resp.Offer.ID() != "o3" {
			t.Errorf("rejected %s, want o3", resp.Offer.ID())
		}
	})

	t.Run("reserve over HTTP", func(t *testing.T) {
		f.seedOffer(a, "o4")
		resp, err := b.Client().ReserveOffer(ctx, a.HostOrgURL(), &ReserveOfferPayload{
			OfferID:                  "o4",
			RequestedReservationSecs: 30,
		})
		if err != nil {
			t.Fatalf("ReserveOffer: %v", err)
		}
		if resp.ReservationExpirationUTC <= time.Now().UnixMilli() {
			t.Errorf("reservation expires in the past: %d", resp.ReservationExpirationUTC)
		}
	})
}

// postRaw sends a hand-built request to a tenant endpoint and returns the
// status code and decoded error envelope.
func postRaw(t *testing.T, url, authHeader string, body any) (int, map[string]any) {
	t.Helper()
	data, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	envelope := map[string]any{}
	json.Unmarshal(raw, &envelope)
	return resp.StatusCode, envelope
}

func TestAuthErrorCodes(t *testing.T) {
	f := newFedFixture(t)
	a := f.addTenant("a", &UniversalAcceptPolicy{}, []string{f.orgURL("b")}, nil)
	b := f.addTenant("b", &UniversalAcceptPolicy{}, nil, nil)
	listURL := f.urlRoot("a") + DefaultListProductsPath

	token := func(scopes ...string) string {
		tok, err := b.model.signer.IssueToken(a.HostOrgURL(), IssueTokenOptions{Scopes: scopes})
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		return tok
	}

	cases := []struct {
		name       string
		authHeader string
		wantStatus int
		wantCode   string
	}{
		{"missing header", "", http.StatusUnauthorized, CodeNoAuthHeader},
		{"one-field header", "Bearer", http.StatusUnauthorized, CodeBadAuthHeader},
		{"not bearer", "Basic dXNlcg==", http.StatusUnauthorized, CodeAuthHeaderNoBearer},
		{"garbage token", "Bearer not.a.jwt", http.StatusUnauthorized, CodeAuthError},
		{"missing scope", "Bearer " + token(ScopeProductHistory), http.StatusForbidden, CodeAuthErrorMissingScope},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, envelope := postRaw(t, listURL, tc.authHeader, &ListOffersPayload{})
			if status != tc.wantStatus {
				t.Errorf("status = %d, want %d (%v)", status, tc.wantStatus, envelope)
			}
			if envelope["code"] != tc.wantCode {
				t.Errorf("code = %v, want %s", envelope["code"], tc.wantCode)
			}
		})
	}

	t.Run("wrong audience", func(t *testing.T) {
		// A token minted for b's own audience does not open a's door.
		tok, err := b.model.signer.IssueToken(b.HostOrgURL(), IssueTokenOptions{Scopes: []string{ScopeListProducts}})
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		status, envelope := postRaw(t, listURL, "Bearer "+tok, &ListOffersPayload{})
		if status != http.StatusUnauthorized || envelope["code"] != CodeAuthErrorAudInvalid {
			t.Errorf("status=%d code=%v, want 401 %s", status, envelope["code"], CodeAuthErrorAudInvalid)
		}
	})

	t.Run("org off the ACL", func(t *testing.T) {
		cTenant := f.addTenant("c", &UniversalAcceptPolicy{}, nil, nil)
		tok, err := cTenant.model.signer.IssueToken(a.HostOrgURL(), IssueTokenOptions{Scopes: []string{ScopeListProducts}})
		if err != nil {
			t.Fatalf("IssueToken: %v", err)
		}
		status, envelope := postRaw(t, listURL, "Bearer "+tok, &ListOffersPayload{})
		if status != http.StatusForbidden || envelope["code"] != CodeAuthErrorOrgNotAuthorized {
			t.Errorf("status=%d code=%v, want 403 %s", status, envelope["code"], CodeAuthErrorOrgNotAuthorized)
		}
	})

	t.Run("unknown tenant 404s", func(t *testing.T) {
		status, envelope := postRaw(t, f.urlRoot("nobody")+DefaultListProductsPath, "", &ListOffersPayload{})
		if status != http.StatusNotFound || envelope["code"] != CodeNoTenant {
			t.Errorf("status=%d code=%v, want 404 %s", status, envelope["code"], CodeNoTenant)
		}
	})
}

func TestOrgFileAndJWKSEndpoints(t *testing.T) {
	f := newFedFixture(t)
	f.addTenant("a", &UniversalAcceptPolicy{}, nil, nil)

	resp, err := http.Get(f.orgURL("a"))
	if err != nil {
		t.Fatalf("GET org.json: %v", err)
	}
	defer resp.Body.Close()
	var cfg OrgConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		t.Fatalf("decode org.json: %v", err)
	}
	if cfg.OrganizationURL != f.orgURL("a") {
		t.Errorf("organizationURL = %q", cfg.OrganizationURL)
	}
	if cfg.ListProductsEndpointURL != f.urlRoot("a")+DefaultListProductsPath {
		t.Errorf("listProductsEndpointURL = %q", cfg.ListProductsEndpointURL)
	}
	if cfg.JWKSURL == "" {
		t.Fatal("org.json declares no jwksURL despite a signing key")
	}

	keys, err := http.Get(cfg.JWKSURL)
	if err != nil {
		t.Fatalf("GET jwks: %v", err)
	}
	defer keys.Body.Close()
	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	if err := json.NewDecoder(keys.Body).Decode(&jwks); err != nil {
		t.Fatalf("decode jwks: %v", err)
	}
	if len(jwks.Keys) != 1 {
		t.Errorf("jwks has %d keys, want 1", len(jwks.Keys))
	}
	if _, hasD := jwks.Keys[0]["d"]; hasD {
		t.Error("published JWKS leaks the private exponent")
	}
}
