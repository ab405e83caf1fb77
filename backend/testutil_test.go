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
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/pmezard/go-difflib/difflib"
)

// testOrg is one simulated participating org: a key pair plus published
// org.json and jwks.json.
type testOrg struct {
	Name       string
	OrgURL     string
	JWKSURL    string
	SigningKey []byte
}

// orgFixture hosts any number of test orgs on one httptest server.
type orgFixture struct {
	t   *testing.T
	mux *http.ServeMux
	srv *httptest.Server
}

func newOrgFixture(t *testing.T) *orgFixture {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &orgFixture{t: t, mux: mux, srv: srv}
}

// newSigningKey generates a private JWK with kid and alg set.
func newSigningKey(t *testing.T, kid string) []byte {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	key, err := jwk.Import(priv)
	if err != nil {
		t.Fatalf("jwk.Import: %v", err)
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		t.Fatalf("set kid: %v", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256()); err != nil {
		t.Fatalf("set alg: %v", err)
	}
	data, err := json.Marshal(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	return data
}

// addOrg registers an org under /<name>/ and returns its handle.
func (f *orgFixture) addOrg(name string) *testOrg {
	f.t.Helper()
	org := &testOrg{
		Name:       name,
		OrgURL:     f.srv.URL + "/" + name + "/org.json",
		JWKSURL:    f.srv.URL + "/" + name + "/jwks.json",
		SigningKey: newSigningKey(f.t, name+"-key"),
	}
	jwks, err := PublicJWKS(org.SigningKey)
	if err != nil {
		f.t.Fatalf("PublicJWKS: %v", err)
	}
	cfg := OrgConfig{
		Name:            name,
		OrganizationURL: org.OrgURL,
		JWKSURL:         org.JWKSURL,
	}
	f.mux.HandleFunc("/"+name+"/org.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(cfg)
	})
	f.mux.HandleFunc("/"+name+"/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwks)
	})
	return org
}

// signer builds a Signer for the org.
func (o *testOrg) signer(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(o.OrgURL, o.SigningKey, nil)
	if err != nil {
		t.Fatalf("NewSigner(%s): %v", o.Name, err)
	}
	return s
}

// makeOffer builds a minimal offer document.
func makeOffer(id, offeredBy string, creationUTC, expirationUTC int64) Offer {
	return Offer{
		"id":                 id,
		"offeredBy":          offeredBy,
		"offerCreationUTC":   float64(creationUTC),
		"offerExpirationUTC": float64(expirationUTC),
		"description":        "test offer " + id,
	}
}

// jsonDiff renders a readable diff between two JSON-marshalable values.
func jsonDiff(t *testing.T, want, got any) string {
	t.Helper()
	wantJSON, _ := json.MarshalIndent(want, "", "  ")
	gotJSON, _ := json.MarshalIndent(got, "", "  ")
	diff, _ := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(string(wantJSON)),
		B:        difflib.SplitLines(string(gotJSON)),
		FromFile: "want",
		ToFile:   "got",
		Context:  2,
	})
	return diff
}

// offerSeq wraps a fixed offer list as a snapshot sequence.
func offerSeq(offers ...Offer) func(yield func(Offer, error) bool) {
	return func(yield func(Offer, error) bool) {
		for _, o := range offers {
			if !yield(o, nil) {
				return
			}
		}
	}
}

// patchSeq wraps fixed patches as a delta sequence.
func patchSeq(patches ...OfferPatch) func(yield func(OfferPatch, error) bool) {
	return func(yield func(OfferPatch, error) bool) {
		for _, p := range patches {
			if !yield(p, nil) {
				return
			}
		}
	}
}
