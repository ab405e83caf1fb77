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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Signer issues bearer tokens and extends reshare chains on behalf of one
// tenant org. The signing key is a private JWK whose alg field is
// mandatory; the kid, when present, is copied into token headers so peers
// can look the key up in our published JWKS.
type Signer struct {
	orgURL string
	method jwt.SigningMethod
	rawKey any
	keyID  string
	clock  clockwork.Clock
}

// IssueTokenOptions tune a single issued token.
type IssueTokenOptions struct {
	Sub         string
	Scopes      []string
	MaxAgeMillis int64
}

// SignChainOptions tune a single chain extension.
type SignChainOptions struct {
	InitialEntitlement string
	Scopes             []string
}

// NewSigner builds a signer from the tenant org URL and the private JWK
// JSON. Fails with JWK_NO_ALG when the key does not name its algorithm.
func NewSigner(orgURL string, jwkJSON []byte, clock clockwork.Clock) (*Signer, error) {
	var meta struct {
		Alg string `json:"alg"`
		Kid string `json:"kid"`
	}
	if err := json.Unmarshal(jwkJSON, &meta); err != nil {
		return nil, fmt.Errorf("signing key is not valid JWK JSON: %w", err)
	}
	if meta.Alg == "" {
		return nil, NewStatusError(CodeJWKNoAlg, http.StatusInternalServerError,
			"signing key for %s has no alg field", orgURL)
	}
	method := jwt.GetSigningMethod(meta.Alg)
	if method == nil {
		return nil, NewStatusError(CodeJWKNoAlg, http.StatusInternalServerError,
			"signing key for %s names unsupported alg %q", orgURL, meta.Alg)
	}

	key, err := jwk.ParseKey(jwkJSON)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("materialize signing key: %w", err)
	}

	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{
		orgURL: orgURL,
		method: method,
		rawKey: raw,
		keyID:  meta.Kid,
		clock:  clock,
	}, nil
}

// OrgURL returns the org this signer signs for.
func (s *Signer) OrgURL() string {
	return s.orgURL
}

func (s *Signer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(s.method, claims)
	if s.keyID != "" {
		token.Header["kid"] = s.keyID
	}
	signed, err := token.SignedString(s.rawKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueToken produces a signed bearer token for the given audience.
func (s *Signer) IssueToken(aud string, opts IssueTokenOptions) (string, error) {
	maxAge := opts.MaxAgeMillis
	if maxAge == 0 {
		maxAge = DefaultTokenMaxAge.Milliseconds()
	}
	now := s.clock.Now()
	claims := jwt.MapClaims{
		"iss": s.orgURL,
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(time.Duration(maxAge) * time.Millisecond).Unix(),
	}
	if opts.Sub != "" {
		claims["sub"] = opts.Sub
	}
	if len(opts.Scopes) > 0 {
		claims["scope"] = strings.Join(opts.Scopes, " ")
	}
	return s.sign(claims)
}

// SignChain extends chain with one new link delegating to sub. The new
// link's entitlement binds it to its predecessor: the raw signature
// segment of the last link, or the initial entitlement for an empty chain.
func (s *Signer) SignChain(chain ReshareChain, sub string, opts SignChainOptions) (ReshareChain, error) {
	var entitlement string
	if len(chain) == 0 {
		if opts.InitialEntitlement == "" {
			return nil, authError(CodeChainNoEntitlement,
				"cannot sign the first chain link without an initial entitlement")
		}
		entitlement = opts.InitialEntitlement
	} else {
		sig, err := chain.lastLinkSignature()
		if err != nil {
			return nil, fmt.Errorf("read last chain link: %w", err)
		}
		entitlement = sig
	}

	claims := jwt.MapClaims{
		"iss":          s.orgURL,
		"sub":          sub,
		"entitlements": entitlement,
	}
	if len(opts.Scopes) > 0 {
		claims["scope"] = strings.Join(opts.Scopes, " ")
	}
	link, err := s.sign(claims)
	if err != nil {
		return nil, err
	}

	extended := make(ReshareChain, 0, len(chain)+1)
	extended = append(extended, chain...)
	extended = append(extended, link)
	return extended, nil
}

// PublicJWKS returns the public JWK set JSON for a private signing key,
// for publishing at the tenant's jwksURL.
func PublicJWKS(jwkJSON []byte) ([]byte, error) {
	key, err := jwk.ParseKey(jwkJSON)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	pub, err := jwk.PublicKeyOf(key)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(pub); err != nil {
		return nil, fmt.Errorf("build key set: %w", err)
	}
	return json.Marshal(set)
}
