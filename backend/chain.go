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
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// ReshareChain is an ordered sequence of compact JWS strings. Each link
// delegates acceptance rights one hop further; the chain's wire form is a
// plain JSON array of strings.
type ReshareChain []string

// DecodedChainLink is one link of a chain with its claims and raw
// base64url signature exposed.
type DecodedChainLink struct {
	SharingOrgURL   string   `json:"sharingOrgUrl"`
	RecipientOrgURL string   `json:"recipientOrgUrl"`
	Entitlements    string   `json:"entitlements"`
	Signature       string   `json:"signature"`
	Scopes          []string `json:"scopes"`
}

// DecodedReshareChain is the decoded (but not verified) form of a chain.
type DecodedReshareChain []DecodedChainLink

// Issuers returns the set of sharing org URLs appearing in the chain.
func (c DecodedReshareChain) Issuers() []string {
	issuers := make([]string, 0, len(c))
	for _, link := range c {
		issuers = append(issuers, link.SharingOrgURL)
	}
	return issuers
}

// HasScope reports whether the given link carries the named scope.
func (l DecodedChainLink) HasScope(scope string) bool {
	for _, s := range l.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type chainLinkClaims struct {
	Iss          string `json:"iss"`
	Sub          string `json:"sub"`
	Entitlements string `json:"entitlements"`
	Scope        string `json:"scope"`
}

// splitJWT splits a compact JWS into its three segments.
func splitJWT(token string) (header, payload, signature string, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("token has %d segments, want 3", len(parts))
	}
	return parts[0], parts[1], parts[2], nil
}

// decodeChainLink decodes one link without verifying its signature.
func decodeChainLink(token string) (DecodedChainLink, error) {
	_, payload, signature, err := splitJWT(token)
	if err != nil {
		return DecodedChainLink{}, err
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return DecodedChainLink{}, fmt.Errorf("bad payload encoding: %w", err)
	}
	var claims chainLinkClaims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return DecodedChainLink{}, fmt.Errorf("bad payload JSON: %w", err)
	}
	link := DecodedChainLink{
		SharingOrgURL:   claims.Iss,
		RecipientOrgURL: claims.Sub,
		Entitlements:    claims.Entitlements,
		Signature:       signature,
	}
	if claims.Scope != "" {
		link.Scopes = strings.Split(claims.Scope, " ")
	}
	return link, nil
}

// Decode decodes every link of the chain without verification.
func (c ReshareChain) Decode() (DecodedReshareChain, error) {
	decoded := make(DecodedReshareChain, 0, len(c))
	for i, token := range c {
		link, err := decodeChainLink(token)
		if err != nil {
			return nil, fmt.Errorf("chain link %d: %w", i, err)
		}
		decoded = append(decoded, link)
	}
	return decoded, nil
}

// lastLinkSignature returns the raw base64url signature segment of the
// chain's final link.
func (c ReshareChain) lastLinkSignature() (string, error) {
	if len(c) == 0 {
		return "", fmt.Errorf("chain is empty")
	}
	_, _, signature, err := splitJWT(c[len(c)-1])
	if err != nil {
		return "", err
	}
	return signature, nil
}

// chainQualifiedForAccept reports whether a chain may be used to accept.
// A nil pointer means "no chain" — an implicit direct accept, which always
// qualifies. A present chain qualifies when its last link grants ACCEPT.
func chainQualifiedForAccept(chain *ReshareChain) bool {
	if chain == nil {
		return true
	}
	if len(*chain) == 0 {
		return true
	}
	link, err := decodeChainLink((*chain)[len(*chain)-1])
	if err != nil {
		return false
	}
	return link.HasScope(ChainScopeAccept)
}

// chainQualifiedForReshare reports whether a chain may be extended with a
// new link. Only a present chain whose last link grants RESHARE qualifies;
// the zero-length chain is the posting org's root and always qualifies.
func chainQualifiedForReshare(chain *ReshareChain) bool {
	if chain == nil {
		return false
	}
	if len(*chain) == 0 {
		return true
	}
	link, err := decodeChainLink((*chain)[len(*chain)-1])
	if err != nil {
		return false
	}
	return link.HasScope(ChainScopeReshare)
}

// compareQualified orders two chains given their qualification for a use.
// Negative means a is strictly better, positive means b is, zero means
// they are equivalent. Among qualified chains shorter is better, and an
// absent chain (nil) beats any present one.
func compareQualified(a, b *ReshareChain, aOK, bOK bool) int {
	switch {
	case aOK && !bOK:
		return -1
	case !aOK && bOK:
		return 1
	case !aOK && !bOK:
		return 0
	}
	lenOf := func(c *ReshareChain) int {
		if c == nil {
			// Absent beats any present chain, including length 0.
			return -1
		}
		return len(*c)
	}
	return lenOf(a) - lenOf(b)
}

// CompareChainsForAccept orders chains by preference for accepting. A nil
// chain is the implicit direct accept and is best.
func CompareChainsForAccept(a, b *ReshareChain) int {
	return compareQualified(a, b, chainQualifiedForAccept(a), chainQualifiedForAccept(b))
}

// CompareChainsForReshare orders chains by preference for use as a reshare
// root. Negative when the first argument is strictly better, positive when
// the second is, zero only when both are equivalent.
func CompareChainsForReshare(a, b *ReshareChain) int {
	return compareQualified(a, b, chainQualifiedForReshare(a), chainQualifiedForReshare(b))
}
