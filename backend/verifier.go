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
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Verifier checks token and chain signatures against the issuing org's
// published JWKS, resolved through the org-config resolver.
type Verifier struct {
	resolver *OrgConfigResolver
	clock    clockwork.Clock
}

// VerifyChainOptions pin the expected endpoints of a chain. Empty fields
// are not checked.
type VerifyChainOptions struct {
	InitialIssuer       string
	InitialEntitlements string
	FinalSubject        string
	FinalScope          string
}

// NewVerifier builds a verifier over the given resolver.
func NewVerifier(resolver *OrgConfigResolver, clock clockwork.Clock) *Verifier {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Verifier{resolver: resolver, clock: clock}
}

// unverifiedIssuer reads the iss claim without checking the signature, so
// we know whose JWKS to fetch.
func unverifiedIssuer(tokenString string) (string, error) {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return "", err
	}
	iss, err := token.Claims.GetIssuer()
	if err != nil || iss == "" {
		return "", fmt.Errorf("token has no issuer")
	}
	return iss, nil
}

func jwksKeyFunc(keys jwk.Set) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		switch token.Method.(type) {
		case *jwt.SigningMethodRSA, *jwt.SigningMethodRSAPSS, *jwt.SigningMethodECDSA, *jwt.SigningMethodEd25519:
			// Allowed
		default:
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}

		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("token missing 'kid' header")
		}
		key, ok := keys.LookupKeyID(kid)
		if !ok {
			return nil, fmt.Errorf("key %s not found in issuer's key set", kid)
		}
		var raw any
		if err := jwk.Export(key, &raw); err != nil {
			return nil, fmt.Errorf("failed to materialize key: %w", err)
		}
		return raw, nil
	}
}

// VerifyToken verifies a single JWT against its issuer's JWKS and returns
// the claims. Failures map to AUTH_ERROR_TOKEN_EXPIRED when the expiry
// check fails and AUTH_ERROR otherwise, both 401.
func (v *Verifier) VerifyToken(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	iss, err := unverifiedIssuer(tokenString)
	if err != nil {
		return nil, authError(CodeAuthError, "token could not be decoded").WithCause(err)
	}
	keys, err := v.resolver.GetJWKS(ctx, iss)
	if err != nil {
		return nil, authError(CodeAuthError, "could not resolve keys for %s", iss).WithCause(err)
	}

	token, err := jwt.Parse(tokenString, jwksKeyFunc(keys), jwt.WithTimeFunc(v.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, authError(CodeAuthErrorTokenExpired, "token is expired").WithCause(err)
		}
		return nil, authError(CodeAuthError, "token verification failed").WithCause(err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, authError(CodeAuthError, "token carries no claims")
	}
	return claims, nil
}

// VerifyChain verifies every link of a reshare chain and the invariants
// binding the links together, returning the decoded chain.
func (v *Verifier) VerifyChain(ctx context.Context, chain ReshareChain, opts VerifyChainOptions) (DecodedReshareChain, error) {
	if len(chain) == 0 {
		return nil, authError(CodeChainEmpty, "reshare chain is empty")
	}

	decoded, err := chain.Decode()
	if err != nil {
		return nil, authError(CodeAuthError, "reshare chain could not be decoded").WithCause(err)
	}
	for i, token := range chain {
		if _, err := v.VerifyToken(ctx, token); err != nil {
			return nil, AsStatusError(err).WithExtra("chainIndex", i)
		}
	}

	first, last := decoded[0], decoded[len(decoded)-1]
	if opts.InitialIssuer != "" && first.SharingOrgURL != opts.InitialIssuer {
		return nil, authError(CodeChainBadInitialIssuer,
			"chain starts at %s, want %s", first.SharingOrgURL, opts.InitialIssuer)
	}
	if opts.InitialEntitlements != "" && first.Entitlements != opts.InitialEntitlements {
		return nil, authError(CodeChainBadInitialEntitlements,
			"chain root entitlement does not match")
	}
	if opts.FinalSubject != "" && last.RecipientOrgURL != opts.FinalSubject {
		return nil, authError(CodeChainBadFinalSubject,
			"chain ends at %s, want %s", last.RecipientOrgURL, opts.FinalSubject)
	}

	for i := 1; i < len(decoded); i++ {
		// Only the prior recipient could have signed the next link.
		if decoded[i].SharingOrgURL != decoded[i-1].RecipientOrgURL {
			return nil, authError(CodeChainIssuerMismatch,
				"chain link %d issued by %s, want %s", i, decoded[i].SharingOrgURL, decoded[i-1].RecipientOrgURL)
		}
		// Each link's entitlement binds it to its predecessor's signature.
		if decoded[i].Entitlements != decoded[i-1].Signature {
			return nil, authError(CodeChainEntitlementMismatch,
				"chain link %d is not bound to link %d", i, i-1)
		}
	}

	for i := 0; i < len(decoded)-1; i++ {
		if !decoded[i].HasScope(ChainScopeReshare) {
			return nil, authError(CodeChainMissingReshareScope,
				"chain link %d was reshared without the RESHARE scope", i)
		}
	}
	if opts.FinalScope != "" && !last.HasScope(opts.FinalScope) {
		return nil, authError(CodeChainBadFinalScope,
			"chain does not grant the %s scope", opts.FinalScope)
	}

	return decoded, nil
}
