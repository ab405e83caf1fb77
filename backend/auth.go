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
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// extractBearerToken pulls the JWT out of the Authorization header. Each
// malformation gets its own code so peers can tell what they sent wrong.
func extractBearerToken(r *http.Request) (string, *StatusError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", authError(CodeNoAuthHeader, "request carries no Authorization header")
	}
	fields := strings.Fields(header)
	if len(fields) != 2 {
		return "", authError(CodeBadAuthHeader, "Authorization header is malformed")
	}
	if fields[0] != "Bearer" {
		return "", authError(CodeAuthHeaderNoBearer, "Authorization header is not a Bearer token")
	}
	if fields[1] == "" {
		return "", authError(CodeAuthHeaderEmptyToken, "Authorization header carries an empty token")
	}
	return fields[1], nil
}

// tokenScopes splits the space-separated scope claim.
func tokenScopes(claims jwt.MapClaims) []string {
	scope, ok := claims["scope"].(string)
	if !ok || scope == "" {
		return nil
	}
	return strings.Split(scope, " ")
}

func hasAllScopes(granted []string, required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range granted {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AccessControlList decides which peer orgs may call a tenant's federated
// endpoints.
type AccessControlList interface {
	IsAllowed(orgURL string) bool
}

// StaticACL is a fixed list of org URLs; "*" allows everyone.
type StaticACL []string

func (a StaticACL) IsAllowed(orgURL string) bool {
	if orgURL == "" {
		return false
	}
	for _, entry := range a {
		if entry == TargetOrgWildcard || entry == orgURL {
			return true
		}
	}
	return false
}
