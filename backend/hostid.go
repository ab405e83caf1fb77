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
	"fmt"
	"strings"
)

// HostIDExtractor pulls the tenant id out of a request URL using a
// template with a single $ wildcard, e.g. "https://$.example.org" or
// "https://opr.example.org/hosts/$".
type HostIDExtractor struct {
	prefix string
	suffix string
}

// stripScheme drops the http(s) scheme so matching works the same whether
// the service terminates TLS itself or sits behind a proxy.
func stripScheme(u string) string {
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	return u
}

// NewHostIDExtractor parses a mapping template. The template must contain
// exactly one $.
func NewHostIDExtractor(template string) (*HostIDExtractor, error) {
	stripped := stripScheme(template)
	if strings.Count(stripped, "$") != 1 {
		return nil, fmt.Errorf("host mapping template %q must contain exactly one $", template)
	}
	idx := strings.Index(stripped, "$")
	return &HostIDExtractor{
		prefix: stripped[:idx],
		suffix: stripped[idx+1:],
	}, nil
}

// Extract returns the tenant id and the tenant-relative path for a
// request URL (or host+path). ok is false when the URL does not match the
// template.
func (e *HostIDExtractor) Extract(requestURL string) (id, relPath string, ok bool) {
	u := stripScheme(requestURL)
	if !strings.HasPrefix(u, e.prefix) {
		return "", "", false
	}
	tail := u[len(e.prefix):]

	if e.suffix == "" {
		// Path-style template: the id is the next path segment.
		cut := strings.IndexAny(tail, "/?")
		if cut < 0 {
			id, relPath = tail, "/"
		} else {
			id, relPath = tail[:cut], tail[cut:]
		}
	} else {
		idx := strings.Index(tail, e.suffix)
		if idx < 0 {
			return "", "", false
		}
		id = tail[:idx]
		relPath = tail[idx+len(e.suffix):]
		if relPath == "" {
			relPath = "/"
		}
		if !strings.HasPrefix(relPath, "/") {
			return "", "", false
		}
	}
	if id == "" || strings.ContainsAny(id, "/?#") {
		return "", "", false
	}
	return id, relPath, true
}
