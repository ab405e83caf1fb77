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

import "testing"

func TestHostIDExtractor(t *testing.T) {
	cases := []struct {
		name     string
		template string
		url      string
		wantID   string
		wantRel  string
		wantOK   bool
	}{
		{
			name:     "subdomain template",
			template: "https://$.example.org",
			url:      "https://mst3k.example.org/org.json",
			wantID:   "mst3k",
			wantRel:  "/org.json",
			wantOK:   true,
		},
		{
			name:     "path template",
			template: "https://opr.openproductrecovery.org/hosts/$",
			url:      "https://opr.openproductrecovery.org/hosts/mst3k/api/list",
			wantID:   "mst3k",
			wantRel:  "/api/list",
			wantOK:   true,
		},
		{
			name:     "path template bare id",
			template: "https://opr.openproductrecovery.org/hosts/$",
			url:      "https://opr.openproductrecovery.org/hosts/mst3k",
			wantID:   "mst3k",
			wantRel:  "/",
			wantOK:   true,
		},
		{
			name:     "wrong host",
			template: "https://$.example.org",
			url:      "https://mst3k.example.com/org.json",
			wantOK:   false,
		},
		{
			name:     "missing id segment",
			template: "https://opr.openproductrecovery.org/hosts/$",
			url:      "https://opr.openproductrecovery.org/hosts/",
			wantOK:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, err := NewHostIDExtractor(tc.template)
			if err != nil {
				t.Fatalf("NewHostIDExtractor(%q): %v", tc.template, err)
			}
			id, rel, ok := e.Extract(tc.url)
			if ok != tc.wantOK {
				t.Fatalf("Extract(%q) ok = %v, want %v", tc.url, ok, tc.wantOK)
			}
			if !ok {
				return
			}
			if id != tc.wantID {
				t.Errorf("id = %q, want %q", id, tc.wantID)
			}
			if rel != tc.wantRel {
				t.Errorf("relative path = %q, want %q", rel, tc.wantRel)
			}
		})
	}
}

func TestHostIDExtractorBadTemplates(t *testing.T) {
	for _, template := range []string{"https://example.org", "https://$.$.example.org"} {
		if _, err := NewHostIDExtractor(template); err == nil {
			t.Errorf("NewHostIDExtractor(%q) succeeded, want error", template)
		}
	}
}
