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
	"testing"
)

func TestUniversalAcceptPolicy(t *testing.T) {
	policy := &UniversalAcceptPolicy{OrgURLs: []string{orgA, orgB, "https://c.example.org/org.json"}}
	offer := makeOffer("o1", "https://host.example.org/org.json", 1000, 9000)

	listings, err := policy.GetListings(context.Background(), offer, 2000, 3000,
		map[string]bool{orgB: true}, map[string]bool{"https://c.example.org/org.json": true})
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("got %d listings, want 1 (rejected and sharing orgs excluded): %+v", len(listings), listings)
	}
	l := listings[0]
	if l.OrgURL != orgA {
		t.Errorf("listing org = %s, want %s", l.OrgURL, orgA)
	}
	if l.StartTimeUTC != 1000 || l.EndTimeUTC != 9000 {
		t.Errorf("listing window = [%d,%d), want the offer's lifetime [1000,9000)", l.StartTimeUTC, l.EndTimeUTC)
	}
	if len(l.Scopes) != 1 || l.Scopes[0] != ChainScopeAccept {
		t.Errorf("scopes = %v, want [ACCEPT]", l.Scopes)
	}
}

func TestHierarchicalPolicy(t *testing.T) {
	policy := &HierarchicalPolicy{
		Hierarchies: []ListingHierarchy{
			{
				ExclusiveTimeMillis: 1000,
				TotalTimeMillis:     5000,
				ListedOrgs:          []string{orgA},
				ChildHierarchies: []ListingHierarchy{
					{
						ExclusiveTimeMillis: 500,
						TotalTimeMillis:     3000,
						ListedOrgs:          []string{"https://child.example.org/org.json"},
					},
				},
			},
			{
				ExclusiveTimeMillis: 2000,
				TotalTimeMillis:     4000,
				ListedOrgs:          []string{orgB},
			},
		},
	}
	offer := makeOffer("o1", "https://host.example.org/org.json", 0, 1_000_000)

	listings, err := policy.GetListings(context.Background(), offer, 10_000, 10_000, nil, nil)
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	byOrg := make(map[string]Listing)
	for _, l := range listings {
		byOrg[l.OrgURL] = l
	}

	// First node starts at the base time.
	if l := byOrg[orgA]; l.StartTimeUTC != 10_000 || l.EndTimeUTC != 15_000 {
		t.Errorf("first node window = [%d,%d), want [10000,15000)", l.StartTimeUTC, l.EndTimeUTC)
	}
	// Children start after the parent's exclusive time.
	if l := byOrg["https://child.example.org/org.json"]; l.StartTimeUTC != 11_000 || l.EndTimeUTC != 14_000 {
		t.Errorf("child window = [%d,%d), want [11000,14000)", l.StartTimeUTC, l.EndTimeUTC)
	}
	// Siblings start after the preceding sibling's exclusive time.
	if l := byOrg[orgB]; l.StartTimeUTC != 11_000 || l.EndTimeUTC != 15_000 {
		t.Errorf("sibling window = [%d,%d), want [11000,15000)", l.StartTimeUTC, l.EndTimeUTC)
	}
}

func TestHierarchicalPolicyClipsAtExpiration(t *testing.T) {
	policy := &HierarchicalPolicy{
		Hierarchies: []ListingHierarchy{
			{TotalTimeMillis: 100_000, ListedOrgs: []string{orgA}},
		},
	}
	offer := makeOffer("o1", "https://host.example.org/org.json", 0, 5000)
	listings, err := policy.GetListings(context.Background(), offer, 1000, 1000, nil, nil)
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	if len(listings) != 1 || listings[0].EndTimeUTC != 5000 {
		t.Errorf("listings = %+v, want one window clipped at 5000", listings)
	}
}

func TestHierarchicalPolicySkipsRejectedOrgs(t *testing.T) {
	policy := &HierarchicalPolicy{
		Hierarchies: []ListingHierarchy{
			{TotalTimeMillis: 1000, ListedOrgs: []string{orgA, orgB}},
		},
	}
	offer := makeOffer("o1", "https://host.example.org/org.json", 0, 1_000_000)
	listings, err := policy.GetListings(context.Background(), offer, 0, 0, map[string]bool{orgA: true}, nil)
	if err != nil {
		t.Fatalf("GetListings: %v", err)
	}
	if len(listings) != 1 || listings[0].OrgURL != orgB {
		t.Errorf("listings = %+v, want only %s", listings, orgB)
	}
}
