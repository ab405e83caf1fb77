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
)

// Listing is one per-viewer authorization window produced by a listing
// policy.
type Listing struct {
	OrgURL       string   `json:"orgUrl"`
	StartTimeUTC int64    `json:"startTimeUTC"`
	EndTimeUTC   int64    `json:"endTimeUTC"`
	Scopes       []string `json:"scopes,omitempty"`
}

// ListingPolicy decides which orgs may see an offer and when. It is a pure
// function of its inputs; implementations must not consult outside state.
type ListingPolicy interface {
	GetListings(ctx context.Context, offer Offer, firstListingTimeUTC, currentTimeUTC int64,
		rejections map[string]bool, sharedBy map[string]bool) ([]Listing, error)
}

// UniversalAcceptPolicy lists every configured org for the offer's whole
// lifetime with the ACCEPT scope.
type UniversalAcceptPolicy struct {
	OrgURLs []string `json:"orgUrls"`
}

func (p *UniversalAcceptPolicy) GetListings(ctx context.Context, offer Offer, firstListingTimeUTC, currentTimeUTC int64,
	rejections map[string]bool, sharedBy map[string]bool) ([]Listing, error) {
	listings := make([]Listing, 0, len(p.OrgURLs))
	for _, org := range p.OrgURLs {
		if rejections[org] || sharedBy[org] {
			continue
		}
		listings = append(listings, Listing{
			OrgURL:       org,
			StartTimeUTC: offer.CreationUTC(),
			EndTimeUTC:   offer.ExpirationUTC(),
			Scopes:       []string{ChainScopeAccept},
		})
	}
	return listings, nil
}

// ListingHierarchy is one node of a hierarchical listing forest. Listed
// orgs get exclusive access for ExclusiveTimeMillis before the next
// sibling starts, and each listing runs for TotalTimeMillis.
type ListingHierarchy struct {
	ExclusiveTimeMillis int64              `json:"exclusiveTime"`
	TotalTimeMillis     int64              `json:"totalTime"`
	ListedOrgs          []string           `json:"listedOrgs"`
	ChildHierarchies    []ListingHierarchy `json:"childHierarchies,omitempty"`
}

// HierarchicalPolicy rolls an offer out through a forest of hierarchy
// nodes: siblings start after the preceding sibling's exclusive time, and
// children recurse with their parent's base advanced the same way.
type HierarchicalPolicy struct {
	Hierarchies []ListingHierarchy `json:"hierarchies"`
	Scopes      []string           `json:"scopes,omitempty"`
}

func (p *HierarchicalPolicy) GetListings(ctx context.Context, offer Offer, firstListingTimeUTC, currentTimeUTC int64,
	rejections map[string]bool, sharedBy map[string]bool) ([]Listing, error) {
	scopes := p.Scopes
	if len(scopes) == 0 {
		scopes = []string{ChainScopeAccept}
	}
	expiration := offer.ExpirationUTC()

	var listings []Listing
	var walk func(nodes []ListingHierarchy, base int64)
	walk = func(nodes []ListingHierarchy, base int64) {
		for _, node := range nodes {
			for _, org := range node.ListedOrgs {
				if rejections[org] || sharedBy[org] {
					continue
				}
				end := base + node.TotalTimeMillis
				if expiration > 0 && end > expiration {
					end = expiration
				}
				if end <= base {
					continue
				}
				listings = append(listings, Listing{
					OrgURL:       org,
					StartTimeUTC: base,
					EndTimeUTC:   end,
					Scopes:       scopes,
				})
			}
			walk(node.ChildHierarchies, base+node.ExclusiveTimeMillis)
			base += node.ExclusiveTimeMillis
		}
	}
	walk(p.Hierarchies, firstListingTimeUTC)
	return listings, nil
}
