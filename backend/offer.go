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
	"net/url"
	"strconv"
	"strings"
)

// Offer is an opaque offer document. The node stores and compares it as
// JSON; only the well-known attributes below are ever interpreted.
type Offer map[string]any

func (o Offer) stringAttr(name string) string {
	if v, ok := o[name].(string); ok {
		return v
	}
	return ""
}

func (o Offer) int64Attr(name string) (int64, bool) {
	switch v := o[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// ID returns the offer's id, unique within its posting org.
func (o Offer) ID() string {
	return o.stringAttr(attrID)
}

// OfferedBy returns the URL of the posting org.
func (o Offer) OfferedBy() string {
	return o.stringAttr(attrOfferedBy)
}

// CreationUTC returns offerCreationUTC in milliseconds.
func (o Offer) CreationUTC() int64 {
	n, _ := o.int64Attr(attrCreationUTC)
	return n
}

// UpdateUTC returns the offer's update timestamp: offerUpdateUTC when
// present, offerCreationUTC otherwise.
func (o Offer) UpdateUTC() int64 {
	if n, ok := o.int64Attr(attrUpdateUTC); ok {
		return n
	}
	return o.CreationUTC()
}

// ExpirationUTC returns offerExpirationUTC in milliseconds, or 0 when the
// offer does not expire.
func (o Offer) ExpirationUTC() int64 {
	n, _ := o.int64Attr(attrExpirationUTC)
	return n
}

// MaxReservationMillis returns the reservation cap in milliseconds, or 0
// when the offer does not declare one.
func (o Offer) MaxReservationMillis() int64 {
	if n, ok := o.int64Attr(attrMaxReservationSecs); ok {
		return n * 1000
	}
	return 0
}

// ReshareChain returns the chain the offer arrived with, if any.
func (o Offer) ReshareChain() ReshareChain {
	raw, ok := o[attrReshareChain].([]any)
	if !ok {
		return nil
	}
	chain := make(ReshareChain, 0, len(raw))
	for _, link := range raw {
		if s, ok := link.(string); ok {
			chain = append(chain, s)
		}
	}
	return chain
}

// OfferID returns the structured id of the offer.
func (o Offer) OfferID() OfferID {
	return OfferID{ID: o.ID(), PostingOrgURL: o.OfferedBy()}
}

// VersionedID returns the structured id including the update timestamp.
func (o Offer) VersionedID() VersionedOfferID {
	return VersionedOfferID{OfferID: o.OfferID(), LastUpdateTimeUTC: o.UpdateUTC()}
}

// FullID returns the canonical offer-set key, offeredBy + "#" + id.
func (o Offer) FullID() string {
	return o.OfferedBy() + "#" + o.ID()
}

// Clone returns a deep copy of the offer.
func (o Offer) Clone() Offer {
	if o == nil {
		return nil
	}
	return deepCopyValue(map[string]any(o)).(map[string]any)
}

// WithReshareChain returns a deep copy of the offer carrying the given
// chain, or with no chain when chain is nil.
func (o Offer) WithReshareChain(chain ReshareChain) Offer {
	clone := o.Clone()
	if len(chain) == 0 {
		delete(clone, attrReshareChain)
		return clone
	}
	links := make([]any, len(chain))
	for i, link := range chain {
		links[i] = link
	}
	clone[attrReshareChain] = links
	return clone
}

// deepCopyValue clones the JSON object model: maps, slices and scalars.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = deepCopyValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}

// OfferID identifies an offer by its posting org and id.
type OfferID struct {
	ID            string `json:"id"`
	PostingOrgURL string `json:"postingOrgUrl"`
}

// VersionedOfferID additionally pins the offer version.
type VersionedOfferID struct {
	OfferID
	LastUpdateTimeUTC int64 `json:"lastUpdateTimeUTC"`
}

// URL serializes the id as postingOrgUrl#id. The id component is escaped
// so the deserializer is an exact inverse.
func (id OfferID) URL() string {
	return id.PostingOrgURL + "#" + url.QueryEscape(id.ID)
}

// URL serializes the versioned id as postingOrgUrl#id&updateTimestamp.
func (id VersionedOfferID) URL() string {
	return id.OfferID.URL() + "&" + strconv.FormatInt(id.LastUpdateTimeUTC, 10)
}

// ParseOfferIDURL is the inverse of the URL serializations above. The
// returned timestamp pointer is nil for unversioned ids.
func ParseOfferIDURL(s string) (OfferID, *int64, error) {
	hash := strings.Index(s, "#")
	if hash < 0 {
		return OfferID{}, nil, fmt.Errorf("offer id url %q has no # separator", s)
	}
	postingOrg := s[:hash]
	rest := s[hash+1:]

	fields := strings.Split(rest, "&")
	rawID, err := url.QueryUnescape(fields[0])
	if err != nil {
		return OfferID{}, nil, fmt.Errorf("offer id url %q has a malformed id: %w", s, err)
	}
	id := OfferID{ID: rawID, PostingOrgURL: postingOrg}
	if len(fields) < 2 {
		return id, nil, nil
	}
	ts, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return OfferID{}, nil, fmt.Errorf("offer id url %q has a malformed timestamp: %w", s, err)
	}
	return id, &ts, nil
}
