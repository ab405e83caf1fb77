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
	"sort"

	jsonpatchapply "github.com/evanphx/json-patch/v5"
	jsonpatch "gomodules.xyz/jsonpatch/v2"
)

// OfferSet is the canonical form of a collection of offers: a mapping
// keyed by fullOfferId (offeredBy + "#" + id) holding deep clones.
type OfferSet map[string]Offer

// ToOfferSet canonicalizes a collection of offers. Later duplicates of the
// same full id replace earlier ones.
func ToOfferSet(offers []Offer) OfferSet {
	set := make(OfferSet, len(offers))
	for _, o := range offers {
		set[o.FullID()] = o.Clone()
	}
	return set
}

// ToOfferList is the inverse of ToOfferSet up to iteration order. Keys are
// walked in sorted order so the output is deterministic.
func ToOfferList(set OfferSet) []Offer {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	offers := make([]Offer, 0, len(keys))
	for _, k := range keys {
		offers = append(offers, set[k].Clone())
	}
	return offers
}

// DiffOfferSets computes the JSON Patch transforming the canonical set
// form of from into the canonical set form of to.
func DiffOfferSets(from, to OfferSet) ([]jsonpatch.Operation, error) {
	fromJSON, err := json.Marshal(from)
	if err != nil {
		return nil, fmt.Errorf("marshal source offer set: %w", err)
	}
	toJSON, err := json.Marshal(to)
	if err != nil {
		return nil, fmt.Errorf("marshal target offer set: %w", err)
	}
	ops, err := jsonpatch.CreatePatch(fromJSON, toJSON)
	if err != nil {
		return nil, fmt.Errorf("diff offer sets: %w", err)
	}
	return ops, nil
}

// ApplyOfferSetPatch applies a whole-set JSON Patch to a canonical offer
// set and returns the patched set.
func ApplyOfferSetPatch(set OfferSet, patchJSON json.RawMessage) (OfferSet, error) {
	doc, err := json.Marshal(set)
	if err != nil {
		return nil, fmt.Errorf("marshal offer set: %w", err)
	}
	patch, err := jsonpatchapply.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("decode offer set patch: %w", err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply offer set patch: %w", err)
	}
	var out OfferSet
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("patched offer set is not a valid set: %w", err)
	}
	return out, nil
}

// offersEqual compares two offers structurally via their JSON object model.
func offersEqual(a, b Offer) bool {
	return jsonValuesEqual(map[string]any(a), map[string]any(b))
}

func jsonValuesEqual(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, item := range av {
			other, ok := bv[k]
			if !ok || !jsonValuesEqual(item, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !jsonValuesEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}
