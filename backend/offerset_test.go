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
	"testing"

	"github.com/google/go-cmp/cmp"
)

const (
	orgA = "https://a.example.org/org.json"
	orgB = "https://b.example.org/org.json"
)

func TestOfferSetRoundTrip(t *testing.T) {
	offers := []Offer{
		makeOffer("o1", orgA, 1000, 5000),
		makeOffer("o2", orgA, 1100, 5000),
		makeOffer("o1", orgB, 1200, 5000),
	}
	set := ToOfferSet(offers)
	if len(set) != 3 {
		t.Fatalf("set has %d entries, want 3", len(set))
	}
	if _, ok := set[orgA+"#o1"]; !ok {
		t.Fatalf("set is missing key %q", orgA+"#o1")
	}

	back := ToOfferList(set)
	if len(back) != 3 {
		t.Fatalf("list has %d entries, want 3", len(back))
	}
	want := ToOfferSet(back)
	if diff := cmp.Diff(set, want); diff != "" {
		t.Errorf("toOfferList(toOfferSet(L)) is not L up to order:\n%s", diff)
	}
}

func TestOfferSetCanonicalizationClones(t *testing.T) {
	offer := makeOffer("o1", orgA, 1000, 5000)
	set := ToOfferSet([]Offer{offer})
	set[orgA+"#o1"]["description"] = "mutated"
	if offer["description"] == "mutated" {
		t.Error("ToOfferSet shared structure with its input")
	}
}

func applyDiff(t *testing.T, from, to OfferSet) OfferSet {
	t.Helper()
	ops, err := DiffOfferSets(from, to)
	if err != nil {
		t.Fatalf("DiffOfferSets: %v", err)
	}
	patchJSON, err := json.Marshal(ops)
	if err != nil {
		t.Fatalf("marshal patch: %v", err)
	}
	patched, err := ApplyOfferSetPatch(from, patchJSON)
	if err != nil {
		t.Fatalf("ApplyOfferSetPatch: %v", err)
	}
	return patched
}

func TestDiffApplyLaw(t *testing.T) {
	a1 := makeOffer("o1", orgA, 1000, 5000)
	a2 := makeOffer("o2", orgA, 1100, 5000)
	a2updated := makeOffer("o2", orgA, 1100, 5000)
	a2updated["offerUpdateUTC"] = float64(2000)
	a2updated["description"] = "now with more detail"
	b1 := makeOffer("o1", orgB, 1200, 6000)

	cases := []struct {
		name     string
		from, to []Offer
	}{
		{"add offer", []Offer{a1}, []Offer{a1, b1}},
		{"remove offer", []Offer{a1, a2}, []Offer{a1}},
		{"update offer", []Offer{a1, a2}, []Offer{a1, a2updated}},
		{"replace everything", []Offer{a1, a2}, []Offer{b1}},
		{"empty to full", nil, []Offer{a1, a2, b1}},
		{"full to empty", []Offer{a1, a2, b1}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			from, to := ToOfferSet(tc.from), ToOfferSet(tc.to)
			got := applyDiff(t, from, to)
			if diff := cmp.Diff(to, got); diff != "" {
				t.Errorf("applyPatch(from, diff(from,to)) != to:\n%s", diff)
			}
		})
	}
}

func TestDiffOfSetWithItselfIsEmpty(t *testing.T) {
	set := ToOfferSet([]Offer{
		makeOffer("o1", orgA, 1000, 5000),
		makeOffer("o2", orgA, 1100, 5000),
	})
	ops, err := DiffOfferSets(set, set)
	if err != nil {
		t.Fatalf("DiffOfferSets: %v", err)
	}
	if len(ops) != 0 {
		t.Errorf("diff(A,A) = %v, want empty", ops)
	}
}

// Root-level patch paths appear exactly when whole offers come and go.
func TestDiffTouchesRootOnlyForWholeOffers(t *testing.T) {
	a1 := makeOffer("o1", orgA, 1000, 5000)
	a1updated := a1.Clone()
	a1updated["description"] = "changed"

	ops, err := DiffOfferSets(ToOfferSet([]Offer{a1}), ToOfferSet([]Offer{a1updated}))
	if err != nil {
		t.Fatalf("DiffOfferSets: %v", err)
	}
	for _, op := range ops {
		if op.Path == "/"+escapeJSONPointer(orgA+"#o1") {
			t.Errorf("in-place update produced a whole-offer operation: %+v", op)
		}
	}

	ops, err = DiffOfferSets(ToOfferSet([]Offer{a1}), OfferSet{})
	if err != nil {
		t.Fatalf("DiffOfferSets: %v", err)
	}
	if len(ops) != 1 || ops[0].Operation != "remove" {
		t.Fatalf("whole-offer removal ops = %+v, want one remove", ops)
	}
}

func escapeJSONPointer(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
