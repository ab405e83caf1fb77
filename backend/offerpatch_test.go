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

func rootAddPatch(t *testing.T, offer Offer) json.RawMessage {
	t.Helper()
	value, err := json.Marshal(offer)
	if err != nil {
		t.Fatalf("marshal offer: %v", err)
	}
	patch, err := json.Marshal([]map[string]json.RawMessage{{
		"op":    json.RawMessage(`"add"`),
		"path":  json.RawMessage(`""`),
		"value": value,
	}})
	if err != nil {
		t.Fatalf("marshal patch: %v", err)
	}
	return patch
}

func TestApplyOfferPatchRootOperations(t *testing.T) {
	offer := makeOffer("o1", orgA, 1000, 5000)
	target := OfferPatchTarget{ID: "o1", PostingOrgURL: orgA}

	t.Run("insert on empty lookup", func(t *testing.T) {
		result := ApplyOfferPatch(nil, OfferPatch{Target: target, Patch: rootAddPatch(t, offer)})
		if result.Type != PatchResultInsert {
			t.Fatalf("type = %s, want INSERT (%v)", result.Type, result.Err)
		}
		if diff := cmp.Diff(offer, result.NewOffer); diff != "" {
			t.Errorf("newOffer mismatch:\n%s", diff)
		}
	})

	t.Run("update on existing offer", func(t *testing.T) {
		changed := offer.Clone()
		changed["description"] = "replaced"
		result := ApplyOfferPatch(offer, OfferPatch{Target: target, Patch: rootAddPatch(t, changed)})
		if result.Type != PatchResultUpdate {
			t.Fatalf("type = %s, want UPDATE (%v)", result.Type, result.Err)
		}
	})

	t.Run("same content is a noop", func(t *testing.T) {
		result := ApplyOfferPatch(offer, OfferPatch{Target: target, Patch: rootAddPatch(t, offer)})
		if result.Type != PatchResultNoop {
			t.Fatalf("type = %s, want NOOP", result.Type)
		}
	})

	t.Run("remove existing offer", func(t *testing.T) {
		result := ApplyOfferPatch(offer, OfferPatch{Target: target, Patch: json.RawMessage(`[{"op":"remove","path":""}]`)})
		if result.Type != PatchResultDelete {
			t.Fatalf("type = %s, want DELETE (%v)", result.Type, result.Err)
		}
	})

	t.Run("remove absent offer is a noop", func(t *testing.T) {
		result := ApplyOfferPatch(nil, OfferPatch{Target: target, Patch: json.RawMessage(`[{"op":"remove","path":""}]`)})
		if result.Type != PatchResultNoop {
			t.Fatalf("type = %s, want NOOP", result.Type)
		}
	})
}

func TestApplyOfferPatchInPlace(t *testing.T) {
	offer := makeOffer("o1", orgA, 1000, 5000)
	version := offer.UpdateUTC()
	versioned := OfferPatchTarget{ID: "o1", PostingOrgURL: orgA, LastUpdateTimeUTC: &version}

	t.Run("field update needs versioned target", func(t *testing.T) {
		patch := json.RawMessage(`[{"op":"replace","path":"/description","value":"better"}]`)
		result := ApplyOfferPatch(offer, OfferPatch{
			Target: OfferPatchTarget{ID: "o1", PostingOrgURL: orgA},
			Patch:  patch,
		})
		if result.Type != PatchResultError {
			t.Fatalf("type = %s, want ERROR for unversioned non-root patch", result.Type)
		}
	})

	t.Run("field update applies", func(t *testing.T) {
		patch := json.RawMessage(`[{"op":"replace","path":"/description","value":"better"}]`)
		result := ApplyOfferPatch(offer, OfferPatch{Target: versioned, Patch: patch})
		if result.Type != PatchResultUpdate {
			t.Fatalf("type = %s, want UPDATE (%v)", result.Type, result.Err)
		}
		if result.NewOffer["description"] != "better" {
			t.Errorf("description = %v", result.NewOffer["description"])
		}
	})

	t.Run("patch against absent offer errors", func(t *testing.T) {
		patch := json.RawMessage(`[{"op":"replace","path":"/description","value":"better"}]`)
		result := ApplyOfferPatch(nil, OfferPatch{Target: versioned, Patch: patch})
		if result.Type != PatchResultError {
			t.Fatalf("type = %s, want ERROR", result.Type)
		}
	})

	t.Run("failing test op errors", func(t *testing.T) {
		patch := json.RawMessage(`[{"op":"test","path":"/description","value":"wrong"}]`)
		result := ApplyOfferPatch(offer, OfferPatch{Target: versioned, Patch: patch})
		if result.Type != PatchResultError {
			t.Fatalf("type = %s, want ERROR", result.Type)
		}
	})
}

func TestOfferPatchWireForm(t *testing.T) {
	t.Run("clear literal", func(t *testing.T) {
		var p OfferPatch
		if err := json.Unmarshal([]byte(`"clear"`), &p); err != nil {
			t.Fatalf("unmarshal clear: %v", err)
		}
		if !p.Clear {
			t.Fatal("clear literal did not set Clear")
		}
		data, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal clear: %v", err)
		}
		if string(data) != `"clear"` {
			t.Errorf("marshal = %s, want \"clear\"", data)
		}
	})

	t.Run("targeted patch", func(t *testing.T) {
		in := `{"target":{"id":"o1","postingOrgUrl":"https://a.example.org/org.json"},"patch":[{"op":"remove","path":""}]}`
		var p OfferPatch
		if err := json.Unmarshal([]byte(in), &p); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if p.Clear || p.Target.ID != "o1" {
			t.Fatalf("bad decode: %+v", p)
		}
		round, err := json.Marshal(p)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var again OfferPatch
		if err := json.Unmarshal(round, &again); err != nil {
			t.Fatalf("re-unmarshal: %v", err)
		}
		if again.Target != p.Target {
			t.Errorf("round trip changed target: %+v != %+v", again.Target, p.Target)
		}
	})
}
