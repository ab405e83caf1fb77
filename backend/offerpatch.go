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
	"bytes"
	"encoding/json"
	"fmt"

	jsonpatchapply "github.com/evanphx/json-patch/v5"
)

// OfferPatchTarget names the offer a patch applies to. LastUpdateTimeUTC
// is nil for unversioned targets; a patch touching any path other than
// root must reference a versioned target.
type OfferPatchTarget struct {
	ID                string `json:"id"`
	PostingOrgURL     string `json:"postingOrgUrl"`
	LastUpdateTimeUTC *int64 `json:"lastUpdateTimeUTC,omitempty"`
}

// OfferPatch is one operation of a DIFF update: either the literal string
// "clear" (drop every offer for the source) or a JSON Patch against one
// offer.
type OfferPatch struct {
	Clear  bool
	Target OfferPatchTarget
	Patch  json.RawMessage
}

var clearLiteral = []byte(`"clear"`)

func (p OfferPatch) MarshalJSON() ([]byte, error) {
	if p.Clear {
		return clearLiteral, nil
	}
	return json.Marshal(struct {
		Target OfferPatchTarget `json:"target"`
		Patch  json.RawMessage  `json:"patch"`
	}{Target: p.Target, Patch: p.Patch})
}

func (p *OfferPatch) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), clearLiteral) {
		*p = OfferPatch{Clear: true}
		return nil
	}
	var wire struct {
		Target OfferPatchTarget `json:"target"`
		Patch  json.RawMessage  `json:"patch"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*p = OfferPatch{Target: wire.Target, Patch: wire.Patch}
	return nil
}

// PatchResultType classifies the effect of applying an offer patch.
type PatchResultType string

const (
	PatchResultClear  PatchResultType = "CLEAR"
	PatchResultInsert PatchResultType = "INSERT"
	PatchResultUpdate PatchResultType = "UPDATE"
	PatchResultDelete PatchResultType = "DELETE"
	PatchResultNoop   PatchResultType = "NOOP"
	PatchResultError  PatchResultType = "ERROR"
)

// OfferPatchResult is the outcome of applying one OfferPatch.
type OfferPatchResult struct {
	Type     PatchResultType
	Target   OfferPatchTarget
	OldOffer Offer
	NewOffer Offer
	Err      error
}

type patchOp struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value"`
}

func errorResult(target OfferPatchTarget, old Offer, err error) OfferPatchResult {
	return OfferPatchResult{Type: PatchResultError, Target: target, OldOffer: old, Err: err}
}

// ApplyOfferPatch applies p against the current version of its target
// offer (nil when absent) and classifies the result. The caller looks the
// offer up in the corpus the patch arrived for.
func ApplyOfferPatch(existing Offer, p OfferPatch) OfferPatchResult {
	if p.Clear {
		return OfferPatchResult{Type: PatchResultClear}
	}

	var ops []patchOp
	if err := json.Unmarshal(p.Patch, &ops); err != nil {
		return errorResult(p.Target, existing, fmt.Errorf("malformed patch: %w", err))
	}

	rootOnly := true
	for _, op := range ops {
		if op.Path != "" {
			rootOnly = false
			break
		}
	}
	if !rootOnly && p.Target.LastUpdateTimeUTC == nil {
		return errorResult(p.Target, existing,
			fmt.Errorf("patch touches non-root paths but targets an unversioned id"))
	}

	newOffer, err := applyPatchToOffer(existing, ops, p.Patch, rootOnly)
	if err != nil {
		return errorResult(p.Target, existing, err)
	}

	result := OfferPatchResult{Target: p.Target, OldOffer: existing, NewOffer: newOffer}
	switch {
	case existing == nil && newOffer != nil:
		result.Type = PatchResultInsert
	case existing != nil && newOffer == nil:
		result.Type = PatchResultDelete
	case existing != nil && newOffer != nil && !offersEqual(existing, newOffer):
		result.Type = PatchResultUpdate
	default:
		// Unchanged, or a root remove on an absent offer.
		result.Type = PatchResultNoop
	}
	return result
}

// applyPatchToOffer computes the patched offer. Root-only patches are
// folded directly (the patch library does not operate on a missing
// document); anything else runs through the JSON Patch engine.
func applyPatchToOffer(existing Offer, ops []patchOp, patchJSON json.RawMessage, rootOnly bool) (Offer, error) {
	if rootOnly {
		current := existing
		for _, op := range ops {
			switch op.Op {
			case "add", "replace":
				var offer Offer
				if err := json.Unmarshal(op.Value, &offer); err != nil {
					return nil, fmt.Errorf("root %s value is not an offer: %w", op.Op, err)
				}
				current = offer
			case "remove":
				current = nil
			case "test":
				var want Offer
				if err := json.Unmarshal(op.Value, &want); err != nil {
					return nil, fmt.Errorf("root test value is not an offer: %w", err)
				}
				if !offersEqual(current, want) {
					return nil, fmt.Errorf("root test failed")
				}
			default:
				return nil, fmt.Errorf("unsupported root operation %q", op.Op)
			}
		}
		return current, nil
	}

	if existing == nil {
		return nil, fmt.Errorf("patch targets paths inside an offer that does not exist")
	}
	doc, err := json.Marshal(existing)
	if err != nil {
		return nil, fmt.Errorf("marshal offer: %w", err)
	}
	patch, err := jsonpatchapply.DecodePatch(patchJSON)
	if err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	patched, err := patch.Apply(doc)
	if err != nil {
		return nil, fmt.Errorf("apply patch: %w", err)
	}
	var out Offer
	if err := json.Unmarshal(patched, &out); err != nil {
		return nil, fmt.Errorf("patched offer is not an object: %w", err)
	}
	return out, nil
}
