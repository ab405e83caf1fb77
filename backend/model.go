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
	"encoding/json"
	"fmt"
	"iter"
	"log"

	"github.com/jonboulle/clockwork"
	jsonpatch "gomodules.xyz/jsonpatch/v2"
)

// OfferSetUpdate is what a producer hands the model: a lazy sequence of
// full offers (snapshot form) or of per-offer patches (delta form), plus
// the earliest instant the producer wants to be polled again.
type OfferSetUpdate struct {
	SourceOrgURL           string
	Offers                 iter.Seq2[Offer, error]
	Delta                  iter.Seq2[OfferPatch, error]
	EarliestNextRequestUTC int64
}

// OfferModel is one tenant's authoritative offer state: the per-viewer
// visibility timeline, reservations, acceptance history, and the change
// feed. All mutations run inside a single read-write transaction.
type OfferModel struct {
	hostOrgURL string
	store      Persister
	signer     *Signer
	policy     ListingPolicy
	clock      clockwork.Clock
	dispatcher *changeDispatcher
}

// NewOfferModel builds the model for one tenant. The signer may be nil,
// in which case the tenant can only list offers it posts itself.
func NewOfferModel(hostOrgURL string, store Persister, signer *Signer, policy ListingPolicy, clock clockwork.Clock) *OfferModel {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &OfferModel{
		hostOrgURL: hostOrgURL,
		store:      store,
		signer:     signer,
		policy:     policy,
		clock:      clock,
		dispatcher: newChangeDispatcher(),
	}
}

// HostOrgURL returns the tenant org this model belongs to.
func (m *OfferModel) HostOrgURL() string {
	return m.hostOrgURL
}

// RegisterChangeHandler registers h for change events and returns the
// function that removes the registration.
func (m *OfferModel) RegisterChangeHandler(h ChangeHandler) func() {
	return m.dispatcher.register(h)
}

// WaitForChangeHandlers blocks until in-flight handler calls finish.
func (m *OfferModel) WaitForChangeHandlers() {
	m.dispatcher.wait()
}

func (m *OfferModel) now() int64 {
	return m.clock.Now().UnixMilli()
}

// ProcessUpdate applies one producer update inside a single read-write
// transaction. fromOrgURL names the corpus the update belongs to.
func (m *OfferModel) ProcessUpdate(ctx context.Context, fromOrgURL string, update *OfferSetUpdate) error {
	if update == nil || (update.Offers == nil && update.Delta == nil) {
		return badRequestError(CodeBadUpdateNoChanges, "update carries neither offers nor a delta")
	}
	now := m.now()

	var changes []OfferChange
	err := RunTx(ctx, m.store, ReadWrite, func(tx Tx) error {
		if update.Delta != nil {
			return m.applyDelta(ctx, tx, fromOrgURL, update.Delta, now, &changes)
		}
		return m.applySnapshot(ctx, tx, fromOrgURL, update.Offers, now, &changes)
	})
	if err != nil {
		return err
	}
	for _, c := range changes {
		m.dispatcher.dispatch(c)
	}
	return nil
}

func (m *OfferModel) applyDelta(ctx context.Context, tx Tx, corpus string, delta iter.Seq2[OfferPatch, error], now int64, changes *[]OfferChange) error {
	for patch, err := range delta {
		if err != nil {
			return fmt.Errorf("read delta: %w", err)
		}
		if patch.Clear {
			if err := m.clearCorpus(ctx, tx, corpus, now, changes); err != nil {
				return err
			}
			continue
		}

		existing, _, err := tx.GetOfferFromCorpus(ctx, m.hostOrgURL, corpus, patch.Target.ID, patch.Target.PostingOrgURL)
		if err != nil {
			return err
		}
		result := ApplyOfferPatch(existing, patch)
		switch result.Type {
		case PatchResultInsert, PatchResultUpdate:
			if err := m.upsertOffer(ctx, tx, corpus, result.NewOffer, now, changes); err != nil {
				return err
			}
		case PatchResultDelete:
			if err := m.deleteOffer(ctx, tx, corpus, patch.Target.ID, patch.Target.PostingOrgURL, now, changes); err != nil {
				return err
			}
		case PatchResultNoop:
			// Nothing changed.
		case PatchResultError:
			log.Printf("Warning: skipping bad offer patch for %s#%s: %v",
				patch.Target.PostingOrgURL, patch.Target.ID, result.Err)
		}
	}
	return nil
}

func (m *OfferModel) applySnapshot(ctx context.Context, tx Tx, corpus string, offers iter.Seq2[Offer, error], now int64, changes *[]OfferChange) error {
	seen := make(map[string]bool)
	for offer, err := range offers {
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		seen[offer.FullID()] = true
		if err := m.upsertOffer(ctx, tx, corpus, offer, now, changes); err != nil {
			return err
		}
	}

	// Anything the snapshot no longer carries is gone from this corpus.
	var stale []OfferID
	for offer, err := range tx.GetCorpusOffers(ctx, m.hostOrgURL, corpus) {
		if err != nil {
			return err
		}
		if !seen[offer.FullID()] {
			stale = append(stale, offer.OfferID())
		}
	}
	for _, id := range stale {
		if err := m.deleteOffer(ctx, tx, corpus, id.ID, id.PostingOrgURL, now, changes); err != nil {
			return err
		}
	}
	return nil
}

func (m *OfferModel) clearCorpus(ctx context.Context, tx Tx, corpus string, now int64, changes *[]OfferChange) error {
	var all []OfferID
	for offer, err := range tx.GetCorpusOffers(ctx, m.hostOrgURL, corpus) {
		if err != nil {
			return err
		}
		all = append(all, offer.OfferID())
	}
	for _, id := range all {
		if err := m.deleteOffer(ctx, tx, corpus, id.ID, id.PostingOrgURL, now, changes); err != nil {
			return err
		}
	}
	return nil
}

func (m *OfferModel) upsertOffer(ctx context.Context, tx Tx, corpus string, offer Offer, now int64, changes *[]OfferChange) error {
	host := m.hostOrgURL
	old, hadOld, err := tx.GetOffer(ctx, host, offer.ID(), offer.OfferedBy())
	if err != nil {
		return err
	}

	result, err := tx.InsertOrUpdateOfferInCorpus(ctx, host, corpus, offer)
	if err != nil {
		return err
	}
	if result == CorpusNone {
		return nil
	}

	// Remember the chain the offer arrived with: it is our authority to
	// accept the offer ourselves and, when it grants RESHARE, the root we
	// extend when republishing. Chains are only stored for uses their
	// final link actually grants.
	if chain := offer.ReshareChain(); len(chain) > 0 {
		if chainQualifiedForAccept(&chain) {
			if err := tx.StoreReshareChain(ctx, host, offer.ID(), offer.OfferedBy(), ChainUseAccept, chain); err != nil {
				return err
			}
		}
		if chainQualifiedForReshare(&chain) {
			if err := tx.StoreReshareChain(ctx, host, offer.ID(), offer.OfferedBy(), ChainUseReshare, chain); err != nil {
				return err
			}
		}
	} else if offer.OfferedBy() == host {
		// Our own offer: the zero-length chain is the reshare root.
		if err := tx.StoreReshareChain(ctx, host, offer.ID(), offer.OfferedBy(), ChainUseReshare, ReshareChain{}); err != nil {
			return err
		}
	}

	if err := m.updateListings(ctx, tx, offer, now); err != nil {
		return err
	}

	change := OfferChange{Type: ChangeUpdate, TimestampUTC: now, NewValue: offer.Clone()}
	if hadOld {
		change.OldValue = old
	} else {
		change.Type = ChangeAdd
	}
	*changes = append(*changes, change)
	return nil
}

func (m *OfferModel) deleteOffer(ctx context.Context, tx Tx, corpus, offerID, postingOrg string, now int64, changes *[]OfferChange) error {
	host := m.hostOrgURL
	old, _, err := tx.GetOffer(ctx, host, offerID, postingOrg)
	if err != nil {
		return err
	}
	result, err := tx.DeleteOfferInCorpus(ctx, host, corpus, offerID, postingOrg)
	if err != nil {
		return err
	}
	if result != CorpusDelete {
		// Another corpus still publishes the offer; nothing changes for
		// viewers.
		return nil
	}
	if err := tx.TruncateFutureTimelineForOffer(ctx, host, offerID, postingOrg, now); err != nil {
		return err
	}
	*changes = append(*changes, OfferChange{Type: ChangeDelete, TimestampUTC: now, OldValue: old})
	return nil
}

// subtractInterval returns the residual sub-intervals of [start, end)
// after removing [cutStart, cutEnd).
func subtractInterval(start, end, cutStart, cutEnd int64) []Interval {
	if cutEnd <= start || cutStart >= end {
		return []Interval{{StartUTC: start, EndUTC: end}}
	}
	var out []Interval
	if cutStart > start {
		out = append(out, Interval{StartUTC: start, EndUTC: cutStart})
	}
	if cutEnd < end {
		out = append(out, Interval{StartUTC: cutEnd, EndUTC: end})
	}
	return out
}

// chainForListing produces the reshare chain a remote entry carries: the
// stored chain root extended with one link delegating to the listed org.
func (m *OfferModel) chainForListing(root ReshareChain, offer Offer, listing Listing) (ReshareChain, error) {
	scopes := listing.Scopes
	if len(scopes) == 0 {
		scopes = []string{ChainScopeAccept}
	}
	return m.signer.SignChain(root, listing.OrgURL, SignChainOptions{
		InitialEntitlement: offer.ID(),
		Scopes:             scopes,
	})
}

// updateListings recomputes the timeline for one offer from now on. The
// truncate and the re-add happen in the caller's transaction, preserving
// the per-offer non-overlap invariant.
func (m *OfferModel) updateListings(ctx context.Context, tx Tx, offer Offer, now int64) error {
	host := m.hostOrgURL
	offerID, postingOrg := offer.ID(), offer.OfferedBy()

	all, err := tx.GetTimelineForOffer(ctx, host, offerID, postingOrg, nil, "")
	if err != nil {
		return err
	}
	var reservation *TimelineEntry
	firstListingTime := now
	for i, e := range all {
		if reservation == nil && e.IsReservation && e.Contains(now) {
			reservation = &all[i]
		}
		if i == 0 || e.StartTimeUTC < firstListingTime {
			firstListingTime = e.StartTimeUTC
		}
	}

	if err := tx.TruncateFutureTimelineForOffer(ctx, host, offerID, postingOrg, now); err != nil {
		return err
	}

	expiration := offer.ExpirationUTC()
	if expiration == 0 {
		// Offers without an expiration stay listable indefinitely.
		expiration = farFutureUTC
	}
	if expiration <= now {
		// Expired offers get no new windows.
		return nil
	}

	var entries []TimelineEntry

	// The host's own view of an offer it did not post.
	if postingOrg != host {
		acceptChain, _, err := tx.GetBestAcceptChain(ctx, host, offerID, postingOrg)
		if err != nil {
			return err
		}
		entries = append(entries, TimelineEntry{
			TargetOrgURL:   host,
			OfferID:        offerID,
			PostingOrgURL:  postingOrg,
			OfferUpdateUTC: offer.UpdateUTC(),
			StartTimeUTC:   now,
			EndTimeUTC:     expiration,
			ReshareChain:   acceptChain,
		})
	}

	// Remote entries need a chain root we are entitled to extend.
	var chainRoot ReshareChain
	haveRoot := postingOrg == host
	if !haveRoot {
		root, ok, err := tx.GetBestReshareChainRoot(ctx, host, offerID, postingOrg)
		if err != nil {
			return err
		}
		chainRoot, haveRoot = root, ok
	}
	if haveRoot {
		remote, err := m.remoteEntries(ctx, tx, offer, chainRoot, reservation, firstListingTime, now, expiration)
		if err != nil {
			return err
		}
		entries = append(entries, remote...)
	}

	return tx.AddTimelineEntries(ctx, host, entries)
}

func (m *OfferModel) remoteEntries(ctx context.Context, tx Tx, offer Offer, chainRoot ReshareChain,
	reservation *TimelineEntry, firstListingTime, now, expiration int64) ([]TimelineEntry, error) {
	host := m.hostOrgURL
	offerID, postingOrg := offer.ID(), offer.OfferedBy()

	// Without a signer we cannot delegate: only the poster itself may
	// publish chainless entries.
	if m.signer == nil && postingOrg != host {
		return nil, nil
	}

	rejectedOrgs, err := tx.GetAllRejections(ctx, host, offerID, postingOrg)
	if err != nil {
		return nil, err
	}
	rejections := make(map[string]bool, len(rejectedOrgs))
	for _, org := range rejectedOrgs {
		rejections[org] = true
	}

	listings, err := m.policy.GetListings(ctx, offer, firstListingTime, now, rejections, map[string]bool{})
	if err != nil {
		return nil, err
	}

	// Normalize: drop rejected orgs, clip starts behind now (everything
	// before now was truncated), clip ends at expiration.
	kept := listings[:0]
	for _, l := range listings {
		if rejections[l.OrgURL] {
			continue
		}
		if l.StartTimeUTC < now {
			l.StartTimeUTC = now
		}
		if l.EndTimeUTC == 0 || l.EndTimeUTC > expiration {
			l.EndTimeUTC = expiration
		}
		if l.EndTimeUTC <= l.StartTimeUTC {
			continue
		}
		kept = append(kept, l)
	}
	listings = kept

	// A live reservation survives when its org's listing continues
	// through now.
	var newReservation *TimelineEntry
	reservedListing := -1
	if reservation != nil {
		for i, l := range listings {
			if l.OrgURL != reservation.TargetOrgURL || l.StartTimeUTC != now {
				continue
			}
			end := min64(l.EndTimeUTC, reservation.EndTimeUTC)
			if end <= now {
				continue
			}
			newReservation = &TimelineEntry{
				TargetOrgURL:   l.OrgURL,
				OfferID:        offerID,
				PostingOrgURL:  postingOrg,
				OfferUpdateUTC: offer.UpdateUTC(),
				StartTimeUTC:   l.StartTimeUTC,
				EndTimeUTC:     end,
				IsReservation:  true,
			}
			reservedListing = i
			break
		}
	}

	var entries []TimelineEntry
	if newReservation != nil {
		if err := m.attachChain(newReservation, chainRoot, offer, listings[reservedListing]); err != nil {
			return nil, err
		}
		entries = append(entries, *newReservation)
	}

	for _, l := range listings {
		intervals := []Interval{{StartUTC: l.StartTimeUTC, EndUTC: l.EndTimeUTC}}
		if newReservation != nil {
			// Everyone waits out the reservation; the reserved org's own
			// listing keeps whatever tail extends past it.
			intervals = subtractInterval(l.StartTimeUTC, l.EndTimeUTC,
				newReservation.StartTimeUTC, newReservation.EndTimeUTC)
		}
		for _, iv := range intervals {
			entry := TimelineEntry{
				TargetOrgURL:   l.OrgURL,
				OfferID:        offerID,
				PostingOrgURL:  postingOrg,
				OfferUpdateUTC: offer.UpdateUTC(),
				StartTimeUTC:   iv.StartUTC,
				EndTimeUTC:     iv.EndUTC,
			}
			if err := m.attachChain(&entry, chainRoot, offer, l); err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// attachChain signs the per-entry reshare chain when a signer is
// configured. Wildcard targets are published without a chain; a concrete
// delegate is signed when it accepts.
func (m *OfferModel) attachChain(entry *TimelineEntry, chainRoot ReshareChain, offer Offer, listing Listing) error {
	if m.signer == nil || entry.TargetOrgURL == TargetOrgWildcard {
		return nil
	}
	chain, err := m.chainForListing(chainRoot, offer, listing)
	if err != nil {
		return err
	}
	entry.ReshareChain = chain
	return nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// resolveVisibleOffer finds the offer with the given id visible to viewer
// at now. postingOrg may be empty to match any posting org.
func (m *OfferModel) resolveVisibleOffer(ctx context.Context, tx Tx, viewer, offerID, postingOrg string, now int64) (Offer, bool, error) {
	return tx.GetOfferAtTime(ctx, m.hostOrgURL, viewer, offerID, postingOrg, now)
}

// Accept resolves the offer visible to orgURL right now and records the
// acceptance, closing every future listing window.
func (m *OfferModel) Accept(ctx context.Context, orgURL, offerID string, ifNotNewerThanUTC *int64, chain DecodedReshareChain) (Offer, error) {
	now := m.now()
	var accepted Offer
	err := RunTx(ctx, m.store, ReadWrite, func(tx Tx) error {
		offer, ok, err := m.resolveVisibleOffer(ctx, tx, orgURL, offerID, "", now)
		if err != nil {
			return err
		}
		if !ok {
			return badRequestError(CodeAcceptNoAvailableOffer, "no offer %q is available to %s", offerID, orgURL)
		}
		if ifNotNewerThanUTC != nil && offer.UpdateUTC() > *ifNotNewerThanUTC {
			return badRequestError(CodeAcceptOfferHasChanged,
				"offer %q has changed since %d", offerID, *ifNotNewerThanUTC).
				WithExtra("currentOffer", offer)
		}

		viewers := []string{m.hostOrgURL}
		if orgURL != m.hostOrgURL {
			viewers = append(viewers, orgURL)
		}
		for _, iss := range chain.Issuers() {
			if iss != m.hostOrgURL && iss != orgURL {
				viewers = append(viewers, iss)
			}
		}
		if err := tx.WriteAccept(ctx, m.hostOrgURL, offer, orgURL, now, chain, viewers); err != nil {
			return err
		}
		if err := tx.TruncateFutureTimelineForOffer(ctx, m.hostOrgURL, offer.ID(), offer.OfferedBy(), now); err != nil {
			return err
		}
		accepted = offer
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.dispatcher.dispatch(OfferChange{Type: ChangeRemoteAccept, TimestampUTC: now, OldValue: accepted})
	return accepted, nil
}

// Reject records that rejectingOrgURL never wants to see the offer again
// and relists it for everyone else.
func (m *OfferModel) Reject(ctx context.Context, rejectingOrgURL, offerID, postingOrgURL string) (Offer, error) {
	now := m.now()
	var rejected Offer
	err := RunTx(ctx, m.store, ReadWrite, func(tx Tx) error {
		offer, ok, err := m.resolveVisibleOffer(ctx, tx, rejectingOrgURL, offerID, postingOrgURL, now)
		if err != nil {
			return err
		}
		if !ok {
			return badRequestError(CodeRejectNoAvailableOffer, "no offer %q is available to %s", offerID, rejectingOrgURL)
		}
		if err := tx.WriteReject(ctx, m.hostOrgURL, rejectingOrgURL, offer.ID(), offer.OfferedBy(), now); err != nil {
			return err
		}
		canonical, ok, err := tx.GetOffer(ctx, m.hostOrgURL, offer.ID(), offer.OfferedBy())
		if err != nil {
			return err
		}
		if ok {
			if err := m.updateListings(ctx, tx, canonical, now); err != nil {
				return err
			}
		}
		rejected = offer
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.dispatcher.dispatch(OfferChange{Type: ChangeRemoteReject, TimestampUTC: now, OldValue: rejected})
	return rejected, nil
}

// Reserve gives orgURL an exclusive hold on the offer and returns the
// hold's expiration instant.
func (m *OfferModel) Reserve(ctx context.Context, orgURL, offerID string, requestedSecs int64) (Offer, int64, error) {
	now := m.now()
	var reserved Offer
	var reservationEnd int64
	err := RunTx(ctx, m.store, ReadWrite, func(tx Tx) error {
		offer, ok, err := m.resolveVisibleOffer(ctx, tx, orgURL, offerID, "", now)
		if err != nil {
			return err
		}
		if !ok {
			return badRequestError(CodeReserveNoAvailableOffer, "no offer %q is available to %s", offerID, orgURL)
		}

		if requestedSecs <= 0 {
			requestedSecs = DefaultReservationSecs
		}
		length := requestedSecs * 1000
		if maxMillis := offer.MaxReservationMillis(); maxMillis > 0 && length > maxMillis {
			length = maxMillis
		}
		reservationEnd = now + length

		if err := tx.TruncateFutureTimelineForOffer(ctx, m.hostOrgURL, offer.ID(), offer.OfferedBy(), now); err != nil {
			return err
		}
		if err := tx.AddTimelineEntries(ctx, m.hostOrgURL, []TimelineEntry{{
			TargetOrgURL:   orgURL,
			OfferID:        offer.ID(),
			PostingOrgURL:  offer.OfferedBy(),
			OfferUpdateUTC: offer.UpdateUTC(),
			StartTimeUTC:   now,
			EndTimeUTC:     reservationEnd,
			IsReservation:  true,
			ReshareChain:   offer.ReshareChain(),
		}}); err != nil {
			return err
		}

		canonical, ok, err := tx.GetOffer(ctx, m.hostOrgURL, offer.ID(), offer.OfferedBy())
		if err != nil {
			return err
		}
		if ok {
			if err := m.updateListings(ctx, tx, canonical, now); err != nil {
				return err
			}
		}
		reserved = offer
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	m.dispatcher.dispatch(OfferChange{Type: ChangeRemoteReserve, TimestampUTC: now, NewValue: reserved})
	return reserved, reservationEnd, nil
}

// List serves one page of a LIST request for orgURL.
func (m *OfferModel) List(ctx context.Context, orgURL string, payload *ListOffersPayload) (*ListOffersResponse, error) {
	var token pageToken
	firstPage := true
	if payload.PageToken != "" {
		var err error
		token, err = decodePageToken(payload.PageToken)
		if err != nil {
			return nil, badRequestError(CodeInvalidRequest, "bad page token").WithCause(err)
		}
		firstPage = false
	} else {
		token = pageToken{
			MaxResultsPerPage:     clampPageSize(payload.MaxResultsPerPage),
			RequestTimeUTC:        m.now(),
			ResultFormat:          payload.RequestedResultFormat,
			DiffStartTimestampUTC: payload.DiffStartTimestampUTC,
		}
		if token.ResultFormat == "" {
			token.ResultFormat = ResultFormatSnapshot
		}
	}

	switch token.ResultFormat {
	case ResultFormatSnapshot:
		return m.listSnapshotPage(ctx, orgURL, token)
	case ResultFormatDiff:
		if token.DiffStartTimestampUTC == nil {
			return nil, badRequestError(CodeInvalidRequest, "DIFF requests need diffStartTimestampUTC")
		}
		return m.listDiffPage(ctx, orgURL, token, firstPage)
	default:
		return nil, badRequestError(CodeInvalidRequest, "unknown result format %q", token.ResultFormat)
	}
}

func (m *OfferModel) listSnapshotPage(ctx context.Context, orgURL string, token pageToken) (*ListOffersResponse, error) {
	resp := &ListOffersResponse{
		ResponseFormat:      ResultFormatSnapshot,
		ResultsTimestampUTC: token.RequestTimeUTC,
		Offers:              []Offer{},
	}
	err := RunTx(ctx, m.store, ReadOnly, func(tx Tx) error {
		full := false
		for offer, err := range tx.GetOffersAtTime(ctx, m.hostOrgURL, orgURL, token.RequestTimeUTC, token.SkipCount) {
			if err != nil {
				return err
			}
			resp.Offers = append(resp.Offers, offer)
			if len(resp.Offers) >= token.MaxResultsPerPage {
				full = true
				break
			}
		}
		if full {
			next := token
			next.SkipCount += len(resp.Offers)
			resp.NextPageToken = encodePageToken(next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// diffForPair renders one changed-offer pair as a per-offer patch.
func diffForPair(pair OfferVersionPair) (OfferPatch, error) {
	switch {
	case pair.Old == nil:
		value, err := json.Marshal(pair.New)
		if err != nil {
			return OfferPatch{}, err
		}
		patch, err := json.Marshal([]map[string]json.RawMessage{{
			"op":    json.RawMessage(`"add"`),
			"path":  json.RawMessage(`""`),
			"value": value,
		}})
		if err != nil {
			return OfferPatch{}, err
		}
		return OfferPatch{
			Target: OfferPatchTarget{ID: pair.New.ID(), PostingOrgURL: pair.New.OfferedBy()},
			Patch:  patch,
		}, nil
	case pair.New == nil:
		return OfferPatch{
			Target: OfferPatchTarget{ID: pair.Old.ID(), PostingOrgURL: pair.Old.OfferedBy()},
			Patch:  json.RawMessage(`[{"op":"remove","path":""}]`),
		}, nil
	default:
		oldJSON, err := json.Marshal(pair.Old)
		if err != nil {
			return OfferPatch{}, err
		}
		newJSON, err := json.Marshal(pair.New)
		if err != nil {
			return OfferPatch{}, err
		}
		ops, err := jsonpatch.CreatePatch(oldJSON, newJSON)
		if err != nil {
			return OfferPatch{}, err
		}
		patch, err := json.Marshal(ops)
		if err != nil {
			return OfferPatch{}, err
		}
		version := pair.Old.UpdateUTC()
		return OfferPatch{
			Target: OfferPatchTarget{
				ID:                pair.Old.ID(),
				PostingOrgURL:     pair.Old.OfferedBy(),
				LastUpdateTimeUTC: &version,
			},
			Patch: patch,
		}, nil
	}
}

func (m *OfferModel) listDiffPage(ctx context.Context, orgURL string, token pageToken, firstPage bool) (*ListOffersResponse, error) {
	resp := &ListOffersResponse{
		ResponseFormat:      ResultFormatDiff,
		ResultsTimestampUTC: token.RequestTimeUTC,
		Diff:                []OfferPatch{},
	}
	diffStart := *token.DiffStartTimestampUTC

	err := RunTx(ctx, m.store, ReadOnly, func(tx Tx) error {
		if firstPage {
			// A viewer with no offers at the diff start resyncs from a
			// clean slate.
			any := false
			for _, err := range tx.GetOffersAtTime(ctx, m.hostOrgURL, orgURL, diffStart, 0) {
				if err != nil {
					return err
				}
				any = true
				break
			}
			if !any {
				resp.Diff = append(resp.Diff, OfferPatch{Clear: true})
			}
		}

		full := false
		emitted := 0
		for pair, err := range tx.GetChangedOffers(ctx, m.hostOrgURL, orgURL, diffStart, token.RequestTimeUTC, token.SkipCount) {
			if err != nil {
				return err
			}
			patch, err := diffForPair(pair)
			if err != nil {
				return err
			}
			resp.Diff = append(resp.Diff, patch)
			emitted++
			if emitted >= token.MaxResultsPerPage {
				full = true
				break
			}
		}
		if full {
			next := token
			next.SkipCount += emitted
			resp.NextPageToken = encodePageToken(next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetHistory serves one page of the acceptance history visible to orgURL.
func (m *OfferModel) GetHistory(ctx context.Context, orgURL string, payload *HistoryPayload) (*HistoryResponse, error) {
	var token pageToken
	if payload.PageToken != "" {
		var err error
		token, err = decodePageToken(payload.PageToken)
		if err != nil {
			return nil, badRequestError(CodeInvalidRequest, "bad page token").WithCause(err)
		}
	} else {
		token = pageToken{MaxResultsPerPage: clampPageSize(payload.MaxResultsPerPage)}
		if payload.HistorySinceUTC != nil {
			token.HistorySinceUTC = *payload.HistorySinceUTC
		}
	}

	resp := &HistoryResponse{OfferHistories: []OfferHistoryItem{}}
	err := RunTx(ctx, m.store, ReadOnly, func(tx Tx) error {
		full := false
		for item, err := range tx.GetHistory(ctx, m.hostOrgURL, orgURL, token.HistorySinceUTC, token.SkipCount) {
			if err != nil {
				return err
			}
			resp.OfferHistories = append(resp.OfferHistories, item)
			if len(resp.OfferHistories) >= token.MaxResultsPerPage {
				full = true
				break
			}
		}
		if full {
			next := token
			next.SkipCount += len(resp.OfferHistories)
			resp.NextPageToken = encodePageToken(next)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
