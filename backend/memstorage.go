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
	"sort"
	"strconv"
	"strings"
	"sync"
)

func offerKey(postingOrg, offerID string) string {
	return postingOrg + "#" + offerID
}

func snapKey(postingOrg, offerID string, updateUTC int64) string {
	return postingOrg + "#" + offerID + "#" + strconv.FormatInt(updateUTC, 10)
}

func rejectionKey(rejectingOrg, postingOrg, offerID string) string {
	return rejectingOrg + "|" + postingOrg + "#" + offerID
}

func chainKey(forUse ChainUse, postingOrg, offerID string) string {
	return string(forUse) + "|" + postingOrg + "#" + offerID
}

// storedAcceptance is one acceptance row plus the orgs allowed to see it.
type storedAcceptance struct {
	Offer         Offer               `json:"offer"`
	AcceptedBy    string              `json:"acceptedBy"`
	AcceptedAtUTC int64               `json:"acceptedAtUTC"`
	Chain         DecodedReshareChain `json:"decodedReshareChain,omitempty"`
	Viewers       []string            `json:"viewers"`
}

func (a storedAcceptance) visibleTo(org string) bool {
	for _, v := range a.Viewers {
		if v == org {
			return true
		}
	}
	return false
}

// memData is the full state of the in-memory store. All maps except
// Producers (keyed by producer id) are keyed by hostOrgUrl first; stored
// values are treated as immutable once written.
type memData struct {
	Snapshots   map[string]map[string]Offer             `json:"snapshots"`   // host → snapKey → offer
	Corpora     map[string]map[string]map[string]int64  `json:"corpora"`     // host → corpus → offerKey → updateUTC
	Timeline    map[string][]TimelineEntry              `json:"timeline"`    // host → entries
	Acceptances map[string][]storedAcceptance           `json:"acceptances"` // host → rows
	Rejections  map[string]map[string]int64             `json:"rejections"`  // host → rejectionKey → atUTC
	Chains      map[string]map[string]ReshareChain      `json:"chains"`      // host → chainKey → chain
	Producers   map[string]ProducerMetadata             `json:"producers"`   // producerID → metadata
	Values      map[string]map[string]json.RawMessage   `json:"values"`      // host → key → value
}

func newMemData() *memData {
	return &memData{
		Snapshots:   make(map[string]map[string]Offer),
		Corpora:     make(map[string]map[string]map[string]int64),
		Timeline:    make(map[string][]TimelineEntry),
		Acceptances: make(map[string][]storedAcceptance),
		Rejections:  make(map[string]map[string]int64),
		Chains:      make(map[string]map[string]ReshareChain),
		Producers:   make(map[string]ProducerMetadata),
		Values:      make(map[string]map[string]json.RawMessage),
	}
}

// clone copies the map and slice structure. Values are shared: everything
// stored is immutable by convention, so a structural copy is enough for
// transaction rollback.
func (d *memData) clone() *memData {
	out := newMemData()
	for h, m := range d.Snapshots {
		inner := make(map[string]Offer, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out.Snapshots[h] = inner
	}
	for h, corpora := range d.Corpora {
		innerCorpora := make(map[string]map[string]int64, len(corpora))
		for c, offers := range corpora {
			inner := make(map[string]int64, len(offers))
			for k, v := range offers {
				inner[k] = v
			}
			innerCorpora[c] = inner
		}
		out.Corpora[h] = innerCorpora
	}
	for h, entries := range d.Timeline {
		out.Timeline[h] = append([]TimelineEntry(nil), entries...)
	}
	for h, rows := range d.Acceptances {
		out.Acceptances[h] = append([]storedAcceptance(nil), rows...)
	}
	for h, m := range d.Rejections {
		inner := make(map[string]int64, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out.Rejections[h] = inner
	}
	for h, m := range d.Chains {
		inner := make(map[string]ReshareChain, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out.Chains[h] = inner
	}
	for k, v := range d.Producers {
		out.Producers[k] = v
	}
	for h, m := range d.Values {
		inner := make(map[string]json.RawMessage, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out.Values[h] = inner
	}
	return out
}

// MemStore is the in-memory Persister. Read-write transactions hold an
// exclusive lock for their whole lifetime, which is what makes them
// serializable; read-only transactions share a read lock.
type MemStore struct {
	mu   sync.RWMutex
	data *memData

	lockMu        sync.Mutex
	producerLocks map[string]bool

	// onCommit, when set, runs after every committed read-write
	// transaction while the exclusive lock is still held.
	onCommit func(*memData) error
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		data:          newMemData(),
		producerLocks: make(map[string]bool),
	}
}

// BeginTx starts a transaction. The caller must reach Commit or Fail.
func (s *MemStore) BeginTx(ctx context.Context, mode TxMode) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx := &memTx{store: s, mode: mode}
	if mode == ReadWrite {
		s.mu.Lock()
		tx.rollback = s.data.clone()
	} else {
		s.mu.RLock()
	}
	return tx, nil
}

// TryLockProducer acquires the per-producer ingestion lock without
// blocking.
func (s *MemStore) TryLockProducer(producerID string) bool {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if s.producerLocks[producerID] {
		return false
	}
	s.producerLocks[producerID] = true
	return true
}

// UnlockProducer releases the per-producer ingestion lock.
func (s *MemStore) UnlockProducer(producerID string) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	delete(s.producerLocks, producerID)
}

// Close releases nothing; it exists to satisfy Persister.
func (s *MemStore) Close() error { return nil }

type memTx struct {
	store    *MemStore
	mode     TxMode
	rollback *memData
	released bool
}

var errTxReleased = fmt.Errorf("transaction already committed or failed")
var errTxReadOnly = fmt.Errorf("mutation inside a read-only transaction")

func (t *memTx) data() (*memData, error) {
	if t.released {
		return nil, errTxReleased
	}
	return t.store.data, nil
}

func (t *memTx) writable() (*memData, error) {
	if t.released {
		return nil, errTxReleased
	}
	if t.mode != ReadWrite {
		return nil, errTxReadOnly
	}
	return t.store.data, nil
}

func (t *memTx) Commit() error {
	if t.released {
		return errTxReleased
	}
	t.released = true
	if t.mode == ReadWrite {
		var err error
		if t.store.onCommit != nil {
			err = t.store.onCommit(t.store.data)
		}
		t.store.mu.Unlock()
		return err
	}
	t.store.mu.RUnlock()
	return nil
}

func (t *memTx) Fail() error {
	if t.released {
		return errTxReleased
	}
	t.released = true
	if t.mode == ReadWrite {
		t.store.data = t.rollback
		t.store.mu.Unlock()
		return nil
	}
	t.store.mu.RUnlock()
	return nil
}

func (t *memTx) InsertOrUpdateOfferInCorpus(ctx context.Context, host, corpus string, offer Offer) (CorpusChange, error) {
	d, err := t.writable()
	if err != nil {
		return CorpusNone, err
	}

	key := offerKey(offer.OfferedBy(), offer.ID())
	updateUTC := offer.UpdateUTC()

	snaps := d.Snapshots[host]
	if snaps == nil {
		snaps = make(map[string]Offer)
		d.Snapshots[host] = snaps
	}
	sk := snapKey(offer.OfferedBy(), offer.ID(), updateUTC)
	if _, ok := snaps[sk]; !ok {
		snaps[sk] = offer.Clone()
	}

	corpora := d.Corpora[host]
	if corpora == nil {
		corpora = make(map[string]map[string]int64)
		d.Corpora[host] = corpora
	}
	offers := corpora[corpus]
	if offers == nil {
		offers = make(map[string]int64)
		corpora[corpus] = offers
	}

	prev, present := offers[key]
	if present && prev == updateUTC {
		return CorpusNone, nil
	}
	offers[key] = updateUTC
	if present {
		return CorpusUpdate, nil
	}
	return CorpusAdd, nil
}

func (t *memTx) DeleteOfferInCorpus(ctx context.Context, host, corpus, offerID, postingOrg string) (CorpusChange, error) {
	d, err := t.writable()
	if err != nil {
		return CorpusNone, err
	}

	key := offerKey(postingOrg, offerID)
	offers := d.Corpora[host][corpus]
	if _, ok := offers[key]; !ok {
		return CorpusNone, nil
	}
	delete(offers, key)

	// DELETE only when no other corpus of this host still publishes it.
	for _, others := range d.Corpora[host] {
		if _, ok := others[key]; ok {
			return CorpusNone, nil
		}
	}
	return CorpusDelete, nil
}

func (t *memTx) lookupSnapshot(d *memData, host, postingOrg, offerID string, updateUTC int64) (Offer, bool) {
	o, ok := d.Snapshots[host][snapKey(postingOrg, offerID, updateUTC)]
	return o, ok
}

func (t *memTx) GetOffer(ctx context.Context, host, offerID, postingOrg string) (Offer, bool, error) {
	d, err := t.data()
	if err != nil {
		return nil, false, err
	}
	key := offerKey(postingOrg, offerID)
	var best int64 = -1
	for _, offers := range d.Corpora[host] {
		if ts, ok := offers[key]; ok && ts > best {
			best = ts
		}
	}
	if best < 0 {
		return nil, false, nil
	}
	o, ok := t.lookupSnapshot(d, host, postingOrg, offerID, best)
	if !ok {
		return nil, false, fmt.Errorf("snapshot missing for %s@%d", key, best)
	}
	return o.Clone(), true, nil
}

func (t *memTx) GetOfferFromCorpus(ctx context.Context, host, corpus, offerID, postingOrg string) (Offer, bool, error) {
	d, err := t.data()
	if err != nil {
		return nil, false, err
	}
	ts, ok := d.Corpora[host][corpus][offerKey(postingOrg, offerID)]
	if !ok {
		return nil, false, nil
	}
	o, ok := t.lookupSnapshot(d, host, postingOrg, offerID, ts)
	if !ok {
		return nil, false, fmt.Errorf("snapshot missing for %s@%d", offerKey(postingOrg, offerID), ts)
	}
	return o.Clone(), true, nil
}

func (t *memTx) GetOfferSources(ctx context.Context, host, offerID, postingOrg string) ([]string, error) {
	d, err := t.data()
	if err != nil {
		return nil, err
	}
	key := offerKey(postingOrg, offerID)
	var sources []string
	for corpus, offers := range d.Corpora[host] {
		if _, ok := offers[key]; ok {
			sources = append(sources, corpus)
		}
	}
	sort.Strings(sources)
	return sources, nil
}

func (t *memTx) GetCorpusOffers(ctx context.Context, host, corpus string) iter.Seq2[Offer, error] {
	return func(yield func(Offer, error) bool) {
		d, err := t.data()
		if err != nil {
			yield(nil, err)
			return
		}
		offers := d.Corpora[host][corpus]
		keys := make([]string, 0, len(offers))
		for k := range offers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			hash := strings.Index(k, "#")
			postingOrg, offerID := k[:hash], k[hash+1:]
			o, ok := t.lookupSnapshot(d, host, postingOrg, offerID, offers[k])
			if !ok {
				if !yield(nil, fmt.Errorf("snapshot missing for %s", k)) {
					return
				}
				continue
			}
			if !yield(o.Clone(), nil) {
				return
			}
		}
	}
}

func (t *memTx) GetTimelineForOffer(ctx context.Context, host, offerID, postingOrg string, interval *Interval, targetOrg string) ([]TimelineEntry, error) {
	d, err := t.data()
	if err != nil {
		return nil, err
	}
	var out []TimelineEntry
	for _, e := range d.Timeline[host] {
		if e.OfferID != offerID || e.PostingOrgURL != postingOrg {
			continue
		}
		if targetOrg != "" && e.TargetOrgURL != targetOrg {
			continue
		}
		if interval != nil && (e.EndTimeUTC <= interval.StartUTC || e.StartTimeUTC >= interval.EndUTC) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTimeUTC != out[j].StartTimeUTC {
			return out[i].StartTimeUTC < out[j].StartTimeUTC
		}
		return out[i].TargetOrgURL < out[j].TargetOrgURL
	})
	return out, nil
}

func (t *memTx) AddTimelineEntries(ctx context.Context, host string, entries []TimelineEntry) error {
	d, err := t.writable()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.StartTimeUTC >= e.EndTimeUTC {
			continue
		}
		d.Timeline[host] = append(d.Timeline[host], e)
	}
	return nil
}

func (t *memTx) TruncateFutureTimelineForOffer(ctx context.Context, host, offerID, postingOrg string, at int64) error {
	d, err := t.writable()
	if err != nil {
		return err
	}
	entries := d.Timeline[host]
	kept := entries[:0:0]
	for _, e := range entries {
		if e.OfferID != offerID || e.PostingOrgURL != postingOrg {
			kept = append(kept, e)
			continue
		}
		if e.StartTimeUTC >= at {
			continue
		}
		if e.EndTimeUTC > at {
			e.EndTimeUTC = at
		}
		kept = append(kept, e)
	}
	d.Timeline[host] = kept
	return nil
}

// resolvedEntry pairs a timeline entry with its offer snapshot.
type resolvedEntry struct {
	entry TimelineEntry
	offer Offer
}

// visibleAt returns the offers visible to viewer at instant t, keyed by
// offerKey, deduplicated to the newest snapshot when both wildcard and
// explicit entries match.
func (t *memTx) visibleAt(d *memData, host, viewer string, at int64) map[string]resolvedEntry {
	visible := make(map[string]resolvedEntry)
	for _, e := range d.Timeline[host] {
		if !e.Contains(at) || !e.matchesViewer(host, viewer) {
			continue
		}
		snap, ok := t.lookupSnapshot(d, host, e.PostingOrgURL, e.OfferID, e.OfferUpdateUTC)
		if !ok {
			continue
		}
		key := offerKey(e.PostingOrgURL, e.OfferID)
		if prev, ok := visible[key]; ok && prev.entry.OfferUpdateUTC >= e.OfferUpdateUTC {
			continue
		}
		visible[key] = resolvedEntry{entry: e, offer: snap}
	}
	return visible
}

// offerForViewer attaches the timeline entry's reshare chain to the
// snapshot, so the viewer receives the chain it may act with.
func (r resolvedEntry) offerForViewer() Offer {
	if len(r.entry.ReshareChain) > 0 {
		return r.offer.WithReshareChain(r.entry.ReshareChain)
	}
	return r.offer.Clone()
}

func (t *memTx) GetOffersAtTime(ctx context.Context, host, viewer string, at int64, skip int) iter.Seq2[Offer, error] {
	return func(yield func(Offer, error) bool) {
		d, err := t.data()
		if err != nil {
			yield(nil, err)
			return
		}
		visible := t.visibleAt(d, host, viewer, at)
		keys := make([]string, 0, len(visible))
		for k := range visible {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i < skip {
				continue
			}
			if !yield(visible[k].offerForViewer(), nil) {
				return
			}
		}
	}
}

func (t *memTx) GetOfferAtTime(ctx context.Context, host, viewer, offerID, postingOrg string, at int64) (Offer, bool, error) {
	d, err := t.data()
	if err != nil {
		return nil, false, err
	}
	visible := t.visibleAt(d, host, viewer, at)
	var best *resolvedEntry
	for _, r := range visible {
		if r.entry.OfferID != offerID {
			continue
		}
		if postingOrg != "" && r.entry.PostingOrgURL != postingOrg {
			continue
		}
		if best == nil || r.entry.OfferUpdateUTC > best.entry.OfferUpdateUTC {
			r := r
			best = &r
		}
	}
	if best == nil {
		return nil, false, nil
	}
	return best.offerForViewer(), true, nil
}

func (t *memTx) GetChangedOffers(ctx context.Context, host, viewer string, oldTime, newTime int64, skip int) iter.Seq2[OfferVersionPair, error] {
	return func(yield func(OfferVersionPair, error) bool) {
		d, err := t.data()
		if err != nil {
			yield(OfferVersionPair{}, err)
			return
		}
		oldVisible := t.visibleAt(d, host, viewer, oldTime)
		newVisible := t.visibleAt(d, host, viewer, newTime)

		// Outer join on offer key so inserts and deletes both report.
		keySet := make(map[string]bool, len(oldVisible)+len(newVisible))
		for k := range oldVisible {
			keySet[k] = true
		}
		for k := range newVisible {
			keySet[k] = true
		}
		keys := make([]string, 0, len(keySet))
		for k := range keySet {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		emitted := 0
		for _, k := range keys {
			oldEntry, hasOld := oldVisible[k]
			newEntry, hasNew := newVisible[k]
			if hasOld && hasNew && oldEntry.entry.OfferUpdateUTC == newEntry.entry.OfferUpdateUTC {
				continue
			}
			var pair OfferVersionPair
			if hasOld {
				pair.Old = oldEntry.offerForViewer()
			}
			if hasNew {
				pair.New = newEntry.offerForViewer()
			}
			emitted++
			if emitted <= skip {
				continue
			}
			if !yield(pair, nil) {
				return
			}
		}
	}
}

func (t *memTx) WriteAccept(ctx context.Context, host string, offer Offer, acceptedBy string, atUTC int64, chain DecodedReshareChain, viewers []string) error {
	d, err := t.writable()
	if err != nil {
		return err
	}
	d.Acceptances[host] = append(d.Acceptances[host], storedAcceptance{
		Offer:         offer.Clone(),
		AcceptedBy:    acceptedBy,
		AcceptedAtUTC: atUTC,
		Chain:         chain,
		Viewers:       append([]string(nil), viewers...),
	})
	return nil
}

func (t *memTx) WriteReject(ctx context.Context, host, rejectingOrg, offerID, postingOrg string, atUTC int64) error {
	d, err := t.writable()
	if err != nil {
		return err
	}
	m := d.Rejections[host]
	if m == nil {
		m = make(map[string]int64)
		d.Rejections[host] = m
	}
	key := rejectionKey(rejectingOrg, postingOrg, offerID)
	// Idempotent per (host, rejecting org, offer).
	if _, ok := m[key]; !ok {
		m[key] = atUTC
	}
	return nil
}

func (t *memTx) GetAllRejections(ctx context.Context, host, offerID, postingOrg string) ([]string, error) {
	d, err := t.data()
	if err != nil {
		return nil, err
	}
	suffix := "|" + offerKey(postingOrg, offerID)
	var orgs []string
	for key := range d.Rejections[host] {
		if strings.HasSuffix(key, suffix) {
			orgs = append(orgs, strings.TrimSuffix(key, suffix))
		}
	}
	sort.Strings(orgs)
	return orgs, nil
}

func (t *memTx) GetHistory(ctx context.Context, host, viewer string, sinceUTC int64, skip int) iter.Seq2[OfferHistoryItem, error] {
	return func(yield func(OfferHistoryItem, error) bool) {
		d, err := t.data()
		if err != nil {
			yield(OfferHistoryItem{}, err)
			return
		}
		var rows []storedAcceptance
		for _, row := range d.Acceptances[host] {
			if row.AcceptedAtUTC < sinceUTC || !row.visibleTo(viewer) {
				continue
			}
			rows = append(rows, row)
		}
		sort.Slice(rows, func(i, j int) bool {
			return rows[i].AcceptedAtUTC < rows[j].AcceptedAtUTC
		})
		for i, row := range rows {
			if i < skip {
				continue
			}
			item := OfferHistoryItem{
				Offer:               row.Offer.Clone(),
				AcceptingOrgURL:     row.AcceptedBy,
				AcceptedAtUTC:       row.AcceptedAtUTC,
				DecodedReshareChain: row.Chain,
			}
			if !yield(item, nil) {
				return
			}
		}
	}
}

func (t *memTx) StoreReshareChain(ctx context.Context, host, offerID, postingOrg string, forUse ChainUse, chain ReshareChain) error {
	d, err := t.writable()
	if err != nil {
		return err
	}
	m := d.Chains[host]
	if m == nil {
		m = make(map[string]ReshareChain)
		d.Chains[host] = m
	}
	key := chainKey(forUse, postingOrg, offerID)
	candidate := append(ReshareChain(nil), chain...)
	current, ok := m[key]
	if !ok {
		m[key] = candidate
		return nil
	}
	var better bool
	if forUse == ChainUseAccept {
		better = CompareChainsForAccept(&candidate, &current) < 0
	} else {
		better = CompareChainsForReshare(&candidate, &current) < 0
	}
	if better {
		m[key] = candidate
	}
	return nil
}

func (t *memTx) getChain(host, offerID, postingOrg string, forUse ChainUse) (ReshareChain, bool, error) {
	d, err := t.data()
	if err != nil {
		return nil, false, err
	}
	chain, ok := d.Chains[host][chainKey(forUse, postingOrg, offerID)]
	if !ok {
		return nil, false, nil
	}
	return append(ReshareChain(nil), chain...), true, nil
}

func (t *memTx) GetBestAcceptChain(ctx context.Context, host, offerID, postingOrg string) (ReshareChain, bool, error) {
	return t.getChain(host, offerID, postingOrg, ChainUseAccept)
}

func (t *memTx) GetBestReshareChainRoot(ctx context.Context, host, offerID, postingOrg string) (ReshareChain, bool, error) {
	return t.getChain(host, offerID, postingOrg, ChainUseReshare)
}

func (t *memTx) GetOfferProducerMetadata(ctx context.Context, producerID string) (ProducerMetadata, bool, error) {
	d, err := t.data()
	if err != nil {
		return ProducerMetadata{}, false, err
	}
	meta, ok := d.Producers[producerID]
	return meta, ok, nil
}

func (t *memTx) WriteOfferProducerMetadata(ctx context.Context, producerID string, meta ProducerMetadata) error {
	d, err := t.writable()
	if err != nil {
		return err
	}
	d.Producers[producerID] = meta
	return nil
}

func (t *memTx) StoreValue(ctx context.Context, host, key string, value json.RawMessage) error {
	d, err := t.writable()
	if err != nil {
		return err
	}
	m := d.Values[host]
	if m == nil {
		m = make(map[string]json.RawMessage)
		d.Values[host] = m
	}
	m[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (t *memTx) GetValues(ctx context.Context, host, prefix string) (map[string]json.RawMessage, error) {
	d, err := t.data()
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage)
	for k, v := range d.Values[host] {
		if strings.HasPrefix(k, prefix) {
			out[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out, nil
}

func (t *memTx) ClearAllValues(ctx context.Context, host, prefix string) error {
	d, err := t.writable()
	if err != nil {
		return err
	}
	for k := range d.Values[host] {
		if strings.HasPrefix(k, prefix) {
			delete(d.Values[host], k)
		}
	}
	return nil
}
