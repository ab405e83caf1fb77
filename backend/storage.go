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
	"iter"
)

// TxMode selects the isolation of a transaction. ReadOnly maps to read
// committed; ReadWrite is serializable.
type TxMode int

const (
	ReadOnly TxMode = iota
	ReadWrite
)

// CorpusChange reports the effect of a corpus mutation.
type CorpusChange string

const (
	CorpusAdd    CorpusChange = "ADD"
	CorpusUpdate CorpusChange = "UPDATE"
	CorpusDelete CorpusChange = "DELETE"
	CorpusNone   CorpusChange = "NONE"
)

// ChainUse names the purpose a stored reshare chain is kept for.
type ChainUse string

const (
	ChainUseAccept  ChainUse = "ACCEPT"
	ChainUseReshare ChainUse = "RESHARE"
)

// Interval is a half-open time range [StartUTC, EndUTC) in milliseconds.
type Interval struct {
	StartUTC int64 `json:"startUTC"`
	EndUTC   int64 `json:"endUTC"`
}

// Contains reports whether t falls inside the interval.
func (iv Interval) Contains(t int64) bool {
	return t >= iv.StartUTC && t < iv.EndUTC
}

// TimelineEntry is a persisted visibility window on one offer version for
// one viewer org. For any (host, target, offer) and any instant, at most
// one entry contains that instant.
type TimelineEntry struct {
	TargetOrgURL   string       `json:"targetOrganizationUrl"`
	OfferID        string       `json:"offerId"`
	PostingOrgURL  string       `json:"postingOrgUrl"`
	OfferUpdateUTC int64        `json:"offerUpdateUTC"`
	StartTimeUTC   int64        `json:"startTimeUTC"`
	EndTimeUTC     int64        `json:"endTimeUTC"`
	IsReservation  bool         `json:"isReservation,omitempty"`
	ReshareChain   ReshareChain `json:"reshareChain,omitempty"`
}

// Contains reports whether t falls inside the entry's window.
func (e TimelineEntry) Contains(t int64) bool {
	return t >= e.StartTimeUTC && t < e.EndTimeUTC
}

// matchesViewer reports whether the entry is visible to viewer on a node
// hosted at host. The wildcard target matches everyone but the host.
func (e TimelineEntry) matchesViewer(host, viewer string) bool {
	if e.TargetOrgURL == TargetOrgWildcard {
		return viewer != host
	}
	return e.TargetOrgURL == viewer
}

// ProducerMetadata is the scheduler's per-producer state.
type ProducerMetadata struct {
	LastUpdateTimeUTC   *int64 `json:"lastUpdateTimeUTC,omitempty"`
	NextRunTimestampUTC int64  `json:"nextRunTimestampUTC"`
}

// OfferVersionPair is one row of a changed-offers query: the offer version
// visible at the old instant and at the new one. Either side is nil for
// inserts and deletes.
type OfferVersionPair struct {
	Old Offer
	New Offer
}

// OfferHistoryItem is one acceptance visible to a history caller.
type OfferHistoryItem struct {
	Offer               Offer               `json:"offer"`
	AcceptingOrgURL     string              `json:"acceptingOrganization"`
	AcceptedAtUTC       int64               `json:"acceptedAtUTC"`
	DecodedReshareChain DecodedReshareChain `json:"decodedReshareChain,omitempty"`
}

// Tx is a scoped transaction over the persistent store. Every Tx must
// reach exactly one of Commit or Fail on every exit path.
type Tx interface {
	// Corpus offers and snapshots.
	InsertOrUpdateOfferInCorpus(ctx context.Context, host, corpus string, offer Offer) (CorpusChange, error)
	DeleteOfferInCorpus(ctx context.Context, host, corpus, offerID, postingOrg string) (CorpusChange, error)
	GetOffer(ctx context.Context, host, offerID, postingOrg string) (Offer, bool, error)
	GetOfferFromCorpus(ctx context.Context, host, corpus, offerID, postingOrg string) (Offer, bool, error)
	GetOfferSources(ctx context.Context, host, offerID, postingOrg string) ([]string, error)
	GetCorpusOffers(ctx context.Context, host, corpus string) iter.Seq2[Offer, error]

	// Timeline.
	GetTimelineForOffer(ctx context.Context, host, offerID, postingOrg string, interval *Interval, targetOrg string) ([]TimelineEntry, error)
	AddTimelineEntries(ctx context.Context, host string, entries []TimelineEntry) error
	TruncateFutureTimelineForOffer(ctx context.Context, host, offerID, postingOrg string, at int64) error

	// Viewer-facing queries.
	GetOffersAtTime(ctx context.Context, host, viewer string, at int64, skip int) iter.Seq2[Offer, error]
	GetOfferAtTime(ctx context.Context, host, viewer, offerID, postingOrg string, at int64) (Offer, bool, error)
	GetChangedOffers(ctx context.Context, host, viewer string, oldTime, newTime int64, skip int) iter.Seq2[OfferVersionPair, error]

	// Acceptances, rejections, history.
	WriteAccept(ctx context.Context, host string, offer Offer, acceptedBy string, atUTC int64, chain DecodedReshareChain, viewers []string) error
	WriteReject(ctx context.Context, host, rejectingOrg, offerID, postingOrg string, atUTC int64) error
	GetAllRejections(ctx context.Context, host, offerID, postingOrg string) ([]string, error)
	GetHistory(ctx context.Context, host, viewer string, sinceUTC int64, skip int) iter.Seq2[OfferHistoryItem, error]

	// Reshare chains.
	StoreReshareChain(ctx context.Context, host, offerID, postingOrg string, forUse ChainUse, chain ReshareChain) error
	GetBestAcceptChain(ctx context.Context, host, offerID, postingOrg string) (ReshareChain, bool, error)
	GetBestReshareChainRoot(ctx context.Context, host, offerID, postingOrg string) (ReshareChain, bool, error)

	// Producer metadata.
	GetOfferProducerMetadata(ctx context.Context, producerID string) (ProducerMetadata, bool, error)
	WriteOfferProducerMetadata(ctx context.Context, producerID string, meta ProducerMetadata) error

	// Key-value side data for integrations.
	StoreValue(ctx context.Context, host, key string, value json.RawMessage) error
	GetValues(ctx context.Context, host, prefix string) (map[string]json.RawMessage, error)
	ClearAllValues(ctx context.Context, host, prefix string) error

	Commit() error
	Fail() error
}

// Persister is the persistent store a tenant node runs against.
type Persister interface {
	BeginTx(ctx context.Context, mode TxMode) (Tx, error)

	// TryLockProducer acquires the per-producer ingestion lock. It
	// returns false without blocking when another run holds it.
	TryLockProducer(producerID string) bool
	UnlockProducer(producerID string)

	Close() error
}

// RunTx runs fn in a transaction, committing on success and failing the
// transaction on error or panic.
func RunTx(ctx context.Context, p Persister, mode TxMode, fn func(tx Tx) error) (err error) {
	tx, err := p.BeginTx(ctx, mode)
	if err != nil {
		return err
	}
	done := false
	defer func() {
		if !done {
			tx.Fail()
		}
	}()
	if err := fn(tx); err != nil {
		done = true
		tx.Fail()
		return err
	}
	done = true
	return tx.Commit()
}
