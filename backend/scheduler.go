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
	"log"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"
)

// Ingester pulls offer updates into one tenant's model: peer feeds plus
// any locally installed producers. Each producer runs under a per-producer
// lock with a recorded next-run time, so overlapping ingestion passes skip
// rather than queue.
type Ingester struct {
	model *OfferModel
	store Persister
	clock clockwork.Clock

	mu        sync.Mutex
	producers []OfferProducer

	metrics *IngestMetrics

	// failedRetryInterval returns the backoff applied to a producer
	// after a failed run.
	failedRetryInterval func(producerID string) time.Duration
}

// NewIngester builds the ingestion scheduler for one tenant.
func NewIngester(model *OfferModel, store Persister, clock clockwork.Clock) *Ingester {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ingester{
		model:   model,
		store:   store,
		clock:   clock,
		metrics: NewIngestMetrics(),
		failedRetryInterval: func(string) time.Duration {
			return DefaultFailedRetryInterval
		},
	}
}

// Metrics returns the scheduler's ingestion metrics.
func (ing *Ingester) Metrics() *IngestMetrics {
	return ing.metrics
}

// SetFailedRetryInterval overrides the per-producer failure backoff.
func (ing *Ingester) SetFailedRetryInterval(fn func(producerID string) time.Duration) {
	ing.failedRetryInterval = fn
}

// AddProducer installs a producer. Safe to call while ingestion runs.
func (ing *Ingester) AddProducer(p OfferProducer) {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	ing.producers = append(ing.producers, p)
}

func (ing *Ingester) snapshotProducers() []OfferProducer {
	ing.mu.Lock()
	defer ing.mu.Unlock()
	return append([]OfferProducer(nil), ing.producers...)
}

// Ingest runs one pass over every producer. Producer failures back off and
// do not fail the pass; only infrastructure errors propagate.
func (ing *Ingester) Ingest(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, p := range ing.snapshotProducers() {
		p := p
		g.Go(func() error {
			return ing.ingestProducer(ctx, p)
		})
	}
	return g.Wait()
}

func (ing *Ingester) ingestProducer(ctx context.Context, p OfferProducer) error {
	id := p.ID()
	if !ing.store.TryLockProducer(id) {
		// Another pass is already ingesting this producer.
		return nil
	}
	defer ing.store.UnlockProducer(id)

	now := ing.clock.Now().UnixMilli()
	var meta ProducerMetadata
	var known bool
	err := RunTx(ctx, ing.store, ReadOnly, func(tx Tx) error {
		var err error
		meta, known, err = tx.GetOfferProducerMetadata(ctx, id)
		return err
	})
	if err != nil {
		return err
	}
	if known && meta.NextRunTimestampUTC > now {
		return nil
	}

	started := ing.clock.Now()
	update, err := p.ProduceOffers(ctx, ProduceOffersRequest{
		RequestedResultFormat: ResultFormatDiff,
		DiffStartTimestampUTC: meta.LastUpdateTimeUTC,
	})
	if err == nil {
		err = ing.model.ProcessUpdate(ctx, update.SourceOrgURL, update)
	}
	ing.metrics.record(id, started, ing.clock.Now().Sub(started), err != nil)
	if err != nil {
		log.Printf("Warning: ingestion for producer %s failed, backing off: %v", id, err)
		retryAt := ing.clock.Now().UnixMilli() + ing.failedRetryInterval(id).Milliseconds()
		return ing.writeMetadata(ctx, id, ProducerMetadata{
			LastUpdateTimeUTC:   meta.LastUpdateTimeUTC,
			NextRunTimestampUTC: retryAt,
		})
	}

	return ing.writeMetadata(ctx, id, ProducerMetadata{
		LastUpdateTimeUTC:   &now,
		NextRunTimestampUTC: update.EarliestNextRequestUTC,
	})
}

func (ing *Ingester) writeMetadata(ctx context.Context, producerID string, meta ProducerMetadata) error {
	return RunTx(ctx, ing.store, ReadWrite, func(tx Tx) error {
		return tx.WriteOfferProducerMetadata(ctx, producerID, meta)
	})
}

// Run ingests on a fixed cadence until ctx is done.
func (ing *Ingester) Run(ctx context.Context, interval time.Duration) {
	ticker := ing.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := ing.Ingest(ctx); err != nil {
			log.Printf("Warning: ingestion pass failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}
