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
	"sync"
	"time"
)

// Point represents a single data point in a time series.
type Point[T any] struct {
	Timestamp int64 `json:"t"`
	Value     T     `json:"v"`
}

// RingBuffer is a fixed-size circular buffer for storing time series data.
type RingBuffer[T any] struct {
	Data []Point[T] `json:"data"`
	Head int        `json:"head"` // Points to the *next* write position
}

// NewRingBuffer creates a buffer holding the last n points.
func NewRingBuffer[T any](n int) *RingBuffer[T] {
	return &RingBuffer[T]{Data: make([]Point[T], n)}
}

// Add appends a point, overwriting the oldest when full.
func (rb *RingBuffer[T]) Add(timestamp int64, value T) {
	rb.Data[rb.Head] = Point[T]{Timestamp: timestamp, Value: value}
	rb.Head = (rb.Head + 1) % len(rb.Data)
}

// Points returns the stored points oldest-first.
func (rb *RingBuffer[T]) Points() []Point[T] {
	out := make([]Point[T], 0, len(rb.Data))
	for i := 0; i < len(rb.Data); i++ {
		p := rb.Data[(rb.Head+i)%len(rb.Data)]
		if p.Timestamp != 0 {
			out = append(out, p)
		}
	}
	return out
}

// IngestRun records one ingestion pass over one producer.
type IngestRun struct {
	ProducerID     string `json:"producerId"`
	DurationMillis int64  `json:"durationMillis"`
	Failed         bool   `json:"failed,omitempty"`
	Skipped        bool   `json:"skipped,omitempty"`
}

// producerStats accumulates per-producer counters.
type producerStats struct {
	Runs        uint64 `json:"runs"`
	Failures    uint64 `json:"failures"`
	LastRunUTC  int64  `json:"lastRunUTC"`
	LastFailUTC int64  `json:"lastFailUTC,omitempty"`
}

const ingestRunHistory = 256

// IngestMetrics tracks a tenant's ingestion activity: rolling run history
// plus per-producer counters.
type IngestMetrics struct {
	mu      sync.Mutex
	runs    *RingBuffer[IngestRun]
	byProd  map[string]*producerStats
}

func NewIngestMetrics() *IngestMetrics {
	return &IngestMetrics{
		runs:   NewRingBuffer[IngestRun](ingestRunHistory),
		byProd: make(map[string]*producerStats),
	}
}

func (m *IngestMetrics) record(producerID string, started time.Time, duration time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs.Add(started.UnixMilli(), IngestRun{
		ProducerID:     producerID,
		DurationMillis: duration.Milliseconds(),
		Failed:         failed,
	})
	stats := m.byProd[producerID]
	if stats == nil {
		stats = &producerStats{}
		m.byProd[producerID] = stats
	}
	stats.Runs++
	stats.LastRunUTC = started.UnixMilli()
	if failed {
		stats.Failures++
		stats.LastFailUTC = started.UnixMilli()
	}
}

// MetricsSnapshot is the JSON shape of the metrics endpoint.
type MetricsSnapshot struct {
	Runs      []Point[IngestRun]        `json:"runs"`
	Producers map[string]producerStats  `json:"producers"`
}

// Snapshot copies the current metrics for serving.
func (m *IngestMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := MetricsSnapshot{
		Runs:      m.runs.Points(),
		Producers: make(map[string]producerStats, len(m.byProd)),
	}
	for id, stats := range m.byProd {
		out.Producers[id] = *stats
	}
	return out
}
