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
	"log"
	"sync"

	"github.com/google/uuid"
)

// OfferChangeType classifies a change event.
type OfferChangeType string

const (
	ChangeAdd           OfferChangeType = "ADD"
	ChangeUpdate        OfferChangeType = "UPDATE"
	ChangeDelete        OfferChangeType = "DELETE"
	ChangeRemoteAccept  OfferChangeType = "REMOTE_ACCEPT"
	ChangeRemoteReject  OfferChangeType = "REMOTE_REJECT"
	ChangeRemoteReserve OfferChangeType = "REMOTE_RESERVE"
)

// OfferChange describes one observed change to a tenant's offer corpus.
type OfferChange struct {
	Type         OfferChangeType `json:"type"`
	TimestampUTC int64           `json:"timestampUTC"`
	OldValue     Offer           `json:"oldValue,omitempty"`
	NewValue     Offer           `json:"newValue,omitempty"`
}

// ChangeHandler receives change events. Errors are logged and dropped;
// they never propagate to the operation that caused the change.
type ChangeHandler func(change OfferChange) error

// changeDispatcher fans change events out to registered handlers.
type changeDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]ChangeHandler
	wg       sync.WaitGroup
}

func newChangeDispatcher() *changeDispatcher {
	return &changeDispatcher{handlers: make(map[string]ChangeHandler)}
}

// register adds a handler and returns a function that removes it.
func (d *changeDispatcher) register(h ChangeHandler) func() {
	id := uuid.NewString()
	d.mu.Lock()
	d.handlers[id] = h
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.handlers, id)
		d.mu.Unlock()
	}
}

// dispatch invokes every handler concurrently. Handler errors and panics
// are swallowed after logging.
func (d *changeDispatcher) dispatch(change OfferChange) {
	d.mu.RLock()
	handlers := make([]ChangeHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.mu.RUnlock()

	for _, h := range handlers {
		h := h
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Warning: change handler panicked: %v", r)
				}
			}()
			if err := h(change); err != nil {
				log.Printf("Warning: change handler failed: %v", err)
			}
		}()
	}
}

// wait blocks until all in-flight handler invocations finish.
func (d *changeDispatcher) wait() {
	d.wg.Wait()
}
