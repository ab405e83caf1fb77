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
	"fmt"
	"log"
	"os"

	"github.com/c2FmZQ/storage"
)

const stateFileName = "opr_state.json"

// FileStore is the durable Persister: the in-memory store's state written
// through to an atomic (optionally encrypted) JSON file on every committed
// read-write transaction, and loaded back on startup.
type FileStore struct {
	*MemStore
	storage *storage.Storage
}

// NewFileStore opens or creates the durable store backed by s.
func NewFileStore(s *storage.Storage) (*FileStore, error) {
	fs := &FileStore{
		MemStore: NewMemStore(),
		storage:  s,
	}

	loaded := newMemData()
	if err := s.ReadDataFile(stateFileName, loaded); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read persisted state: %w", err)
		}
		log.Printf("No persisted state found, starting empty")
	} else {
		fs.MemStore.data = loaded
	}

	fs.MemStore.onCommit = func(d *memData) error {
		if err := s.SaveDataFile(stateFileName, d); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
		return nil
	}
	return fs, nil
}
