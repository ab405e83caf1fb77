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
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// pageToken carries paging state between requests. It is serialized as
// base64url JSON and opaque to clients.
type pageToken struct {
	MaxResultsPerPage     int    `json:"maxResultsPerPage"`
	RequestTimeUTC        int64  `json:"requestTimeUTC,omitempty"`
	HistorySinceUTC       int64  `json:"historySinceUTC,omitempty"`
	SkipCount             int    `json:"skipCount"`
	ResultFormat          string `json:"resultFormat,omitempty"`
	DiffStartTimestampUTC *int64 `json:"diffStartTimestampUTC,omitempty"`
}

func encodePageToken(t pageToken) string {
	data, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodePageToken(s string) (pageToken, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pageToken{}, fmt.Errorf("bad page token encoding: %w", err)
	}
	var t pageToken
	if err := json.Unmarshal(data, &t); err != nil {
		return pageToken{}, fmt.Errorf("bad page token: %w", err)
	}
	return t, nil
}

// clampPageSize applies the default and ceiling to a requested page size.
func clampPageSize(requested int) int {
	if requested <= 0 {
		return DefaultMaxResultsPerPage
	}
	if requested > MaxResultsPerPageLimit {
		return MaxResultsPerPageLimit
	}
	return requested
}
