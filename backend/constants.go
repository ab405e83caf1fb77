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

import "time"

// Request scopes carried in bearer tokens.
const (
	ScopeListProducts   = "LISTPRODUCTS"
	ScopeAcceptProduct  = "ACCEPTPRODUCT"
	ScopeProductHistory = "PRODUCTHISTORY"
)

// Reshare-chain scopes carried in chain links.
const (
	ChainScopeAccept  = "ACCEPT"
	ChainScopeReshare = "RESHARE"
)

// Result formats for LIST requests and responses.
const (
	ResultFormatSnapshot = "SNAPSHOT"
	ResultFormatDiff     = "DIFF"
)

// Default endpoint paths, resolved against a tenant's URL root.
const (
	DefaultOrgFilePath        = "/org.json"
	DefaultJWKSPath           = "/jwks.json"
	DefaultListProductsPath   = "/api/list"
	DefaultAcceptProductPath  = "/api/accept"
	DefaultRejectProductPath  = "/api/reject"
	DefaultReserveProductPath = "/api/reserve"
	DefaultHistoryPath        = "/api/history"
	DefaultChangeFeedPath     = "/api/changes"
	DefaultMetricsPath        = "/api/metrics"
)

const (
	// DefaultTokenMaxAge bounds the lifetime of issued bearer tokens.
	DefaultTokenMaxAge = 10 * time.Minute

	// DefaultMaxResultsPerPage is used when a LIST or history request
	// does not name a page size.
	DefaultMaxResultsPerPage = 100

	// MaxResultsPerPageLimit is the hard ceiling a client may request.
	MaxResultsPerPageLimit = 1000

	// DefaultReservationSecs applies when a reserve request carries no
	// requestedReservationSecs.
	DefaultReservationSecs = 300

	// DefaultFailedRetryInterval is the backoff applied to a producer
	// after a failed ingestion run.
	DefaultFailedRetryInterval = 10 * time.Second

	// DefaultPollFrequency is how often a peer feed is pulled when the
	// feed config does not say otherwise.
	DefaultPollFrequency = 10 * time.Minute
)

// TargetOrgWildcard is the timeline target that matches every viewer
// org except the host itself.
const TargetOrgWildcard = "*"

// farFutureUTC stands in for the expiration of offers that never expire.
const farFutureUTC = int64(1) << 62

// Well-known offer attribute names. Offers are opaque JSON; these are the
// only fields the node interprets.
const (
	attrID                 = "id"
	attrOfferedBy          = "offeredBy"
	attrCreationUTC        = "offerCreationUTC"
	attrUpdateUTC          = "offerUpdateUTC"
	attrExpirationUTC      = "offerExpirationUTC"
	attrMaxReservationSecs = "maxReservationTimeSecs"
	attrReshareChain       = "reshareChain"
)
