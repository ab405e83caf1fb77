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
	"net/http"
	"net/url"
)

// isValidOrgURL checks that a string is an absolute http(s) URL.
func isValidOrgURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "https" || u.Scheme == "http") && u.Host != ""
}

func validateListPayload(p *ListOffersPayload) *StatusError {
	switch p.RequestedResultFormat {
	case "", ResultFormatSnapshot, ResultFormatDiff:
	default:
		return badRequestError(CodeInvalidRequest, "unknown requestedResultFormat %q", p.RequestedResultFormat)
	}
	if p.RequestedResultFormat == ResultFormatDiff && p.PageToken == "" && p.DiffStartTimestampUTC == nil {
		return badRequestError(CodeInvalidRequest, "DIFF requests need diffStartTimestampUTC")
	}
	if p.MaxResultsPerPage < 0 {
		return badRequestError(CodeInvalidRequest, "maxResultsPerPage must not be negative")
	}
	return nil
}

func validateAcceptPayload(p *AcceptOfferPayload) *StatusError {
	if p.OfferID == "" {
		return badRequestError(CodeInvalidRequest, "offerId is required")
	}
	return nil
}

func validateRejectPayload(p *RejectOfferPayload) *StatusError {
	if p.OfferID == "" {
		return badRequestError(CodeInvalidRequest, "offerId is required")
	}
	if p.OfferedByURL != "" && !isValidOrgURL(p.OfferedByURL) {
		return badRequestError(CodeInvalidRequest, "offeredByUrl is not a valid org URL")
	}
	return nil
}

func validateReservePayload(p *ReserveOfferPayload) *StatusError {
	if p.OfferID == "" {
		return badRequestError(CodeInvalidRequest, "offerId is required")
	}
	if p.RequestedReservationSecs < 0 {
		return badRequestError(CodeInvalidRequest, "requestedReservationSecs must not be negative")
	}
	return nil
}

func validateHistoryPayload(p *HistoryPayload) *StatusError {
	if p.MaxResultsPerPage < 0 {
		return badRequestError(CodeInvalidRequest, "maxResultsPerPage must not be negative")
	}
	return nil
}

func malformedResponse(format string, args ...any) *StatusError {
	return NewStatusError(CodeInternalMalformedResponse, http.StatusInternalServerError, format, args...)
}

// Response validators run in strict-correctness mode so a broken handler
// never ships a malformed page to a peer.

func validateListResponse(r *ListOffersResponse) *StatusError {
	switch r.ResponseFormat {
	case ResultFormatSnapshot:
		if r.Diff != nil {
			return malformedResponse("SNAPSHOT response carries a diff")
		}
	case ResultFormatDiff:
		if r.Offers != nil {
			return malformedResponse("DIFF response carries offers")
		}
	default:
		return malformedResponse("response format %q is unknown", r.ResponseFormat)
	}
	if r.ResultsTimestampUTC <= 0 {
		return malformedResponse("resultsTimestampUTC is missing")
	}
	return nil
}

func validateAcceptResponse(r *AcceptOfferResponse) *StatusError {
	if r.Offer == nil {
		return malformedResponse("accept response carries no offer")
	}
	return nil
}

func validateRejectResponse(r *RejectOfferResponse) *StatusError {
	if r.Offer == nil {
		return malformedResponse("reject response carries no offer")
	}
	return nil
}

func validateReserveResponse(r *ReserveOfferResponse) *StatusError {
	if r.Offer == nil {
		return malformedResponse("reserve response carries no offer")
	}
	if r.ReservationExpirationUTC <= 0 {
		return malformedResponse("reserve response carries no expiration")
	}
	return nil
}

func validateHistoryResponse(r *HistoryResponse) *StatusError {
	if r.OfferHistories == nil {
		return malformedResponse("history response carries no offerHistories field")
	}
	return nil
}
