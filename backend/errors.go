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
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
)

// Stable error codes. Callers match on these, never on message text.
const (
	// Auth failures (401/403).
	CodeNoAuthHeader             = "NO_AUTH_HEADER"
	CodeBadAuthHeader            = "BAD_AUTH_HEADER"
	CodeAuthHeaderNoBearer       = "AUTH_HEADER_NO_BEARER_PREFIX"
	CodeAuthHeaderEmptyToken     = "AUTH_HEADER_EMPTY_TOKEN"
	CodeAuthError                = "AUTH_ERROR"
	CodeAuthErrorTokenExpired    = "AUTH_ERROR_TOKEN_EXPIRED"
	CodeAuthErrorMissingIssuer   = "AUTH_ERROR_MISSING_TOKEN_ISSUER"
	CodeAuthErrorAudInvalid      = "AUTH_ERROR_AUD_INVALID"
	CodeAuthErrorAudMissing      = "AUTH_ERROR_AUD_MISSING"
	CodeAuthErrorMissingScope    = "AUTH_ERROR_MISSING_SCOPE"
	CodeAuthErrorOrgNotAuthorized = "AUTH_ERROR_ORG_NOT_AUTHORIZED"

	// Reshare-chain failures (401).
	CodeChainEmpty                    = "CHAIN_TOKEN_EMPTY_CHAIN"
	CodeChainNoEntitlement            = "CHAIN_NO_ENTITLEMENT"
	CodeChainBadInitialIssuer         = "CHAIN_TOKEN_BAD_INITIAL_ISSUER"
	CodeChainBadInitialEntitlements   = "CHAIN_TOKEN_BAD_INITIAL_ENTITLEMENTS"
	CodeChainBadFinalSubject          = "CHAIN_TOKEN_BAD_FINAL_SUBJECT"
	CodeChainBadFinalScope            = "CHAIN_TOKEN_BAD_FINAL_SCOPE"
	CodeChainIssuerMismatch           = "CHAIN_TOKEN_ISSUER_MISMATCH"
	CodeChainEntitlementMismatch      = "CHAIN_TOKEN_ENTITLEMENT_MISMATCH"
	CodeChainMissingReshareScope      = "CHAIN_TOKEN_MISSING_RESHARE_SCOPE"

	// Key material.
	CodeJWKNoAlg           = "JWK_NO_ALG"
	CodeNoKeysetSpecified  = "NO_KEYSET_SPECIFIED"

	// Schema validation.
	CodeInvalidRequest              = "INVALID_REQUEST"
	CodeInternalMalformedResponse   = "INTERNAL_ERROR_MALFORMED_RESPONSE"

	// Model operations.
	CodeAcceptNoAvailableOffer  = "ACCEPT_ERROR_NO_AVAILABLE_OFFER"
	CodeAcceptOfferHasChanged   = "ACCEPT_ERROR_OFFER_HAS_CHANGED"
	CodeRejectNoAvailableOffer  = "REJECT_ERROR_NO_AVAILABLE_OFFER"
	CodeReserveNoAvailableOffer = "RESERVE_ERROR_NO_AVAILABLE_OFFER"
	CodeBadUpdateNoChanges      = "ERROR_BAD_UPDATE_NO_CHANGES"

	// Producers.
	CodeProducerPagesInconsistent = "PRODUCER_ILLEGAL_RESPONSE_PAGES_INCONSISTENT"
	CodeProducerFetchFailed       = "PRODUCER_FETCH_FAILED"

	// Pluggable configuration.
	CodeConfigUnknownFactory   = "CONFIG_UNKNOWN_FACTORY"
	CodeConfigWrongFactoryType = "CONFIG_WRONG_FACTORY_TYPE"
	CodeConfigMissingField     = "CONFIG_MISSING_FIELD"

	// Dispatch.
	CodeNoTenant      = "NO_TENANT"
	CodeInternalError = "INTERNAL_ERROR"
	CodeNotImplemented = "NOT_IMPLEMENTED"
)

// StatusError is the tagged error every domain failure surfaces as. It
// carries a stable code, the HTTP status the front end writes, and an
// optional cause chain plus extra fields for the JSON envelope.
type StatusError struct {
	Code       string
	HTTPStatus int
	Message    string
	Cause      error
	Extras     map[string]any
}

func (e *StatusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.Cause
}

// WithCause attaches a cause and returns the same error for chaining.
func (e *StatusError) WithCause(cause error) *StatusError {
	e.Cause = cause
	return e
}

// WithExtra attaches an extra envelope field and returns the same error.
func (e *StatusError) WithExtra(key string, value any) *StatusError {
	if e.Extras == nil {
		e.Extras = make(map[string]any)
	}
	e.Extras[key] = value
	return e
}

// NewStatusError builds a StatusError with an explicit HTTP status.
func NewStatusError(code string, httpStatus int, format string, args ...any) *StatusError {
	return &StatusError{
		Code:       code,
		HTTPStatus: httpStatus,
		Message:    fmt.Sprintf(format, args...),
	}
}

func badRequestError(code, format string, args ...any) *StatusError {
	return NewStatusError(code, http.StatusBadRequest, format, args...)
}

func authError(code, format string, args ...any) *StatusError {
	return NewStatusError(code, http.StatusUnauthorized, format, args...)
}

func forbiddenError(code, format string, args ...any) *StatusError {
	return NewStatusError(code, http.StatusForbidden, format, args...)
}

func internalError(format string, args ...any) *StatusError {
	return NewStatusError(CodeInternalError, http.StatusInternalServerError, format, args...)
}

// AsStatusError returns err as a StatusError, wrapping anything else as an
// internal error so the HTTP layer always has a code and status to write.
func AsStatusError(err error) *StatusError {
	var se *StatusError
	if errors.As(err, &se) {
		return se
	}
	return internalError("internal error").WithCause(err)
}

// HasStatusCode reports whether err (or anything it wraps) is a StatusError
// with the given code.
func HasStatusCode(err error, code string) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// writeStatusError writes the JSON error envelope for err.
func writeStatusError(w http.ResponseWriter, err error) {
	se := AsStatusError(err)
	if se.HTTPStatus >= http.StatusInternalServerError {
		log.Printf("Internal Server Error: %v", err)
	}

	envelope := make(map[string]any, len(se.Extras)+2)
	for k, v := range se.Extras {
		envelope[k] = v
	}
	envelope["code"] = se.Code
	envelope["message"] = se.Message

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(se.HTTPStatus)
	json.NewEncoder(w).Encode(envelope)
}
