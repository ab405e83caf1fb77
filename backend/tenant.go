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
	"log"
	"net/http"
	"strings"

	"github.com/jonboulle/clockwork"
)

// TenantPaths are the endpoint paths one tenant serves, resolved against
// its URL root.
type TenantPaths struct {
	OrgFilePath        string `json:"orgFilePath,omitempty"`
	JWKSPath           string `json:"jwksPath,omitempty"`
	ListProductsPath   string `json:"listProductsPath,omitempty"`
	AcceptProductPath  string `json:"acceptProductPath,omitempty"`
	RejectProductPath  string `json:"rejectProductPath,omitempty"`
	ReserveProductPath string `json:"reserveProductPath,omitempty"`
	HistoryPath        string `json:"historyPath,omitempty"`
	ChangeFeedPath     string `json:"changeFeedPath,omitempty"`
}

func (p *TenantPaths) applyDefaults() {
	if p.OrgFilePath == "" {
		p.OrgFilePath = DefaultOrgFilePath
	}
	if p.JWKSPath == "" {
		p.JWKSPath = DefaultJWKSPath
	}
	if p.ListProductsPath == "" {
		p.ListProductsPath = DefaultListProductsPath
	}
	if p.AcceptProductPath == "" {
		p.AcceptProductPath = DefaultAcceptProductPath
	}
	if p.RejectProductPath == "" {
		p.RejectProductPath = DefaultRejectProductPath
	}
	if p.ReserveProductPath == "" {
		p.ReserveProductPath = DefaultReserveProductPath
	}
	if p.HistoryPath == "" {
		p.HistoryPath = DefaultHistoryPath
	}
	if p.ChangeFeedPath == "" {
		p.ChangeFeedPath = DefaultChangeFeedPath
	}
}

// TenantNodeOptions configure one tenant node.
type TenantNodeOptions struct {
	Name           string
	OrgURL         string
	URLRoot        string
	EnrollmentURL  string
	SigningKey     []byte // private JWK JSON; nil for verify-only tenants
	Policy         ListingPolicy
	ACL            AccessControlList
	Store          Persister
	Resolver       *OrgConfigResolver
	Clock          clockwork.Clock
	FeedConfigs    []FeedConfig
	Paths          TenantPaths
	ScopesDisabled bool
	// StrictCorrectness also validates every response body before it is
	// written.
	StrictCorrectness bool
}

// TenantNode is one hosted federated identity: its offer model, signer,
// verifier, ACL, ingester and HTTP surface.
type TenantNode struct {
	name          string
	hostOrgURL    string
	urlRoot       string
	enrollmentURL string

	model    *OfferModel
	signer   *Signer
	verifier *Verifier
	resolver *OrgConfigResolver
	store    Persister
	acl      AccessControlList
	ingester *Ingester
	client   *FederationClient
	clock    clockwork.Clock
	feed     *changeFeed

	jwksJSON []byte
	paths    TenantPaths

	scopesDisabled bool
	strict         bool

	mux       *http.ServeMux
	teardowns []func()
}

// NewTenantNode wires up one tenant from its options.
func NewTenantNode(opts TenantNodeOptions) (*TenantNode, error) {
	if opts.OrgURL == "" {
		return nil, badRequestError(CodeConfigMissingField, "tenant needs an organization URL")
	}
	if opts.Store == nil {
		return nil, badRequestError(CodeConfigMissingField, "tenant %s needs storage", opts.OrgURL)
	}
	if opts.Policy == nil {
		return nil, badRequestError(CodeConfigMissingField, "tenant %s needs a listing policy", opts.OrgURL)
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	t := &TenantNode{
		name:           opts.Name,
		hostOrgURL:     opts.OrgURL,
		urlRoot:        strings.TrimSuffix(opts.URLRoot, "/"),
		enrollmentURL:  opts.EnrollmentURL,
		resolver:       opts.Resolver,
		store:          opts.Store,
		acl:            opts.ACL,
		clock:          clock,
		paths:          opts.Paths,
		scopesDisabled: opts.ScopesDisabled,
		strict:         opts.StrictCorrectness,
	}
	t.paths.applyDefaults()
	if t.acl == nil {
		t.acl = StaticACL(nil)
	}
	if t.resolver == nil {
		t.resolver = NewOrgConfigResolver(nil, nil)
	}

	if len(opts.SigningKey) > 0 {
		signer, err := NewSigner(opts.OrgURL, opts.SigningKey, clock)
		if err != nil {
			return nil, err
		}
		t.signer = signer
		jwks, err := PublicJWKS(opts.SigningKey)
		if err != nil {
			return nil, err
		}
		t.jwksJSON = jwks
	}
	t.verifier = NewVerifier(t.resolver, clock)
	t.model = NewOfferModel(opts.OrgURL, opts.Store, t.signer, opts.Policy, clock)
	t.feed = newChangeFeed(t.model)

	if t.signer != nil {
		t.client = NewFederationClient(t.signer, t.resolver, nil, nil)
	}
	t.ingester = NewIngester(t.model, opts.Store, clock)
	for _, feed := range opts.FeedConfigs {
		if t.client == nil {
			return nil, badRequestError(CodeConfigMissingField,
				"tenant %s has feeds configured but no signing key", opts.OrgURL)
		}
		t.ingester.AddProducer(NewFeedProducer(feed, t.client, clock))
	}

	t.buildMux()
	return t, nil
}

// HostOrgURL returns the tenant's org URL.
func (t *TenantNode) HostOrgURL() string { return t.hostOrgURL }

// Model returns the tenant's offer model.
func (t *TenantNode) Model() *OfferModel { return t.model }

// Ingester returns the tenant's ingestion scheduler.
func (t *TenantNode) Ingester() *Ingester { return t.ingester }

// Client returns the tenant's authenticated federation client, or nil for
// verify-only tenants.
func (t *TenantNode) Client() *FederationClient { return t.client }

// Handler returns the tenant's HTTP surface. Paths are tenant-relative.
func (t *TenantNode) Handler() http.Handler { return t.mux }

// Destroy tears down integrations, drops change-feed clients, and waits
// for in-flight change handlers.
func (t *TenantNode) Destroy() {
	for _, teardown := range t.teardowns {
		teardown()
	}
	t.teardowns = nil
	t.feed.close()
	t.model.WaitForChangeHandlers()
}

func (t *TenantNode) buildMux() {
	mux := http.NewServeMux()
	mux.HandleFunc(t.paths.OrgFilePath, t.handleOrgFile)
	if t.jwksJSON != nil {
		mux.HandleFunc(t.paths.JWKSPath, t.handleJWKS)
	}
	mux.HandleFunc(t.paths.ListProductsPath, t.handleList)
	mux.HandleFunc(t.paths.AcceptProductPath, t.handleAccept)
	mux.HandleFunc(t.paths.RejectProductPath, t.handleReject)
	mux.HandleFunc(t.paths.ReserveProductPath, t.handleReserve)
	mux.HandleFunc(t.paths.HistoryPath, t.handleHistory)
	mux.HandleFunc(t.paths.ChangeFeedPath, t.handleChangeFeed)
	mux.HandleFunc(DefaultMetricsPath, t.handleMetrics)
	t.mux = mux
}

func (t *TenantNode) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	org, err := t.authenticate(r, []string{ScopeListProducts})
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if err := t.checkACL(org); err != nil {
		writeStatusError(w, err)
		return
	}
	writeJSON(w, t.ingester.Metrics().Snapshot())
}

func (t *TenantNode) endpointURL(path string) string {
	if t.urlRoot == "" {
		return ""
	}
	return t.urlRoot + path
}

func (t *TenantNode) handleOrgFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := OrgConfig{
		Name:                       t.name,
		OrganizationURL:            t.hostOrgURL,
		EnrollmentURL:              t.enrollmentURL,
		ListProductsEndpointURL:    t.endpointURL(t.paths.ListProductsPath),
		AcceptProductsEndpointURL:  t.endpointURL(t.paths.AcceptProductPath),
		RejectProductsEndpointURL:  t.endpointURL(t.paths.RejectProductPath),
		ReserveProductsEndpointURL: t.endpointURL(t.paths.ReserveProductPath),
		AcceptHistoryEndpointURL:   t.endpointURL(t.paths.HistoryPath),
		ScopesSupported:            []string{ScopeListProducts, ScopeAcceptProduct, ScopeProductHistory},
	}
	if t.jwksJSON != nil {
		cfg.JWKSURL = t.endpointURL(t.paths.JWKSPath)
	}
	writeJSON(w, cfg)
}

func (t *TenantNode) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(t.jwksJSON)
}

// authenticate runs the shared bearer-token flow and returns the caller
// org (the token's iss).
func (t *TenantNode) authenticate(r *http.Request, requiredScopes []string) (string, error) {
	token, serr := extractBearerToken(r)
	if serr != nil {
		return "", serr
	}
	claims, err := t.verifier.VerifyToken(r.Context(), token)
	if err != nil {
		return "", err
	}

	iss, _ := claims.GetIssuer()
	if iss == "" {
		return "", authError(CodeAuthErrorMissingIssuer, "token carries no issuer")
	}
	aud, err := claims.GetAudience()
	if err != nil || len(aud) == 0 {
		return "", authError(CodeAuthErrorAudMissing, "token carries no audience")
	}
	audOK := false
	for _, a := range aud {
		if a == t.hostOrgURL {
			audOK = true
			break
		}
	}
	if !audOK {
		return "", authError(CodeAuthErrorAudInvalid, "token audience does not name this tenant")
	}

	if !t.scopesDisabled && !hasAllScopes(tokenScopes(claims), requiredScopes) {
		return "", forbiddenError(CodeAuthErrorMissingScope,
			"token is missing a required scope (%s)", strings.Join(requiredScopes, " "))
	}
	return iss, nil
}

func (t *TenantNode) checkACL(orgURL string) error {
	if !t.acl.IsAllowed(orgURL) {
		return forbiddenError(CodeAuthErrorOrgNotAuthorized, "org %s is not authorized on this tenant", orgURL)
	}
	return nil
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 20*1048576)).Decode(v); err != nil {
		return badRequestError(CodeInvalidRequest, "request body is not valid JSON").WithCause(err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Warning: failed to write response: %v", err)
	}
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (t *TenantNode) handleList(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	org, err := t.authenticate(r, []string{ScopeListProducts})
	if err != nil {
		writeStatusError(w, err)
		return
	}
	var payload ListOffersPayload
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	if serr := validateListPayload(&payload); serr != nil {
		writeStatusError(w, serr)
		return
	}
	if err := t.checkACL(org); err != nil {
		writeStatusError(w, err)
		return
	}

	resp, err := t.model.List(r.Context(), org, &payload)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if t.strict {
		if serr := validateListResponse(resp); serr != nil {
			writeStatusError(w, serr)
			return
		}
	}
	writeJSON(w, resp)
}

// verifyRequestChain validates the chain an accept/reserve request rides
// in on. A valid chain substitutes for ACL membership.
func (t *TenantNode) verifyRequestChain(ctx context.Context, chain ReshareChain, offerID, callerOrg string) (DecodedReshareChain, error) {
	return t.verifier.VerifyChain(ctx, chain, VerifyChainOptions{
		InitialIssuer:       t.hostOrgURL,
		InitialEntitlements: offerID,
		FinalSubject:        callerOrg,
		FinalScope:          ChainScopeAccept,
	})
}

func (t *TenantNode) handleAccept(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	org, err := t.authenticate(r, []string{ScopeAcceptProduct})
	if err != nil {
		writeStatusError(w, err)
		return
	}
	var payload AcceptOfferPayload
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	if serr := validateAcceptPayload(&payload); serr != nil {
		writeStatusError(w, serr)
		return
	}

	var decoded DecodedReshareChain
	if len(payload.ReshareChain) > 0 {
		decoded, err = t.verifyRequestChain(r.Context(), payload.ReshareChain, payload.OfferID, org)
		if err != nil {
			writeStatusError(w, err)
			return
		}
	} else if err := t.checkACL(org); err != nil {
		writeStatusError(w, err)
		return
	}

	offer, err := t.model.Accept(r.Context(), org, payload.OfferID, payload.IfNotNewerThanTimestampUTC, decoded)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	resp := &AcceptOfferResponse{Offer: offer}
	if t.strict {
		if serr := validateAcceptResponse(resp); serr != nil {
			writeStatusError(w, serr)
			return
		}
	}
	writeJSON(w, resp)
}

func (t *TenantNode) handleReject(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	org, err := t.authenticate(r, []string{ScopeAcceptProduct})
	if err != nil {
		writeStatusError(w, err)
		return
	}
	var payload RejectOfferPayload
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	if serr := validateRejectPayload(&payload); serr != nil {
		writeStatusError(w, serr)
		return
	}
	if err := t.checkACL(org); err != nil {
		writeStatusError(w, err)
		return
	}

	offer, err := t.model.Reject(r.Context(), org, payload.OfferID, payload.OfferedByURL)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	resp := &RejectOfferResponse{Offer: offer}
	if t.strict {
		if serr := validateRejectResponse(resp); serr != nil {
			writeStatusError(w, serr)
			return
		}
	}
	writeJSON(w, resp)
}

func (t *TenantNode) handleReserve(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	org, err := t.authenticate(r, []string{ScopeAcceptProduct})
	if err != nil {
		writeStatusError(w, err)
		return
	}
	var payload ReserveOfferPayload
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	if serr := validateReservePayload(&payload); serr != nil {
		writeStatusError(w, serr)
		return
	}

	if len(payload.ReshareChain) > 0 {
		if _, err := t.verifyRequestChain(r.Context(), payload.ReshareChain, payload.OfferID, org); err != nil {
			writeStatusError(w, err)
			return
		}
	} else if err := t.checkACL(org); err != nil {
		writeStatusError(w, err)
		return
	}

	offer, expiration, err := t.model.Reserve(r.Context(), org, payload.OfferID, payload.RequestedReservationSecs)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	resp := &ReserveOfferResponse{Offer: offer, ReservationExpirationUTC: expiration}
	if t.strict {
		if serr := validateReserveResponse(resp); serr != nil {
			writeStatusError(w, serr)
			return
		}
	}
	writeJSON(w, resp)
}

func (t *TenantNode) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	// History callers see only their own acceptances, so the ACL never
	// applies here.
	org, err := t.authenticate(r, []string{ScopeProductHistory})
	if err != nil {
		writeStatusError(w, err)
		return
	}
	var payload HistoryPayload
	if err := decodeJSONBody(w, r, &payload); err != nil {
		writeStatusError(w, err)
		return
	}
	if serr := validateHistoryPayload(&payload); serr != nil {
		writeStatusError(w, serr)
		return
	}

	resp, err := t.model.GetHistory(r.Context(), org, &payload)
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if t.strict {
		if serr := validateHistoryResponse(resp); serr != nil {
			writeStatusError(w, serr)
			return
		}
	}
	writeJSON(w, resp)
}

func (t *TenantNode) handleChangeFeed(w http.ResponseWriter, r *http.Request) {
	org, err := t.authenticate(r, []string{ScopeListProducts})
	if err != nil {
		writeStatusError(w, err)
		return
	}
	if err := t.checkACL(org); err != nil {
		writeStatusError(w, err)
		return
	}
	t.feed.serve(w, r, org)
}

// IntegrationInstaller hooks third-party behavior into a tenant.
type IntegrationInstaller interface {
	Install(api *IntegrationAPI) (teardown func(), err error)
}

// IntegrationAPI is the handle an integration gets into its tenant. It is
// an explicit back-reference, not an ownership edge; teardown functions
// must drop anything they registered.
type IntegrationAPI struct {
	tenant    *TenantNode
	namespace string
}

// HostOrgURL returns the tenant org the integration runs under.
func (api *IntegrationAPI) HostOrgURL() string { return api.tenant.hostOrgURL }

// Model returns the tenant's offer model.
func (api *IntegrationAPI) Model() *OfferModel { return api.tenant.model }

// Client returns the tenant's federation client, or nil when the tenant
// has no signing key.
func (api *IntegrationAPI) Client() *FederationClient { return api.tenant.client }

// RegisterChangeHandler subscribes to the tenant's change events.
func (api *IntegrationAPI) RegisterChangeHandler(h ChangeHandler) func() {
	return api.tenant.model.RegisterChangeHandler(h)
}

// InstallProducer adds a local offer producer to the tenant's scheduler.
func (api *IntegrationAPI) InstallProducer(p OfferProducer) {
	api.tenant.ingester.AddProducer(p)
}

func (api *IntegrationAPI) key(key string) string {
	return "integration:" + api.namespace + ":" + key
}

// StoreValue writes integration side data scoped to this tenant.
func (api *IntegrationAPI) StoreValue(ctx context.Context, key string, value json.RawMessage) error {
	return RunTx(ctx, api.tenant.store, ReadWrite, func(tx Tx) error {
		return tx.StoreValue(ctx, api.tenant.hostOrgURL, api.key(key), value)
	})
}

// GetValues returns all stored values under the given key prefix.
func (api *IntegrationAPI) GetValues(ctx context.Context, prefix string) (map[string]json.RawMessage, error) {
	var out map[string]json.RawMessage
	err := RunTx(ctx, api.tenant.store, ReadOnly, func(tx Tx) error {
		values, err := tx.GetValues(ctx, api.tenant.hostOrgURL, api.key(prefix))
		if err != nil {
			return err
		}
		out = make(map[string]json.RawMessage, len(values))
		for k, v := range values {
			out[strings.TrimPrefix(k, api.key(""))] = v
		}
		return nil
	})
	return out, err
}

// ClearValues deletes all stored values under the given key prefix.
func (api *IntegrationAPI) ClearValues(ctx context.Context, prefix string) error {
	return RunTx(ctx, api.tenant.store, ReadWrite, func(tx Tx) error {
		return tx.ClearAllValues(ctx, api.tenant.hostOrgURL, api.key(prefix))
	})
}

// InstallIntegration installs one integration under a namespace and
// remembers its teardown for Destroy.
func (t *TenantNode) InstallIntegration(namespace string, installer IntegrationInstaller) error {
	teardown, err := installer.Install(&IntegrationAPI{tenant: t, namespace: namespace})
	if err != nil {
		return fmt.Errorf("install integration %s: %w", namespace, err)
	}
	if teardown != nil {
		t.teardowns = append(t.teardowns, teardown)
	}
	return nil
}
