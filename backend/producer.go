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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/jonboulle/clockwork"
)

// ProduceOffersRequest tells a producer what kind of update the caller
// wants.
type ProduceOffersRequest struct {
	RequestedResultFormat string
	DiffStartTimestampUTC *int64
}

// OfferProducer is an async source of offer-set updates: a peer feed
// poller or a locally installed generator.
type OfferProducer interface {
	ID() string
	ProduceOffers(ctx context.Context, req ProduceOffersRequest) (*OfferSetUpdate, error)
}

// FederationClient issues authenticated requests to peer nodes, resolving
// endpoints from their published org configs.
type FederationClient struct {
	signer   *Signer
	resolver *OrgConfigResolver
	client   *http.Client
	mapper   URLMapper
}

// NewFederationClient builds a client signing as the given tenant.
func NewFederationClient(signer *Signer, resolver *OrgConfigResolver, client *http.Client, mapper URLMapper) *FederationClient {
	if client == nil {
		client = http.DefaultClient
	}
	if mapper == nil {
		mapper = IdentityURLMapper{}
	}
	return &FederationClient{signer: signer, resolver: resolver, client: client, mapper: mapper}
}

// post sends one authenticated JSON request and decodes the response into
// out.
func (c *FederationClient) post(ctx context.Context, peerOrgURL, endpoint string, scopes []string, payload, out any) error {
	if endpoint == "" {
		return NewStatusError(CodeProducerFetchFailed, http.StatusBadGateway,
			"org %s does not expose the requested endpoint", peerOrgURL)
	}
	token, err := c.signer.IssueToken(peerOrgURL, IssueTokenOptions{Scopes: scopes})
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mapper.MapURL(endpoint), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return NewStatusError(CodeProducerFetchFailed, http.StatusBadGateway,
			"request to %s failed", endpoint).WithCause(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1048576))
	if err != nil {
		return NewStatusError(CodeProducerFetchFailed, http.StatusBadGateway,
			"read response from %s", endpoint).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return NewStatusError(CodeProducerFetchFailed, http.StatusBadGateway,
			"%s returned status %d: %s", endpoint, resp.StatusCode, truncateForLog(data))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewStatusError(CodeProducerFetchFailed, http.StatusBadGateway,
			"parse response from %s", endpoint).WithCause(err)
	}
	return nil
}

func truncateForLog(data []byte) string {
	const max = 512
	if len(data) > max {
		return string(data[:max]) + "..."
	}
	return string(data)
}

// ListOffers issues one LIST request against a peer.
func (c *FederationClient) ListOffers(ctx context.Context, peerOrgURL string, payload *ListOffersPayload) (*ListOffersResponse, error) {
	cfg, err := c.resolver.Get(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	out := &ListOffersResponse{}
	if err := c.post(ctx, peerOrgURL, cfg.ListProductsEndpointURL, []string{ScopeListProducts}, payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

// AcceptOffer accepts an offer on a peer node.
func (c *FederationClient) AcceptOffer(ctx context.Context, peerOrgURL string, payload *AcceptOfferPayload) (*AcceptOfferResponse, error) {
	cfg, err := c.resolver.Get(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	out := &AcceptOfferResponse{}
	if err := c.post(ctx, peerOrgURL, cfg.AcceptProductsEndpointURL, []string{ScopeAcceptProduct}, payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

// RejectOffer rejects an offer on a peer node.
func (c *FederationClient) RejectOffer(ctx context.Context, peerOrgURL string, payload *RejectOfferPayload) (*RejectOfferResponse, error) {
	cfg, err := c.resolver.Get(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	out := &RejectOfferResponse{}
	if err := c.post(ctx, peerOrgURL, cfg.RejectProductsEndpointURL, []string{ScopeAcceptProduct}, payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

// ReserveOffer reserves an offer on a peer node.
func (c *FederationClient) ReserveOffer(ctx context.Context, peerOrgURL string, payload *ReserveOfferPayload) (*ReserveOfferResponse, error) {
	cfg, err := c.resolver.Get(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	out := &ReserveOfferResponse{}
	if err := c.post(ctx, peerOrgURL, cfg.ReserveProductsEndpointURL, []string{ScopeAcceptProduct}, payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetHistory fetches acceptance history from a peer node.
func (c *FederationClient) GetHistory(ctx context.Context, peerOrgURL string, payload *HistoryPayload) (*HistoryResponse, error) {
	cfg, err := c.resolver.Get(ctx, peerOrgURL)
	if err != nil {
		return nil, err
	}
	out := &HistoryResponse{}
	if err := c.post(ctx, peerOrgURL, cfg.AcceptHistoryEndpointURL, []string{ScopeProductHistory}, payload, out); err != nil {
		return nil, err
	}
	return out, nil
}

// FeedConfig describes one peer feed a tenant pulls from.
type FeedConfig struct {
	OrganizationURL     string `json:"organizationUrl"`
	PollFrequencyMillis int64  `json:"pollFrequencyMillis,omitempty"`
	MaxResultsPerPage   int    `json:"maxResultsPerPage,omitempty"`
}

// FeedProducer pulls a peer's offer feed through the federation client.
// The sequences it returns are lazy: pages are fetched as the model
// consumes them.
type FeedProducer struct {
	cfg    FeedConfig
	client *FederationClient
	clock  clockwork.Clock
}

// NewFeedProducer builds a producer for one peer feed.
func NewFeedProducer(cfg FeedConfig, client *FederationClient, clock clockwork.Clock) *FeedProducer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FeedProducer{cfg: cfg, client: client, clock: clock}
}

func (p *FeedProducer) ID() string {
	return "feed:" + p.cfg.OrganizationURL
}

func (p *FeedProducer) pollFrequencyMillis() int64 {
	if p.cfg.PollFrequencyMillis > 0 {
		return p.cfg.PollFrequencyMillis
	}
	return DefaultPollFrequency.Milliseconds()
}

// ProduceOffers issues the first LIST page eagerly (so transport errors
// surface to the scheduler) and streams the remaining pages lazily.
func (p *FeedProducer) ProduceOffers(ctx context.Context, req ProduceOffersRequest) (*OfferSetUpdate, error) {
	payload := &ListOffersPayload{
		RequestedResultFormat: req.RequestedResultFormat,
		MaxResultsPerPage:     p.cfg.MaxResultsPerPage,
	}
	if payload.RequestedResultFormat == ResultFormatDiff {
		if req.DiffStartTimestampUTC == nil {
			// Nothing to diff against yet; start from a full snapshot.
			payload.RequestedResultFormat = ResultFormatSnapshot
		} else {
			payload.DiffStartTimestampUTC = req.DiffStartTimestampUTC
		}
	}

	first, err := p.client.ListOffers(ctx, p.cfg.OrganizationURL, payload)
	if err != nil {
		return nil, err
	}

	update := &OfferSetUpdate{
		SourceOrgURL:           p.cfg.OrganizationURL,
		EarliestNextRequestUTC: p.clock.Now().UnixMilli() + p.pollFrequencyMillis(),
	}
	switch first.ResponseFormat {
	case ResultFormatSnapshot:
		update.Offers = p.offerPages(ctx, first)
	case ResultFormatDiff:
		update.Delta = p.diffPages(ctx, first)
	default:
		return nil, NewStatusError(CodeProducerFetchFailed, http.StatusBadGateway,
			"feed %s returned unknown response format %q", p.cfg.OrganizationURL, first.ResponseFormat)
	}
	return update, nil
}

func (p *FeedProducer) nextPage(ctx context.Context, page *ListOffersResponse) (*ListOffersResponse, error) {
	next, err := p.client.ListOffers(ctx, p.cfg.OrganizationURL, &ListOffersPayload{
		PageToken: page.NextPageToken,
	})
	if err != nil {
		return nil, err
	}
	if next.ResponseFormat != page.ResponseFormat {
		return nil, NewStatusError(CodeProducerPagesInconsistent, http.StatusBadGateway,
			"feed %s switched response format from %s to %s mid-stream",
			p.cfg.OrganizationURL, page.ResponseFormat, next.ResponseFormat)
	}
	return next, nil
}

func (p *FeedProducer) offerPages(ctx context.Context, first *ListOffersResponse) func(yield func(Offer, error) bool) {
	return func(yield func(Offer, error) bool) {
		page := first
		for {
			for _, offer := range page.Offers {
				if !yield(offer, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			next, err := p.nextPage(ctx, page)
			if err != nil {
				yield(nil, err)
				return
			}
			page = next
		}
	}
}

func (p *FeedProducer) diffPages(ctx context.Context, first *ListOffersResponse) func(yield func(OfferPatch, error) bool) {
	return func(yield func(OfferPatch, error) bool) {
		page := first
		for {
			for _, patch := range page.Diff {
				if !yield(patch, nil) {
					return
				}
			}
			if page.NextPageToken == "" {
				return
			}
			next, err := p.nextPage(ctx, page)
			if err != nil {
				yield(OfferPatch{}, err)
				return
			}
			page = next
		}
	}
}

// LocalOfferProducer wraps an in-process offer source installed by a
// tenant integration: the callback returns the tenant's full current
// offer list on every run.
type LocalOfferProducer struct {
	ProducerID string
	OrgURL     string
	Frequency  int64 // millis between runs
	Produce    func(ctx context.Context) ([]Offer, error)
	Clock      clockwork.Clock
}

func (p *LocalOfferProducer) ID() string {
	return "local:" + p.ProducerID
}

func (p *LocalOfferProducer) ProduceOffers(ctx context.Context, req ProduceOffersRequest) (*OfferSetUpdate, error) {
	offers, err := p.Produce(ctx)
	if err != nil {
		return nil, err
	}
	clock := p.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	freq := p.Frequency
	if freq <= 0 {
		freq = DefaultPollFrequency.Milliseconds()
	}
	return &OfferSetUpdate{
		SourceOrgURL: p.OrgURL,
		Offers: func(yield func(Offer, error) bool) {
			for _, o := range offers {
				if !yield(o, nil) {
					return
				}
			}
		},
		EarliestNextRequestUTC: clock.Now().UnixMilli() + freq,
	}, nil
}
