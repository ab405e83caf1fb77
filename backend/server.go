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
	"crypto/tls"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

// Options represent server options.
type Options struct {
	Addr     string
	Cert     *tls.Certificate
	Listener net.Listener

	// HostMapping is the template that extracts the tenant id from a
	// request URL, e.g. "https://$.example.org".
	HostMapping string

	Debug bool
}

// Server hosts many tenant nodes behind one listener, routing each request
// to the tenant its URL names.
type Server struct {
	httpServer *http.Server
	extractor  *HostIDExtractor

	mu      sync.RWMutex
	tenants map[string]*TenantNode

	ingestCancel context.CancelFunc
}

// NewServerHandler creates the dispatcher for a set of tenants. Tenants
// are installed under the host id the mapping template extracts.
func NewServerHandler(opts Options) (*Server, http.Handler, error) {
	mapping := opts.HostMapping
	if mapping == "" {
		mapping = "https://$"
	}
	extractor, err := NewHostIDExtractor(mapping)
	if err != nil {
		return nil, nil, err
	}
	s := &Server{
		extractor: extractor,
		tenants:   make(map[string]*TenantNode),
	}

	debugf := func(string, ...any) {}
	if opts.Debug {
		debugf = func(f string, a ...any) {
			log.Printf("[DEBUG DISPATCH] "+f, a...)
		}
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hostID, relPath, ok := s.extractor.Extract(r.Host + r.URL.Path)
		if !ok {
			debugf("no tenant id in %s%s", r.Host, r.URL.Path)
			writeStatusError(w, NewStatusError(CodeNoTenant, http.StatusNotFound, "no tenant for this URL"))
			return
		}
		s.mu.RLock()
		tenant := s.tenants[hostID]
		s.mu.RUnlock()
		if tenant == nil {
			debugf("unknown tenant %q", hostID)
			writeStatusError(w, NewStatusError(CodeNoTenant, http.StatusNotFound, "unknown tenant %q", hostID))
			return
		}

		r2 := r.Clone(r.Context())
		r2.URL.Path = relPath
		tenant.Handler().ServeHTTP(w, r2)
	})

	return s, loggingMiddleware(handler), nil
}

// InstallTenant adds (or replaces) a tenant under the given host id.
func (s *Server) InstallTenant(hostID string, t *TenantNode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[hostID] = t
}

// Tenant returns the tenant installed under the given host id.
func (s *Server) Tenant(hostID string) *TenantNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tenants[hostID]
}

func (s *Server) allTenants() []*TenantNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*TenantNode, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	return out
}

// StartIngestion starts each tenant's background ingestion loop.
func (s *Server) StartIngestion(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.ingestCancel = cancel
	for _, t := range s.allTenants() {
		go t.Ingester().Run(ctx, interval)
	}
}

// Shutdown gracefully stops ingestion, tears down every tenant, and stops
// the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ingestCancel != nil {
		s.ingestCancel()
	}
	for _, t := range s.allTenants() {
		t.Destroy()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// StartServer starts the web server and begins serving tenants.
func StartServer(opts Options) (*Server, error) {
	s, handler, err := NewServerHandler(opts)
	if err != nil {
		return nil, err
	}

	httpServer := &http.Server{
		Addr:    opts.Addr,
		Handler: handler,
	}
	if opts.Cert != nil {
		httpServer.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{*opts.Cert},
		}
	}
	s.httpServer = httpServer

	go func() {
		var err error
		if opts.Listener != nil {
			if httpServer.TLSConfig != nil {
				log.Printf("Starting HTTPS server on provided listener %s...", opts.Listener.Addr())
				err = httpServer.ServeTLS(opts.Listener, "", "")
			} else {
				log.Printf("Starting HTTP server on provided listener %s...", opts.Listener.Addr())
				err = httpServer.Serve(opts.Listener)
			}
		} else {
			log.Printf("Server starting on %s...", opts.Addr)
			if opts.Cert != nil {
				err = httpServer.ListenAndServeTLS("", "")
			} else if _, statErr := os.Stat("certs/cert.pem"); statErr == nil {
				log.Println("Starting HTTPS server using certs/cert.pem...")
				err = httpServer.ListenAndServeTLS("certs/cert.pem", "certs/key.pem")
			} else {
				err = httpServer.ListenAndServe()
			}
		}
		if err != nil && !errors.Is(err, net.ErrClosed) && err != http.ErrServerClosed {
			log.Printf("Server error: %v", err)
		}
	}()

	return s, nil
}

// loggingMiddleware logs the method and URL path of every incoming HTTP
// request.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/healthz") {
			log.Printf("Received request: %s %s%s", r.Method, r.Host, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}
