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

package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/c2FmZQ/storage"
	"github.com/c2FmZQ/storage/crypto"
	"github.com/openproductrecovery/oprd/backend"
)

var (
	addr           = flag.String("addr", ":8080", "The TCP address to listen to")
	configFile     = flag.String("config", "oprd.json", "Path to the server config file")
	dataDir        = flag.String("data-dir", "data", "Directory for persistent state")
	tlsCert        = flag.String("tls-cert", "", "Path to TLS certificate")
	tlsKey         = flag.String("tls-key", "", "Path to TLS key")
	ingestInterval = flag.Duration("ingest-interval", time.Minute, "How often to run each tenant's ingestion pass")
	memoryStore    = flag.Bool("memory-store", false, "Keep all state in memory. For testing purposes only.")
	debugMode      = flag.Bool("debug", false, "Enable debug mode")
)

// main starts the multi-tenant node and serves until interrupted.
func main() {
	flag.Parse()

	cfgData, err := os.ReadFile(*configFile)
	if err != nil {
		log.Fatalf("Failed to read config %s: %v", *configFile, err)
	}
	var cfg backend.ServerConfig
	if err := json.Unmarshal(cfgData, &cfg); err != nil {
		log.Fatalf("Failed to parse config %s: %v", *configFile, err)
	}

	var mainTLSCert *tls.Certificate
	if *tlsCert != "" && *tlsKey != "" {
		cert, err := tls.LoadX509KeyPair(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatalf("Failed to load TLS cert/key: %v", err)
		}
		mainTLSCert = &cert
	}

	var masterKey crypto.MasterKey
	if !*memoryStore {
		if passphrase := os.Getenv("OPRD_MASTER_KEY"); passphrase != "" {
			keyFile := filepath.Join(*dataDir, "master.key")
			os.MkdirAll(*dataDir, 0755)

			var err error
			masterKey, err = crypto.ReadMasterKey([]byte(passphrase), keyFile)
			if err != nil {
				if os.IsNotExist(err) {
					log.Println("Initializing new master encryption key...")
					masterKey, err = crypto.CreateMasterKey()
					if err != nil {
						log.Fatalf("Failed to create master key: %v", err)
					}
					if err := masterKey.Save([]byte(passphrase), keyFile); err != nil {
						log.Fatalf("Failed to save master key: %v", err)
					}
				} else {
					log.Fatalf("Failed to read master key: %v", err)
				}
			} else {
				log.Println("Loaded master encryption key.")
			}
		} else {
			keyFile := filepath.Join(*dataDir, "master.key")
			if _, err := os.Stat(keyFile); err == nil {
				log.Fatalf("Critical Security Error: %s exists but OPRD_MASTER_KEY is not set. Refusing to start in unencrypted mode.", keyFile)
			}
			log.Println("Warning: No OPRD_MASTER_KEY provided. Data will be stored UNENCRYPTED.")
		}
	} else {
		log.Println("Warning: using the in-memory store; state is lost on exit.")
	}

	// Each tenant gets its own store so one tenant's read-write
	// transaction never blocks another tenant's requests.
	newStore := func(hostID string) backend.Persister {
		if *memoryStore {
			return backend.NewMemStore()
		}
		fileStorage := storage.New(filepath.Join(*dataDir, hostID), masterKey)
		fileStorage.EnableCompression(true)
		store, err := backend.NewFileStore(fileStorage)
		if err != nil {
			log.Fatalf("Failed to open store for tenant %s: %v", hostID, err)
		}
		return store
	}

	server, err := backend.StartServer(backend.Options{
		Addr:        *addr,
		Cert:        mainTLSCert,
		HostMapping: cfg.HostMapping,
		Debug:       *debugMode,
	})
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	resolver := backend.NewOrgConfigResolver(nil, nil)
	policies := backend.DefaultPolicyRegistry()
	for _, tc := range cfg.Tenants {
		tenant, err := backend.BuildTenantNode(tc, newStore(tc.HostID), resolver, policies, nil)
		if err != nil {
			log.Fatalf("Failed to build tenant %s: %v", tc.HostID, err)
		}
		server.InstallTenant(tc.HostID, tenant)
		log.Printf("Installed tenant %s (%s)", tc.HostID, tc.OrganizationURL)
	}
	if *ingestInterval > 0 {
		server.StartIngestion(*ingestInterval)
	}

	// Wait for interrupt signal.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
}
