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
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Per-client buffered events before the client is dropped as slow.
	feedSendBuffer = 64
)

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

// feedClient is one websocket subscriber of a tenant's change feed.
type feedClient struct {
	orgURL string
	conn   *websocket.Conn
	send   chan OfferChange
}

// changeFeed streams a tenant's OfferChange events to connected clients.
type changeFeed struct {
	model *OfferModel

	mu         sync.Mutex
	clients    map[*feedClient]bool
	unregister func()
	closed     bool
}

func newChangeFeed(model *OfferModel) *changeFeed {
	f := &changeFeed{
		model:   model,
		clients: make(map[*feedClient]bool),
	}
	f.unregister = model.RegisterChangeHandler(f.broadcast)
	return f
}

// broadcast fans one change event out to every connected client. Slow
// clients are dropped rather than allowed to block the feed.
func (f *changeFeed) broadcast(change OfferChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- change:
		default:
			log.Printf("Warning: dropping slow change-feed client for %s", c.orgURL)
			delete(f.clients, c)
			close(c.send)
		}
	}
	return nil
}

func (f *changeFeed) remove(c *feedClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clients[c] {
		delete(f.clients, c)
		close(c.send)
	}
}

// close drops every client and detaches from the model.
func (f *changeFeed) close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	clients := make([]*feedClient, 0, len(f.clients))
	for c := range f.clients {
		clients = append(clients, c)
	}
	f.clients = make(map[*feedClient]bool)
	f.mu.Unlock()

	f.unregister()
	for _, c := range clients {
		close(c.send)
		c.conn.Close()
	}
}

// serve upgrades the request and streams events until the client leaves.
func (f *changeFeed) serve(w http.ResponseWriter, r *http.Request, orgURL string) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Warning: change-feed upgrade failed: %v", err)
		return
	}
	client := &feedClient{
		orgURL: orgURL,
		conn:   conn,
		send:   make(chan OfferChange, feedSendBuffer),
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.clients[client] = true
	f.mu.Unlock()

	go client.writePump()
	client.readPump(f)
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case change, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(change); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes control frames so pings are answered; the feed is
// one-directional and any data frame is ignored.
func (c *feedClient) readPump(f *changeFeed) {
	defer func() {
		f.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
