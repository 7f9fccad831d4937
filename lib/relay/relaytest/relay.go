// Package relaytest provides an in-process Nostr relay for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dlcdevkit/go-ddk/lib/relay"
	"github.com/gorilla/websocket"
)

// Req is a subscription request as received by the relay.
type Req struct {
	SubID   string
	Filters []relay.Filter
}

type client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	subs    map[string][]relay.Filter
}

func (c *client) send(v any) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteJSON(v)
}

// Relay stores every accepted envelope and serves REQ subscriptions,
// including stored envelopes newer than the filter's since.
type Relay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	events  []*relay.Envelope
	reqs    []Req
	clients map[*client]struct{}
	reject  bool
	silent  bool
}

// New starts a relay that is shut down when the test ends.
func New(t testing.TB) *Relay {
	r := &Relay{clients: make(map[*client]struct{})}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.Close)
	return r
}

// URL returns the ws:// address of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// Close drops all clients and stops the server.
func (r *Relay) Close() {
	r.DropConnections()
	r.srv.Close()
}

// SetReject makes the relay answer OK false to every EVENT.
func (r *Relay) SetReject(reject bool) {
	r.mu.Lock()
	r.reject = reject
	r.mu.Unlock()
}

// SetSilent makes the relay store EVENTs without acknowledging them.
func (r *Relay) SetSilent(silent bool) {
	r.mu.Lock()
	r.silent = silent
	r.mu.Unlock()
}

// Events returns the stored envelopes in arrival order.
func (r *Relay) Events() []*relay.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*relay.Envelope(nil), r.events...)
}

// Requests returns every REQ received, across all connections.
func (r *Relay) Requests() []Req {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Req(nil), r.reqs...)
}

// Clients returns the number of open connections.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// DropConnections closes every client connection from the server side.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[*client]struct{})
	r.mu.Unlock()
	for _, c := range clients {
		_ = c.ws.Close()
	}
}

// Store adds an envelope as if it had been published, delivering it to
// matching live subscriptions.
func (r *Relay) Store(e *relay.Envelope) {
	r.mu.Lock()
	r.events = append(r.events, e)
	var targets []*client
	for c := range r.clients {
		targets = append(targets, c)
	}
	r.mu.Unlock()
	r.broadcast(targets, e)
}

// WaitFor polls cond until it holds or timeout passes.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func (r *Relay) broadcast(targets []*client, e *relay.Envelope) {
	for _, c := range targets {
		r.mu.Lock()
		var match []string
		for id, filters := range c.subs {
			if relay.MatchesAny(filters, e) {
				match = append(match, id)
			}
		}
		r.mu.Unlock()
		for _, id := range match {
			c.send([]any{"EVENT", id, e})
		}
	}
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &client{ws: ws, subs: make(map[string][]relay.Filter)}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var parts []json.RawMessage
		if err := json.Unmarshal(data, &parts); err != nil || len(parts) < 2 {
			c.send([]any{"NOTICE", "invalid frame"})
			continue
		}
		var label string
		_ = json.Unmarshal(parts[0], &label)
		switch label {
		case "EVENT":
			r.handleEvent(c, parts[1])
		case "REQ":
			r.handleReq(c, parts[1:])
		case "CLOSE":
			var id string
			_ = json.Unmarshal(parts[1], &id)
			r.mu.Lock()
			delete(c.subs, id)
			r.mu.Unlock()
		default:
			c.send([]any{"NOTICE", "unknown frame " + label})
		}
	}
}

func (r *Relay) handleEvent(c *client, raw json.RawMessage) {
	e := &relay.Envelope{}
	if err := json.Unmarshal(raw, e); err != nil {
		c.send([]any{"NOTICE", "invalid event"})
		return
	}
	r.mu.Lock()
	reject, silent := r.reject, r.silent
	r.mu.Unlock()

	if reject {
		c.send([]any{"OK", e.ID, false, "blocked: test relay rejects"})
		return
	}
	if err := e.Verify(); err != nil {
		c.send([]any{"OK", e.ID, false, "invalid: " + err.Error()})
		return
	}
	r.Store(e)
	if !silent {
		c.send([]any{"OK", e.ID, true, ""})
	}
}

func (r *Relay) handleReq(c *client, parts []json.RawMessage) {
	var id string
	if err := json.Unmarshal(parts[0], &id); err != nil {
		return
	}
	filters := make([]relay.Filter, 0, len(parts)-1)
	for _, p := range parts[1:] {
		var f relay.Filter
		if err := json.Unmarshal(p, &f); err != nil {
			c.send([]any{"CLOSED", id, "invalid filter"})
			return
		}
		filters = append(filters, f)
	}

	r.mu.Lock()
	c.subs[id] = filters
	r.reqs = append(r.reqs, Req{SubID: id, Filters: filters})
	stored := append([]*relay.Envelope(nil), r.events...)
	r.mu.Unlock()

	for _, e := range stored {
		if relay.MatchesAny(filters, e) {
			c.send([]any{"EVENT", id, e})
		}
	}
	c.send([]any{"EOSE", id})
}
