// Package gateway implements the Admission Gateway (spec.md §4.F): a
// single process-wide, bounded-concurrency fan-out to the Aggregate Store
// and Batch Coordinator's storage backend.
package gateway

// pool.go – per-destination HTTP client reuse.
//
// Adapted from core/connection_pool.go's ConnPool: same keyed-by-address,
// idle-reaped-in-the-background shape, generalized from raw net.Conn
// pooling to *http.Client pooling (the gateway speaks POST-based RPC over
// HTTP, §6.3, not a bespoke TCP protocol, so the pooled resource is a client
// with its own connection-reusing Transport rather than a single net.Conn).

import (
	"net/http"
	"sync"
	"time"
)

type pooledClient struct {
	client   *http.Client
	lastUsed time.Time
}

// BackendPool keeps one *http.Client per storage-backend destination alive
// for reuse, and closes idle transports after idleTTL so a backend that
// falls out of use doesn't pin sockets open forever.
type BackendPool struct {
	mu        sync.Mutex
	clients   map[string]*pooledClient
	dialT     time.Duration
	idleTTL   time.Duration
	closing   chan struct{}
	closeOnce sync.Once
}

func NewBackendPool(dialTimeout, idleTTL time.Duration) *BackendPool {
	p := &BackendPool{
		clients: make(map[string]*pooledClient),
		dialT:   dialTimeout,
		idleTTL: idleTTL,
		closing: make(chan struct{}),
	}
	go p.reaper()
	return p
}

// Client returns the shared *http.Client for backend, creating one on first
// use.
func (p *BackendPool) Client(backend string) *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc, ok := p.clients[backend]
	if !ok {
		pc = &pooledClient{client: &http.Client{Timeout: p.dialT}}
		p.clients[backend] = pc
	}
	pc.lastUsed = time.Now()
	return pc.client
}

func (p *BackendPool) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.mu.Lock()
		defer p.mu.Unlock()
		for addr, pc := range p.clients {
			pc.client.CloseIdleConnections()
			delete(p.clients, addr)
		}
	})
}

func (p *BackendPool) reaper() {
	if p.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(p.idleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-p.idleTTL)
			p.mu.Lock()
			for addr, pc := range p.clients {
				if pc.lastUsed.Before(cutoff) {
					pc.client.CloseIdleConnections()
					delete(p.clients, addr)
				}
			}
			p.mu.Unlock()
		case <-p.closing:
			return
		}
	}
}
