// Package hosts tracks the candidate ensemble endpoints and decides which
// one the session engine should try next.
package hosts

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"

	"github.com/mikekulinski/zkclient/pkg/zookeeper"
)

// DefaultPort is appended to any address that does not carry a port.
const DefaultPort = 2181

// Provider cycles through a shuffled list of ensemble addresses. Next hands
// out one endpoint per call; Connected pins the cursor so a later full
// cycle of failures can be detected and backed off on, instead of hammering
// the same dead nodes in a tight loop.
type Provider struct {
	mu      sync.Mutex
	servers []string
	curr    int
	last    int
}

// New builds a Provider over the given addresses. The list is normalized
// (default port appended) and shuffled once so that a fleet of clients
// restarting together does not converge on the same server.
func New(servers []string) (*Provider, error) {
	if len(servers) == 0 {
		return nil, zookeeper.ErrNoServers
	}
	normalized := make([]string, len(servers))
	for i, s := range servers {
		if !strings.Contains(s, ":") {
			s = fmt.Sprintf("%s:%d", s, DefaultPort)
		}
		normalized[i] = s
	}
	rand.Shuffle(len(normalized), func(i, j int) {
		normalized[i], normalized[j] = normalized[j], normalized[i]
	})
	return &Provider{
		servers: normalized,
		curr:    -1,
		last:    -1,
	}, nil
}

// Next returns the endpoint to try. retryStart is true when the cursor has
// completed a full cycle without Connected being called, meaning every
// candidate has failed once and the caller should back off before
// continuing.
func (p *Provider) Next() (server string, retryStart bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	first := p.curr == -1
	p.curr = (p.curr + 1) % len(p.servers)
	// Before the first successful connection there is no previous success
	// to wrap back to, so measure the cycle from index 0 instead.
	if p.last == -1 {
		retryStart = p.curr == 0 && !first
	} else {
		retryStart = p.curr == p.last
	}
	return p.servers[p.curr], retryStart
}

// Connected marks the endpoint most recently returned by Next as healthy.
// The next full cycle of failures is measured from here.
func (p *Provider) Connected() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = p.curr
}

// Len returns the number of candidate endpoints.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.servers)
}
