package node

import (
	"net"
	"strconv"
	"time"

	"github.com/triblerteam/dispersy/candidate"
)

// bootstrapFastInterval and bootstrapSlowInterval are the retry
// cadence _retry_bootstrap_candidates uses (dispersy.py:389): once a
// second for the first 30 attempts, then once every 30 seconds.
const (
	bootstrapFastInterval = 1 * time.Second
	bootstrapSlowInterval = 30 * time.Second
	bootstrapFastAttempts = 30
)

// bootstrapHost is one configured bootstrap hostname, resolved lazily
// and retried with backoff until it succeeds (SPEC_FULL.md §12's
// "Bootstrap candidate retry" supplemented feature).
type bootstrapHost struct {
	hostname string
	port     int

	resolved    bool
	attempts    int
	nextAttempt time.Time
}

// AddBootstrapHost registers a bootstrap hostname to resolve and walk
// towards once attached communities exist. Resolution is attempted
// immediately on the next scheduler tick.
func (n *Node) AddBootstrapHost(hostname string, port int) {
	n.bootstrapMu.Lock()
	defer n.bootstrapMu.Unlock()
	n.bootstrap = append(n.bootstrap, &bootstrapHost{hostname: hostname, port: port})
}

// retryBootstrap resolves any not-yet-resolved bootstrap host whose
// backoff has elapsed, seeding the resolved address into every
// attached community's candidate table as a stumble candidate (so the
// walker will consider it immediately).
func (n *Node) retryBootstrap(now time.Time) {
	n.bootstrapMu.Lock()
	var due []*bootstrapHost
	for _, h := range n.bootstrap {
		if !h.resolved && !now.Before(h.nextAttempt) {
			due = append(due, h)
		}
	}
	n.bootstrapMu.Unlock()

	for _, h := range due {
		addrs, err := net.LookupHost(h.hostname)
		n.bootstrapMu.Lock()
		h.attempts++
		if err != nil || len(addrs) == 0 {
			interval := bootstrapFastInterval
			if h.attempts >= bootstrapFastAttempts {
				interval = bootstrapSlowInterval
			}
			h.nextAttempt = now.Add(interval)
			n.bootstrapMu.Unlock()
			n.log.Warn("unable to resolve bootstrap address", "host", h.hostname, "attempt", h.attempts)
			continue
		}
		h.resolved = true
		n.bootstrapMu.Unlock()
		n.seedBootstrapCandidate(net.JoinHostPort(addrs[0], strconv.Itoa(h.port)), addrs[0], h.port, now)
	}
}

func (n *Node) seedBootstrapCandidate(logAddr, host string, port int, now time.Time) {
	wan := candidate.Address{Host: host, Port: port}
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, ac := range n.communities {
		c := ac.Table.GetOrCreate(wan, wan)
		c.MarkStumble(now)
	}
	n.log.Info("resolved bootstrap address", "address", logAddr)
}
