package peernet

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/libp2p/go-libp2p/core/peer"
)

const limiterStaleAfter = 10 * time.Minute

type peerEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

// peerLimiter applies a per-peer token bucket to inbound requests.
// Entries for peers that have gone quiet are dropped lazily.
type peerLimiter struct {
	lk        sync.Mutex
	perSec    rate.Limit
	burst     int
	peers     map[peer.ID]*peerEntry
	lastSweep time.Time
}

func newPeerLimiter(perSec int) *peerLimiter {
	if perSec <= 0 {
		perSec = 1
	}
	return &peerLimiter{
		perSec:    rate.Limit(perSec),
		burst:     perSec,
		peers:     make(map[peer.ID]*peerEntry),
		lastSweep: time.Now(),
	}
}

func (pl *peerLimiter) Allow(p peer.ID) bool {
	pl.lk.Lock()
	defer pl.lk.Unlock()

	now := time.Now()
	if now.Sub(pl.lastSweep) > limiterStaleAfter {
		for id, ent := range pl.peers {
			if now.Sub(ent.seen) > limiterStaleAfter {
				delete(pl.peers, id)
			}
		}
		pl.lastSweep = now
	}

	ent, ok := pl.peers[p]
	if !ok {
		ent = &peerEntry{lim: rate.NewLimiter(pl.perSec, pl.burst)}
		pl.peers[p] = ent
	}
	ent.seen = now
	return ent.lim.Allow()
}
