package codec

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/atomswap/go-atomdex/lib/types"
)

const dedupWindowSize = 1 << 14

// Dedup is the sliding replay window: a payload seen within the horizon
// is dropped without dispatch. Duplicate detection is content-addressed,
// so a byte-identical rebroadcast is a no-op for the receiver.
type Dedup struct {
	mu      sync.Mutex
	seen    *lru.Cache
	horizon time.Duration
}

func NewDedup(horizon time.Duration) *Dedup {
	c, _ := lru.New(dedupWindowSize)
	return &Dedup{seen: c, horizon: horizon}
}

// Seen records payload and reports whether it was already inside the
// window.
func (d *Dedup) Seen(payload []byte) bool {
	id := types.NewMsgID(payload)
	if !id.Defined() {
		return false
	}

	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if v, ok := d.seen.Get(id.String()); ok {
		if t, ok := v.(time.Time); ok && now.Sub(t) < d.horizon {
			return true
		}
	}

	d.seen.Add(id.String(), now)
	return false
}
