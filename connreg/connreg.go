// Package connreg implements the connection registry (component C2):
// a cache mapping a live WebSocket connection id to the org/uid it
// authenticated as, so later frames on the same connection don't need to
// repeat the handshake. Grounded on original_source's ws/connctx.rs.
package connreg

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// idleTTL mirrors connctx.rs's moka cache: 3 hours time-to-idle, long
// enough to outlive any realistic editing session without pinning memory
// for connections that were never closed cleanly.
const idleTTL = 3 * time.Hour

// ConnCtx is what a connection id resolves to once authenticated.
type ConnCtx struct {
	UID   string
	OrgID string
}

// Registry is the idle-TTL cache of live connections' ConnCtx, keyed by
// connection id. Like identity.Cache, go-cache doesn't reset an entry's
// expiry on read, so Get re-inserts the hit to approximate idle-TTL.
type Registry struct {
	store *cache.Cache
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{store: cache.New(idleTTL, idleTTL/2)}
}

func key(connID uint64) string {
	return fmt.Sprintf("%d", connID)
}

// Bind records that connID authenticated as ctx. Called once per
// connection, immediately after a successful handshake.
func (r *Registry) Bind(connID uint64, ctx ConnCtx) {
	r.store.Set(key(connID), ctx, idleTTL)
}

// Get returns the ConnCtx bound to connID, refreshing its idle deadline.
func (r *Registry) Get(connID uint64) (ConnCtx, bool) {
	v, ok := r.store.Get(key(connID))
	if !ok {
		return ConnCtx{}, false
	}
	ctx := v.(ConnCtx)
	r.store.Set(key(connID), ctx, idleTTL)
	return ctx, true
}

// Unbind drops connID's entry, called when the connection closes.
func (r *Registry) Unbind(connID uint64) {
	r.store.Delete(key(connID))
}

// Len reports the number of tracked live connections, for diagnostics.
func (r *Registry) Len() int {
	return r.store.ItemCount()
}
