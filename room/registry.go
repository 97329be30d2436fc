package room

import (
	"sync"

	"go.uber.org/zap"

	"github.com/karstenda/colabri-doc/store"
)

// Registry is the process-wide map of organization → Hub, guarded by a
// top-level lock for membership only; each hub carries its own lock for
// its room interiors (§3's HubRegistry).
type Registry struct {
	store       *store.Store
	logger      *zap.Logger
	serviceName string

	mu   sync.Mutex
	hubs map[string]*Hub
}

// NewRegistry builds an empty registry backed by st. serviceName is this
// service's CLOUD_SERVICE_NAME, threaded down into every hub it creates.
func NewRegistry(st *store.Store, logger *zap.Logger, serviceName string) *Registry {
	return &Registry{store: st, logger: logger, serviceName: serviceName, hubs: make(map[string]*Hub)}
}

// HubFor returns org's hub, creating it on first access.
func (reg *Registry) HubFor(org string) *Hub {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if h, ok := reg.hubs[org]; ok {
		return h
	}
	h := NewHub(org, reg.store, reg.logger, reg.serviceName)
	reg.hubs[org] = h
	return h
}

// Hubs returns a snapshot of all hubs for read-only diagnostics iteration.
func (reg *Registry) Hubs() map[string]*Hub {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	out := make(map[string]*Hub, len(reg.hubs))
	for k, v := range reg.hubs {
		out[k] = v
	}
	return out
}

// Shutdown stops every hub's save ticker.
func (reg *Registry) Shutdown() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for _, h := range reg.hubs {
		h.Stop()
	}
}
