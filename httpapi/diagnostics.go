package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
)

// gauges are registered once at package init, mirroring diagnostics.rs's
// fixed set of process-wide gauges rather than per-request registration.
var (
	gaugeRooms          = prometheus.NewGauge(prometheus.GaugeOpts{Name: "colabri_rooms", Help: "Open rooms across all organizations."})
	gaugeDocRooms       = prometheus.NewGauge(prometheus.GaugeOpts{Name: "colabri_doc_rooms", Help: "Open document-backed rooms."})
	gaugeEphemeralRooms = prometheus.NewGauge(prometheus.GaugeOpts{Name: "colabri_ephemeral_rooms", Help: "Open ephemeral (non document-backed) rooms."})
	gaugeDirtyDocs      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "colabri_dirty_docs", Help: "Open rooms with unsaved edits."})
	gaugeConnections    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "colabri_connections", Help: "Live WebSocket connections."})
	gaugeIdentityCache  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "colabri_identity_cache_size", Help: "Entries in the identity principal cache."})
)

func init() {
	prometheus.MustRegister(gaugeRooms, gaugeDocRooms, gaugeEphemeralRooms, gaugeDirtyDocs, gaugeConnections, gaugeIdentityCache)
}

// diagnosticsBody is the JSON twin of the gauges above, for callers that
// want a single snapshot rather than scraping /metrics.
type diagnosticsBody struct {
	Rooms             int `json:"rooms"`
	DocRooms          int `json:"docRooms"`
	EphemeralRooms    int `json:"ephemeralRooms"`
	DirtyDocs         int `json:"dirtyDocs"`
	Connections       int `json:"connections"`
	IdentityCacheSize int `json:"identityCacheSize"`
}

// handleDiagnostics implements GET /v1/diagnostics: aggregates Stats
// across every org's hub, refreshes the Prometheus gauges to match, and
// returns the same counts as a JSON body for callers that don't scrape.
func (a *API) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	body := diagnosticsBody{
		Connections:       a.svc.ConnReg.Len(),
		IdentityCacheSize: a.svc.Identity.Len(),
	}

	for _, hub := range a.rooms.Hubs() {
		st := hub.Stats()
		body.Rooms += st.Rooms
		body.DirtyDocs += st.Dirty
		// Every room this service opens is backed by a stored document;
		// there is no purely ephemeral (unpersisted) room kind yet.
		body.DocRooms += st.Rooms
	}

	gaugeRooms.Set(float64(body.Rooms))
	gaugeDocRooms.Set(float64(body.DocRooms))
	gaugeEphemeralRooms.Set(float64(body.EphemeralRooms))
	gaugeDirtyDocs.Set(float64(body.DirtyDocs))
	gaugeConnections.Set(float64(body.Connections))
	gaugeIdentityCache.Set(float64(body.IdentityCacheSize))

	writeJSON(w, http.StatusOK, body)
}
