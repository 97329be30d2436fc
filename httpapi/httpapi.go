// Package httpapi implements the admin/export HTTP API (component C7):
// diagnostics, latest/version reads, delete, and move-to-library, grounded
// on original_source's handlers/doc_latest.rs, doc_version.rs,
// doc_delete.rs, doc_move_lib.rs, doc_clear_acl.rs, and diagnostics.rs.
// Routed with gorilla/mux.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/karstenda/colabri-doc/errs"
	"github.com/karstenda/colabri-doc/principal"
	"github.com/karstenda/colabri-doc/room"
	"github.com/karstenda/colabri-doc/session"
	"github.com/karstenda/colabri-doc/store"
)

// API bundles the collaborators the admin/export handlers consult.
type API struct {
	svc         *session.Services
	store       *store.Store
	rooms       *room.Registry
	serviceName string
	logger      *zap.Logger
}

// New builds an API backed by svc. serviceName is the expected "s/<name>"
// principal for this service, required (or cloud-admin) on every route.
func New(svc *session.Services, serviceName string, logger *zap.Logger) *API {
	return &API{svc: svc, store: svc.Store, rooms: svc.Rooms, serviceName: serviceName, logger: logger}
}

// Route mounts every admin/export route, plus /metrics, on r.
func (a *API) Route(r *mux.Router) {
	sub := r.PathPrefix("/v1").Subrouter()
	sub.Use(a.authMiddleware)
	sub.HandleFunc("/diagnostics", a.handleDiagnostics).Methods(http.MethodGet)
	sub.HandleFunc("/{org}/documents/{doc}", a.handleLatest).Methods(http.MethodGet)
	sub.HandleFunc("/{org}/documents/{doc}/version", a.handleVersion).Methods(http.MethodPost)
	sub.HandleFunc("/{org}/documents/{doc}", a.handleDelete).Methods(http.MethodDelete)
	sub.HandleFunc("/{org}/documents/{doc}/move-lib", a.handleMoveLib).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

type ctxKey int

const principalsKey ctxKey = 0

// authMiddleware requires a bearer token resolving to this service's own
// principal or the cloud-admin principal, per spec.md §4.7's header note.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if bearer == "" {
			writeError(w, errs.New(errs.KindUnauthorized, "missing bearer token"))
			return
		}
		res, err := session.AuthenticatePrincipals(r.Context(), a.svc, bearer)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, ok := res.Principals.EnsureService(a.serviceName); !ok {
			if _, ok := res.Principals.EnsureCloudAdmin(); !ok {
				writeError(w, errs.New(errs.KindForbidden, "caller is not this service or a cloud admin"))
				return
			}
		}
		ctx := context.WithValue(r.Context(), principalsKey, res.Principals)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalsFrom(r *http.Request) principal.Set {
	if p, ok := r.Context().Value(principalsKey).(principal.Set); ok {
		return p
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	resp := errs.ToResponse(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.Code)
	_ = json.NewEncoder(w).Encode(resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
