package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/karstenda/colabri-doc/codec"
	"github.com/karstenda/colabri-doc/crdt"
	"github.com/karstenda/colabri-doc/errs"
	"github.com/karstenda/colabri-doc/room"
)

// docBody is the response shape for latest/version reads; format=json|
// binary|both selects which of json/binary is populated.
type docBody struct {
	JSON   any    `json:"json,omitempty"`
	Binary []byte `json:"binary,omitempty"`
}

// pathDocOrg extracts the org and document id shared by every route in
// this file; these routes carry no {kind} segment, so the document's room
// (if open) must be found via Hub.RoomByDocID rather than a full Key.
func pathDocOrg(r *http.Request) (org string, docID uuid.UUID, err error) {
	vars := mux.Vars(r)
	org = vars["org"]
	docID, perr := uuid.Parse(vars["doc"])
	if perr != nil {
		return "", uuid.UUID{}, errs.Wrap(errs.KindBadRequest, "invalid doc id", perr)
	}
	return org, docID, nil
}

// handleLatest implements GET /v1/{org}/documents/{doc}: read in-memory if
// the room is open, otherwise load via the store without keeping the room
// open, per doc_latest.rs.
func (a *API) handleLatest(w http.ResponseWriter, r *http.Request) {
	org, docID, err := pathDocOrg(r)
	if err != nil {
		writeError(w, err)
		return
	}

	hub := a.rooms.HubFor(org)
	var doc *crdt.Doc
	if open, ok := hub.RoomByDocID(docID); ok {
		doc = open.Doc
	} else {
		colabDoc, err := a.store.LoadColabDoc(r.Context(), org, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		if colabDoc == nil {
			writeError(w, errs.New(errs.KindNotFound, "document not found"))
			return
		}
		doc, err = room.DocFromColabDocument(colabDoc)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	writeDocBody(w, r, doc, nil)
}

// handleVersion implements POST /v1/{org}/documents/{doc}/version: checks
// out the CRDT at the supplied version-vector frontier without mutating
// persisted state.
func (a *API) handleVersion(w http.ResponseWriter, r *http.Request) {
	org, docID, err := pathDocOrg(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var body struct {
		VersionV map[string]uint64 `json:"versionV"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Wrap(errs.KindBadRequest, "decode request body", err))
		return
	}

	hub := a.rooms.HubFor(org)
	var doc *crdt.Doc
	if open, ok := hub.RoomByDocID(docID); ok {
		doc = open.Doc
	} else {
		colabDoc, err := a.store.LoadColabDoc(r.Context(), org, docID)
		if err != nil {
			writeError(w, err)
			return
		}
		if colabDoc == nil {
			writeError(w, errs.New(errs.KindNotFound, "document not found"))
			return
		}
		doc, err = room.DocFromColabDocument(colabDoc)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	frontier := make(crdt.Frontier, len(body.VersionV))
	for peerStr, ctr := range body.VersionV {
		peer, perr := parseUint64(peerStr)
		if perr != nil {
			writeError(w, errs.Wrap(errs.KindBadRequest, "invalid version vector peer", perr))
			return
		}
		frontier[peer] = ctr
	}

	value := doc.Checkout(frontier)
	writeJSON(w, http.StatusOK, docBody{JSON: value})
}

// handleDelete implements DELETE /v1/{org}/documents/{doc}: marks deleted
// in the store then force-closes the room.
func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	org, docID, err := pathDocOrg(r)
	if err != nil {
		writeError(w, err)
		return
	}
	byPrpl := callerPrpl(r, a.serviceName)

	if err := a.store.DeleteColabDoc(r.Context(), org, docID, byPrpl); err != nil {
		writeError(w, err)
		return
	}
	hub := a.rooms.HubFor(org)
	if open, ok := hub.RoomByDocID(docID); ok {
		hub.Close(r.Context(), open.Key, true)
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMoveLib implements POST /v1/{org}/documents/{doc}/move-lib:
// reparents in the store, clears every ACL container in the room's live
// document, then force-closes it so later reads reload the cleared state.
func (a *API) handleMoveLib(w http.ResponseWriter, r *http.Request) {
	org, docID, err := pathDocOrg(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		LibID uuid.UUID `json:"libId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.Wrap(errs.KindBadRequest, "decode request body", err))
		return
	}
	byPrpl := callerPrpl(r, a.serviceName)

	if err := a.store.MoveColabDocToLib(r.Context(), org, body.LibID, docID, byPrpl); err != nil {
		writeError(w, err)
		return
	}

	hub := a.rooms.HubFor(org)
	if rm, ok := hub.RoomByDocID(docID); ok {
		var clearErr error
		peerID := hub.Edit(rm, func(doc *crdt.Doc) {
			clearErr = codec.ClearDocumentACLs(doc, rm.Ctx.DocType)
		})
		if clearErr != nil {
			writeError(w, clearErr)
			return
		}
		hub.BindSystemEdit(rm, peerID, byPrpl)
		hub.Close(r.Context(), rm.Key, true)
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeDocBody(w http.ResponseWriter, r *http.Request, doc *crdt.Doc, frontier crdt.Frontier) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	body := docBody{}
	if format == "json" || format == "both" {
		b, err := codec.DocToJSON(doc)
		if err != nil {
			writeError(w, err)
			return
		}
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			writeError(w, errs.Wrap(errs.KindInternal, "unmarshal projected json", err))
			return
		}
		body.JSON = v
	}
	if format == "binary" || format == "both" {
		snapshot, err := doc.Export(crdt.ExportSnapshot, nil)
		if err != nil {
			writeError(w, errs.Wrap(errs.KindInternal, "export snapshot", err))
			return
		}
		body.Binary = snapshot
	}
	writeJSON(w, http.StatusOK, body)
}

func callerPrpl(r *http.Request, serviceName string) string {
	prpls := principalsFrom(r)
	if name, ok := prpls.EnsureService(serviceName); ok {
		return name
	}
	if name, ok := prpls.EnsureCloudAdmin(); ok {
		return name
	}
	return "s/" + serviceName
}

func parseUint64(s string) (uint64, error) {
	var v uint64
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return 0, errs.New(errs.KindBadRequest, "not a non-negative integer: "+s)
		}
		v = v*10 + uint64(ch-'0')
	}
	return v, nil
}
