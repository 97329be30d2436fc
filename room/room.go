// Package room implements the room registry / hub (component C5): the
// per-organization collection of live documents, their peer-map admission
// state, and the periodic save ticker. A two-level registry keyed by
// organization then by (crdt-kind, doc-id), carrying the DocContext the
// peer<->principal binding rule needs.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karstenda/colabri-doc/codec"
	"github.com/karstenda/colabri-doc/crdt"
	"github.com/karstenda/colabri-doc/errs"
	"github.com/karstenda/colabri-doc/principal"
	"github.com/karstenda/colabri-doc/store"
)

// Key identifies a room within a hub.
type Key struct {
	Kind  string // "colab-statement" | "colab-sheet"
	DocID uuid.UUID
}

// saveInterval is the per-hub cooperative save tick (§4.5.2).
const saveInterval = 30 * time.Second

// closeGrace is how long a room with zero subscribers waits before
// actually tearing down, so a reconnect within the window skips reload.
const closeGrace = 10 * time.Second

// DocContext is the in-memory, per-room authorization/versioning state
// mutated only while the owning hub's lock is held.
type DocContext struct {
	Org              string
	DocID            uuid.UUID
	DocType          string
	DocStreamID      uuid.UUID
	DocVersion       int32
	DocOwner         string
	PeerMap          map[uint64]string
	LastUpdatingPeer *uint64
}

// Room is one live document: its CRDT handle, context, subscriber set and
// dirty flag.
type Room struct {
	Key   Key
	Doc   *crdt.Doc
	Ctx   *DocContext
	subs  map[uint64]Subscriber
	dirty bool

	closeTimer *time.Timer
}

// Subscriber is what a room fans out updates and close notifications to;
// implemented by the session layer so this package stays transport-free.
type Subscriber interface {
	ConnID() uint64
	Deliver(key Key, update crdt.Update) error
	RoomClosed(key Key, reason string)
}

// Hub is a single organization's room collection, guarded by one mutex per
// spec §5's concurrency model.
type Hub struct {
	org         string
	store       *store.Store
	logger      *zap.Logger
	serviceName string

	mu    sync.Mutex
	rooms map[Key]*Room

	stopTicker chan struct{}
}

// NewHub builds an empty hub for org, backed by st for load/save.
// serviceName seeds the JSON-fallback peer_map (§4.5.1's
// {peer_id(): "s/<service-name>"}) from CLOUD_SERVICE_NAME.
func NewHub(org string, st *store.Store, logger *zap.Logger, serviceName string) *Hub {
	h := &Hub{
		org:         org,
		store:       st,
		logger:      logger,
		serviceName: serviceName,
		rooms:       make(map[Key]*Room),
		stopTicker:  make(chan struct{}),
	}
	go h.runSaveTicker()
	return h
}

// Stop halts the hub's save ticker; called on process shutdown.
func (h *Hub) Stop() {
	close(h.stopTicker)
}

// Open ensures a room exists for key, loading it on the 0→present
// transition (§4.5.1). Idempotent.
func (h *Hub) Open(ctx context.Context, key Key) (*Room, error) {
	h.mu.Lock()
	if r, ok := h.rooms[key]; ok {
		if r.closeTimer != nil {
			r.closeTimer.Stop()
			r.closeTimer = nil
		}
		h.mu.Unlock()
		return r, nil
	}
	h.mu.Unlock()

	r, err := h.load(ctx, key)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.rooms[key]; ok {
		// a concurrent opener won the race; discard our load.
		return existing, nil
	}
	h.rooms[key] = r
	return r, nil
}

// pickStream returns the "main" stream: the greatest-version stream whose
// content is non-null.
func pickStream(colabDoc *store.ColabDocument) *store.StreamRow {
	var picked *store.StreamRow
	for i := range colabDoc.Streams {
		s := &colabDoc.Streams[i]
		if s.Content == nil {
			continue
		}
		if picked == nil || s.Version > picked.Version {
			picked = s
		}
	}
	return picked
}

// decodeStream rebuilds a *crdt.Doc and its peer map from an already-
// persisted ColabPackage blob.
func decodeStream(content []byte) (*crdt.Doc, map[uint64]string, error) {
	pkg, err := codec.DecodePackage(content)
	if err != nil {
		return nil, nil, err
	}
	doc := crdt.NewDoc(0)
	if err := doc.Import(pkg.Snapshot); err != nil {
		return nil, nil, errs.Wrap(errs.KindInternal, "import snapshot", err)
	}
	return doc, pkg.PeerMap, nil
}

// DocFromColabDocument builds a read-only *crdt.Doc from a loaded
// ColabDocument without persisting anything, for the admin/export API's
// latest/version reads that must not mutate state when no room is open.
func DocFromColabDocument(colabDoc *store.ColabDocument) (*crdt.Doc, error) {
	if picked := pickStream(colabDoc); picked != nil {
		doc, _, err := decodeStream(picked.Content)
		return doc, err
	}
	if colabDoc.JSON == nil {
		return nil, errs.New(errs.KindInternal, "document has neither stream nor json model")
	}
	return codec.ModelToDoc(0, colabDoc.JSON)
}

// load performs §4.5.1: fetch via the store, fall back to JSON synthesis
// (persisting the synthesized stream) if no usable stream exists, decode
// the ColabPackage, and build the room.
func (h *Hub) load(ctx context.Context, key Key) (*Room, error) {
	colabDoc, err := h.store.LoadColabDoc(ctx, h.org, key.DocID)
	if err != nil {
		return nil, err
	}
	if colabDoc == nil {
		return nil, errs.New(errs.KindNotFound, "document not found")
	}

	var doc *crdt.Doc
	var ctxState *DocContext

	if picked := pickStream(colabDoc); picked != nil {
		d, peerMap, err := decodeStream(picked.Content)
		if err != nil {
			return nil, err
		}
		doc = d
		ctxState = &DocContext{
			Org: h.org, DocID: key.DocID, DocType: colabDoc.DocType,
			DocStreamID: picked.ID, DocVersion: picked.Version, DocOwner: colabDoc.Owner,
			PeerMap: peerMap,
		}
	} else {
		if colabDoc.JSON == nil {
			return nil, errs.New(errs.KindInternal, "document has neither stream nor json model")
		}
		d, err := codec.ModelToDoc(0, colabDoc.JSON)
		if err != nil {
			return nil, err
		}
		blob, err := d.Export(crdt.ExportSnapshot, nil)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "export synthesized snapshot", err)
		}
		streamID, err := h.store.InsertDocStream(ctx, h.org, key.DocID, blob)
		if err != nil {
			return nil, err
		}
		doc = d
		ctxState = &DocContext{
			Org: h.org, DocID: key.DocID, DocType: colabDoc.DocType,
			DocStreamID: streamID, DocVersion: 1, DocOwner: colabDoc.Owner,
			PeerMap: map[uint64]string{d.PeerID(): "s/" + h.serviceName},
		}
	}

	return &Room{
		Key:  key,
		Doc:  doc,
		Ctx:  ctxState,
		subs: make(map[uint64]Subscriber),
	}, nil
}

// Subscribe adds sub to room's subscriber set (0→1 transition already
// handled by Open).
func (h *Hub) Subscribe(r *Room, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.subs[sub.ConnID()] = sub
}

// Unsubscribe removes a subscriber; if the set becomes empty the room is
// scheduled for close after the grace period.
func (h *Hub) Unsubscribe(r *Room, connID uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(r.subs, connID)
	if len(r.subs) == 0 {
		h.scheduleCloseLocked(r)
	}
}

func (h *Hub) scheduleCloseLocked(r *Room) {
	if r.closeTimer != nil {
		return
	}
	r.closeTimer = time.AfterFunc(closeGrace, func() {
		h.Close(context.Background(), r.Key, false)
	})
}

// Subscribers returns a snapshot of room's current subscriber set, for the
// session layer to fan an accepted update out to.
func (h *Hub) Subscribers(r *Room) []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// Room looks up a room without opening it.
func (h *Hub) Room(key Key) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[key]
	return r, ok
}

// RoomByDocID looks up an open room by document id alone, for admin/export
// routes that address a document without knowing its kind up front.
func (h *Hub) RoomByDocID(docID uuid.UUID) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, r := range h.rooms {
		if k.DocID == docID {
			return r, true
		}
	}
	return nil, false
}

// Close drains and, if dirty, saves the room, then evicts it. force=true
// additionally notifies all subscribers the room closed (used after
// delete/move-to-library).
func (h *Hub) Close(ctx context.Context, key Key, force bool) {
	h.mu.Lock()
	r, ok := h.rooms[key]
	if !ok {
		h.mu.Unlock()
		return
	}
	if !force && len(r.subs) > 0 {
		h.mu.Unlock()
		return
	}
	subs := make([]Subscriber, 0, len(r.subs))
	for _, s := range r.subs {
		subs = append(subs, s)
	}
	dirty := r.dirty
	delete(h.rooms, key)
	h.mu.Unlock()

	if dirty {
		if err := h.saveRoom(ctx, r); err != nil {
			h.logger.Warn("save on close failed", zap.Error(err), zap.String("doc", key.DocID.String()))
		}
	}
	if force {
		for _, s := range subs {
			s.RoomClosed(key, "closed")
		}
	}
}

// Edit performs a system edit on room's CRDT via fn, returning the peer id
// the edit ran under so the caller can annotate peer_map (§4.5 edit op).
func (h *Hub) Edit(r *Room, fn func(doc *crdt.Doc)) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(r.Doc)
	r.dirty = true
	return r.Doc.PeerID()
}

// AdmitPeer performs the peer-map first-bind-wins check under the hub
// lock: if updatingPeer is unbound, it is bound to byPrpl; if already
// bound, the update is accepted iff the bound principal is a member of
// callerPrpls — the caller's own connection may hold several principals
// (user plus role grants), so the check is set membership, not string
// equality against a single by_prpl. Grounded on wscolab.rs's on_update
// peer_map lookup (`!user_prpls.contains(found_prpl)`), moved here so
// every room mutation goes through the hub's lock.
func (h *Hub) AdmitPeer(r *Room, updatingPeer uint64, byPrpl string, callerPrpls principal.Set) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, bound := r.Ctx.PeerMap[updatingPeer]; bound {
		if !callerPrpls.Contains(existing) {
			return errs.New(errs.KindForbidden, "peer already bound to a different principal")
		}
		return nil
	}
	r.Ctx.PeerMap[updatingPeer] = byPrpl
	return nil
}

// BindSystemEdit records that a trusted system edit (e.g. the admin API's
// move-to-library ACL clear) ran under peer, binding it in peer_map if
// unbound and marking the room dirty so saveRoom persists the edit. Unlike
// AdmitPeer this never rejects — the caller already passed authMiddleware's
// service/cloud-admin check, so there is no impersonation to guard against.
func (h *Hub) BindSystemEdit(r *Room, peer uint64, byPrpl string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, bound := r.Ctx.PeerMap[peer]; !bound {
		r.Ctx.PeerMap[peer] = byPrpl
	}
	r.dirty = true
	r.Ctx.LastUpdatingPeer = &peer
}

// MarkDirty records that updatingPeer produced an accepted update.
func (h *Hub) MarkDirty(r *Room, updatingPeer uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.dirty = true
	r.Ctx.LastUpdatingPeer = &updatingPeer
}

// Hubs snapshot for diagnostics: room count, dirty count.
type Stats struct {
	Rooms int
	Dirty int
	Subs  int
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var s Stats
	s.Rooms = len(h.rooms)
	for _, r := range h.rooms {
		if r.dirty {
			s.Dirty++
		}
		s.Subs += len(r.subs)
	}
	return s
}

func (h *Hub) runSaveTicker() {
	t := time.NewTicker(saveInterval)
	defer t.Stop()
	for {
		select {
		case <-h.stopTicker:
			return
		case <-t.C:
			h.saveDirtyRooms()
		}
	}
}

func (h *Hub) saveDirtyRooms() {
	h.mu.Lock()
	var dirty []*Room
	for _, r := range h.rooms {
		if r.dirty && r.Ctx.LastUpdatingPeer != nil {
			dirty = append(dirty, r)
		}
	}
	h.mu.Unlock()

	for _, r := range dirty {
		if err := h.saveRoom(context.Background(), r); err != nil {
			h.logger.Warn("periodic save failed", zap.Error(err), zap.String("doc", r.Key.DocID.String()))
		}
	}
}

// saveRoom serializes (snapshot, peer_map) as a ColabPackage and persists
// it via the store (§4.5.2); B3 — a room with no LastUpdatingPeer is not
// written: saveDirtyRooms skips it, and saveRoom returns nil without a
// store call for callers such as Close that check only the dirty flag.
func (h *Hub) saveRoom(ctx context.Context, r *Room) error {
	h.mu.Lock()
	if r.Ctx.LastUpdatingPeer == nil {
		h.mu.Unlock()
		return nil
	}
	snapshot, err := r.Doc.Export(crdt.ExportSnapshot, nil)
	if err != nil {
		h.mu.Unlock()
		return errs.Wrap(errs.KindInternal, "export snapshot", err)
	}
	peerMap := make(map[uint64]string, len(r.Ctx.PeerMap))
	for k, v := range r.Ctx.PeerMap {
		peerMap[k] = v
	}
	byPrpl := r.Ctx.PeerMap[*r.Ctx.LastUpdatingPeer]
	docType := r.Ctx.DocType
	streamID := r.Ctx.DocStreamID
	h.mu.Unlock()

	pkg := codec.ColabPackage{Snapshot: snapshot, PeerMap: peerMap}
	blob, err := codec.EncodePackage(pkg)
	if err != nil {
		return err
	}
	json, err := codec.DocToJSON(r.Doc)
	if err != nil {
		return err
	}
	versionV := r.Doc.StateVV()
	versionVJSON, err := marshalVV(versionV)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal version vector", err)
	}
	peerMapJSON, err := marshalPeerMap(peerMap)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "marshal peer map", err)
	}

	if err := h.store.UpdateColabDoc(ctx, h.org, r.Key.DocID, docType, streamID, blob, json, versionVJSON, peerMapJSON, byPrpl); err != nil {
		return err
	}

	h.mu.Lock()
	r.dirty = false
	r.Ctx.LastUpdatingPeer = nil
	h.mu.Unlock()
	return nil
}
