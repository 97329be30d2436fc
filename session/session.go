// Package session implements the per-connection protocol state machine
// (component C6): handshake, per-room authorize, update admission, and
// fan-out across a connection's subscribed rooms, with JWT handshake and
// peer<->principal admission. Grounded on original_source's ws/wscolab.rs
// (on_auth_handshake / on_authenticate / on_update) and models/messages.rs
// for the wire shapes.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/karstenda/colabri-doc/connreg"
	"github.com/karstenda/colabri-doc/crdt"
	"github.com/karstenda/colabri-doc/errs"
	"github.com/karstenda/colabri-doc/identity"
	"github.com/karstenda/colabri-doc/principal"
	"github.com/karstenda/colabri-doc/room"
	"github.com/karstenda/colabri-doc/store"
)

// ─────────────────────────────────────────────────────────────
// wire messages — grounded on models/messages.rs
// ─────────────────────────────────────────────────────────────

// LoadMessage is a client's request to subscribe to a room.
type LoadMessage struct {
	DocID string `json:"docId" cbor:"docId"`
	Kind  string `json:"kind" cbor:"kind"`
}

// UpdateMessage carries a CRDT delta addressed to a room.
type UpdateMessage struct {
	DocID string `json:"docId" cbor:"docId"`
	Kind  string `json:"kind" cbor:"kind"`
	Delta []byte `json:"delta" cbor:"delta"`
}

// UnsubscribeMessage leaves a previously loaded room.
type UnsubscribeMessage struct {
	DocID string `json:"docId" cbor:"docId"`
	Kind  string `json:"kind" cbor:"kind"`
}

// PingMessage is a liveness probe; empty payload.
type PingMessage struct{}

// InitMessage is the server's reply to a successful Load, carrying the
// room's current serialized snapshot.
type InitMessage struct {
	DocID    string `json:"docId" cbor:"docId"`
	Kind     string `json:"kind" cbor:"kind"`
	ColabDoc []byte `json:"colabDoc" cbor:"colabDoc"`
}

// PongMessage answers a Ping.
type PongMessage struct {
	Date string `json:"date" cbor:"date"`
}

// ClosedMessage notifies subscribers a room was force-closed.
type ClosedMessage struct {
	DocID  string `json:"docId" cbor:"docId"`
	Kind   string `json:"kind" cbor:"kind"`
	Reason string `json:"reason" cbor:"reason"`
}

// ReceivedMessage is the tagged union of frames a client may send,
// discriminated by Type: "load" | "update" | "unsubscribe" | "ping".
type ReceivedMessage struct {
	Type        string              `json:"type" cbor:"type"`
	Load        *LoadMessage        `json:"load,omitempty" cbor:"load,omitempty"`
	Update      *UpdateMessage      `json:"update,omitempty" cbor:"update,omitempty"`
	Unsubscribe *UnsubscribeMessage `json:"unsubscribe,omitempty" cbor:"unsubscribe,omitempty"`
	Ping        *PingMessage        `json:"ping,omitempty" cbor:"ping,omitempty"`
}

// SendMessage is the tagged union of frames the server may send,
// discriminated by Type: "init" | "update" | "pong" | "closed" | "error".
type SendMessage struct {
	Type   string         `json:"type" cbor:"type"`
	Init   *InitMessage   `json:"init,omitempty" cbor:"init,omitempty"`
	Update *UpdateMessage `json:"update,omitempty" cbor:"update,omitempty"`
	Pong   *PongMessage   `json:"pong,omitempty" cbor:"pong,omitempty"`
	Closed *ClosedMessage `json:"closed,omitempty" cbor:"closed,omitempty"`
	Error  *errs.Response `json:"error,omitempty" cbor:"error,omitempty"`
}

// ─────────────────────────────────────────────────────────────
// transport boundary
// ─────────────────────────────────────────────────────────────

// Sender is implemented by the transport layer so Conn can push frames
// without depending on it.
type Sender interface {
	Send(msg SendMessage) error
	Close() error
	RemoteAddr() string
}

// Services bundles the process-wide collaborators a Conn consults.
type Services struct {
	Identity  *identity.Cache
	ConnReg   *connreg.Registry
	Rooms     *room.Registry
	Store     *store.Store
	JWTSecret string
	Logger    *zap.Logger
}

// Conn is one authenticated WebSocket connection: a handshake identity plus
// the set of rooms it is currently subscribed to. Generalizes the
// teacher's Session, which carried a bare NodeID with no principal or
// per-room authorization state.
type Conn struct {
	id       uint64
	sender   Sender
	svc      *Services
	uid      string
	orgID    string
	prpls    principal.Set
	isSystem bool

	mu   sync.Mutex
	subs map[room.Key]*room.Room
}

// NewConn wraps sender as a fresh, unauthenticated connection identified by
// connID. connID 0 is reserved for system-originated connections and is
// never registered in the connection registry.
func NewConn(connID uint64, sender Sender, svc *Services) *Conn {
	return &Conn{id: connID, sender: sender, svc: svc, subs: make(map[room.Key]*room.Room)}
}

func (c *Conn) ConnID() uint64 { return c.id }

// RoomClosed implements room.Subscriber: relay a forced room close to the
// wire as a "closed" frame.
func (c *Conn) RoomClosed(key room.Key, reason string) {
	_ = c.sender.Send(SendMessage{Type: "closed", Closed: &ClosedMessage{DocID: key.DocID.String(), Kind: key.Kind, Reason: reason}})
	c.mu.Lock()
	delete(c.subs, key)
	c.mu.Unlock()
}

// jwtClaims mirrors the subset of claims auth_middleware.rs reads off the
// bearer token.
type jwtClaims struct {
	jwt.RegisteredClaims
	Sub   string   `json:"sub"`
	Type  string   `json:"type"`
	Roles []string `json:"roles,omitempty"`
}

// AuthResult is the outcome of authenticating a bearer token: the caller's
// resolved principal set plus, for user tokens, the uid that produced it.
type AuthResult struct {
	Principals principal.Set
	UID        string
	IsSystem   bool
}

// AuthenticatePrincipals verifies a bearer token and resolves its
// principal set, shared by the WebSocket handshake and the admin/export
// HTTP API's auth middleware. Grounded on auth_middleware.rs's bearer
// extraction and type dispatch ("user" → identity cache lookup plus role
// claims, "service" → "s/<sub>").
func AuthenticatePrincipals(ctx context.Context, svc *Services, bearerToken string) (AuthResult, error) {
	token, err := jwt.ParseWithClaims(bearerToken, &jwtClaims{}, func(t *jwt.Token) (any, error) {
		return []byte(svc.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return AuthResult{}, errs.Wrap(errs.KindUnauthorized, "invalid bearer token", err)
	}
	claims, ok := token.Claims.(*jwtClaims)
	if !ok || claims.Sub == "" {
		return AuthResult{}, errs.New(errs.KindUnauthorized, "token missing sub claim")
	}

	switch claims.Type {
	case "user":
		uctx, err := svc.Identity.GetOrFetch(ctx, claims.Sub)
		if err != nil {
			return AuthResult{}, errs.Wrap(errs.KindIdentityUnavail, "resolve user principals", err)
		}
		prpls := append(principal.Set{}, uctx.Principals...)
		for _, role := range claims.Roles {
			rolePrpl := "r/" + role
			if !contains(prpls, rolePrpl) {
				prpls = append(prpls, rolePrpl)
			}
		}
		return AuthResult{Principals: prpls, UID: claims.Sub}, nil
	case "service":
		return AuthResult{Principals: principal.Set{"s/" + claims.Sub}, IsSystem: true}, nil
	default:
		return AuthResult{}, errs.New(errs.KindUnauthorized, "unknown token type: "+claims.Type)
	}
}

// Handshake performs the connection-level authentication step: verify the
// bearer token, resolve principals, and require org membership for user
// tokens before admitting the connection. Grounded on
// auth_middleware.rs/on_auth_handshake's org-membership gate.
func (c *Conn) Handshake(ctx context.Context, bearerToken, orgID string) error {
	res, err := AuthenticatePrincipals(ctx, c.svc, bearerToken)
	if err != nil {
		return err
	}
	if !res.IsSystem && !res.Principals.IsOrgMember(orgID) {
		return errs.New(errs.KindForbidden, "user is not a member of "+orgID)
	}

	c.orgID = orgID
	c.prpls = res.Principals
	c.uid = res.UID
	c.isSystem = res.IsSystem
	if c.id != 0 {
		c.svc.ConnReg.Bind(c.id, connreg.ConnCtx{UID: c.uid, OrgID: orgID})
	}
	return nil
}

// Authorize performs the per-room visibility check: a connection may open
// a room only if GetViewableDocument returns a row for its principal set.
func (c *Conn) Authorize(ctx context.Context, docID uuid.UUID) error {
	row, err := c.svc.Store.GetViewableDocument(ctx, c.orgID, docID, []string(c.prpls))
	if err != nil {
		return err
	}
	if row == nil {
		return errs.New(errs.KindNotFound, "document not found or not visible")
	}
	return nil
}

// byPrpl is the principal a newly-bound peer in a room this connection
// writes to gets attributed to — what on_update calls by_prpl.
func (c *Conn) byPrpl() string {
	if c.isSystem {
		return c.prpls[0]
	}
	if uid, ok := c.prpls.OrgMemberUID(c.orgID); ok {
		return c.orgID + "/u/" + uid
	}
	return "s/colabri-system"
}

// Subscribe opens (if needed) r and joins its subscriber set, replying with
// an Init frame carrying the room's current snapshot.
func (c *Conn) Subscribe(ctx context.Context, key room.Key) error {
	if err := c.Authorize(ctx, key.DocID); err != nil {
		return err
	}

	hub := c.svc.Rooms.HubFor(c.orgID)
	r, err := hub.Open(ctx, key)
	if err != nil {
		return err
	}
	hub.Subscribe(r, c)

	c.mu.Lock()
	c.subs[key] = r
	c.mu.Unlock()

	snapshot, err := r.Doc.Export(crdt.ExportSnapshot, nil)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "export room snapshot", err)
	}
	return c.sender.Send(SendMessage{Type: "init", Init: &InitMessage{DocID: key.DocID.String(), Kind: key.Kind, ColabDoc: snapshot}})
}

// Unsubscribe leaves a single room's subscriber set.
func (c *Conn) Unsubscribe(key room.Key) {
	c.mu.Lock()
	r, ok := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if ok {
		c.svc.Rooms.HubFor(c.orgID).Unsubscribe(r, c.id)
	}
}

// Close removes the connection from every room it was subscribed to and
// from the connection registry.
func (c *Conn) Close() {
	c.mu.Lock()
	keys := make([]room.Key, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	for _, k := range keys {
		c.Unsubscribe(k)
	}
	if c.id != 0 {
		c.svc.ConnReg.Unbind(c.id)
	}
}

// Deliver implements room.Subscriber: push a peer's accepted update frame
// to this connection.
func (c *Conn) Deliver(key room.Key, u crdt.Update) error {
	delta, err := crdt.EncodeUpdate(u)
	if err != nil {
		return err
	}
	return c.sender.Send(SendMessage{Type: "update", Update: &UpdateMessage{DocID: key.DocID.String(), Kind: key.Kind, Delta: delta}})
}

// Update applies the update-admission rule to an incoming batch on behalf
// of this connection and fans the accepted delta out to the room's other
// subscribers. Grounded on wscolab.rs's on_update: diff the version vector
// before and after import to find the peers that advanced, take one of them
// (when several advanced, which one is taken follows map iteration order and
// is not defined), then check that peer's binding — first write binds the
// peer to by_prpl, any later write is accepted only if the bound principal
// is in the connection's principal set, otherwise rejected as impersonation.
//
// The batch is trial-applied to a clone first: wscolab.rs applies on a
// handle and returns doc: None on PermissionDenied, leaving the room's own
// document untouched by a rejected batch, and ImportBatch has no revert of
// its own, so the real room's Doc is only touched once admission succeeds.
func (c *Conn) Update(ctx context.Context, key room.Key, delta []byte) error {
	c.mu.Lock()
	r, ok := c.subs[key]
	c.mu.Unlock()
	if !ok {
		return errs.New(errs.KindConflict, "not subscribed to room")
	}

	update, err := crdt.DecodeUpdate(delta)
	if err != nil {
		return errs.Wrap(errs.KindBadRequest, "decode update batch", err)
	}

	hub := c.svc.Rooms.HubFor(c.orgID)
	byPrpl := c.byPrpl()

	trial, err := r.Doc.Clone()
	if err != nil {
		return errs.Wrap(errs.KindInternal, "clone document for trial apply", err)
	}
	advanced, err := trial.ImportBatch(update)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "apply update batch", err)
	}
	if len(advanced) == 0 {
		return nil
	}

	var updatingPeer uint64
	for peer := range advanced {
		updatingPeer = peer
		break
	}

	if err := hub.AdmitPeer(r, updatingPeer, byPrpl, c.prpls); err != nil {
		return err
	}

	if _, err := r.Doc.ImportBatch(update); err != nil {
		return errs.Wrap(errs.KindInternal, "apply update batch", err)
	}

	hub.MarkDirty(r, updatingPeer)
	c.broadcast(hub, r, key, update)
	return nil
}

// broadcast delivers update to every subscriber of r other than the
// connection that produced it, logging any delivery that fails; the failing
// subscriber stays subscribed. Each delivery is a synchronous write on the
// subscriber's connection, so a slow subscriber delays the broadcast.
func (c *Conn) broadcast(hub *room.Hub, r *room.Room, key room.Key, update crdt.Update) {
	for _, sub := range hub.Subscribers(r) {
		if sub.ConnID() == c.id {
			continue
		}
		if err := sub.Deliver(key, update); err != nil {
			c.svc.Logger.Warn("drop slow subscriber", zap.Uint64("connID", sub.ConnID()), zap.Error(err))
		}
	}
}

// Ping replies with the current server time.
func (c *Conn) Ping() error {
	return c.sender.Send(SendMessage{Type: "pong", Pong: &PongMessage{Date: time.Now().UTC().Format(time.RFC3339)}})
}

func contains(s principal.Set, v string) bool {
	for _, p := range s {
		if p == v {
			return true
		}
	}
	return false
}
