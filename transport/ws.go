// Package transport provides the WebSocket upgrade handler. Replaces the
// teacher's hand-rolled RFC 6455 framing (whose ReadMessage/WriteMessage
// were unfinished stubs) with gorilla/websocket, and generalizes the
// teacher's single flat doc-id route into one connection per organization
// multiplexing Load/Update/Unsubscribe frames across many rooms, per the
// length-delimited binary wire protocol.
package transport

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/karstenda/colabri-doc/errs"
	"github.com/karstenda/colabri-doc/room"
	"github.com/karstenda/colabri-doc/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var nextConnID uint64

// wsSender adapts a *websocket.Conn to session.Sender. gorilla/websocket
// permits at most one concurrent writer per connection, hence the mutex.
type wsSender struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSender) Send(msg session.SendMessage) error {
	payload, err := session.EncodeSend(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (s *wsSender) Close() error       { return s.conn.Close() }
func (s *wsSender) RemoteAddr() string { return s.conn.RemoteAddr().String() }

// Handler upgrades HTTP requests to WebSocket connections and drives the
// session.Conn read loop.
type Handler struct {
	svc    *session.Services
	logger *zap.Logger
}

// NewHandler builds a Handler backed by svc.
func NewHandler(svc *session.Services, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Route mounts the handler at /ws/{org} on r.
func (h *Handler) Route(r *mux.Router) {
	r.HandleFunc("/ws/{org}", h.ServeHTTP)
}

// ServeHTTP performs the handshake, then drives a read loop dispatching
// Load/Update/Unsubscribe/Ping frames to the protocol state machine — one
// connection, many rooms, mirroring wscolab.rs's on_auth_handshake followed
// by repeated on_load_document/on_update calls.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	org := mux.Vars(r)["org"]

	bearer := bearerToken(r)
	if bearer == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := atomic.AddUint64(&nextConnID, 1)
	sess := session.NewConn(connID, &wsSender{conn: conn}, h.svc)

	ctx := context.Background()
	if err := sess.Handshake(ctx, bearer, org); err != nil {
		h.sendError(conn, err)
		return
	}
	defer sess.Close()

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", zap.Error(err), zap.String("remote", conn.RemoteAddr().String()))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		msg, err := session.DecodeReceived(payload)
		if err != nil {
			h.sendError(conn, errs.Wrap(errs.KindBadRequest, "decode frame", err))
			continue
		}

		switch msg.Type {
		case "load":
			if msg.Load == nil {
				continue
			}
			key, err := parseKey(msg.Load.Kind, msg.Load.DocID)
			if err != nil {
				h.sendError(conn, err)
				continue
			}
			if err := sess.Subscribe(ctx, key); err != nil {
				h.sendError(conn, err)
			}
		case "update":
			if msg.Update == nil {
				continue
			}
			key, err := parseKey(msg.Update.Kind, msg.Update.DocID)
			if err != nil {
				h.sendError(conn, err)
				continue
			}
			if err := sess.Update(ctx, key, msg.Update.Delta); err != nil {
				h.sendError(conn, err)
			}
		case "unsubscribe":
			if msg.Unsubscribe == nil {
				continue
			}
			key, err := parseKey(msg.Unsubscribe.Kind, msg.Unsubscribe.DocID)
			if err != nil {
				h.sendError(conn, err)
				continue
			}
			sess.Unsubscribe(key)
		case "ping":
			_ = sess.Ping()
		default:
			h.logger.Warn("unknown frame type", zap.String("type", msg.Type))
		}
	}
}

func parseKey(kind, docID string) (room.Key, error) {
	id, err := uuid.Parse(docID)
	if err != nil {
		return room.Key{}, errs.Wrap(errs.KindBadRequest, "invalid docId", err)
	}
	return room.Key{Kind: kind, DocID: id}, nil
}

func (h *Handler) sendError(conn *websocket.Conn, err error) {
	resp := errs.ToResponse(err)
	payload, marshalErr := session.EncodeSend(session.SendMessage{Type: "error", Error: &resp})
	if marshalErr != nil {
		return
	}
	_ = conn.WriteMessage(websocket.BinaryMessage, payload)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
