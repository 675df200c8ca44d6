package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"prrelay/internal"
	"prrelay/pkg/relay"
)

// session is one live WebSocket connection owned by an instance identity.
// Fanout frames and protocol acknowledgments travel through the same bounded
// delivery channel, so the single write pump preserves per-connection
// ordering.
type session struct {
	instanceID   string
	conn         *websocket.Conn
	hub          *Hub
	send         chan []byte
	logger       *log.Logger
	writeTimeout time.Duration
	cancel       context.CancelFunc
}

// Handler returns the HTTP handler for the realtime endpoint. The instance
// identity comes from the request path and is never generated server-side.
// The endpoint is unauthenticated; only the webhook ingress is signed.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		instanceID := r.PathValue("instance")
		if instanceID == "" {
			http.Error(w, "missing instance id", http.StatusBadRequest)
			return
		}
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			h.logger.Printf("accept %s: %v", instanceID, err)
			return
		}
		conn.SetReadLimit(h.cfg.ReadLimit)

		s := &session{
			instanceID:   instanceID,
			conn:         conn,
			hub:          h,
			send:         h.NewChannel(),
			logger:       h.logger,
			writeTimeout: h.cfg.WriteTimeout,
		}
		s.run(r.Context())
	})
}

// run registers the session, pumps frames until the peer goes away, and
// deregisters unconditionally. Deregistration must happen on every exit path
// or the index keeps fanning out into a void.
func (s *session) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.cancel = cancel

	s.hub.Register(s.instanceID, s.send)
	internal.IncSession("opened")
	s.logger.Printf("session %s open", s.instanceID)

	defer func() {
		s.hub.Deregister(s.instanceID)
		cancel()
		s.conn.Close(websocket.StatusNormalClosure, "")
		internal.IncSession("closed")
		s.logger.Printf("session %s closed", s.instanceID)
	}()

	go s.writePump(ctx)
	s.readLoop(ctx)
}

// readLoop decodes control frames and applies them to the hub. Malformed
// frames are logged and skipped; the connection stays open.
func (s *session) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				s.logger.Printf("session %s read: %v", s.instanceID, err)
			}
			return
		}

		msg, err := relay.DecodeClientMessage(data)
		if err != nil {
			s.logger.Printf("session %s: bad frame: %v", s.instanceID, err)
			continue
		}

		switch msg.Type {
		case relay.TypeSubscribe:
			s.hub.Subscribe(s.instanceID, *msg.Key)
			internal.IncControl("subscribe")
			s.queue(relay.ServerMessage{Type: relay.TypeSubscribed, Key: msg.Key})
		case relay.TypeUnsubscribe:
			s.hub.Unsubscribe(s.instanceID, *msg.Key)
			internal.IncControl("unsubscribe")
			s.queue(relay.ServerMessage{Type: relay.TypeUnsubscribed, Key: msg.Key})
		case relay.TypePing:
			internal.IncControl("ping")
			s.queue(relay.ServerMessage{Type: relay.TypePong})
		}
	}
}

// writePump is the only writer on the connection. A write failure cancels
// the session context, which unblocks the read loop.
func (s *session) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-s.send:
			writeCtx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := s.conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				s.logger.Printf("session %s write: %v", s.instanceID, err)
				s.cancel()
				return
			}
		}
	}
}

// queue hands an acknowledgment to the write pump. Acks share the delivery
// channel's drop policy.
func (s *session) queue(msg relay.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("session %s: marshal %s: %v", s.instanceID, msg.Type, err)
		return
	}
	select {
	case s.send <- data:
	default:
		s.logger.Printf("session %s: drop %s: delivery channel full", s.instanceID, msg.Type)
	}
}
