package relay

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/roomchat/pkg/protocol"
	"github.com/go-go-golems/roomchat/pkg/transport/wsconn"
)

const maxFrameSize = 64 << 10

// Handler serves GET /chat?id=<room>&name=<display name>. Every valid frame a
// participant sends is re-broadcast to the whole room, sender included.
type Handler struct {
	registry *Registry
	upgrader websocket.Upgrader
	keep     wsconn.KeepAlive
	origins  map[string]bool
	metrics  *Metrics
	log      zerolog.Logger
}

// NewHandler serves registry's rooms. metrics may be nil.
func NewHandler(registry *Registry, s Settings, metrics *Metrics, logger zerolog.Logger) *Handler {
	h := &Handler{
		registry: registry,
		metrics:  metrics,
		keep:     s.KeepAlive,
		origins:  map[string]bool{},
		log:      logger,
	}
	for _, o := range s.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			h.origins[o] = true
		}
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin admits non-browser clients and, when origins are configured,
// only those browsers; without configuration it falls back to same-host.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.origins) > 0 {
		return h.origins[origin] || h.origins["*"]
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	roomID := strings.TrimSpace(q.Get("id"))
	name := strings.TrimSpace(q.Get("name"))
	if name == "" {
		h.metrics.rejectedJoin("missing_name")
		http.Error(w, "missing name", http.StatusBadRequest)
		return
	}
	if roomID == "" {
		h.metrics.rejectedJoin("missing_room")
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}
	pool, err := h.registry.Lookup(roomID)
	if err != nil {
		if errors.Is(err, ErrUnknownRoom) {
			h.metrics.rejectedJoin("unknown_room")
			http.Error(w, "unknown room", http.StatusNotFound)
			return
		}
		h.metrics.rejectedJoin("invalid_room")
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("room_id", roomID).Msg("ws upgrade failed")
		return
	}
	ws.SetReadLimit(maxFrameSize)
	conn := wsconn.Wrap(ws, h.keep)

	clientID := uuid.NewString()
	c, ok := pool.join(clientID, name, conn)
	if !ok {
		// the pool was evicted between lookup and join
		if pool, err = h.registry.Lookup(roomID); err == nil {
			c, ok = pool.join(clientID, name, conn)
		}
	}
	if !ok {
		_ = conn.Close()
		return
	}
	defer pool.leave(c)
	h.metrics.joined()

	wsLog := h.log.With().
		Str("remote", conn.RemoteAddr()).
		Str("room_id", roomID).
		Str("client_id", clientID).
		Logger()
	for {
		frame, err := conn.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Debug().Err(err).Msg("ws closed unexpectedly")
			}
			return
		}
		if _, err := protocol.Decode(frame); err != nil {
			wsLog.Warn().Err(err).Msg("dropping malformed frame")
			h.metrics.malformed()
			continue
		}
		h.metrics.relayed(pool.Broadcast(frame))
	}
}
