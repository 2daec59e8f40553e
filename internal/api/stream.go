package api

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"dustsweep/internal/consolidation"
	"dustsweep/internal/domain"
)

const (
	pingInterval   = 30 * time.Second
	writeTimeout   = 10 * time.Second
	subscriberSize = 8
)

// Hub fans consolidation status changes out to stream subscribers.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[chan *domain.ConsolidationRecord]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan *domain.ConsolidationRecord]struct{})}
}

var _ consolidation.Observer = (*Hub)(nil)

// StatusChanged delivers rec to the subscribers of its id. A subscriber
// whose buffer is full misses the update.
func (h *Hub) StatusChanged(rec *domain.ConsolidationRecord) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[rec.ID] {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Subscribe registers for updates of id until cancel is called.
func (h *Hub) Subscribe(id string) (updates <-chan *domain.ConsolidationRecord, cancel func()) {
	ch := make(chan *domain.ConsolidationRecord, subscriberSize)

	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[chan *domain.ConsolidationRecord]struct{})
	}
	h.subs[id][ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if m := h.subs[id]; m != nil {
			delete(m, ch)
			if len(m) == 0 {
				delete(h.subs, id)
			}
		}
	}
}

// Subscribers returns the number of live subscriptions to id.
func (h *Hub) Subscribers(id string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id])
}

var upgrader = websocket.Upgrader{
	HandshakeTimeout: 10 * time.Second,
	// Origin is enforced by the authenticating proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// stream pushes the record as JSON on every status change and closes the
// socket once the status is terminal.
func (s *Server) stream(w http.ResponseWriter, r *http.Request) {
	trader, ok := s.trader(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")

	// Subscribe before the snapshot so no change falls in between.
	updates, cancel := s.hub.Subscribe(id)
	defer cancel()

	rec, err := s.svc.Get(r.Context(), id, trader)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		return
	}
	defer conn.Close()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(rec *domain.ConsolidationRecord) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(rec)
	}
	if err := send(rec); err != nil {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	last := rec.Status
	for !last.Terminal() {
		select {
		case u := <-updates:
			if u.Status == last {
				continue
			}
			if err := send(u); err != nil {
				s.logger.Debug("stream write failed", zap.String("consolidation_id", id), zap.Error(err))
				return
			}
			last = u.Status
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-closed:
			return
		}
	}

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(last)),
		time.Now().Add(writeTimeout))
}

var errNoHijack = errors.New("response writer does not support hijacking")

// Hijack lets the websocket upgrade take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errNoHijack
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
