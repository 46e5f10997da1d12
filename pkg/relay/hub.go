package relay

import (
	"context"
	"sync"

	"github.com/arzzra/call_api/pkg/logging"
)

// Hub реестр подключенных клиентов. На пользователя одно соединение:
// новое подключение вытесняет предыдущее.
type Hub struct {
	mu      sync.RWMutex
	peers   map[string]*peer
	metrics *Metrics
	logger  logging.StructuredLogger
}

// NewHub создает пустой реестр
func NewHub(metrics *Metrics, logger logging.StructuredLogger) *Hub {
	return &Hub{
		peers:   make(map[string]*peer),
		metrics: metrics,
		logger:  logging.OrDefault(logger).WithComponent("relay.hub"),
	}
}

func (h *Hub) register(p *peer) {
	h.mu.Lock()
	old := h.peers[p.userID]
	h.peers[p.userID] = p
	h.mu.Unlock()

	if old != nil {
		h.logger.Info(context.Background(), "соединение вытеснено новым",
			logging.String("user_id", p.userID))
		old.enqueue(&Frame{Op: OpError, Error: ErrorReplaced})
		old.close()
	} else {
		h.metrics.connected(1)
	}
}

func (h *Hub) unregister(p *peer) {
	h.mu.Lock()
	current := h.peers[p.userID] == p
	if current {
		delete(h.peers, p.userID)
	}
	h.mu.Unlock()
	if current {
		h.metrics.connected(-1)
	}
}

func (h *Hub) get(userID string) *peer {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.peers[userID]
}

// route доставляет сообщение получателю; отправитель узнает об отсутствии получателя
func (h *Hub) route(from *peer, f *Frame) {
	to := h.get(f.To)
	if to == nil {
		h.metrics.frame("offline")
		from.enqueue(&Frame{Op: OpError, To: f.To, Error: ErrorPeerOffline})
		return
	}
	if to.enqueue(&Frame{Op: OpMessage, From: from.userID, To: f.To, Payload: f.Payload}) {
		h.metrics.frame("delivered")
	} else {
		h.metrics.frame("dropped")
	}
}

// Online возвращает true если пользователь подключен
func (h *Hub) Online(userID string) bool {
	return h.get(userID) != nil
}

// Count число подключенных пользователей
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Close разрывает все соединения
func (h *Hub) Close() {
	h.mu.Lock()
	peers := make([]*peer, 0, len(h.peers))
	for id, p := range h.peers {
		peers = append(peers, p)
		delete(h.peers, id)
	}
	h.mu.Unlock()
	for _, p := range peers {
		h.metrics.connected(-1)
		p.close()
	}
}
