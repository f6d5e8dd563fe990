package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/kolmarket/market-engine/internal/metrics"
	"github.com/kolmarket/market-engine/internal/model"
	"github.com/kolmarket/market-engine/internal/period"
)

// Message types sent to WebSocket clients.
const (
	MsgOrderFilled    = "order_filled"
	MsgPeriodResolved = "period_resolved"
)

const (
	feedWriteWait  = 5 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 30 * time.Second
	feedQueueSize  = 32
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type           string            `json:"type"`
	PeriodID       string            `json:"period_id"`
	CandidateID    string            `json:"candidate_id,omitempty"`
	Side           string            `json:"side,omitempty"`
	Price          string            `json:"price,omitempty"`
	Quantity       string            `json:"quantity,omitempty"`
	Probabilities  map[string]string `json:"probabilities,omitempty"`
	WinnerID       string            `json:"winner_id,omitempty"`
	PayoutPerShare string            `json:"payout_per_share,omitempty"`
}

// subscriber is one feed client. Only its writeLoop writes to conn.
type subscriber struct {
	conn     *websocket.Conn
	periodID string // empty follows every period
	queue    chan []byte
}

func (s *subscriber) follows(periodID string) bool {
	return s.periodID == "" || s.periodID == periodID
}

type feedEvent struct {
	periodID string
	data     []byte
}

// WSHub fans fills and resolutions out to subscribed clients. A client
// can follow a single period with ?period_id=. A client whose queue is
// full is dropped rather than stalling the hub.
type WSHub struct {
	events  chan feedEvent
	join    chan *subscriber
	leave   chan *subscriber
	stopped chan struct{}

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

// NewWSHub creates a hub. Nothing is delivered until Run is called.
func NewWSHub() *WSHub {
	return &WSHub{
		events:  make(chan feedEvent, 256),
		join:    make(chan *subscriber),
		leave:   make(chan *subscriber),
		stopped: make(chan struct{}),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Run is the hub's event loop. It disconnects every subscriber and returns
// when ctx is done.
func (h *WSHub) Run(ctx context.Context) error {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for sub := range h.subs {
				h.dropLocked(sub)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return nil

		case sub := <-h.join:
			h.mu.Lock()
			h.subs[sub] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("feed subscriber joined", "period_id", sub.periodID, "total", n)

		case sub := <-h.leave:
			h.mu.Lock()
			if _, ok := h.subs[sub]; ok {
				h.dropLocked(sub)
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case ev := <-h.events:
			h.mu.Lock()
			for sub := range h.subs {
				if !sub.follows(ev.periodID) {
					continue
				}
				select {
				case sub.queue <- ev.data:
				default:
					slog.Warn("dropping slow feed subscriber", "period_id", sub.periodID)
					h.dropLocked(sub)
				}
			}
			n := len(h.subs)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// dropLocked removes sub and ends its writeLoop. h.mu must be held.
func (h *WSHub) dropLocked(sub *subscriber) {
	delete(h.subs, sub)
	close(sub.queue)
}

// Subscribers returns the number of connected clients.
func (h *WSHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast queues a message for the clients following its period.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.events <- feedEvent{periodID: msg.PeriodID, data: data}:
	default:
		// Full: a fill never waits on the feed.
	}
}

// BroadcastFill announces a fill with the period's new probabilities.
func (h *WSHub) BroadcastFill(o model.TradeOrder, newPrice decimal.Decimal, state model.MarketState) {
	probs := make(map[string]string, len(state.Shares))
	for _, cs := range state.Shares {
		probs[cs.CandidateID] = cs.Probability.String()
	}
	h.Broadcast(WSMessage{
		Type:          MsgOrderFilled,
		PeriodID:      o.PeriodID,
		CandidateID:   o.CandidateID,
		Side:          string(o.Side),
		Price:         newPrice.String(),
		Quantity:      o.Quantity.String(),
		Probabilities: probs,
	})
}

// BroadcastResolution announces a settled period.
func (h *WSHub) BroadcastResolution(res model.MarketResolution) {
	h.Broadcast(WSMessage{
		Type:           MsgPeriodResolved,
		PeriodID:       res.PeriodID,
		WinnerID:       res.WinnerID,
		PayoutPerShare: res.PayoutPerShare.String(),
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // CORS is enforced by the router.
	},
}

// HandleWS upgrades GET /api/v1/ws[?period_id=...] to a feed subscription.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	periodID := r.URL.Query().Get("period_id")
	if periodID != "" {
		if _, err := period.ParseID(periodID); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	sub := &subscriber{conn: conn, periodID: periodID, queue: make(chan []byte, feedQueueSize)}

	select {
	case h.join <- sub:
	case <-h.stopped:
		conn.Close()
		return
	}
	go sub.writeLoop()
	go h.readLoop(sub)
}

// readLoop discards client frames and reports the disconnect to the hub.
func (h *WSHub) readLoop(sub *subscriber) {
	defer func() {
		select {
		case h.leave <- sub:
		case <-h.stopped:
		}
	}()
	sub.conn.SetReadLimit(512)
	sub.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop delivers queued messages and pings until the queue is closed or
// a write fails.
func (s *subscriber) writeLoop() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.queue:
			s.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
