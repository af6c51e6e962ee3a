package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
)

const broadcastDepth = 20

// BookMessage is pushed to every websocket client once per successful merge.
type BookMessage struct {
	Symbol       string     `json:"symbol"`
	LastSequence int64      `json:"lastSequence"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
	Timestamp    int64      `json:"timestamp"`
}

// BroadcastHub fans the stream of published books out to websocket clients.
// A slow client never blocks the merge path: the hub reads from a small
// buffered channel and drops intermediate books under pressure.
type BroadcastHub struct {
	view     BookView
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	broadcast chan *domain.OrderBook
	done      chan struct{}
}

func NewBroadcastHub(view BookView) *BroadcastHub {
	return &BroadcastHub{
		view: view,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan *domain.OrderBook, 16),
		done:      make(chan struct{}),
	}
}

func (h *BroadcastHub) Run() {
	h.view.Subscribe(func(book *domain.OrderBook) {
		select {
		case h.broadcast <- book:
		default:
			// the next merge will carry the newer book anyway
		}
	})

	go h.loop()
}

func (h *BroadcastHub) Stop() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

func (h *BroadcastHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()
	logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("websocket client connected")

	// current state first, so a new client does not wait for the next merge
	if snapshot := h.view.GetSnapshot(broadcastDepth); snapshot != nil {
		status := h.view.Status()
		conn.WriteJSON(BookMessage{
			Symbol:       status.Symbol,
			LastSequence: snapshot.LastUpdateId,
			Bids:         snapshot.Bids,
			Asks:         snapshot.Asks,
			Timestamp:    time.Now().UnixMilli(),
		})
	}

	// reads are only needed to detect the client going away
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *BroadcastHub) loop() {
	for {
		select {
		case <-h.done:
			return
		case book := <-h.broadcast:
			h.send(book)
		}
	}
}

func (h *BroadcastHub) send(book *domain.OrderBook) {
	snapshot := book.TakeSnapshot(broadcastDepth)
	msg := BookMessage{
		Symbol:       book.Symbol.String(),
		LastSequence: snapshot.LastUpdateId,
		Bids:         snapshot.Bids,
		Asks:         snapshot.Asks,
		Timestamp:    time.Now().UnixMilli(),
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(msg); err != nil {
			logger.Warn().Err(err).Msg("websocket write failed, dropping client")
			h.drop(conn)
		}
	}
}

func (h *BroadcastHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}
