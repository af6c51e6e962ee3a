package binance

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
)

var logger = log.With().Str("component", "binance").Logger()

const (
	defaultWebsocketEndpoint = "wss://stream.binance.com:9443/stream"
	handshakeTimeout         = 5 * time.Second
	pingInterval             = 30 * time.Second
	readTimeout              = 2 * pingInterval
)

type SubscriptionEntry struct {
	ch              chan []byte
	subscriberCount int
}

type WebSocketRequestModel struct {
	ReqId  int      `json:"id"`
	Params []string `json:"params"`
	Method string   `json:"method"`
}

// BinanceStreamClient owns the websocket connection lifecycle:
// Disconnected -> Connecting -> Connected, with Reconnecting on any read
// failure. Reconnects use capped exponential backoff, re-subscribe every
// active topic and are announced on the Reconnects channel so consumers can
// resync. Round-trip latency is sampled with ping/pong while Connected.
type BinanceStreamClient struct {
	endpoint string

	mu            sync.Mutex
	conn          *websocket.Conn
	state         domain.ConnState
	latency       time.Duration
	lastPingAt    time.Time
	subscriptions map[string]*SubscriptionEntry

	reconnects chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
}

func NewBinanceStreamClient(endpoint string) *BinanceStreamClient {
	if endpoint == "" {
		endpoint = defaultWebsocketEndpoint
	}

	return &BinanceStreamClient{
		endpoint:      endpoint,
		state:         domain.ConnState_Disconnected,
		subscriptions: make(map[string]*SubscriptionEntry),
		reconnects:    make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

func (c *BinanceStreamClient) Connect() error {
	c.setState(domain.ConnState_Connecting)

	conn, err := c.dial()
	if err != nil {
		c.setState(domain.ConnState_Disconnected)
		return fmt.Errorf("failed to dial %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.setState(domain.ConnState_Connected)
	logger.Info().Str("endpoint", c.endpoint).Msg("stream connected")

	c.wg.Add(2)
	go c.readLoop()
	go c.pingLoop()
	return nil
}

func (c *BinanceStreamClient) Close() error {
	close(c.done)

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	c.wg.Wait()
	c.setState(domain.ConnState_Disconnected)
	return err
}

// Reconnects emits one event after every successful reconnect.
func (c *BinanceStreamClient) Reconnects() <-chan struct{} {
	return c.reconnects
}

// ConnectionStatus exposes the lifecycle state and the last sampled ping
// round trip. Latency is only reported while Connected.
func (c *BinanceStreamClient) ConnectionStatus() domain.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := domain.ConnectionStatus{State: c.state}
	if c.state == domain.ConnState_Connected {
		status.Latency = c.latency
	}
	return status
}

// Subscribe registers interest in a stream topic. The returned subscription
// survives reconnects: topics are re-subscribed after every re-dial.
func (c *BinanceStreamClient) Subscribe(topic string) (*domain.Subscription[[]byte], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.subscriptions[topic]
	if ok {
		entry.subscriberCount++
		return c.subscriptionFor(topic, entry), nil
	}

	entry = &SubscriptionEntry{
		ch:              make(chan []byte, 128),
		subscriberCount: 1,
	}
	c.subscriptions[topic] = entry

	logger.Info().Str("topic", topic).Msg("subscribing")
	if err := c.writeJSONLocked(WebSocketRequestModel{
		Method: "SUBSCRIBE",
		ReqId:  getRandomReqID(),
		Params: []string{topic},
	}); err != nil {
		delete(c.subscriptions, topic)
		return nil, fmt.Errorf("failed to send subscribe msg for topic=%s: %w", topic, err)
	}

	return c.subscriptionFor(topic, entry), nil
}

func (c *BinanceStreamClient) subscriptionFor(topic string, entry *SubscriptionEntry) *domain.Subscription[[]byte] {
	return &domain.Subscription[[]byte]{
		Stream: entry.ch,
		Topic:  topic,
		Unsubscribe: func() {
			c.unsubscribe(topic)
		},
	}
}

func (c *BinanceStreamClient) unsubscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.subscriptions[topic]
	if !ok {
		return
	}

	if entry.subscriberCount > 1 {
		entry.subscriberCount--
		return
	}

	close(entry.ch)
	delete(c.subscriptions, topic)

	if err := c.writeJSONLocked(WebSocketRequestModel{
		Method: "UNSUBSCRIBE",
		ReqId:  getRandomReqID(),
		Params: []string{topic},
	}); err != nil {
		logger.Warn().Err(err).Str("topic", topic).Msg("failed to send unsubscribe msg")
	}
}

func (c *BinanceStreamClient) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.Dial(c.endpoint, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		c.samplePong()
		return nil
	})

	return conn, nil
}

func (c *BinanceStreamClient) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			logger.Warn().Err(err).Msg("stream read failed, reconnecting")
			if !c.reconnect() {
				return
			}
			continue
		}

		c.dispatch(msg)
	}
}

// reconnect re-dials with capped exponential backoff until it succeeds or the
// client is closed. On success it re-subscribes all topics and announces the
// reconnect.
func (c *BinanceStreamClient) reconnect() bool {
	c.setState(domain.ConnState_Reconnecting)

	b := &backoff.Backoff{
		Min:    500 * time.Millisecond,
		Max:    time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-c.done:
			return false
		case <-time.After(b.Duration()):
		}

		conn, err := c.dial()
		if err != nil {
			logger.Warn().Err(err).Dur("nextRetryIn", b.Duration()).Msg("reconnect attempt failed")
			continue
		}

		c.mu.Lock()
		c.conn = conn
		topics := make([]string, 0, len(c.subscriptions))
		for topic := range c.subscriptions {
			topics = append(topics, topic)
		}
		if len(topics) > 0 {
			err = c.writeJSONLocked(WebSocketRequestModel{
				Method: "SUBSCRIBE",
				ReqId:  getRandomReqID(),
				Params: topics,
			})
		}
		c.mu.Unlock()

		if err != nil {
			logger.Warn().Err(err).Msg("failed to restore subscriptions, retrying")
			conn.Close()
			continue
		}

		c.setState(domain.ConnState_Connected)
		logger.Info().Int("topics", len(topics)).Msg("stream reconnected")

		select {
		case c.reconnects <- struct{}{}:
		default:
		}
		return true
	}
}

func (c *BinanceStreamClient) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		if c.state != domain.ConnState_Connected || c.conn == nil {
			c.mu.Unlock()
			continue
		}
		c.lastPingAt = time.Now()
		err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(handshakeTimeout))
		c.mu.Unlock()

		if err != nil {
			logger.Warn().Err(err).Msg("ping write failed")
		}
	}
}

func (c *BinanceStreamClient) samplePong() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.lastPingAt.IsZero() {
		c.latency = time.Since(c.lastPingAt)
	}
}

func (c *BinanceStreamClient) dispatch(msg []byte) {
	var envelope struct {
		Stream string `json:"stream"`
		ID     *int   `json:"id"`
	}
	if err := json.Unmarshal(msg, &envelope); err != nil {
		logger.Warn().Err(err).Msg("failed to decode stream message")
		return
	}

	// ack of a subscribe/unsubscribe request
	if envelope.Stream == "" {
		return
	}

	c.mu.Lock()
	entry, ok := c.subscriptions[envelope.Stream]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case entry.ch <- msg:
	default:
		logger.Warn().Str("topic", envelope.Stream).Msg("subscriber is too slow, dropping message")
	}
}

func (c *BinanceStreamClient) writeJSONLocked(v any) error {
	if c.conn == nil {
		return fmt.Errorf("connection is not established")
	}
	return c.conn.WriteJSON(v)
}

func (c *BinanceStreamClient) setState(state domain.ConnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func getRandomReqID() int {
	min := 10000
	max := 9999999
	return min + rand.Intn(max-min)
}
