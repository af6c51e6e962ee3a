package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
	"github.com/spooky-finn/go-orderbook-mirror/usecase"
)

type stubView struct {
	book      *domain.OrderBook
	observers []func(*domain.OrderBook)
}

func newStubView(t *testing.T) *stubView {
	t.Helper()
	symbol, err := domain.NewMarketSymbol("BTC", "USDT")
	require.NoError(t, err)

	return &stubView{
		book: domain.NewOrderBook(symbol, &domain.OrderBookSnapshot{
			LastUpdateId: 102,
			Bids:         [][]string{{"100", "1"}, {"99.5", "2"}},
			Asks:         [][]string{{"100.5", "1.5"}, {"101", "3"}},
		}),
	}
}

func (v *stubView) GetTopN(n int) domain.DepthView { return domain.TopN(v.book, n) }
func (v *stubView) GetSpreadMid() (float64, float64) {
	return domain.SpreadMid(v.book)
}
func (v *stubView) GetVWAP(depth int) (float64, float64) {
	return domain.VWAP(v.book, depth)
}
func (v *stubView) GetSupportResistance(opts domain.SupportResistanceOpts) ([]domain.KeyLevel, []domain.KeyLevel) {
	return domain.SupportResistance(v.book, opts)
}
func (v *stubView) GetSnapshot(limit int) *domain.OrderBookSnapshot {
	if v.book == nil {
		return nil
	}
	return v.book.TakeSnapshot(limit)
}
func (v *stubView) Status() usecase.BookStatus {
	return usecase.BookStatus{
		Symbol:       "btc_usdt",
		Connection:   domain.ConnState_Connected,
		LatencyMs:    7,
		SyncState:    domain.SyncState_Synchronized,
		LastSequence: 102,
	}
}
func (v *stubView) Subscribe(fn func(*domain.OrderBook)) {
	v.observers = append(v.observers, fn)
}

func (v *stubView) publish(book *domain.OrderBook) {
	for _, fn := range v.observers {
		fn(book)
	}
}

func TestServer_HandleStatus(t *testing.T) {
	s := NewServer(newStubView(t), ":0")

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var status usecase.BookStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "btc_usdt", status.Symbol)
	assert.Equal(t, domain.ConnState_Connected, status.Connection)
	assert.Equal(t, int64(102), status.LastSequence)
}

func TestServer_HandleBook(t *testing.T) {
	s := NewServer(newStubView(t), ":0")

	req := httptest.NewRequest(http.MethodGet, "/book?limit=1", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot domain.OrderBookSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, int64(102), snapshot.LastUpdateId)
	assert.Len(t, snapshot.Bids, 1)
	assert.Len(t, snapshot.Asks, 1)
}

func TestServer_HandleBook_NotSynchronized(t *testing.T) {
	view := newStubView(t)
	view.book = nil
	s := NewServer(view, ":0")

	req := httptest.NewRequest(http.MethodGet, "/book", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_HandleAnalytics(t *testing.T) {
	s := NewServer(newStubView(t), ":0")

	req := httptest.NewRequest(http.MethodGet, "/analytics?percentile=0&maxLevels=5", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp analyticsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.InDelta(t, 0.5, resp.Spread, 1e-9)
	assert.InDelta(t, 100.25, resp.Mid, 1e-9)
	assert.Greater(t, resp.BidVWAP, 0.0)
	assert.NotEmpty(t, resp.Support)
	assert.NotEmpty(t, resp.Resistance)
}

func TestBroadcastHub_PushesMerges(t *testing.T) {
	view := newStubView(t)
	s := NewServer(view, ":0")
	s.hub.Run()
	defer s.hub.Stop()

	httpServer := httptest.NewServer(s.Handler())
	defer httpServer.Close()

	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// initial state arrives immediately
	var first BookMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, int64(102), first.LastSequence)

	view.publish(view.book)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	var second BookMessage
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, "btc_usdt", second.Symbol)
	assert.NotEmpty(t, second.Bids)
}
