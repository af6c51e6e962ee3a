package binance

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
)

const defaultRestEndpoint = "https://api.binance.com"

type depthResponse struct {
	LastUpdateId int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// BinanceSyncAPI fetches full order book snapshots over REST.
type BinanceSyncAPI struct {
	endpoint string
	client   *http.Client
}

func NewBinanceSyncAPI(endpoint string) *BinanceSyncAPI {
	if endpoint == "" {
		endpoint = defaultRestEndpoint
	}

	return &BinanceSyncAPI{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (api *BinanceSyncAPI) OrderBookSnapshot(symbol *domain.MarketSymbol, limit int) (*domain.OrderBookSnapshot, error) {
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d",
		api.endpoint, strings.ToUpper(symbol.Join("")), limit)

	resp, err := api.client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to get order book snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("snapshot request returned status %d: %s", resp.StatusCode, body)
	}

	var data depthResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot response: %w", err)
	}

	return &domain.OrderBookSnapshot{
		Source:       domain.OrderBookSource_Provider,
		LastUpdateId: data.LastUpdateId,
		Bids:         data.Bids,
		Asks:         data.Asks,
	}, nil
}
