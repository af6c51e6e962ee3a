package binance

import (
	"encoding/json"
	"fmt"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
)

type Message[T any] struct {
	Stream string `json:"stream"`
	Data   T      `json:"data"`
}

type DepthUpdateData struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateId int64      `json:"U"`
	FinalUpdateId int64      `json:"u"`
	PrevFinalId   int64      `json:"pu"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

// BinanceStreamAPI turns the raw multiplexed stream into domain depth updates.
type BinanceStreamAPI struct {
	streamClient *BinanceStreamClient
}

func NewBinanceStreamAPI(client *BinanceStreamClient) *BinanceStreamAPI {
	return &BinanceStreamAPI{streamClient: client}
}

func (bs *BinanceStreamAPI) DepthDiffStream(symbol *domain.MarketSymbol) (*domain.Subscription[*domain.DepthUpdate], error) {
	topic := fmt.Sprintf("%s@depth", symbol.Join(""))

	subscription, err := bs.streamClient.Subscribe(topic)
	if err != nil {
		return nil, err
	}

	out := make(chan *domain.DepthUpdate, cap(subscription.Stream))

	go func() {
		defer close(out)

		for msg := range subscription.Stream {
			var message Message[DepthUpdateData]
			if err := json.Unmarshal(msg, &message); err != nil {
				logger.Warn().Err(err).Str("topic", topic).Msg("failed to decode depth update")
				continue
			}

			update := domain.NewDepthUpdate(
				symbol,
				message.Data.Bids, message.Data.Asks,
				message.Data.FirstUpdateId, message.Data.FinalUpdateId,
			)
			// the futures stream links events explicitly via pu
			update.PrevFinalSequence = message.Data.PrevFinalId

			out <- update
		}
	}()

	return &domain.Subscription[*domain.DepthUpdate]{
		Stream:      out,
		Topic:       topic,
		Unsubscribe: subscription.Unsubscribe,
	}, nil
}

func (bs *BinanceStreamAPI) Reconnects() <-chan struct{} {
	return bs.streamClient.Reconnects()
}

func (bs *BinanceStreamAPI) ConnectionStatus() domain.ConnectionStatus {
	return bs.streamClient.ConnectionStatus()
}
