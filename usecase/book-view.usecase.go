package usecase

import (
	"fmt"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
)

// BookStatus is the observable state of the mirror, for status display.
type BookStatus struct {
	Symbol       string                  `json:"symbol"`
	Connection   domain.ConnState        `json:"connection"`
	LatencyMs    int64                   `json:"latencyMs"`
	SyncState    domain.SyncState        `json:"syncState"`
	LastSequence int64                   `json:"lastSequence"`
	Resyncs      int64                   `json:"resyncs"`
}

// BookViewUseCase is the consumer-facing read API over the mirrored book.
// Every reader works on the immutable book current at call time; the
// synchronizer may publish a newer one concurrently without affecting an
// in-flight read.
type BookViewUseCase struct {
	symbol       *domain.MarketSymbol
	synchronizer *domain.OrderbookSynchronizer
	streamAPI    domain.ProviderStreamAPI
}

// NewBookViewUseCase validates the symbol and wires the synchronizer.
// An invalid market is the one fatal condition and fails here, before any
// transport activity.
func NewBookViewUseCase(
	market string,
	syncAPI domain.ProviderSyncAPI,
	streamAPI domain.ProviderStreamAPI,
	opts domain.SynchronizerOpts,
) (*BookViewUseCase, error) {
	symbol, err := domain.NewMarketSymbolFromString(market)
	if err != nil {
		return nil, fmt.Errorf("invalid market %q: %w", market, err)
	}

	return &BookViewUseCase{
		symbol:       symbol,
		synchronizer: domain.NewOrderbookSynchronizer(symbol, syncAPI, streamAPI, opts),
		streamAPI:    streamAPI,
	}, nil
}

func (uc *BookViewUseCase) Start() error {
	return uc.synchronizer.Start()
}

func (uc *BookViewUseCase) Stop() {
	uc.synchronizer.Stop()
}

func (uc *BookViewUseCase) Symbol() *domain.MarketSymbol {
	return uc.symbol
}

// Subscribe registers a callback invoked once per successful merge.
func (uc *BookViewUseCase) Subscribe(fn func(*domain.OrderBook)) {
	uc.synchronizer.Subscribe(fn)
}

func (uc *BookViewUseCase) GetTopN(n int) domain.DepthView {
	return domain.TopN(uc.synchronizer.Book(), n)
}

func (uc *BookViewUseCase) GetSpreadMid() (spread, mid float64) {
	return domain.SpreadMid(uc.synchronizer.Book())
}

func (uc *BookViewUseCase) GetVWAP(depth int) (bidVWAP, askVWAP float64) {
	return domain.VWAP(uc.synchronizer.Book(), depth)
}

func (uc *BookViewUseCase) GetSupportResistance(opts domain.SupportResistanceOpts) (support, resistance []domain.KeyLevel) {
	return domain.SupportResistance(uc.synchronizer.Book(), opts)
}

// GetSnapshot serializes the current book in the wire shape, depth-limited.
// Before the first bootstrap completes it returns nil.
func (uc *BookViewUseCase) GetSnapshot(limit int) *domain.OrderBookSnapshot {
	book := uc.synchronizer.Book()
	if book == nil {
		return nil
	}
	return book.TakeSnapshot(limit)
}

func (uc *BookViewUseCase) Status() BookStatus {
	status := BookStatus{
		Symbol:    uc.symbol.String(),
		SyncState: uc.synchronizer.State(),
		Resyncs:   uc.synchronizer.ResyncCount.Load(),
	}

	conn := uc.streamAPI.ConnectionStatus()
	status.Connection = conn.State
	status.LatencyMs = conn.Latency.Milliseconds()

	if book := uc.synchronizer.Book(); book != nil {
		status.LastSequence = book.LastSequence
	}

	return status
}
