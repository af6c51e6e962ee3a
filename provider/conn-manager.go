package provider

import (
	"github.com/spooky-finn/go-orderbook-mirror/config"
	"github.com/spooky-finn/go-orderbook-mirror/domain"
	"github.com/spooky-finn/go-orderbook-mirror/provider/binance"
)

// ConnectionManager owns the venue transport and hands out the provider APIs.
type ConnectionManager struct {
	BinanceWC        *binance.BinanceStreamClient
	BinanceSyncAPI   *binance.BinanceSyncAPI
	BinanceStreamAPI *binance.BinanceStreamAPI
}

func NewConnectionManager(cfg *config.Config) *ConnectionManager {
	streamClient := binance.NewBinanceStreamClient(cfg.BinanceWsEndpoint)

	return &ConnectionManager{
		BinanceWC:        streamClient,
		BinanceSyncAPI:   binance.NewBinanceSyncAPI(cfg.BinanceRestEndpoint),
		BinanceStreamAPI: binance.NewBinanceStreamAPI(streamClient),
	}
}

func (cm *ConnectionManager) Init() error {
	return cm.BinanceWC.Connect()
}

func (cm *ConnectionManager) StreamAPI() domain.ProviderStreamAPI {
	return cm.BinanceStreamAPI
}

func (cm *ConnectionManager) SyncAPI() domain.ProviderSyncAPI {
	return cm.BinanceSyncAPI
}

func (cm *ConnectionManager) Close() error {
	return cm.BinanceWC.Close()
}
