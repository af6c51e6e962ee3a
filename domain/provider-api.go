package domain

import "time"

// ConnState is the transport lifecycle state, for status display only.
type ConnState string

const (
	ConnState_Disconnected ConnState = "Disconnected"
	ConnState_Connecting   ConnState = "Connecting"
	ConnState_Connected    ConnState = "Connected"
	ConnState_Reconnecting ConnState = "Reconnecting"
)

// ConnectionStatus is a point-in-time reading of the transport.
// Latency is only meaningful while State is Connected.
type ConnectionStatus struct {
	State   ConnState
	Latency time.Duration
}

type ProviderSyncAPI interface {
	OrderBookSnapshot(symbol *MarketSymbol, limit int) (*OrderBookSnapshot, error)
}

type ProviderStreamAPI interface {
	DepthDiffStream(symbol *MarketSymbol) (*Subscription[*DepthUpdate], error)
	// Reconnects emits an event after every successful reconnect of the
	// underlying transport. Continuity guarantees do not survive a reconnect,
	// so the synchronizer must resync on each event.
	Reconnects() <-chan struct{}
	ConnectionStatus() ConnectionStatus
}
