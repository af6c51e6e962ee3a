package domain

import (
	"sort"
	"strconv"
	"time"
)

type OrderBookSource string

const (
	OrderBookSource_Provider       OrderBookSource = "Provider"
	OrderBookSource_LocalOrderBook OrderBookSource = "LocalOrderBook"
)

// PriceLevel is one resting level of the ladder. Size is always > 0 while the
// level is stored; a zero size on the wire means "remove".
type PriceLevel struct {
	Price float64
	Size  float64
}

// BookSide is a unique-price ladder sorted best-first: bids descending,
// asks ascending.
type BookSide []PriceLevel

// OrderBookSnapshot is the wire shape of a full-state response. Levels are kept
// as decimal strings exactly as the venue sent them.
type OrderBookSnapshot struct {
	Source       OrderBookSource `json:"source"`
	LastUpdateId int64           `json:"lastUpdateId"`
	Bids         [][]string      `json:"bids"`
	Asks         [][]string      `json:"asks"`
}

// OrderBook is an immutable local mirror of the venue book. A successful merge
// produces a new OrderBook; a published book is never mutated, so readers may
// hold a reference without locking.
type OrderBook struct {
	Symbol       *MarketSymbol
	Bids         BookSide
	Asks         BookSide
	LastSequence int64
	UpdatedAt    time.Time
}

func NewOrderBook(symbol *MarketSymbol, snapshot *OrderBookSnapshot) *OrderBook {
	ob := &OrderBook{
		Symbol:       symbol,
		Bids:         parsePriceLevels(snapshot.Bids),
		Asks:         parsePriceLevels(snapshot.Asks),
		LastSequence: snapshot.LastUpdateId,
		UpdatedAt:    time.Now(),
	}

	sortSide(ob.Bids, true)
	sortSide(ob.Asks, false)
	return ob
}

// MergeDiff applies one depth update under the given continuity proof and
// returns the next book. The receiver is left untouched: the merge is
// copy-then-swap, so a CrossedBook rejection costs nothing to roll back.
func (ob *OrderBook) MergeDiff(update *DepthUpdate, proof ContinuityProof) (*OrderBook, error) {
	nextSeq, err := GateSequence(ob.LastSequence, proof)
	if err != nil {
		return nil, err
	}

	next := ob.clone()
	next.LastSequence = nextSeq
	next.UpdatedAt = time.Now()

	for _, level := range parsePriceLevels(update.Bids) {
		next.Bids = next.Bids.Upsert(level.Price, level.Size, true)
	}
	for _, level := range parsePriceLevels(update.Asks) {
		next.Asks = next.Asks.Upsert(level.Price, level.Size, false)
	}

	if next.IsCrossed() {
		return nil, ErrCrossedBook
	}

	return next, nil
}

// IsCrossed reports whether the best bid meets or exceeds the best ask.
// A crossed book must never survive a merge.
func (ob *OrderBook) IsCrossed() bool {
	if len(ob.Bids) == 0 || len(ob.Asks) == 0 {
		return false
	}
	return ob.Bids[0].Price >= ob.Asks[0].Price
}

func (ob *OrderBook) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

func (ob *OrderBook) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

// TakeSnapshot serializes the book back to the wire shape, optionally limited
// to the first `limit` levels per side.
func (ob *OrderBook) TakeSnapshot(limit int) *OrderBookSnapshot {
	return &OrderBookSnapshot{
		Source:       OrderBookSource_LocalOrderBook,
		LastUpdateId: ob.LastSequence,
		Bids:         serializePriceLevels(limitDepth(ob.Bids, limit)),
		Asks:         serializePriceLevels(limitDepth(ob.Asks, limit)),
	}
}

func (ob *OrderBook) clone() *OrderBook {
	next := &OrderBook{
		Symbol:       ob.Symbol,
		Bids:         make(BookSide, len(ob.Bids)),
		Asks:         make(BookSide, len(ob.Asks)),
		LastSequence: ob.LastSequence,
		UpdatedAt:    ob.UpdatedAt,
	}
	copy(next.Bids, ob.Bids)
	copy(next.Asks, ob.Asks)
	return next
}

// Upsert inserts, replaces or removes one level keeping the side sorted.
// Size 0 removes the level when present and is a no-op otherwise.
// The position is located with a binary search.
func (s BookSide) Upsert(price, size float64, descending bool) BookSide {
	i := s.searchPrice(price, descending)
	found := i < len(s) && s[i].Price == price

	if size == 0 {
		if !found {
			return s
		}
		return append(s[:i], s[i+1:]...)
	}

	if found {
		s[i].Size = size
		return s
	}

	s = append(s, PriceLevel{})
	copy(s[i+1:], s[i:])
	s[i] = PriceLevel{Price: price, Size: size}
	return s
}

func (s BookSide) searchPrice(price float64, descending bool) int {
	return sort.Search(len(s), func(i int) bool {
		if descending {
			return s[i].Price <= price
		}
		return s[i].Price >= price
	})
}

func limitDepth(side BookSide, limit int) BookSide {
	if limit > 0 && len(side) > limit {
		return side[:limit]
	}
	return side
}

func sortSide(side BookSide, descending bool) {
	sort.Slice(side, func(i, j int) bool {
		if descending {
			return side[i].Price > side[j].Price
		}
		return side[i].Price < side[j].Price
	})
}

func parsePriceLevels(depth [][]string) []PriceLevel {
	result := make([]PriceLevel, 0, len(depth))
	for _, level := range depth {
		if len(level) < 2 {
			continue
		}
		price, err := strconv.ParseFloat(level[0], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(level[1], 64)
		if err != nil {
			continue
		}
		result = append(result, PriceLevel{Price: price, Size: size})
	}

	return result
}

func serializePriceLevels(side BookSide) [][]string {
	result := make([][]string, len(side))
	for i, level := range side {
		result[i] = []string{
			strconv.FormatFloat(level.Price, 'f', -1, 64),
			strconv.FormatFloat(level.Size, 'f', -1, 64),
		}
	}

	return result
}
