package domain

import (
	"math"
	"sort"
)

// Analytics in this file are pure functions over one immutable book. They
// never mutate their input and never retain it.

// VWAPDepth is the depth window used by the default VWAP reading.
const VWAPDepth = 20

// DepthView is the first n levels of each side, best first.
type DepthView struct {
	Bids []PriceLevel
	Asks []PriceLevel
}

// TopN returns the first n levels per side. n <= 0 or a nil book yields an
// empty view.
func TopN(book *OrderBook, n int) DepthView {
	if book == nil || n <= 0 {
		return DepthView{}
	}

	return DepthView{
		Bids: copyLevels(limitDepth(book.Bids, n)),
		Asks: copyLevels(limitDepth(book.Asks, n)),
	}
}

// SpreadMid returns the bid/ask spread and the mid price. When either side is
// empty both values are zero; NaN never escapes.
func SpreadMid(book *OrderBook) (spread, mid float64) {
	if book == nil {
		return 0, 0
	}

	bestBid, okBid := book.BestBid()
	bestAsk, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return 0, 0
	}

	return bestAsk.Price - bestBid.Price, (bestAsk.Price + bestBid.Price) / 2
}

// VWAP returns the volume-weighted average price per side over up to the top
// `depth` levels. A side with zero total size falls back to its best price;
// an empty side reads as zero.
func VWAP(book *OrderBook, depth int) (bidVWAP, askVWAP float64) {
	if book == nil || depth <= 0 {
		return 0, 0
	}

	return sideVWAP(limitDepth(book.Bids, depth)), sideVWAP(limitDepth(book.Asks, depth))
}

func sideVWAP(side BookSide) float64 {
	if len(side) == 0 {
		return 0
	}

	var notional, size float64
	for _, level := range side {
		notional += level.Price * level.Size
		size += level.Size
	}

	if size == 0 {
		return side[0].Price
	}
	return notional / size
}

type LevelStrength string

const (
	LevelStrength_Strong LevelStrength = "strong"
	LevelStrength_Medium LevelStrength = "medium"
	LevelStrength_Weak   LevelStrength = "weak"
)

// KeyLevel is a support or resistance candidate: a resting level whose size
// stands out within the scanned depth window.
type KeyLevel struct {
	Price    float64
	Size     float64
	Notional float64
	Strength LevelStrength
}

type SupportResistanceOpts struct {
	// MinSizePercentile in [0,100]: only levels whose size reaches this
	// percentile of the scanned distribution are kept.
	MinSizePercentile float64
	// MaxLevels caps the result per side.
	MaxLevels int
	// LookbackLevels bounds how deep each side is scanned.
	LookbackLevels int
}

func DefaultSupportResistanceOpts() SupportResistanceOpts {
	return SupportResistanceOpts{
		MinSizePercentile: 75,
		MaxLevels:         5,
		LookbackLevels:    50,
	}
}

// SupportResistance clusters the outstanding liquidity of the live book into
// coarse key levels: supports from the bid side, resistances from the ask
// side, ranked by notional. It has no historical memory.
func SupportResistance(book *OrderBook, opts SupportResistanceOpts) (support, resistance []KeyLevel) {
	if book == nil {
		return nil, nil
	}
	if opts.MaxLevels <= 0 || opts.LookbackLevels <= 0 {
		return nil, nil
	}

	support = sideKeyLevels(limitDepth(book.Bids, opts.LookbackLevels), opts)
	resistance = sideKeyLevels(limitDepth(book.Asks, opts.LookbackLevels), opts)
	return support, resistance
}

func sideKeyLevels(side BookSide, opts SupportResistanceOpts) []KeyLevel {
	if len(side) == 0 {
		return nil
	}

	threshold := sizePercentile(side, opts.MinSizePercentile)

	levels := make([]KeyLevel, 0, len(side))
	for _, level := range side {
		if level.Size < threshold {
			continue
		}
		levels = append(levels, KeyLevel{
			Price:    level.Price,
			Size:     level.Size,
			Notional: level.Price * level.Size,
		})
	}

	sort.Slice(levels, func(i, j int) bool {
		return levels[i].Notional > levels[j].Notional
	})

	if len(levels) > opts.MaxLevels {
		levels = levels[:opts.MaxLevels]
	}

	for i := range levels {
		levels[i].Strength = strengthTier(i, len(levels))
	}

	return levels
}

// strengthTier splits the ranking into thirds: top third strong, middle third
// medium, the rest weak.
func strengthTier(rank, total int) LevelStrength {
	switch {
	case rank*3 < total:
		return LevelStrength_Strong
	case rank*3 < total*2:
		return LevelStrength_Medium
	default:
		return LevelStrength_Weak
	}
}

// sizePercentile is the nearest-rank percentile of the side's size
// distribution.
func sizePercentile(side BookSide, percentile float64) float64 {
	sizes := make([]float64, len(side))
	for i, level := range side {
		sizes[i] = level.Size
	}
	sort.Float64s(sizes)

	p := math.Min(math.Max(percentile, 0), 100)
	rank := int(math.Ceil(p / 100 * float64(len(sizes))))
	if rank <= 0 {
		rank = 1
	}

	return sizes[rank-1]
}

func copyLevels(side BookSide) []PriceLevel {
	out := make([]PriceLevel, len(side))
	copy(out, side)
	return out
}
