package domain

// DepthUpdate is one batch of incremental level changes from the diff stream.
// Levels stay in the venue's string shape until they are merged.
//
// PrevFinalSequence is only populated by transports that link events to each
// other explicitly; for the rest it is zero and strict-link proofs are derived
// from FirstSequence instead.
type DepthUpdate struct {
	Symbol            *MarketSymbol
	FirstSequence     int64
	FinalSequence     int64
	PrevFinalSequence int64
	Bids              [][]string
	Asks              [][]string
}

func NewDepthUpdate(symbol *MarketSymbol, bids, asks [][]string, first, final int64) *DepthUpdate {
	return &DepthUpdate{
		Symbol:        symbol,
		Bids:          bids,
		Asks:          asks,
		FirstSequence: first,
		FinalSequence: final,
	}
}

// BracketProof builds the proof used for the first merge after a snapshot.
func (u *DepthUpdate) BracketProof() ContinuityProof {
	return BracketProof{FirstSequence: u.FirstSequence, FinalSequence: u.FinalSequence}
}

// StrictLinkProof builds the proof used once the book is synchronized. When the
// transport gave no explicit linkage, an update chained to the previous one
// starts exactly one past its predecessor's final sequence.
func (u *DepthUpdate) StrictLinkProof() ContinuityProof {
	prev := u.PrevFinalSequence
	if prev == 0 {
		prev = u.FirstSequence - 1
	}
	return StrictLinkProof{PrevFinalSequence: prev, FinalSequence: u.FinalSequence}
}
