package domain

import "errors"

var (
	// ErrGapDetected means the update cannot be linked to the current sequence
	// cursor. The local mirror is invalid and only a fresh snapshot recovers it.
	ErrGapDetected = errors.New("order book update is out of sequence")
	// ErrStaleSequence means the update is already covered by the current book.
	// Stale updates are skipped, this is not a failure.
	ErrStaleSequence = errors.New("order book update is outdated")
	// ErrCrossedBook means applying the update would leave bestBid >= bestAsk.
	ErrCrossedBook = errors.New("order book is crossed after update")
)

// ContinuityProof states how a depth update claims continuity with the book's
// sequence cursor. Exactly two disciplines exist, so the gate's branching is a
// closed switch rather than a pile of optional fields.
type ContinuityProof interface {
	continuityProof()
	Final() int64
}

// BracketProof covers the first update merged after a snapshot: the update's
// declared range must span the next expected sequence number. Sequence numbers
// already covered by the snapshot are bridged this way.
type BracketProof struct {
	FirstSequence int64
	FinalSequence int64
}

// StrictLinkProof covers every later update: its predecessor must be exactly
// the book's current cursor.
type StrictLinkProof struct {
	PrevFinalSequence int64
	FinalSequence     int64
}

func (p BracketProof) continuityProof()    {}
func (p BracketProof) Final() int64        { return p.FinalSequence }
func (p StrictLinkProof) continuityProof() {}
func (p StrictLinkProof) Final() int64     { return p.FinalSequence }

// GateSequence decides whether an update carrying the given proof may merge
// into a book whose cursor is lastSequence, and returns the next cursor.
// It never mutates anything.
func GateSequence(lastSequence int64, proof ContinuityProof) (int64, error) {
	if proof.Final() <= lastSequence {
		return 0, ErrStaleSequence
	}

	switch p := proof.(type) {
	case BracketProof:
		if p.FirstSequence <= lastSequence+1 && lastSequence+1 <= p.FinalSequence {
			return p.FinalSequence, nil
		}
		return 0, ErrGapDetected

	case StrictLinkProof:
		if p.PrevFinalSequence == lastSequence {
			return p.FinalSequence, nil
		}
		return 0, ErrGapDetected

	default:
		return 0, ErrGapDetected
	}
}
