package domain

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"
	"github.com/jpillora/backoff"
	"github.com/rs/zerolog/log"
)

var logger = log.With().Str("component", "orderbook-synchronizer").Logger()

type SyncState string

const (
	SyncState_Bootstrapping SyncState = "Bootstrapping"
	SyncState_Synchronized  SyncState = "Synchronized"
	SyncState_Resyncing     SyncState = "Resyncing"
)

const (
	// DefaultBufferCap bounds the number of depth updates buffered while the
	// snapshot fetch is in flight. Overflow forces a resync.
	DefaultBufferCap = 512

	DefaultSnapshotDepthLimit = 500
	DefaultMinBackoff         = 250 * time.Millisecond
	DefaultMaxBackoff         = 30 * time.Second
)

type SynchronizerOpts struct {
	SnapshotDepthLimit int
	BufferCap          int
	MinBackoff         time.Duration
	MaxBackoff         time.Duration
}

func (o SynchronizerOpts) withDefaults() SynchronizerOpts {
	if o.SnapshotDepthLimit <= 0 {
		o.SnapshotDepthLimit = DefaultSnapshotDepthLimit
	}
	if o.BufferCap <= 0 {
		o.BufferCap = DefaultBufferCap
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = DefaultMinBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	return o
}

// OrderbookSynchronizer keeps the local mirror consistent with the venue. It
// requests a snapshot while buffering live depth updates, bridges the two with
// a bracket merge, then follows the stream with strict-link merges. Any
// rejected merge routes through Resyncing back to a fresh snapshot.
//
// It is the single writer of the book. Readers take the current immutable
// book from an atomic pointer and never see a ladder mid-merge.
type OrderbookSynchronizer struct {
	symbol    *MarketSymbol
	syncAPI   ProviderSyncAPI
	streamAPI ProviderStreamAPI
	opts      SynchronizerOpts

	book atomic.Pointer[OrderBook]

	mu           sync.Mutex
	state        SyncState
	buffer       deque.Deque[*DepthUpdate]
	bootstrapGen int64
	stopped      bool

	obsMu     sync.Mutex
	observers []func(*OrderBook)

	subscription *Subscription[*DepthUpdate]
	done         chan struct{}
	wg           sync.WaitGroup

	ResyncCount atomic.Int64
}

func NewOrderbookSynchronizer(
	symbol *MarketSymbol,
	syncAPI ProviderSyncAPI,
	streamAPI ProviderStreamAPI,
	opts SynchronizerOpts,
) *OrderbookSynchronizer {
	return &OrderbookSynchronizer{
		symbol:    symbol,
		syncAPI:   syncAPI,
		streamAPI: streamAPI,
		opts:      opts.withDefaults(),
		state:     SyncState_Bootstrapping,
		done:      make(chan struct{}),
	}
}

// Start subscribes to the diff stream and begins bootstrapping. It fails fast
// only on caller misconfiguration; every transport condition after this point
// is absorbed by state transitions.
func (s *OrderbookSynchronizer) Start() error {
	subscription, err := s.streamAPI.DepthDiffStream(s.symbol)
	if err != nil {
		return err
	}
	s.subscription = subscription

	s.mu.Lock()
	gen := s.bootstrapGen
	s.mu.Unlock()

	s.wg.Add(2)
	go s.eventLoop()
	go s.fetchSnapshot(gen)

	logger.Info().Str("symbol", s.symbol.String()).Msg("synchronizer started")
	return nil
}

func (s *OrderbookSynchronizer) Stop() {
	close(s.done)

	// taking mu orders the stop against any merge-triggered resync, so no
	// fetcher is spawned once wg.Wait has started
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	if s.subscription != nil {
		s.subscription.Unsubscribe()
	}
	s.wg.Wait()
}

// Book returns the current immutable book, or nil before the first bootstrap
// completes and during a resync.
func (s *OrderbookSynchronizer) Book() *OrderBook {
	return s.book.Load()
}

func (s *OrderbookSynchronizer) State() SyncState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers an observer invoked once per successful merge with the
// newly published book. Observers run on the merge goroutine while its lock is
// held: they must be fast and must not call back into the synchronizer.
func (s *OrderbookSynchronizer) Subscribe(fn func(*OrderBook)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

func (s *OrderbookSynchronizer) eventLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return

		case <-s.streamAPI.Reconnects():
			logger.Warn().Str("symbol", s.symbol.String()).
				Msg("transport reconnected, forcing resync")
			s.mu.Lock()
			s.resyncLocked()
			s.mu.Unlock()

		case update, ok := <-s.subscription.Stream:
			if !ok {
				return
			}
			s.handleUpdate(update)
		}
	}
}

func (s *OrderbookSynchronizer) handleUpdate(update *DepthUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case SyncState_Bootstrapping:
		if s.book.Load() == nil {
			if s.buffer.Len() >= s.opts.BufferCap {
				logger.Warn().Int("cap", s.opts.BufferCap).
					Msg("bootstrap buffer overflow, forcing resync")
				s.resyncLocked()
				return
			}
			s.buffer.PushBack(update)
			return
		}
		// snapshot applied, waiting for the bridging event
		s.mergeLocked(update)

	case SyncState_Synchronized:
		s.mergeLocked(update)

	case SyncState_Resyncing:
		// dropped: continuity is already lost
	}
}

// mergeLocked merges one update into the current book. While still
// bootstrapping the bracket discipline applies and a success completes the
// bootstrap; afterwards every update must strict-link to the cursor.
func (s *OrderbookSynchronizer) mergeLocked(update *DepthUpdate) {
	book := s.book.Load()

	proof := update.StrictLinkProof()
	if s.state == SyncState_Bootstrapping {
		proof = update.BracketProof()
	}

	next, err := book.MergeDiff(update, proof)
	switch {
	case err == nil:
		if s.state == SyncState_Bootstrapping {
			s.state = SyncState_Synchronized
			logger.Info().Str("symbol", s.symbol.String()).
				Int64("lastSequence", next.LastSequence).
				Msg("book synchronized")
		}
		s.publishLocked(next)

	case errors.Is(err, ErrStaleSequence):
		// already covered by the book, skip silently

	default:
		logger.Warn().Err(err).
			Int64("lastSequence", book.LastSequence).
			Int64("updateFinal", update.FinalSequence).
			Msg("merge rejected, forcing resync")
		s.resyncLocked()
	}
}

func (s *OrderbookSynchronizer) publishLocked(book *OrderBook) {
	s.book.Store(book)

	s.obsMu.Lock()
	observers := make([]func(*OrderBook), len(s.observers))
	copy(observers, s.observers)
	s.obsMu.Unlock()

	for _, fn := range observers {
		fn(book)
	}
}

// resyncLocked discards the book and the buffer and re-enters Bootstrapping
// with a fresh snapshot fetch. Any snapshot still in flight is superseded by
// bumping the bootstrap generation.
func (s *OrderbookSynchronizer) resyncLocked() {
	s.state = SyncState_Resyncing
	s.book.Store(nil)
	s.buffer.Clear()
	s.bootstrapGen++
	s.ResyncCount.Add(1)

	s.state = SyncState_Bootstrapping
	if s.stopped {
		return
	}
	s.wg.Add(1)
	go s.fetchSnapshot(s.bootstrapGen)
}

// fetchSnapshot retries the snapshot request with capped exponential backoff
// for as long as this bootstrap generation is current.
func (s *OrderbookSynchronizer) fetchSnapshot(gen int64) {
	defer s.wg.Done()

	b := &backoff.Backoff{
		Min:    s.opts.MinBackoff,
		Max:    s.opts.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for {
		snapshot, err := s.syncAPI.OrderBookSnapshot(s.symbol, s.opts.SnapshotDepthLimit)
		if err == nil {
			if s.applySnapshot(gen, snapshot) {
				return
			}
		} else {
			logger.Warn().Err(err).Str("symbol", s.symbol.String()).
				Msg("snapshot fetch failed, retrying")
		}

		select {
		case <-s.done:
			return
		case <-time.After(b.Duration()):
		}
	}
}

// applySnapshot installs the snapshot as the book base and replays the
// buffered updates in arrival order. It reports whether this bootstrap
// generation is finished (applied or superseded).
func (s *OrderbookSynchronizer) applySnapshot(gen int64, snapshot *OrderBookSnapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.bootstrapGen || s.state != SyncState_Bootstrapping {
		// a resync has superseded this fetch
		return true
	}

	book := NewOrderBook(s.symbol, snapshot)
	s.book.Store(book)
	logger.Info().Str("symbol", s.symbol.String()).
		Int64("sequence", snapshot.LastUpdateId).
		Int("buffered", s.buffer.Len()).
		Msg("snapshot applied, replaying buffered updates")

	for s.buffer.Len() > 0 {
		update := s.buffer.PopFront()
		s.mergeLocked(update)

		if s.state == SyncState_Resyncing || gen != s.bootstrapGen {
			// gap during replay, a fresh bootstrap has been scheduled
			return true
		}
	}

	return true
}
