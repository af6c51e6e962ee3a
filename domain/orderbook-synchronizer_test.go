package domain_test

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spooky-finn/go-orderbook-mirror/domain"
)

var errSnapshotUnavailable = errors.New("snapshot unavailable")

type fakeSyncAPI struct {
	snapshots chan *domain.OrderBookSnapshot
	calls     atomic.Int32
}

func newFakeSyncAPI() *fakeSyncAPI {
	return &fakeSyncAPI{snapshots: make(chan *domain.OrderBookSnapshot, 4)}
}

func (f *fakeSyncAPI) OrderBookSnapshot(_ *domain.MarketSymbol, _ int) (*domain.OrderBookSnapshot, error) {
	f.calls.Add(1)
	select {
	case snapshot := <-f.snapshots:
		return snapshot, nil
	case <-time.After(100 * time.Millisecond):
		return nil, errSnapshotUnavailable
	}
}

type fakeStreamAPI struct {
	stream     chan *domain.DepthUpdate
	reconnects chan struct{}
}

func newFakeStreamAPI() *fakeStreamAPI {
	return &fakeStreamAPI{
		stream:     make(chan *domain.DepthUpdate, 64),
		reconnects: make(chan struct{}, 1),
	}
}

func (f *fakeStreamAPI) DepthDiffStream(*domain.MarketSymbol) (*domain.Subscription[*domain.DepthUpdate], error) {
	return &domain.Subscription[*domain.DepthUpdate]{
		Stream:      f.stream,
		Unsubscribe: func() {},
		Topic:       "test",
	}, nil
}

func (f *fakeStreamAPI) Reconnects() <-chan struct{} { return f.reconnects }

func (f *fakeStreamAPI) ConnectionStatus() domain.ConnectionStatus {
	return domain.ConnectionStatus{State: domain.ConnState_Connected}
}

func newTestSynchronizer(t *testing.T) (*domain.OrderbookSynchronizer, *fakeSyncAPI, *fakeStreamAPI) {
	t.Helper()

	symbol, err := domain.NewMarketSymbol("BTC", "USDT")
	require.NoError(t, err)

	syncAPI := newFakeSyncAPI()
	streamAPI := newFakeStreamAPI()

	s := domain.NewOrderbookSynchronizer(symbol, syncAPI, streamAPI, domain.SynchronizerOpts{
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})

	return s, syncAPI, streamAPI
}

func baseSnapshot(sequence int64) *domain.OrderBookSnapshot {
	return &domain.OrderBookSnapshot{
		Source:       domain.OrderBookSource_Provider,
		LastUpdateId: sequence,
		Bids:         [][]string{{"100.0", "1.0"}, {"99.5", "2.0"}},
		Asks:         [][]string{{"100.5", "1.5"}, {"101.0", "3.0"}},
	}
}

func depthUpdate(first, final int64) *domain.DepthUpdate {
	return &domain.DepthUpdate{
		FirstSequence: first,
		FinalSequence: final,
		Bids:          [][]string{{"99.0", "4.0"}},
	}
}

// The bootstrap scenario end to end: two updates buffered while the snapshot
// is in flight, the first bridges via the bracket discipline, the second
// strict-links, and the book comes out Synchronized.
func TestSynchronizer_Bootstrap(t *testing.T) {
	s, syncAPI, streamAPI := newTestSynchronizer(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Equal(t, domain.SyncState_Bootstrapping, s.State())

	// arrive before the snapshot: must be buffered, not lost
	streamAPI.stream <- depthUpdate(100, 102)

	second := depthUpdate(103, 103)
	second.PrevFinalSequence = 102
	streamAPI.stream <- second

	syncAPI.snapshots <- baseSnapshot(100)

	require.Eventually(t, func() bool {
		return s.State() == domain.SyncState_Synchronized
	}, time.Second, 5*time.Millisecond, "book should become synchronized")

	book := s.Book()
	require.NotNil(t, book)
	assert.Equal(t, int64(103), book.LastSequence)
	assert.Equal(t, int64(0), s.ResyncCount.Load())
}

func TestSynchronizer_DropsUpdatesCoveredBySnapshot(t *testing.T) {
	s, syncAPI, streamAPI := newTestSynchronizer(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	// entirely covered by the snapshot: discarded during replay
	streamAPI.stream <- depthUpdate(98, 100)
	// the bridging event
	streamAPI.stream <- depthUpdate(100, 102)

	syncAPI.snapshots <- baseSnapshot(100)

	require.Eventually(t, func() bool {
		return s.State() == domain.SyncState_Synchronized
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(102), s.Book().LastSequence)
}

func TestSynchronizer_BridgesOnFirstLiveUpdate(t *testing.T) {
	s, syncAPI, streamAPI := newTestSynchronizer(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	// empty buffer at snapshot time: the first live update must bracket
	syncAPI.snapshots <- baseSnapshot(100)

	require.Eventually(t, func() bool { return s.Book() != nil },
		time.Second, 5*time.Millisecond, "snapshot should be applied")
	assert.Equal(t, domain.SyncState_Bootstrapping, s.State())

	streamAPI.stream <- depthUpdate(100, 102)

	require.Eventually(t, func() bool {
		return s.State() == domain.SyncState_Synchronized
	}, time.Second, 5*time.Millisecond)
}

func TestSynchronizer_GapForcesResync(t *testing.T) {
	s, syncAPI, streamAPI := newTestSynchronizer(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	syncAPI.snapshots <- baseSnapshot(100)
	streamAPI.stream <- depthUpdate(100, 102)

	require.Eventually(t, func() bool {
		return s.State() == domain.SyncState_Synchronized
	}, time.Second, 5*time.Millisecond)

	// sequence hole: 103..119 never arrive
	streamAPI.stream <- depthUpdate(120, 121)

	require.Eventually(t, func() bool {
		return s.ResyncCount.Load() == 1
	}, time.Second, 5*time.Millisecond, "gap should force a resync")

	// recovery: fresh snapshot, fresh bridge
	syncAPI.snapshots <- baseSnapshot(200)
	streamAPI.stream <- depthUpdate(200, 201)

	require.Eventually(t, func() bool {
		return s.State() == domain.SyncState_Synchronized && s.Book().LastSequence == 201
	}, time.Second, 5*time.Millisecond, "book should resynchronize")
}

func TestSynchronizer_StaleUpdateIsSkippedSilently(t *testing.T) {
	s, syncAPI, streamAPI := newTestSynchronizer(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	syncAPI.snapshots <- baseSnapshot(100)
	streamAPI.stream <- depthUpdate(100, 102)

	require.Eventually(t, func() bool {
		return s.State() == domain.SyncState_Synchronized
	}, time.Second, 5*time.Millisecond)

	// replayed event: already applied, must not resync or move the cursor
	streamAPI.stream <- depthUpdate(100, 102)
	second := depthUpdate(103, 103)
	second.PrevFinalSequence = 102
	streamAPI.stream <- second

	require.Eventually(t, func() bool {
		return s.Book().LastSequence == 103
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int64(0), s.ResyncCount.Load(), "stale updates are not an error")
}

func TestSynchronizer_ReconnectForcesResync(t *testing.T) {
	s, syncAPI, streamAPI := newTestSynchronizer(t)
	require.NoError(t, s.Start())
	defer s.Stop()

	syncAPI.snapshots <- baseSnapshot(100)
	streamAPI.stream <- depthUpdate(100, 102)

	require.Eventually(t, func() bool {
		return s.State() == domain.SyncState_Synchronized
	}, time.Second, 5*time.Millisecond)

	streamAPI.reconnects <- struct{}{}

	require.Eventually(t, func() bool {
		return s.ResyncCount.Load() == 1
	}, time.Second, 5*time.Millisecond, "reconnect invalidates continuity even if the book survived")
}

func TestSynchronizer_StopDuringResync(t *testing.T) {
	s, syncAPI, streamAPI := newTestSynchronizer(t)
	require.NoError(t, s.Start())

	syncAPI.snapshots <- baseSnapshot(100)
	streamAPI.stream <- depthUpdate(100, 102)

	require.Eventually(t, func() bool {
		return s.State() == domain.SyncState_Synchronized
	}, time.Second, 5*time.Millisecond)

	// a gap right at shutdown: the resync it triggers must not spawn a
	// fetcher after Stop has started waiting
	streamAPI.stream <- depthUpdate(120, 121)
	s.Stop()
}

func TestSynchronizer_BufferOverflowForcesResync(t *testing.T) {
	symbol, err := domain.NewMarketSymbol("BTC", "USDT")
	require.NoError(t, err)

	syncAPI := newFakeSyncAPI()
	streamAPI := newFakeStreamAPI()

	s := domain.NewOrderbookSynchronizer(symbol, syncAPI, streamAPI, domain.SynchronizerOpts{
		BufferCap:  4,
		MinBackoff: 5 * time.Millisecond,
		MaxBackoff: 20 * time.Millisecond,
	})
	require.NoError(t, s.Start())
	defer s.Stop()

	// no snapshot is served, so the buffer can only grow
	for i := int64(0); i < 6; i++ {
		streamAPI.stream <- depthUpdate(101+i, 101+i)
	}

	require.Eventually(t, func() bool {
		return s.ResyncCount.Load() >= 1
	}, time.Second, 5*time.Millisecond, "overflow should force a resync")
}

func TestSynchronizer_SubscribeObservesEveryMerge(t *testing.T) {
	s, syncAPI, streamAPI := newTestSynchronizer(t)

	var published atomic.Int32
	var lastSeq atomic.Int64
	s.Subscribe(func(book *domain.OrderBook) {
		published.Add(1)
		lastSeq.Store(book.LastSequence)
	})

	require.NoError(t, s.Start())
	defer s.Stop()

	syncAPI.snapshots <- baseSnapshot(100)
	streamAPI.stream <- depthUpdate(100, 102)
	second := depthUpdate(103, 103)
	second.PrevFinalSequence = 102
	streamAPI.stream <- second

	require.Eventually(t, func() bool {
		return published.Load() == 2 && lastSeq.Load() == 103
	}, time.Second, 5*time.Millisecond, "observer should fire once per successful merge")
}
