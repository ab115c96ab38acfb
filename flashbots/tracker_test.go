package flashbots

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/bundle-relay-client/jsonrpcserver"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// journalKey mirrors the journal primary key, the bundle hash is the same for every target block
type journalKey struct {
	hash  common.Hash
	block uint64
}

type memoryStorage struct {
	mu          sync.Mutex
	submissions map[journalKey]SubmittedBundle
	outcomes    map[journalKey]InclusionOutcome
	// failures is the number of calls failing before the storage recovers
	failures int
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{
		submissions: make(map[journalKey]SubmittedBundle),
		outcomes:    make(map[journalKey]InclusionOutcome),
	}
}

func (s *memoryStorage) fail() error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection refused")
	}
	return nil
}

func (s *memoryStorage) InsertSubmission(ctx context.Context, submitted SubmittedBundle, bundle BundleRequest, signer common.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return false, err
	}
	key := journalKey{submitted.BundleHash, submitted.TargetBlock}
	_, known := s.submissions[key]
	s.submissions[key] = submitted
	return known, nil
}

func (s *memoryStorage) InsertOutcome(ctx context.Context, outcome InclusionOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail(); err != nil {
		return err
	}
	s.outcomes[journalKey{outcome.BundleHash, outcome.BlockNumber}] = outcome
	return nil
}

func (s *memoryStorage) GetUnresolvedSubmissions(ctx context.Context, fromBlock uint64) ([]SubmittedBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res []SubmittedBundle
	for key, submitted := range s.submissions {
		if _, ok := s.outcomes[key]; ok || submitted.TargetBlock < fromBlock {
			continue
		}
		res = append(res, submitted)
	}
	return res, nil
}

func (s *memoryStorage) add(submitted SubmittedBundle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[journalKey{submitted.BundleHash, submitted.TargetBlock}] = submitted
}

func (s *memoryStorage) outcome(hash common.Hash, block uint64) (InclusionOutcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.outcomes[journalKey{hash, block}]
	return o, ok
}

type memoryNotifier struct {
	mu            sync.Mutex
	notifications []OutcomeNotification
}

func (n *memoryNotifier) NotifyOutcome(ctx context.Context, outcome OutcomeNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, outcome)
	return nil
}

func (n *memoryNotifier) all() []OutcomeNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]OutcomeNotification(nil), n.notifications...)
}

type memoryCounter struct {
	mu     sync.Mutex
	counts map[common.Hash]uint64
}

func (c *memoryCounter) IncSubmissions(ctx context.Context, signer common.Address, bundleHash common.Hash) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[common.Hash]uint64)
	}
	c.counts[bundleHash]++
	return c.counts[bundleHash], nil
}

func newTestTracker(t *testing.T, chain *fakeChain, opts TrackerOpts) (*Tracker, *fakeRelay) {
	t.Helper()
	provider := &fakeProvider{fakeChain: chain}
	relay := newFakeRelay(t, jsonrpcserver.HandlerOpts{RequireSignature: true})
	mw := NewMiddleware(zap.NewNop(), provider, newTestRelayClient(t, relay.URL(), newTestAuthenticator(t)), testWatcherConfig())
	tracker := NewTracker(zap.NewNop(), mw, opts)
	t.Cleanup(tracker.Close)
	return tracker, relay
}

func TestTracker_Submit(t *testing.T) {
	tx0 := newTestSignedTx(t, testTxKey, 0)
	raw, err := NewRawTransaction(tx0)
	require.NoError(t, err)

	chain := newFakeChain(20)
	block := newTestBlock(20, tx0)
	chain.addBlock(block)

	storage := newMemoryStorage()
	notifier := &memoryNotifier{}
	counter := &memoryCounter{}
	tracker, relay := newTestTracker(t, chain, TrackerOpts{
		Signer:   newTestAuthenticator(t).Address(),
		Storage:  storage,
		Notifier: notifier,
		Counter:  counter,
	})

	bundle := NewBundleRequest().PushTransaction(raw).SetBlock(20)
	first, err := tracker.Submit(context.Background(), bundle)
	require.NoError(t, err)
	second, err := tracker.Submit(context.Background(), bundle)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	tracker.Wait()

	require.Len(t, relay.Sent(), 2)

	outcome, ok := storage.outcome(bundle.Hash(), 20)
	require.True(t, ok)
	require.Equal(t, StatusIncluded, outcome.Status)
	require.Equal(t, block.Hash(), outcome.BlockHash)

	notifications := notifier.all()
	require.Len(t, notifications, 2)
	ids := map[string]uint64{}
	for _, n := range notifications {
		require.Equal(t, "included", n.Status)
		require.Equal(t, uint64(20), n.TargetBlock)
		require.Equal(t, "test", n.Relay)
		require.Equal(t, block.Hash(), *n.BlockHash)
		ids[n.ID] = n.Submissions
	}
	require.Equal(t, map[string]uint64{first.ID.String(): 1, second.ID.String(): 2}, ids)
}

func TestTracker_SubmitSeveralTargets(t *testing.T) {
	tx0 := newTestSignedTx(t, testTxKey, 0)
	raw, err := NewRawTransaction(tx0)
	require.NoError(t, err)

	chain := newFakeChain(21)
	included := newTestBlock(20, tx0)
	chain.addBlock(included)
	chain.addBlock(newTestBlock(21))

	storage := newMemoryStorage()
	tracker, relay := newTestTracker(t, chain, TrackerOpts{Storage: storage})

	bundle := NewBundleRequest().PushTransaction(raw)
	for target := uint64(20); target <= 21; target++ {
		_, err := tracker.Submit(context.Background(), bundle.SetBlock(target))
		require.NoError(t, err)
	}
	tracker.Wait()
	require.Len(t, relay.Sent(), 2)

	outcome, ok := storage.outcome(bundle.Hash(), 20)
	require.True(t, ok)
	require.Equal(t, StatusIncluded, outcome.Status)
	require.Equal(t, included.Hash(), outcome.BlockHash)

	outcome, ok = storage.outcome(bundle.Hash(), 21)
	require.True(t, ok)
	require.Equal(t, StatusNotIncluded, outcome.Status, "each target block keeps its own outcome")

	unresolved, err := storage.GetUnresolvedSubmissions(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, unresolved)
}

func TestTracker_SubmitError(t *testing.T) {
	storage := newMemoryStorage()
	notifier := &memoryNotifier{}
	tracker, relay := newTestTracker(t, newFakeChain(1), TrackerOpts{Storage: storage, Notifier: notifier})
	relay.send = func(ctx context.Context, args SendBundleArgs) (*SendBundleResponse, error) {
		return nil, &jsonrpcserver.Error{Code: -32000, Message: "bundle rejected"}
	}

	_, err := tracker.Submit(context.Background(), NewBundleRequest().PushTransaction(newTestRawTx(t, 0)).SetBlock(2))
	require.ErrorIs(t, err, ErrRelayProtocol)
	tracker.Wait()

	unresolved, err := storage.GetUnresolvedSubmissions(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, unresolved)
	require.Empty(t, notifier.all())
}

func TestTracker_JournalIsRetried(t *testing.T) {
	tx0 := newTestSignedTx(t, testTxKey, 0)
	raw, err := NewRawTransaction(tx0)
	require.NoError(t, err)
	chain := newFakeChain(3)
	chain.addBlock(newTestBlock(3, tx0))

	storage := newMemoryStorage()
	storage.failures = 2
	tracker, _ := newTestTracker(t, chain, TrackerOpts{Storage: storage})

	bundle := NewBundleRequest().PushTransaction(raw).SetBlock(3)
	_, err = tracker.Submit(context.Background(), bundle)
	require.NoError(t, err)
	tracker.Wait()

	outcome, ok := storage.outcome(bundle.Hash(), 3)
	require.True(t, ok)
	require.True(t, outcome.Included())
}

func TestTracker_Resume(t *testing.T) {
	tx0 := newTestSignedTx(t, testTxKey, 0)
	tx1 := newTestSignedTx(t, testTxKey, 1)
	chain := newFakeChain(30)
	chain.addBlock(newTestBlock(30, tx0))

	storage := newMemoryStorage()
	resumed := newTestSubmittedBundle(30, tx0)
	stale := newTestSubmittedBundle(10, tx1)
	stale.BundleHash = common.HexToHash("0x5e")
	storage.add(resumed)
	storage.add(stale)
	notifier := &memoryNotifier{}

	tracker, relay := newTestTracker(t, chain, TrackerOpts{Storage: storage, Notifier: notifier})
	count, err := tracker.Resume(context.Background(), 25)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	tracker.Wait()

	outcome, ok := storage.outcome(resumed.BundleHash, 30)
	require.True(t, ok)
	require.True(t, outcome.Included())
	_, ok = storage.outcome(stale.BundleHash, 10)
	require.False(t, ok)
	require.Len(t, notifier.all(), 1)
	require.Empty(t, relay.Sent(), "resumed bundles are watched, not resent")

	// nothing to resume without storage
	plain, _ := newTestTracker(t, chain, TrackerOpts{})
	count, err = plain.Resume(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestTracker_Horizon(t *testing.T) {
	storage := newMemoryStorage()
	notifier := &memoryNotifier{}
	tracker, _ := newTestTracker(t, newFakeChain(1), TrackerOpts{
		Horizon:  50 * time.Millisecond,
		Storage:  storage,
		Notifier: notifier,
	})

	tracked, err := tracker.Submit(context.Background(), NewBundleRequest().PushTransaction(newTestRawTx(t, 0)).SetBlock(1000))
	require.NoError(t, err)
	tracker.Wait()

	_, ok := tracked.Pending.Outcome()
	require.False(t, ok, "the horizon stops watching without resolving")
	require.Empty(t, notifier.all())

	unresolved, err := storage.GetUnresolvedSubmissions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, unresolved, 1, "unresolved submissions can be resumed later")
}

func TestTracker_Close(t *testing.T) {
	tracker, _ := newTestTracker(t, newFakeChain(1), TrackerOpts{Horizon: time.Hour})

	_, err := tracker.Submit(context.Background(), NewBundleRequest().PushTransaction(newTestRawTx(t, 0)).SetBlock(1000))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		tracker.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close must stop the watchers")
	}
}

func TestOutcomeNotification(t *testing.T) {
	submitted := newTestSubmittedBundle(7, types.NewTx(&types.LegacyTx{}))
	blockHash := common.HexToHash("0xb1")

	included := newOutcomeNotification("id", submitted, InclusionOutcome{Status: StatusIncluded, BundleHash: submitted.BundleHash, BlockHash: blockHash}, 3)
	require.Equal(t, "included", included.Status)
	require.Equal(t, &blockHash, included.BlockHash)
	require.Empty(t, included.Error)
	require.Equal(t, uint64(3), included.Submissions)

	failed := newOutcomeNotification("id", submitted, InclusionOutcome{Status: StatusError, Reason: errors.Join(ErrChainQuery, ErrBlockUnavailable)}, 0)
	require.Equal(t, "error", failed.Status)
	require.Nil(t, failed.BlockHash)
	require.Contains(t, failed.Error, ErrBlockUnavailable.Error())
}
