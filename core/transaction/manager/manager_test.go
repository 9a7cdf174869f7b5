package manager

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/raft"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/sushant-115/gojotx/core/transaction"
	"github.com/sushant-115/gojotx/core/transaction/account"
	"github.com/sushant-115/gojotx/core/transaction/gtx"
)

type testManager struct {
	*TransactionManager
	rec       *recorder
	om        *fakeObjectManager
	transport *fakeTransport
	locks     *fakeLockManager
	gtm       *gtx.Manager
}

func newTestManager(t *testing.T, active bool) *testManager {
	t.Helper()
	gtm, err := gtx.NewManager(raft.NewInmemStore(), 0, nil)
	require.NoError(t, err)
	rec := &recorder{}
	tm := &testManager{
		rec:       rec,
		om:        newFakeObjectManager(rec),
		transport: &fakeTransport{rec: rec},
		locks:     &fakeLockManager{},
		gtm:       gtm,
	}
	tm.TransactionManager = New(active, Collaborators{
		ObjectManager:    tm.om,
		GlobalTxnManager: gtm,
		LockManager:      tm.locks,
		Transport:        tm.transport,
	}, nil)
	return tm
}

// finish sets every account flag of id except the ones left to the caller.
func (tm *testManager) finish(t *testing.T, id transaction.ServerTransactionID) {
	t.Helper()
	tm.Broadcasted(id)
	tm.TransactionsRelayed([]transaction.ServerTransactionID{id})
	require.NoError(t, tm.Commit(&CommitContext{AppliedIDs: []transaction.ServerTransactionID{id}}))
}

func waitFor(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
		return nil
	}
}

func requireBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Fatalf("call returned while it should block: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestActiveAssignsIncreasingGIDs(t *testing.T) {
	tm := newTestManager(t, true)
	ctx := context.Background()

	a1, a2 := newTxn(t, "A", 1, 0, 1), newTxn(t, "A", 2, 0, 2)
	b1 := newTxn(t, "B", 1, 0, 3)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{a1, a2}))
	require.NoError(t, tm.IncomingTransactions(ctx, "B", []*transaction.ServerTransaction{b1}))

	require.Equal(t, transaction.GlobalTransactionID(1), a1.GlobalID)
	require.Equal(t, transaction.GlobalTransactionID(2), a2.GlobalID)
	require.Equal(t, transaction.GlobalTransactionID(3), b1.GlobalID)
	require.EqualValues(t, 3, tm.PendingTransactionCount())
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	tm := newTestManager(t, true)
	ctx := context.Background()
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{newTxn(t, "A", 1, 0, 1)}))
	err := tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{newTxn(t, "A", 1, 0, 1)})
	require.ErrorIs(t, err, account.ErrDuplicateTransaction)
	require.EqualValues(t, 1, tm.PendingTransactionCount())
}

func TestPassiveRequiresRelayedGID(t *testing.T) {
	tm := newTestManager(t, false)
	ctx := context.Background()

	err := tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{newTxn(t, "A", 1, 0, 1)})
	require.ErrorIs(t, err, ErrMissingGID)
	require.Zero(t, tm.PendingTransactionCount())

	txn := newTxn(t, "A", 1, 7, 1)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{txn}))
	gid, err := tm.gtm.GetGlobalTransactionID(txn.ServerTransactionID())
	require.NoError(t, err)
	require.Equal(t, transaction.GlobalTransactionID(7), gid)

	err = tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{newTxn(t, "A", 2, 7, 2)})
	require.ErrorIs(t, err, gtx.ErrGIDConflict)
}

func TestPauseBlocksIncomingUntilUnpause(t *testing.T) {
	tm := newTestManager(t, true)
	tm.PauseTransactions()

	done := make(chan error, 2)
	go func() {
		done <- tm.IncomingTransactions(context.Background(), "A", []*transaction.ServerTransaction{newTxn(t, "A", 1, 0, 1)})
	}()
	go func() {
		done <- tm.IncomingTransactions(context.Background(), "B", []*transaction.ServerTransaction{newTxn(t, "B", 1, 0, 2)})
	}()
	requireBlocked(t, done)
	require.Zero(t, tm.PendingTransactionCount())

	tm.UnPauseTransactions()
	require.NoError(t, waitFor(t, done))
	require.NoError(t, waitFor(t, done))
	require.EqualValues(t, 2, tm.PendingTransactionCount())
	require.Equal(t, 2, tm.TxnObjectManager().Pending())
}

func TestPausedIncomingReturnsOnCancel(t *testing.T) {
	tm := newTestManager(t, true)
	tm.PauseTransactions()
	defer tm.UnPauseTransactions()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{newTxn(t, "A", 1, 0, 1)})
	}()
	requireBlocked(t, done)
	cancel()
	require.ErrorIs(t, waitFor(t, done), context.Canceled)
	require.Zero(t, tm.PendingTransactionCount())
}

func TestApplyCommitAndAcknowledge(t *testing.T) {
	tm := newTestManager(t, true)
	tm.AddRootListener(rootRecorder{rec: tm.rec})
	ctx := context.Background()

	txn := newTxn(t, "A", 1, 0, 10)
	txn.NewRoots["main"] = 10
	txn.Notifies = []transaction.Notify{{LockID: "L1", All: true}}
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{txn}))

	ready, err := tm.TxnObjectManager().LookupObjectsForTransactions()
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.True(t, ready[0].NeedsApply)

	result, err := tm.Apply(ctx, txn, ready[0].Objects)
	require.NoError(t, err)
	require.Equal(t, map[string]transaction.ObjectID{"main": 10}, result.NewRoots)
	require.Equal(t, []uint64{1}, tm.om.object(10).versions())
	require.Len(t, tm.locks.notifies, 1)
	require.False(t, txn.IsCommitted())

	id := txn.ServerTransactionID()
	tm.Broadcasted(id)
	tm.TransactionsRelayed([]transaction.ServerTransactionID{id})
	require.True(t, txn.IsRelayed())
	require.Empty(t, tm.transport.acked())

	cc := tm.TxnObjectManager().ApplyTransactionComplete(txn, result)
	require.NotNil(t, cc)
	require.NoError(t, tm.Commit(cc))

	require.Equal(t, []string{"release:1", "root:main=10", "ack:A:1"}, tm.rec.list())
	require.True(t, txn.IsCommitted())
	require.Zero(t, tm.PendingTransactionCount())
	require.Equal(t, transaction.GlobalTransactionID(2), tm.gtm.LowWaterMark())

	rootID, ok := tm.RootID("main")
	require.True(t, ok)
	require.Equal(t, transaction.ObjectID(10), rootID)
}

func TestRootReportedOncePerName(t *testing.T) {
	tm := newTestManager(t, true)
	ctx := context.Background()

	first := newTxn(t, "A", 1, 0, 1)
	first.NewRoots["main"] = 1
	second := newTxn(t, "A", 2, 0, 2)
	second.NewRoots["main"] = 2
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{first, second}))

	ready, err := tm.TxnObjectManager().LookupObjectsForTransactions()
	require.NoError(t, err)
	require.Len(t, ready, 2)

	r1, err := tm.Apply(ctx, first, ready[0].Objects)
	require.NoError(t, err)
	r2, err := tm.Apply(ctx, second, ready[1].Objects)
	require.NoError(t, err)
	require.Len(t, r1.NewRoots, 1)
	require.Empty(t, r2.NewRoots)
}

func TestApplyMissingObject(t *testing.T) {
	tm := newTestManager(t, true)
	txn := newTxn(t, "A", 1, 0, 1, 2)
	require.NoError(t, tm.IncomingTransactions(context.Background(), "A", []*transaction.ServerTransaction{txn}))

	_, err := tm.Apply(context.Background(), txn, map[transaction.ObjectID]ManagedObject{1: tm.om.object(1)})
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestApplyKeepsDeltaVersionAndCollectsEvictions(t *testing.T) {
	tm := newTestManager(t, true)
	txn, err := transaction.New(&transaction.ServerTransaction{
		ID: 1, Source: "A", Type: transaction.TxnTypeEviction,
		Changes: []transaction.Change{
			{ObjectID: 1, TypeName: "test.Map", Version: 42},
			{ObjectID: 2, TypeName: "test.Map", Actions: []transaction.Action{{Kind: transaction.ActionEvictionCompleted}}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, tm.IncomingTransactions(context.Background(), "A", []*transaction.ServerTransaction{txn}))

	objects := map[transaction.ObjectID]ManagedObject{1: tm.om.object(1), 2: tm.om.object(2)}
	result, err := tm.Apply(context.Background(), txn, objects)
	require.NoError(t, err)
	require.Equal(t, []uint64{42}, tm.om.object(1).versions())
	require.Equal(t, []transaction.ObjectID{2}, result.Evicted)

	require.NoError(t, tm.Commit(&CommitContext{Evicted: result.Evicted}))
	require.Equal(t, []transaction.ObjectID{2}, tm.om.deleted)
}

func TestRootListenerErrorsReturnedAfterAcks(t *testing.T) {
	tm := newTestManager(t, true)
	boom := errors.New("boom")
	tm.AddRootListener(rootRecorder{rec: tm.rec, err: boom})
	tm.AddRootListener(rootRecorder{rec: tm.rec})

	txn := newTxn(t, "A", 1, 0, 1)
	require.NoError(t, tm.IncomingTransactions(context.Background(), "A", []*transaction.ServerTransaction{txn}))
	id := txn.ServerTransactionID()
	tm.Broadcasted(id)
	tm.TransactionsRelayed([]transaction.ServerTransactionID{id})

	err := tm.Commit(&CommitContext{
		NewRoots:   map[string]transaction.ObjectID{"main": 1},
		AppliedIDs: []transaction.ServerTransactionID{id},
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"release:0", "root:main=1", "root:main=1", "ack:A:1"}, tm.rec.list())
}

func TestSkipApplyAndCommit(t *testing.T) {
	tm := newTestManager(t, true)
	txn := newTxn(t, "A", 1, 0, 1)
	require.NoError(t, tm.IncomingTransactions(context.Background(), "A", []*transaction.ServerTransaction{txn}))
	id := txn.ServerTransactionID()
	tm.Broadcasted(id)
	tm.TransactionsRelayed([]transaction.ServerTransactionID{id})

	require.NoError(t, tm.SkipApplyAndCommit(txn))
	require.True(t, txn.IsCommitted())
	require.Equal(t, []transaction.ServerTransactionID{id}, tm.transport.acked())

	needsApply, err := tm.gtm.InitiateApply(id)
	require.NoError(t, err)
	require.False(t, needsApply)
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	tm := newTestManager(t, true)
	tm.AddListener(panickingListener{})
	tm.AddListener(eventListener{rec: tm.rec})

	require.NoError(t, tm.IncomingTransactions(context.Background(), "A", []*transaction.ServerTransaction{newTxn(t, "A", 1, 0, 1)}))
	require.Equal(t, []string{"incoming:A:1"}, tm.rec.list())
}

func TestShutdownNodeDrainsBeforeCleanup(t *testing.T) {
	tm := newTestManager(t, true)
	events := &recorder{}
	tm.AddListener(eventListener{rec: events})
	ctx := context.Background()

	t1, t2 := newTxn(t, "A", 1, 0, 1), newTxn(t, "A", 2, 0, 2)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{t1, t2}))
	tm.finish(t, t1.ServerTransactionID())

	require.NoError(t, tm.AddWaitingForAcknowledgement("A", 2, "B"))
	tm.finish(t, t2.ServerTransactionID())
	require.Equal(t, []transaction.ServerTransactionID{t1.ServerTransactionID()}, tm.transport.acked())

	tm.ShutdownNode("A")
	require.NotNil(t, tm.account("A"), "account drains before removal")
	require.Empty(t, tm.locks.clearedNodes())
	require.NotContains(t, events.list(), "disconnected:A")

	require.NoError(t, tm.Acknowledgement("A", 2, "B"))
	require.Nil(t, tm.account("A"))
	require.Equal(t, []transaction.NodeID{"A"}, tm.locks.clearedNodes())
	require.Contains(t, events.list(), "disconnected:A")
	require.Len(t, tm.transport.acked(), 2)
	require.Zero(t, tm.PendingTransactionCount())

	// a node without an account is cleaned up at once
	tm.ShutdownNode("A")
	require.Len(t, tm.locks.clearedNodes(), 2)
}

func TestShutdownOfWaiteeReleasesOtherAccounts(t *testing.T) {
	tm := newTestManager(t, true)
	ctx := context.Background()

	txn := newTxn(t, "A", 1, 0, 1)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{txn}))
	require.NoError(t, tm.AddWaitingForAcknowledgement("A", 1, "B"))
	require.NoError(t, tm.AddWaitingForAcknowledgement("A", 1, "C"))
	tm.finish(t, txn.ServerTransactionID())
	require.Empty(t, tm.transport.acked())

	tm.ShutdownNode("B")
	require.Empty(t, tm.transport.acked())
	tm.ShutdownNode("C")
	require.Equal(t, []transaction.ServerTransactionID{txn.ServerTransactionID()}, tm.transport.acked())
	require.NotNil(t, tm.account("A"))
}

func TestCallBackOnTxnsInSystemCompletion(t *testing.T) {
	tm := newTestManager(t, true)
	ctx := context.Background()

	idle := atomic.NewInt32(0)
	tm.CallBackOnTxnsInSystemCompletion(func() { idle.Inc() })
	require.EqualValues(t, 1, idle.Load())

	t1, t2 := newTxn(t, "A", 1, 0, 1), newTxn(t, "B", 1, 0, 2)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{t1}))
	require.NoError(t, tm.IncomingTransactions(ctx, "B", []*transaction.ServerTransaction{t2}))

	drained := atomic.NewInt32(0)
	tm.CallBackOnTxnsInSystemCompletion(func() { drained.Inc() })

	// arrivals after the snapshot are not waited for
	t3 := newTxn(t, "A", 2, 0, 3)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{t3}))

	tm.finish(t, t1.ServerTransactionID())
	require.Zero(t, drained.Load())
	tm.finish(t, t2.ServerTransactionID())
	require.EqualValues(t, 1, drained.Load())

	tm.finish(t, t3.ServerTransactionID())
	require.EqualValues(t, 1, drained.Load())
	require.EqualValues(t, 1, idle.Load())
}

func TestGoToActiveModeWaitsForDrain(t *testing.T) {
	tm := newTestManager(t, false)
	resent := &fakeResent{}
	tm.SetResentSequencer(resent)
	ctx := context.Background()

	relayed := newTxn(t, "A", 1, 5, 1)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{relayed}))

	done := make(chan error, 1)
	go func() { done <- tm.GoToActiveMode(ctx) }()
	requireBlocked(t, done)
	require.False(t, tm.IsActive())

	// passive accounts complete on commit alone and ack the active
	require.NoError(t, tm.Commit(&CommitContext{AppliedIDs: []transaction.ServerTransactionID{relayed.ServerTransactionID()}}))
	require.NoError(t, waitFor(t, done))
	require.True(t, tm.IsActive())
	require.Equal(t, 1, resent.calls)
	require.Equal(t, []transaction.ServerTransactionID{relayed.ServerTransactionID()}, tm.transport.relayAcked())
	require.Empty(t, tm.transport.acked())

	fresh := newTxn(t, "B", 1, 0, 2)
	require.NoError(t, tm.IncomingTransactions(ctx, "B", []*transaction.ServerTransaction{fresh}))
	require.Greater(t, uint64(fresh.GlobalID), uint64(5))
}

func TestGoToActiveModeHonoursContext(t *testing.T) {
	tm := newTestManager(t, false)
	require.NoError(t, tm.IncomingTransactions(context.Background(), "A", []*transaction.ServerTransaction{newTxn(t, "A", 1, 3, 1)}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tm.GoToActiveMode(ctx), context.DeadlineExceeded)
	require.False(t, tm.IsActive())
}

func TestPromotedSourceGetsActiveAccount(t *testing.T) {
	tm := newTestManager(t, false)
	ctx := context.Background()

	relayed := newTxn(t, "A", 1, 5, 1)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{relayed}))
	require.NoError(t, tm.Commit(&CommitContext{AppliedIDs: []transaction.ServerTransactionID{relayed.ServerTransactionID()}}))
	require.NoError(t, tm.GoToActiveMode(ctx))

	// the same client reconnects to the promoted server
	next := newTxn(t, "A", 2, 0, 2)
	id := next.ServerTransactionID()
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{next}))
	require.True(t, tm.account("A").Active())
	require.NoError(t, tm.AddWaitingForAcknowledgement("A", 2, "B"))

	require.NoError(t, tm.Commit(&CommitContext{AppliedIDs: []transaction.ServerTransactionID{id}}))
	require.Empty(t, tm.transport.acked(), "commit alone does not complete on the active")
	tm.Broadcasted(id)
	tm.TransactionsRelayed([]transaction.ServerTransactionID{id})
	require.Empty(t, tm.transport.acked())
	require.NoError(t, tm.Acknowledgement("A", 2, "B"))
	require.Equal(t, []transaction.ServerTransactionID{id}, tm.transport.acked())
}

func TestRepeatedIDInBatchRecordsNothing(t *testing.T) {
	tm := newTestManager(t, false)
	ctx := context.Background()

	first, again := newTxn(t, "A", 1, 4, 1), newTxn(t, "A", 1, 5, 2)
	err := tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{first, again})
	require.ErrorIs(t, err, account.ErrDuplicateTransaction)
	require.Zero(t, tm.PendingTransactionCount())

	gid, err := tm.gtm.GetGlobalTransactionID(first.ServerTransactionID())
	require.NoError(t, err)
	require.True(t, gid.IsNull(), "no gid is recorded for a rejected batch")

	ok := newTxn(t, "A", 1, 4, 1)
	require.NoError(t, tm.IncomingTransactions(ctx, "A", []*transaction.ServerTransaction{ok}))
	require.EqualValues(t, 1, tm.PendingTransactionCount())
}

func TestCancelledGoToActiveModeUnregistersWaiter(t *testing.T) {
	tm := newTestManager(t, false)
	before := len(tm.listeners.snapshot())
	txn := newTxn(t, "A", 1, 3, 1)
	require.NoError(t, tm.IncomingTransactions(context.Background(), "A", []*transaction.ServerTransaction{txn}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, tm.GoToActiveMode(ctx), context.Canceled)
	require.Len(t, tm.listeners.snapshot(), before)

	// the abandoned waiter never switches modes later
	require.NoError(t, tm.Commit(&CommitContext{AppliedIDs: []transaction.ServerTransactionID{txn.ServerTransactionID()}}))
	require.False(t, tm.IsActive())
}
