package transaction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewDerivesObjectSets(t *testing.T) {
	txn, err := New(&ServerTransaction{
		ID:     7,
		Source: "client-1",
		Changes: []Change{
			{ObjectID: 10, TypeName: "Map"},
			{ObjectID: 11, TypeName: "Map", IsNew: true},
			{ObjectID: 12, TypeName: "Doc", Indexed: true, Actions: []Action{
				{Kind: ActionPhysicalSet, Field: "title", Value: []byte("a")},
				{Kind: ActionPhysicalSet, Field: "body", Value: []byte("b")},
				{Kind: ActionLogicalRemove, Field: "body"},
			}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, []ObjectID{10, 11, 12}, txn.ObjectIDs())
	require.Equal(t, []ObjectID{11}, txn.NewObjectIDs())
	require.True(t, txn.IsNewObject(11))
	require.False(t, txn.IsNewObject(10))
	require.Equal(t, TxnTypeNormal, txn.Type)
	require.Equal(t, NewServerTransactionID("client-1", 7), txn.ServerTransactionID())

	require.True(t, txn.NeedsMetaDataProcessing())
	readers := txn.MetaDataReaders()
	require.Len(t, readers, 1)
	require.Equal(t, map[string][]byte{"title": []byte("a")}, readers[0].Fields)
}

func TestNewRejectsDuplicateObjects(t *testing.T) {
	_, err := New(&ServerTransaction{
		ID:      1,
		Source:  "client-1",
		Changes: []Change{{ObjectID: 5}, {ObjectID: 5}},
	})
	require.ErrorIs(t, err, ErrDuplicateObject)
}

func TestCursorWalksActions(t *testing.T) {
	c := Change{Actions: []Action{{Kind: ActionPhysicalSet, Field: "a"}, {Kind: ActionEvictionCompleted}}}
	cur := c.Cursor()
	var kinds []ActionKind
	for cur.Next() {
		kinds = append(kinds, cur.Action().Kind)
	}
	require.Equal(t, []ActionKind{ActionPhysicalSet, ActionEvictionCompleted}, kinds)
	require.False(t, cur.Next())
	cur.Reset()
	require.True(t, cur.Next())
	require.Equal(t, "a", cur.Action().Field)
}

func TestWaitUntilCommit(t *testing.T) {
	txn, err := New(&ServerTransaction{ID: 1, Source: "c"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- txn.WaitUntilCommit(context.Background()) }()

	select {
	case <-done:
		t.Fatal("wait returned before commit")
	case <-time.After(20 * time.Millisecond):
	}
	txn.MarkCommitted()
	require.NoError(t, <-done)
	require.True(t, txn.IsCommitted())
	require.False(t, txn.IsRelayed())
}

func TestWaitSurfacesCancellation(t *testing.T) {
	txn, err := New(&ServerTransaction{ID: 1, Source: "c"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = txn.WaitUntilRelayComplete(ctx)
	require.True(t, errors.Is(err, context.Canceled))

	// The signal itself is unaffected by the cancelled wait.
	txn.MarkRelayed()
	require.NoError(t, txn.WaitUntilRelayComplete(context.Background()))
}

func TestAbortReleasesWaiters(t *testing.T) {
	txn, err := New(&ServerTransaction{ID: 1, Source: "c"})
	require.NoError(t, err)
	txn.MarkRelayed()
	txn.Abort()
	require.NoError(t, txn.WaitUntilRelayComplete(context.Background()))
	require.ErrorIs(t, txn.WaitUntilCommit(context.Background()), ErrShutdown)
}
