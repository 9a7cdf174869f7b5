package batch

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojotx/core/transaction"
)

// --- Test Helpers ---

func randomTransaction(t *testing.T, r *rand.Rand, id transaction.TransactionID) *transaction.ServerTransaction {
	t.Helper()
	txn := &transaction.ServerTransaction{
		ID:                id,
		Source:            "client-1",
		Type:              transaction.TxnType(1 + r.Intn(3)),
		SequenceID:        transaction.SequenceID(id * 10),
		NumApplicationTxn: uint32(1 + r.Intn(4)),
		NewRoots:          map[string]transaction.ObjectID{},
	}
	for i, n := 0, r.Intn(3); i < n; i++ {
		txn.LockIDs = append(txn.LockIDs, transaction.LockID(fmt.Sprintf("lock-%d", r.Intn(100))))
	}
	for i, n := 0, r.Intn(3); i < n; i++ {
		txn.NewRoots[fmt.Sprintf("root-%d-%d", id, i)] = transaction.ObjectID(r.Int63())
	}
	for i, n := 0, r.Intn(2); i < n; i++ {
		txn.Notifies = append(txn.Notifies, transaction.Notify{LockID: "lock-n", All: r.Intn(2) == 0})
	}
	for i, n := 0, r.Intn(2); i < n; i++ {
		txn.DmiDescriptors = append(txn.DmiDescriptors, transaction.DmiDescriptor{ReceiverID: 1, DmiCallID: 2, FaultReceiver: true})
	}
	for i, n := 0, r.Intn(3); i < n; i++ {
		txn.HighWaterMarks = append(txn.HighWaterMarks, r.Uint64())
	}
	base := transaction.ObjectID(uint64(id) * 1000)
	for i, n := 0, 1+r.Intn(4); i < n; i++ {
		c := transaction.Change{
			ObjectID: base + transaction.ObjectID(i),
			TypeName: "com.example.Node",
			Version:  uint64(r.Intn(3)),
			IsNew:    r.Intn(2) == 0,
			Indexed:  r.Intn(4) == 0,
		}
		for j, n := 0, r.Intn(4); j < n; j++ {
			c.Actions = append(c.Actions, transaction.Action{
				Kind:  transaction.ActionKind(1 + r.Intn(3)),
				Field: fmt.Sprintf("f%d", j),
				Value: []byte(fmt.Sprintf("v%d", r.Intn(1000))),
			})
		}
		txn.Changes = append(txn.Changes, c)
	}
	out, err := transaction.New(txn)
	require.NoError(t, err)
	return out
}

func randomBatch(t *testing.T, r *rand.Rand, n int) []*transaction.ServerTransaction {
	t.Helper()
	txns := make([]*transaction.ServerTransaction, 0, n)
	for i := 1; i <= n; i++ {
		txns = append(txns, randomTransaction(t, r, transaction.TransactionID(i)))
	}
	return txns
}

// --- Test Cases ---

// TestRoundTripIsByteIdentical encodes random batches, decodes them and
// encodes the decoded transactions again.
func TestRoundTripIsByteIdentical(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for iter := 0; iter < 50; iter++ {
		txns := randomBatch(t, r, 1+r.Intn(8))
		data, err := Encode(transaction.BatchID(iter), txns)
		require.NoError(t, err)

		ctx, err := Decode("client-1", data)
		require.NoError(t, err)
		require.Equal(t, transaction.BatchID(iter), ctx.Header.BatchID)
		require.Len(t, ctx.Transactions, len(txns))

		again, err := Encode(ctx.Header.BatchID, ctx.Transactions)
		require.NoError(t, err)
		require.Equal(t, data, again, "iteration %d", iter)

		for i, txn := range ctx.Transactions {
			require.Equal(t, txns[i].ID, txn.ID)
			require.Equal(t, txns[i].Type, txn.Type)
			require.Equal(t, txns[i].ObjectIDs(), txn.ObjectIDs())
			require.Equal(t, txns[i].NewObjectIDs(), txn.NewObjectIDs())
			require.Equal(t, txns[i].NewRoots, txn.NewRoots)
			require.Equal(t, transaction.BatchID(iter), txn.BatchID)
		}
	}
}

// TestSubRangeMatchesDirectEncoding slices random ranges out of a decoded
// batch and compares them with encoding only those transactions.
func TestSubRangeMatchesDirectEncoding(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for iter := 0; iter < 30; iter++ {
		n := 2 + r.Intn(8)
		txns := randomBatch(t, r, n)
		data, err := Encode(99, txns)
		require.NoError(t, err)

		reader, err := NewReader("client-1", data)
		require.NoError(t, err)
		_, err = reader.ReadAll()
		require.NoError(t, err)

		i := r.Intn(n)
		j := i + r.Intn(n-i)
		sub, err := reader.SubRange(txns[i].ID, txns[j].ID)
		require.NoError(t, err)

		direct, err := Encode(99, txns[i:j+1])
		require.NoError(t, err)
		require.Equal(t, direct, sub, "range %d..%d of %d", i, j, n)
	}
}

func TestSubRangeOfWholeBatchReturnsOriginalBuffer(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	txns := randomBatch(t, r, 4)
	data, err := Encode(1, txns)
	require.NoError(t, err)

	// SubRange decodes on demand when the reader was not drained.
	reader, err := NewReader("client-1", data)
	require.NoError(t, err)
	sub, err := reader.SubRange(txns[0].ID, txns[3].ID)
	require.NoError(t, err)
	require.Equal(t, len(data), len(sub))
	require.True(t, &data[0] == &sub[0], "full range must not copy")
}

func TestSubRangeUnknownTransaction(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	data, err := Encode(1, randomBatch(t, r, 3))
	require.NoError(t, err)
	reader, err := NewReader("client-1", data)
	require.NoError(t, err)
	_, err = reader.SubRange(2, 40)
	require.ErrorIs(t, err, ErrRangeNotFound)
}

func TestReaderIsLazyAndEndsWithNil(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	txns := randomBatch(t, r, 3)
	data, err := Encode(5, txns)
	require.NoError(t, err)

	reader, err := NewReader("client-1", data)
	require.NoError(t, err)
	require.Equal(t, uint32(3), reader.Header().Count)

	for i := 0; i < 3; i++ {
		txn, err := reader.Next()
		require.NoError(t, err)
		require.NotNil(t, txn)
		require.Equal(t, txns[i].ID, txn.ID)
		require.Equal(t, transaction.NodeID("client-1"), txn.Source)
	}
	txn, err := reader.Next()
	require.NoError(t, err)
	require.Nil(t, txn)
}

func TestSyncWriteFlag(t *testing.T) {
	normal, err := transaction.New(&transaction.ServerTransaction{ID: 1, Type: transaction.TxnTypeNormal})
	require.NoError(t, err)
	sync, err := transaction.New(&transaction.ServerTransaction{ID: 2, Type: transaction.TxnTypeSyncWrite})
	require.NoError(t, err)

	data, err := Encode(1, []*transaction.ServerTransaction{normal})
	require.NoError(t, err)
	ctx, err := Decode("c", data)
	require.NoError(t, err)
	require.False(t, ctx.Header.SyncWrite)

	data, err = Encode(1, []*transaction.ServerTransaction{normal, sync})
	require.NoError(t, err)
	ctx, err = Decode("c", data)
	require.NoError(t, err)
	require.True(t, ctx.Header.SyncWrite)

	// the first transaction alone carries no sync write
	sub, err := ctx.Sub(ctx.Transactions[:1]).Bytes()
	require.NoError(t, err)
	subCtx, err := Decode("c", sub)
	require.NoError(t, err)
	require.False(t, subCtx.Header.SyncWrite)
}

func TestTrailingBytesAreRejected(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	data, err := Encode(1, randomBatch(t, r, 2))
	require.NoError(t, err)
	data = append(data, 0xde, 0xad)

	_, err = Decode("client-1", data)
	require.ErrorIs(t, err, ErrTrailingBytes)
}

// TestTruncatedInputIsMalformed cuts a valid batch at every length.
func TestTruncatedInputIsMalformed(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	data, err := Encode(1, randomBatch(t, r, 3))
	require.NoError(t, err)

	for n := 0; n < len(data); n++ {
		_, err := Decode("client-1", data[:n])
		require.ErrorIs(t, err, ErrMalformedBatch, "prefix of %d bytes", n)
	}
}

func TestUnknownTypeTagIsMalformed(t *testing.T) {
	txn, err := transaction.New(&transaction.ServerTransaction{ID: 1})
	require.NoError(t, err)
	data, err := Encode(1, []*transaction.ServerTransaction{txn})
	require.NoError(t, err)

	// the type tag follows the 8-byte transaction id
	data[headerSize+8] = 9
	_, err = Decode("client-1", data)
	require.ErrorIs(t, err, ErrMalformedBatch)
}

func TestWriterRejectsInvalidType(t *testing.T) {
	w := NewWriter(1)
	txn := &transaction.ServerTransaction{ID: 1, Type: 0x7f}
	require.ErrorIs(t, w.Add(txn), ErrInvalidTransaction)
	require.Equal(t, 0, w.Len())
}
