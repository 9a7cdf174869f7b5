package batch

import (
	"bytes"
	"math"

	"github.com/pkg/errors"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Writer serializes transactions into one batch.
type Writer struct {
	batchID   transaction.BatchID
	records   *bytes.Buffer
	count     uint32
	syncWrite bool
}

// NewWriter starts an empty batch with the given id.
func NewWriter(batchID transaction.BatchID) *Writer {
	return &Writer{batchID: batchID, records: new(bytes.Buffer)}
}

// Add appends txn to the batch. On error the batch is left unchanged.
func (w *Writer) Add(txn *transaction.ServerTransaction) error {
	if w.count == math.MaxUint32 {
		return errors.Wrap(ErrFieldTooLarge, "batch transaction count")
	}
	mark := w.records.Len()
	if err := encodeTransaction(w.records, txn); err != nil {
		w.records.Truncate(mark)
		return err
	}
	w.count++
	if txn.IsSyncWrite() {
		w.syncWrite = true
	}
	return nil
}

// Len returns the number of transactions added so far.
func (w *Writer) Len() int { return int(w.count) }

// Header returns the header the batch will be written with.
func (w *Writer) Header() Header {
	return Header{BatchID: w.batchID, Count: w.count, SyncWrite: w.syncWrite}
}

// Bytes returns the encoded batch.
func (w *Writer) Bytes() []byte {
	out := bytes.NewBuffer(make([]byte, 0, headerSize+w.records.Len()))
	// writes to a bytes.Buffer cannot fail
	_ = writeHeader(out, w.Header())
	out.Write(w.records.Bytes())
	return out.Bytes()
}

// Encode writes txns as one batch.
func Encode(batchID transaction.BatchID, txns []*transaction.ServerTransaction) ([]byte, error) {
	w := NewWriter(batchID)
	for _, txn := range txns {
		if err := w.Add(txn); err != nil {
			return nil, err
		}
	}
	return w.Bytes(), nil
}
