package batch

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/sushant-115/gojotx/core/transaction"
)

// minRecordSize is the encoded size of a transaction with every list empty.
const minRecordSize = 8 + 1 + 4 + 8 + 6*4

// mark delimits the bytes of one decoded transaction record.
type mark struct {
	id         transaction.TransactionID
	start, end int
	syncWrite  bool
}

// Reader decodes a batch forward, one transaction at a time. It remembers
// where each record starts and ends so sub-ranges can be re-sent verbatim.
type Reader struct {
	source transaction.NodeID
	data   []byte
	dec    *decoder
	header Header
	read   uint32
	marks  []mark
	err    error
}

// NewReader parses the batch header of data received from source.
func NewReader(source transaction.NodeID, data []byte) (*Reader, error) {
	dec := newDecoder(data)
	h, err := readHeader(dec)
	if err != nil {
		return nil, err
	}
	return &Reader{
		source: source,
		data:   data,
		dec:    dec,
		header: h,
		marks:  make([]mark, 0, min(int(h.Count), len(data)/headerSize+1)),
	}, nil
}

// Header returns the batch header.
func (r *Reader) Header() Header { return r.header }

// Source returns the node the batch came from.
func (r *Reader) Source() transaction.NodeID { return r.source }

// Next decodes the next transaction. It returns nil, nil once every declared
// transaction was read, and an error if the batch is malformed or bytes remain
// after the last transaction. Once an error is returned it is returned again.
func (r *Reader) Next() (*transaction.ServerTransaction, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.read == r.header.Count {
		if n := r.dec.remaining(); n > 0 {
			r.err = errors.Wrapf(ErrTrailingBytes, "%d bytes after %d transactions from %s", n, r.read, r.source)
			return nil, r.err
		}
		return nil, nil
	}
	start := r.dec.offset()
	txn, err := decodeTransaction(r.dec, r.source, r.header.BatchID)
	if err != nil {
		r.err = errors.Wrapf(err, "transaction %d of batch %d from %s", r.read, r.header.BatchID, r.source)
		return nil, r.err
	}
	r.marks = append(r.marks, mark{id: txn.ID, start: start, end: r.dec.offset(), syncWrite: txn.IsSyncWrite()})
	r.read++
	return txn, nil
}

// ReadAll decodes every remaining transaction.
func (r *Reader) ReadAll() ([]*transaction.ServerTransaction, error) {
	txns := make([]*transaction.ServerTransaction, 0, min(int(r.header.Count-r.read), r.dec.remaining()/minRecordSize+1))
	for {
		txn, err := r.Next()
		if err != nil {
			return nil, err
		}
		if txn == nil {
			return txns, nil
		}
		txns = append(txns, txn)
	}
}

func (r *Reader) drain() error {
	for {
		txn, err := r.Next()
		if err != nil {
			return err
		}
		if txn == nil {
			return nil
		}
	}
}

// SubRange returns a batch holding the transactions first..last (inclusive,
// in batch order) exactly as they were received. If the range covers the whole
// batch the original buffer is returned without copying.
func (r *Reader) SubRange(first, last transaction.TransactionID) ([]byte, error) {
	if err := r.drain(); err != nil {
		return nil, err
	}
	from, to := -1, -1
	for i, m := range r.marks {
		if m.id == first && from < 0 {
			from = i
		}
		if m.id == last && from >= 0 {
			to = i
			break
		}
	}
	if from < 0 || to < 0 {
		return nil, errors.Wrapf(ErrRangeNotFound, "txns %d..%d in batch %d from %s", first, last, r.header.BatchID, r.source)
	}
	count := uint32(to - from + 1)
	if count == r.header.Count {
		return r.data, nil
	}
	h := Header{BatchID: r.header.BatchID, Count: count}
	for _, m := range r.marks[from : to+1] {
		if m.syncWrite {
			h.SyncWrite = true
			break
		}
	}
	body := r.data[r.marks[from].start:r.marks[to].end]
	out := bytes.NewBuffer(make([]byte, 0, headerSize+len(body)))
	_ = writeHeader(out, h)
	out.Write(body)
	return out.Bytes(), nil
}
