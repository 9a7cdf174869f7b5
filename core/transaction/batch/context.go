package batch

import (
	"github.com/pkg/errors"

	"github.com/sushant-115/gojotx/core/transaction"
)

// Context is a decoded batch travelling through the server pipeline. A
// context may cover only a contiguous run of the batch it was decoded from.
type Context struct {
	Source       transaction.NodeID
	Header       Header
	Transactions []*transaction.ServerTransaction

	reader *Reader
}

// Decode reads every transaction of data received from source.
func Decode(source transaction.NodeID, data []byte) (*Context, error) {
	r, err := NewReader(source, data)
	if err != nil {
		return nil, err
	}
	txns, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	return &Context{Source: source, Header: r.Header(), Transactions: txns, reader: r}, nil
}

// NewContext builds a context for transactions that were never encoded.
func NewContext(source transaction.NodeID, batchID transaction.BatchID, txns []*transaction.ServerTransaction) *Context {
	h := Header{BatchID: batchID, Count: uint32(len(txns))}
	for _, t := range txns {
		if t.IsSyncWrite() {
			h.SyncWrite = true
			break
		}
	}
	return &Context{Source: source, Header: h, Transactions: txns}
}

// Sub returns a context over txns, which must be a contiguous run of c.
func (c *Context) Sub(txns []*transaction.ServerTransaction) *Context {
	sub := NewContext(c.Source, c.Header.BatchID, txns)
	sub.reader = c.reader
	return sub
}

// Len returns the number of transactions in the context.
func (c *Context) Len() int { return len(c.Transactions) }

// ServerTransactionIDs returns the ids of the transactions in order.
func (c *Context) ServerTransactionIDs() []transaction.ServerTransactionID {
	ids := make([]transaction.ServerTransactionID, 0, len(c.Transactions))
	for _, t := range c.Transactions {
		ids = append(ids, t.ServerTransactionID())
	}
	return ids
}

// Bytes returns the wire form of the context. Decoded contexts reuse the
// received bytes; others are encoded.
func (c *Context) Bytes() ([]byte, error) {
	if len(c.Transactions) == 0 {
		return nil, errors.Wrap(ErrRangeNotFound, "empty batch context")
	}
	if c.reader != nil {
		first := c.Transactions[0].ID
		last := c.Transactions[len(c.Transactions)-1].ID
		return c.reader.SubRange(first, last)
	}
	return Encode(c.Header.BatchID, c.Transactions)
}
